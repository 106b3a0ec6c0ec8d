// Command prusalink-rz bridges a Marlin-dialect 3D printer attached
// over serial to the Connect cloud control service over HTTP.
//
// Grounded on the teacher's main.go: the flag-based CLI, the
// reconnect-after-a-fixed-delay loop around serial.Open, and the
// signal-driven shutdown come from there, generalized from the
// RoboSLA agent's robot-rig wiring to this module's own
// dispatcher/queue/state/bridge stack.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samofly/serial"

	"github.com/neoyarus/prusalink-rz/internal/bridge"
)

// Version is set by the release build; dev builds report "dev".
var Version = "dev"

var (
	showVersion = flag.Bool("version", false, "print the version and exit")
	configPath  = flag.String("config", "printer.cfg", "path to the printer.cfg-style config file")
)

const reconnectDelay = 10 * time.Second

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Fprintf(os.Stdout, "prusalink-rz version: %s\n", Version)
		return
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Error("could not load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runForever(ctx, cfg, log)
}

// runForever opens the serial port and runs a Bridge against it until
// ctx is canceled, reconnecting after a fixed delay if the port
// closes or never opens, matching the teacher's own reconnect loop in
// main.go.
func runForever(ctx context.Context, cfg *Config, log *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := serial.Open(cfg.Serial.Port, cfg.Serial.Baudrate)
		if err != nil {
			log.Warn("could not open serial port", "port", cfg.Serial.Port, "baudrate", cfg.Serial.Baudrate, "error", err)
			if !sleepOrDone(ctx, reconnectDelay) {
				return
			}
			continue
		}
		log.Info("opened serial port", "port", cfg.Serial.Port, "baudrate", cfg.Serial.Baudrate)

		b := bridge.New(conn, cfg.baseURL(), cfg.Connect.Token, bridge.Intervals{
			QuitInterval:          cfg.Intervals.QuitInterval,
			StatusUpdateInterval:  cfg.Intervals.StatusUpdateInterval,
			TelemetrySendInterval: cfg.Intervals.TelemetrySendInterval,
		}, log)

		runCtx, cancelRun := context.WithCancel(ctx)
		err = b.Run(runCtx)
		cancelRun()
		conn.Close()
		if err != nil {
			log.Warn("bridge exited with error", "error", err)
		}

		if ctx.Err() != nil {
			return
		}
		if !sleepOrDone(ctx, reconnectDelay) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
