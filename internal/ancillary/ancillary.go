// Package ancillary implements the bridge's smaller collaborators
// (spec.md §4.7): the printer's LCD status line, the device's network
// address for the Connect registration screen, a pluggable storage
// scanner, and the periodic telemetry gatherer.
//
// Grounded on the teacher's uplink.go: its pendingLogs/flushLogs
// batching shape (a mutex-guarded pending buffer plus a timer-driven
// flush) is the model for LCDQueue's debounce, generalized from
// "batch many log lines into one upload" to "coalesce rapid LCD
// updates into the latest one", since M117 replaces the display
// rather than appending to it.
package ancillary

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/neoyarus/prusalink-rz/internal/serialqueue"
	"github.com/neoyarus/prusalink-rz/internal/state"
)

// LCDQueue coalesces rapid-fire Show calls into the printer's M117
// line, so that a burst of status updates (e.g. progress percentage
// ticking every telemetry interval) doesn't spam the serial link with
// one M117 per tick.
type LCDQueue struct {
	queue *serialqueue.Queue
	log   *slog.Logger

	interval time.Duration

	mu      sync.Mutex
	pending string
	dirty   bool
}

// NewLCDQueue creates an LCDQueue that flushes at most once per
// interval.
func NewLCDQueue(queue *serialqueue.Queue, interval time.Duration, log *slog.Logger) *LCDQueue {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &LCDQueue{queue: queue, interval: interval, log: log}
}

// Show stages msg to be displayed; a later Show before the next flush
// simply replaces it, matching M117's own replace-not-append
// semantics.
func (l *LCDQueue) Show(msg string) {
	l.mu.Lock()
	l.pending = msg
	l.dirty = true
	l.mu.Unlock()
}

// Run flushes the most recent pending message every interval until
// ctx is canceled.
func (l *LCDQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.flush()
		}
	}
}

func (l *LCDQueue) flush() {
	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return
	}
	msg := l.pending
	l.dirty = false
	l.mu.Unlock()

	instr := serialqueue.NewInstruction(fmt.Sprintf("M117 %s", msg))
	if err := l.queue.EnqueueOne(instr); err != nil {
		l.log.Warn("ancillary: could not queue LCD update", "error", err)
		return
	}
	go func() {
		if res := <-instr.Done; res.Err != nil {
			l.log.Warn("ancillary: LCD update was not confirmed", "error", res.Err)
		}
	}()
}

// LocalIP returns the address this host would use to reach the
// outside world, for display on Connect's pairing screen. It opens no
// real connection; a UDP "connection" to a well-known address is
// enough to make the kernel pick a route and local address for us.
func LocalIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("ancillary: determine local IP: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("ancillary: unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// IPInformer periodically re-resolves the local IP and reports it to
// whoever wants to know, e.g. to show on the LCD or send to Connect.
type IPInformer struct {
	interval time.Duration
	onChange func(ip string)
	resolve  func() (string, error)
	log      *slog.Logger
}

// NewIPInformer creates an IPInformer that calls onChange whenever
// the resolved address differs from the last one seen.
func NewIPInformer(interval time.Duration, onChange func(string), log *slog.Logger) *IPInformer {
	if log == nil {
		log = slog.Default()
	}
	return &IPInformer{interval: interval, onChange: onChange, resolve: LocalIP, log: log}
}

// Run polls until ctx is canceled.
func (p *IPInformer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	var last string
	for {
		ip, err := p.resolve()
		if err != nil {
			p.log.Warn("ancillary: could not resolve local IP", "error", err)
		} else if ip != last {
			last = ip
			p.onChange(ip)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// FileInfo describes one file a StorageScanner finds.
type FileInfo struct {
	Name string
	Size int64
}

// StorageScanner enumerates files available for printing. The bridge
// only needs to forward whatever a scanner reports to Connect; how
// storage is actually enumerated (SD card listing via M20, a mounted
// USB filesystem, ...) is left to the concrete implementation, none
// of which this module commits to (spec.md's non-goals exclude print
// file parsing beyond streaming lines already selected).
type StorageScanner interface {
	Scan(ctx context.Context) ([]FileInfo, error)
}

// SDCardScanner lists files via the Marlin M20 SD-card listing
// command, the one storage backend this module implements directly.
type SDCardScanner struct {
	Queue *serialqueue.Queue
}

var sdListLineRegexp = regexp.MustCompile(`^(\S+\.gco|\S+\.gcode) (\d+)$`)

// Scan issues M20 and parses the file/size pairs Marlin reports
// before the confirming ok.
func (s *SDCardScanner) Scan(ctx context.Context) ([]FileInfo, error) {
	instr := serialqueue.NewCollecting("M20")
	if err := s.Queue.EnqueueOne(instr); err != nil {
		return nil, fmt.Errorf("ancillary: enqueue M20: %w", err)
	}
	select {
	case res := <-instr.Done:
		if res.Err != nil {
			return nil, fmt.Errorf("ancillary: M20 was not confirmed: %w", res.Err)
		}
		var files []FileInfo
		for _, line := range res.Collected {
			m := sdListLineRegexp.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			size, err := strconv.ParseInt(m[2], 10, 64)
			if err != nil {
				continue
			}
			files = append(files, FileInfo{Name: m[1], Size: size})
		}
		return files, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Telemetry is one snapshot handed to the upstream client.
type Telemetry struct {
	State       state.State
	NozzleTemp  float64
	NozzleTarget float64
	BedTemp     float64
	BedTarget   float64
}

// TelemetryGatherer queries the printer's temperatures and pairs them
// with the current composed state. It has no timer of its own: the
// caller decides when to call Gather (the bridge does so on its own
// telemetry ticker, separate from the state poller's).
type TelemetryGatherer struct {
	Queue *serialqueue.Queue
	State *state.Manager
}

var tempReportRegexp = regexp.MustCompile(`T:([\d.]+) */([\d.]+) B:([\d.]+) */([\d.]+)`)

// Gather issues M105 and parses the resulting temperature report.
func (g *TelemetryGatherer) Gather(ctx context.Context) (Telemetry, error) {
	instr := serialqueue.NewCollecting("M105")
	if err := g.Queue.EnqueueOne(instr); err != nil {
		return Telemetry{}, fmt.Errorf("ancillary: enqueue M105: %w", err)
	}
	select {
	case res := <-instr.Done:
		if res.Err != nil {
			return Telemetry{}, fmt.Errorf("ancillary: M105 was not confirmed: %w", res.Err)
		}
		t := Telemetry{State: g.State.Current()}
		for _, line := range res.Collected {
			m := tempReportRegexp.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			t.NozzleTemp, _ = strconv.ParseFloat(m[1], 64)
			t.NozzleTarget, _ = strconv.ParseFloat(m[2], 64)
			t.BedTemp, _ = strconv.ParseFloat(m[3], 64)
			t.BedTarget, _ = strconv.ParseFloat(m[4], 64)
		}
		return t, nil
	case <-ctx.Done():
		return Telemetry{}, ctx.Err()
	}
}
