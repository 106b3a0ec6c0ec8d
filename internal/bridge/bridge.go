// Package bridge wires every collaborator together and owns the
// process lifecycle: it is the Go analogue of original_source's
// old_buddy.py OldBuddy class and the teacher's main.go/Uplink.Run
// wiring, rewritten around this module's own components instead of
// the robot-arm/camera rig the teacher actually drove.
//
// Shutdown follows spec.md §5's leaf-first order: the periodic
// collaborators (telemetry, LCD, IP informer, command polling) stop
// first, then the serial queue is closed to new instructions and its
// loop stopped (an instruction still in flight ends with the context
// error; instructions still waiting are not sent), then the reader
// loop that feeds the dispatcher is stopped last.
package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neoyarus/prusalink-rz/internal/ancillary"
	"github.com/neoyarus/prusalink-rz/internal/commands"
	"github.com/neoyarus/prusalink-rz/internal/connect"
	"github.com/neoyarus/prusalink-rz/internal/dispatcher"
	"github.com/neoyarus/prusalink-rz/internal/eventbus"
	"github.com/neoyarus/prusalink-rz/internal/serialqueue"
	"github.com/neoyarus/prusalink-rz/internal/state"
)

// Intervals carries the bridge's own timing knobs, normally sourced
// from the process config.
type Intervals struct {
	QuitInterval          time.Duration
	StatusUpdateInterval  time.Duration
	TelemetrySendInterval time.Duration
}

// Bridge owns the full set of collaborators for one printer.
type Bridge struct {
	link io.ReadWriter
	log  *slog.Logger

	intervals Intervals

	disp     *dispatcher.Dispatcher
	queue    *serialqueue.Queue
	state    *state.Manager
	commands *commands.Handlers
	connect  *connect.Client
	lcd      *ancillary.LCDQueue
	ip       *ancillary.IPInformer
	telem    *ancillary.TelemetryGatherer

	stateBus   *eventbus.Bus[state.Changed]
	connErrBus *eventbus.Bus[connect.ConnectionError]

	readerCancel  context.CancelFunc
	queueCancel   context.CancelFunc
	pollersCancel context.CancelFunc

	wgReader  sync.WaitGroup
	wgQueue   sync.WaitGroup
	wgPollers sync.WaitGroup
}

// New constructs a Bridge around link (the open serial port) and a
// Connect client targeting baseURL with token.
func New(link io.ReadWriter, baseURL, token string, intervals Intervals, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	if intervals.QuitInterval <= 0 {
		intervals.QuitInterval = 500 * time.Millisecond
	}

	disp := dispatcher.New(link, log)
	stateBus := eventbus.New[state.Changed]()
	connErrBus := eventbus.New[connect.ConnectionError]()

	st := state.New(stateBus, log)
	st.RegisterHandlers(disp)

	queue := serialqueue.New(disp, log)
	cl := connect.New(baseURL, token, connErrBus, log)
	cmds := commands.New(queue, st, log)

	b := &Bridge{
		link:       link,
		log:        log,
		intervals:  intervals,
		disp:       disp,
		queue:      queue,
		state:      st,
		commands:   cmds,
		connect:    cl,
		lcd:        ancillary.NewLCDQueue(queue, intervals.StatusUpdateInterval, log),
		ip:         ancillary.NewIPInformer(30*time.Second, func(string) {}, log),
		telem:      &ancillary.TelemetryGatherer{Queue: queue, State: st},
		stateBus:   stateBus,
		connErrBus: connErrBus,
	}
	b.ip = ancillary.NewIPInformer(30*time.Second, func(ip string) {
		b.lcd.Show(fmt.Sprintf("IP: %s", ip))
	}, log)
	return b
}

// State returns the bridge's state manager, for callers (e.g. a
// command dispatch loop) that need to stage expectations directly.
func (b *Bridge) State() *state.Manager { return b.state }

// Commands returns the bridge's command handler set.
func (b *Bridge) Commands() *commands.Handlers { return b.commands }

// Run starts every collaborator and blocks until ctx is canceled,
// then performs the leaf-first shutdown described at package level.
func (b *Bridge) Run(ctx context.Context) error {
	readerCtx, readerCancel := context.WithCancel(context.Background())
	b.readerCancel = readerCancel
	b.wgReader.Add(1)
	go func() {
		defer b.wgReader.Done()
		b.runReader(readerCtx)
	}()

	queueCtx, queueCancel := context.WithCancel(context.Background())
	b.queueCancel = queueCancel
	b.wgQueue.Add(1)
	go func() {
		defer b.wgQueue.Done()
		b.queue.Run(queueCtx)
	}()

	pollersCtx, pollersCancel := context.WithCancel(context.Background())
	b.pollersCancel = pollersCancel
	b.startPollers(pollersCtx)

	<-ctx.Done()
	b.shutdown()
	return nil
}

func (b *Bridge) startPollers(ctx context.Context) {
	runners := []func(context.Context){
		b.lcd.Run,
		b.ip.Run,
		b.runStateForwarder,
		b.runTelemetryLoop,
		b.runCommandLoop,
		b.runStatePoller,
	}
	for _, run := range runners {
		b.wgPollers.Add(1)
		go func(run func(context.Context)) {
			defer b.wgPollers.Done()
			run(ctx)
		}(run)
	}
}

// shutdown stops collaborators leaf-first: periodic pollers, then the
// serial queue, then the reader that feeds the dispatcher.
func (b *Bridge) shutdown() {
	b.pollersCancel()
	b.wgPollers.Wait()

	b.queue.Close()
	b.queueCancel()
	b.wgQueue.Wait()

	b.readerCancel()
	b.wgReader.Wait()
}

// runReader scans newline-delimited output from the printer and
// hands each line to the dispatcher, in order, from a single
// goroutine (spec.md §5's ordering guarantee).
func (b *Bridge) runReader(ctx context.Context) {
	scanner := bufio.NewScanner(b.link)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			b.disp.Dispatch(line)
		}
	}
}

func (b *Bridge) runStateForwarder(ctx context.Context) {
	cancel := b.stateBus.Subscribe(func(c state.Changed) {
		evCtx, evCancel := context.WithTimeout(ctx, 10*time.Second)
		defer evCancel()
		if err := b.connect.SendEvent(evCtx, connect.Event{
			Kind:  connect.EmitStateChanged,
			JobID: c.Correlation,
			Data: map[string]any{
				"from":   string(c.From),
				"to":     string(c.To),
				"source": string(c.Source),
			},
		}); err != nil {
			b.log.Warn("bridge: could not report state change to Connect", "error", err)
		}
	})
	defer cancel()
	<-ctx.Done()
}

func (b *Bridge) runTelemetryLoop(ctx context.Context) {
	interval := b.intervals.TelemetrySendInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := b.telem.Gather(ctx)
			if err != nil {
				b.log.Warn("bridge: could not gather telemetry", "error", err)
				continue
			}
			if err := b.connect.SendTelemetry(ctx, map[string]any{
				"state":         string(t.State),
				"nozzle_temp":   t.NozzleTemp,
				"nozzle_target": t.NozzleTarget,
				"bed_temp":      t.BedTemp,
				"bed_target":    t.BedTarget,
			}); err != nil {
				b.log.Warn("bridge: could not send telemetry", "error", err)
			}
		}
	}
}

func (b *Bridge) runCommandLoop(ctx context.Context) {
	interval := b.intervals.StatusUpdateInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cr, err := b.connect.PollCommand(ctx)
			if err != nil {
				b.log.Warn("bridge: could not poll for commands", "error", err)
				continue
			}
			if cr == nil {
				continue
			}
			b.dispatchCommand(ctx, cr.Command)
		}
	}
}

// runStatePoller drives the active-reconciliation poller (spec.md
// §4.3.2): it is the second of the two paths that keep the state
// manager honest, alongside the unsolicited chatter RegisterHandlers
// already reacts to, and is what lets a finished or paused print be
// noticed even if the firmware never says so unprompted.
func (b *Bridge) runStatePoller(ctx context.Context) {
	interval := b.intervals.StatusUpdateInterval
	if interval <= 0 {
		interval = state.PollInterval
	}
	b.state.RunPoller(ctx, b.queue, interval)
}

func (b *Bridge) dispatchCommand(ctx context.Context, cmd connect.Command) {
	jobID, _ := cmd.Args["job_id"].(string)
	// Connect doesn't always hand back a job id (e.g. a manually
	// triggered stop); mint one so the resulting StateChange's
	// Correlation still has something to attribute the state.Changed
	// event to when it's forwarded back in runStateForwarder.
	// RESET_PRINTER and SEND_INFO take no job id: a state change caused
	// by a reset carries an empty Correlation.
	if jobID == "" {
		jobID = uuid.NewString()
	}
	var err error
	switch cmd.Name {
	case "START_PRINT":
		_, err = b.commands.StartPrint(ctx, jobID)
	case "STOP_PRINT":
		_, err = b.commands.StopPrint(ctx, jobID)
	case "PAUSE_PRINT":
		_, err = b.commands.PausePrint(ctx, jobID)
	case "RESUME_PRINT":
		_, err = b.commands.ResumePrint(ctx, jobID)
	case "RESET_PRINTER":
		_, err = b.commands.ResetPrinter(ctx)
	case "SEND_INFO":
		_, err = b.commands.RespondWithInfo(ctx)
	default:
		b.log.Warn("bridge: unrecognized command from Connect", "command", cmd.Name)
		return
	}
	if err != nil {
		b.log.Warn("bridge: command failed", "command", cmd.Name, "error", err)
	}
}
