package commands

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neoyarus/prusalink-rz/internal/dispatcher"
	"github.com/neoyarus/prusalink-rz/internal/eventbus"
	"github.com/neoyarus/prusalink-rz/internal/serialqueue"
	"github.com/neoyarus/prusalink-rz/internal/state"
)

// scriptedLink echoes "ok" for every write, and lets the test fire
// additional chatter lines (e.g. `echo:enqueing "M24"`) through
// the same dispatcher, simulating what the firmware would say in
// response to the gcode it was just sent.
type scriptedLink struct {
	mu   sync.Mutex
	disp *dispatcher.Dispatcher
	on   map[string][]string // gcode prefix -> extra lines to dispatch before ok
}

func (s *scriptedLink) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	s.mu.Lock()
	disp := s.disp
	var extra []string
	for prefix, lines := range s.on {
		if strings.Contains(line, prefix) {
			extra = lines
			break
		}
	}
	s.mu.Unlock()
	go func() {
		for _, l := range extra {
			disp.Dispatch(l)
		}
		disp.Dispatch("ok")
	}()
	return len(p), nil
}

func newHarness(t *testing.T, on map[string][]string) (*Handlers, *state.Manager) {
	t.Helper()
	link := &scriptedLink{on: on}
	disp := dispatcher.New(link, nil)
	link.disp = disp

	bus := eventbus.New[state.Changed]()
	st := state.New(bus, nil)
	st.RegisterHandlers(disp)

	q := serialqueue.New(disp, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx)

	h := New(q, st, nil)
	h.PollInterval = 5 * time.Millisecond
	h.Deadline = time.Second
	return h, st
}

func TestStartPrintReachesPrinting(t *testing.T) {
	h, st := newHarness(t, map[string][]string{"M24": {`echo:enqueing "M24"`}})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcome, err := h.StartPrint(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, Finished, outcome)
	require.Equal(t, state.Printing, st.Current())
}

func TestResumePrintReachesPrintingFromPaused(t *testing.T) {
	h, st := newHarness(t, map[string][]string{
		"M24":  {`echo:enqueing "M24"`},
		"M25":  {"// action:paused"},
		"M602": {"// action:resumed"},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := h.StartPrint(ctx, "job-1")
	require.NoError(t, err)
	_, err = h.PausePrint(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, state.Paused, st.Current())

	outcome, err := h.ResumePrint(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, Finished, outcome)
	require.Equal(t, state.Printing, st.Current())
}

func TestCommandTimesOutWhenPrinterNeverReachesState(t *testing.T) {
	h, _ := newHarness(t, nil) // no chatter at all, only bare "ok"
	h.Deadline = 30 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	outcome, err := h.StartPrint(ctx, "job-1")
	require.ErrorIs(t, err, ErrNotAccepted)
	require.Equal(t, Rejected, outcome)
}

func TestRespondWithInfoCollectsFirmwareLines(t *testing.T) {
	h, _ := newHarness(t, map[string][]string{"M115": {"FIRMWARE_NAME:Marlin"}})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	lines, err := h.RespondWithInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"FIRMWARE_NAME:Marlin"}, lines)
}

func TestExecuteGcodePassesThroughWithNoStateExpectation(t *testing.T) {
	h, _ := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.ExecuteGcode(ctx, "G28"))
}
