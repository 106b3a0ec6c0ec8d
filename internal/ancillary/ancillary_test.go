package ancillary

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

type recordingLink struct {
	mu   sync.Mutex
	disp *dispatcher.Dispatcher
	on   map[string][]string
	sent []string
}

func (l *recordingLink) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	l.mu.Lock()
	l.sent = append(l.sent, line)
	disp := l.disp
	var extra []string
	for prefix, lines := range l.on {
		if strings.Contains(line, prefix) {
			extra = lines
			break
		}
	}
	l.mu.Unlock()
	go func() {
		for _, e := range extra {
			disp.Dispatch(e)
		}
		disp.Dispatch("ok")
	}()
	return len(p), nil
}

func newQueue(t *testing.T, on map[string][]string) (*serialqueue.Queue, *recordingLink) {
	t.Helper()
	link := &recordingLink{on: on}
	disp := dispatcher.New(link, nil)
	link.disp = disp
	q := serialqueue.New(disp, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx)
	return q, link
}

func TestLCDQueueCoalescesRapidUpdatesToLatest(t *testing.T) {
	q, link := newQueue(t, nil)
	lcd := NewLCDQueue(q, 20*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lcd.Run(ctx)

	lcd.Show("Printing 1%")
	lcd.Show("Printing 2%")
	lcd.Show("Printing 3%")

	require.Eventually(t, func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return len(link.sent) == 1
	}, time.Second, 5*time.Millisecond)

	link.mu.Lock()
	defer link.mu.Unlock()
	require.Contains(t, link.sent[0], "M117 Printing 3%")
}

func TestSDCardScannerParsesFileListing(t *testing.T) {
	q, _ := newQueue(t, map[string][]string{
		"M20": {"Begin file list", "print1.gco 102400", "print2.gcode 2048", "End file list"},
	})
	scanner := &SDCardScanner{Queue: q}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	files, err := scanner.Scan(ctx)
	require.NoError(t, err)
	require.Equal(t, []FileInfo{
		{Name: "print1.gco", Size: 102400},
		{Name: "print2.gcode", Size: 2048},
	}, files)
}

func TestTelemetryGathererParsesTemperatureReport(t *testing.T) {
	q, _ := newQueue(t, map[string][]string{
		"M105": {"T:200.1 /200.0 B:60.5 /60.0"},
	})
	bus := eventbus.New[state.Changed]()
	st := state.New(bus, nil)
	st.SetBusy()

	g := &TelemetryGatherer{Queue: q, State: st}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	telemetry, err := g.Gather(ctx)
	require.NoError(t, err)
	require.Equal(t, state.Busy, telemetry.State)
	require.InDelta(t, 200.1, telemetry.NozzleTemp, 0.001)
	require.InDelta(t, 200.0, telemetry.NozzleTarget, 0.001)
	require.InDelta(t, 60.5, telemetry.BedTemp, 0.001)
	require.InDelta(t, 60.0, telemetry.BedTarget, 0.001)
}

func TestLocalIPReturnsAnAddress(t *testing.T) {
	ip, err := LocalIP()
	if err != nil {
		t.Skipf("no route to determine local IP in this sandbox: %v", err)
	}
	require.NotEmpty(t, ip)
}

func TestIPInformerReportsOnlyOnChange(t *testing.T) {
	var reported []string
	calls := 0
	informer := NewIPInformer(5*time.Millisecond, func(ip string) {
		reported = append(reported, ip)
	}, nil)
	informer.resolve = func() (string, error) {
		calls++
		if calls <= 2 {
			return "10.0.0.1", nil
		}
		return "10.0.0.2", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	informer.Run(ctx)

	require.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, reported)
}
