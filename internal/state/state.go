// Package state implements the layered State Manager (spec.md §4.3):
// a base READY/BUSY layer, an optional printing layer, and an
// optional override layer, composed into one externally-visible
// state, plus the attribution machinery that decides WHO caused a
// given transition, and the background poller that reconciles state
// against the printer even when no unsolicited chatter arrives.
//
// Grounded on the original implementation's state_manager.py
// (old_buddy/modules/state_manager.py in original_source/): the
// StateChange expectation record, the state_influencer decorator, the
// base/printing/override layering, the ten canonical wire patterns,
// and update_state's busy-ping/progress/M27 reconciliation all come
// from there. The class-level blinker.Signal that file used to
// announce a change is replaced here by an eventbus.Bus handed in at
// construction, per spec.md §9's design note.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/neoyarus/prusalink-rz/internal/dispatcher"
	"github.com/neoyarus/prusalink-rz/internal/eventbus"
	"github.com/neoyarus/prusalink-rz/internal/serialqueue"
)

// State is a value in one of the three layers, or the externally
// visible composed state.
type State string

const (
	Ready     State = "READY"
	Busy      State = "BUSY"
	Printing  State = "PRINTING"
	Paused    State = "PAUSED"
	Finished  State = "FINISHED"
	Attention State = "ATTENTION"
	Error     State = "ERROR"

	// none is the zero value of the printing and override layers: no
	// opinion, fall through to the layer below.
	none State = ""
)

// Source attributes a transition to whoever caused it.
type Source string

const (
	SourceMarlin  Source = "MARLIN"
	SourceUser    Source = "USER"
	SourceConnect Source = "CONNECT"
	SourceWUI     Source = "WUI"
	SourceUnknown Source = "UNKNOWN"
)

// StateChange describes the transition a caller expects its own
// upcoming action to cause. Installing one via ExpectChange lets the
// attribution algorithm credit the resulting transition to this
// caller instead of falling back to whatever default source the
// mutator that actually fires would otherwise use. ToStates/FromStates
// map the state being entered/left to the source that transition
// should be attributed to, mirroring state_manager.py's StateChange
// class exactly (its to_states/from_states dicts carry a Source per
// state, not one source for the whole expectation).
type StateChange struct {
	ToStates   map[State]Source
	FromStates map[State]Source
	// Correlation is opaque caller data (e.g. a command or job id)
	// echoed back on the Changed event so the caller can recognize its
	// own transition.
	Correlation string
}

// Changed is published on the bus every time the composed state
// actually changes (spec.md's one-to-one emission property: exactly
// one Changed per observed composed-state change, never on a no-op
// mutation).
type Changed struct {
	From        State
	To          State
	Source      Source
	Correlation string
}

// Manager owns the three state layers and the single-slot expectation
// register.
type Manager struct {
	mu sync.Mutex

	base     State
	printing State
	override State

	// internalBusy lets other collaborators (e.g. something writing a
	// long file to the printer) suppress the poller's own chatter,
	// mirroring state_manager.py's internal_busy flag.
	internalBusy bool

	expected *StateChange

	bus *eventbus.Bus[Changed]
	log *slog.Logger
}

// New creates a Manager starting in the READY base state with no
// printing or override opinion.
func New(bus *eventbus.Bus[Changed], log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{base: Ready, bus: bus, log: log}
}

// Current returns the externally visible composed state: override if
// one is set, else printing if one is set, else base (spec.md §4.3.1).
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.composedLocked()
}

func (m *Manager) composedLocked() State {
	if m.override != none {
		return m.override
	}
	if m.printing != none {
		return m.printing
	}
	return m.base
}

// IsBusy reports whether the poller should skip reconciliation this
// tick: either the base layer itself observed BUSY, or some other
// collaborator raised the internal flag (spec.md §4.3.2 bullet 1).
func (m *Manager) IsBusy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.base == Busy || m.internalBusy
}

// SetInternalBusy raises or clears the internal busy flag.
func (m *Manager) SetInternalBusy(busy bool) {
	m.mu.Lock()
	m.internalBusy = busy
	m.mu.Unlock()
}

// ExpectChange installs sc in the single-slot expectation register.
// It is how a command handler tells the Manager "the next transition
// matching this is mine", ahead of sending the gcode that will
// actually trigger it. Callers must serialize their own commands; the
// slot holds exactly one expectation at a time (spec.md §4.3.4).
func (m *Manager) ExpectChange(sc StateChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expected = &sc
}

// withExpectation is the Go analogue of the original's
// state_influencer decorator: it installs a fallback expectation if
// none is already staged, runs mutate under the lock, and publishes a
// Changed event with the attributed source if the composed state
// actually moved. If it was the one to install the fallback, it
// clears the slot on exit regardless of whether a transition fired
// (spec.md §4.3.4(d)); an explicitly staged expectation that a
// mutator's own transition didn't match is left in place for a later
// transition to claim.
func (m *Manager) withExpectation(fallback StateChange, mutate func()) {
	m.mu.Lock()
	installedDefault := false
	if m.expected == nil {
		m.expected = &fallback
		installedDefault = true
	}
	before := m.composedLocked()
	mutate()
	after := m.composedLocked()

	if after == before {
		if installedDefault {
			m.expected = nil
		}
		m.mu.Unlock()
		return
	}

	source, correlation, consumed := m.attributeLocked(before, after, fallback)
	if consumed {
		m.expected = nil
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(Changed{From: before, To: after, Source: source, Correlation: correlation})
	}
}

// attributeLocked implements the attribution algorithm (spec.md
// §4.3.3): the staged expectation (explicit or the mutator's own
// default) is consulted first; a match on FromStates beats a
// disagreeing match on ToStates, since "what state were we leaving"
// is the useful attribution when escaping ATTENTION/ERROR. If the
// staged expectation doesn't mention either state at all, the
// transition is attributed via the mutator's own default expectation
// instead (without consuming whatever was staged, so it stays staged
// for a later transition to claim).
func (m *Manager) attributeLocked(before, after State, fallback StateChange) (source Source, correlation string, consumed bool) {
	if m.expected != nil {
		sc := m.expected
		srcFrom, hasFrom := sc.FromStates[before]
		srcTo, hasTo := sc.ToStates[after]
		switch {
		case hasFrom && hasTo && srcFrom != srcTo:
			return srcFrom, sc.Correlation, true
		case hasFrom:
			return srcFrom, sc.Correlation, true
		case hasTo:
			return srcTo, sc.Correlation, true
		}
	}
	if src, ok := fallback.FromStates[before]; ok {
		return src, "", false
	}
	if src, ok := fallback.ToStates[after]; ok {
		return src, "", false
	}
	return SourceUnknown, "", false
}

// Mutators. Each installs its own default StateChange (spec.md
// §4.3.4's table). All but SetAttention and SetError check the
// precondition on their own slot before mutating, exactly as
// state_manager.py's methods do (e.g. `paused` only acts if
// printing_state==PRINTING); SetAttention and SetError set the
// override unconditionally.

func (m *Manager) SetBusy() {
	m.withExpectation(StateChange{ToStates: map[State]Source{Busy: SourceMarlin}}, func() {
		if m.base == Ready {
			m.base = Busy
		}
	})
}

func (m *Manager) SetPrinting() {
	m.withExpectation(StateChange{ToStates: map[State]Source{Printing: SourceUser}}, func() {
		if m.printing == none {
			m.printing = Printing
		}
	})
}

func (m *Manager) SetNotPrinting() {
	m.withExpectation(StateChange{FromStates: map[State]Source{
		Printing: SourceMarlin,
		Paused:   SourceMarlin,
		Finished: SourceMarlin,
	}}, func() {
		if m.printing != none {
			m.printing = none
		}
	})
}

func (m *Manager) SetFinished() {
	m.withExpectation(StateChange{ToStates: map[State]Source{Finished: SourceMarlin}}, func() {
		if m.printing == Printing {
			m.printing = Finished
		}
	})
}

func (m *Manager) SetPaused() {
	m.withExpectation(StateChange{ToStates: map[State]Source{Paused: SourceUser}}, func() {
		if m.printing == Printing {
			m.printing = Paused
		}
	})
}

func (m *Manager) SetResumed() {
	m.withExpectation(StateChange{ToStates: map[State]Source{Printing: SourceUser}}, func() {
		if m.printing == Paused {
			m.printing = Printing
		}
	})
}

// SetOK is the printer's single "ok" acknowledgment, which clears
// whatever override was in effect, clears a FINISHED print back to no
// opinion, and clears a BUSY base back to READY — all three in one
// operation, matching state_manager.py's ok() exactly (spec.md
// §4.3.4's table: "clear ATTENTION/ERROR override if any; if
// printing=FINISHED clear it; if base=BUSY → base=READY").
func (m *Manager) SetOK() {
	m.withExpectation(StateChange{
		ToStates:   map[State]Source{Ready: SourceMarlin},
		FromStates: map[State]Source{Attention: SourceUser, Error: SourceUser},
	}, func() {
		if m.override != none {
			m.override = none
		}
		if m.printing == Finished {
			m.printing = none
		}
		if m.base == Busy {
			m.base = Ready
		}
	})
}

func (m *Manager) SetAttention() {
	m.withExpectation(StateChange{ToStates: map[State]Source{Attention: SourceUser}}, func() {
		m.override = Attention
	})
}

func (m *Manager) SetError() {
	m.withExpectation(StateChange{ToStates: map[State]Source{Error: SourceWUI}}, func() {
		m.override = Error
	})
}

var (
	// okRegexp is the bare confirmation line, distinct from
	// serialqueue's own `^ok\b` (which also matches "ok T:..." temperature
	// reports riding on the same line); the state manager only reacts
	// to the standalone "ok".
	okRegexp        = regexp.MustCompile(`^ok$`)
	busyRegexp      = regexp.MustCompile(`^echo:busy: processing$`)
	attentionRegexp = regexp.MustCompile(`^echo:busy: paused for user$`)
	pausedRegexp    = regexp.MustCompile(`^// action:paused$`)
	resumedRegexp   = regexp.MustCompile(`^// action:resumed$`)
	cancelRegexp    = regexp.MustCompile(`^// action:cancel$`)
	startRegexp     = regexp.MustCompile(`^echo:enqueing "M24"$`)
	printDoneRegexp = regexp.MustCompile(`^Done printing file$`)
	errorRegexp     = regexp.MustCompile(`^Error:Printer stopped due to errors\..*`)

	// sdPollRegexp matches M27's progress-byte response, shared by the
	// poller's progress check and its printing/not_printing
	// reconciliation (spec.md §4.3.2 steps 2-3; both read the same
	// line, group 1 set for "Not SD printing", group 2 the raw
	// "current:total" byte count, split in pollOnce). Copied verbatim
	// from SD_PRINTING_REGEX.
	sdPollRegexp = regexp.MustCompile(`^(Not SD printing)$|^(\d+:\d+)$`)
)

// RegisterHandlers wires every regex this Manager reacts to into disp,
// so that unsolicited printer chatter drives the same mutators a
// command handler would call directly (spec.md §4.3.2's poller feeds
// off exactly this same state, it does not duplicate the parsing).
func (m *Manager) RegisterHandlers(disp *dispatcher.Dispatcher) {
	disp.RegisterHandler(okRegexp, func(dispatcher.Match) { m.SetOK() })
	disp.RegisterHandler(busyRegexp, func(dispatcher.Match) { m.SetBusy() })
	disp.RegisterHandler(attentionRegexp, func(dispatcher.Match) { m.SetAttention() })
	disp.RegisterHandler(pausedRegexp, func(dispatcher.Match) { m.SetPaused() })
	disp.RegisterHandler(resumedRegexp, func(dispatcher.Match) { m.SetResumed() })
	disp.RegisterHandler(cancelRegexp, func(dispatcher.Match) { m.SetNotPrinting() })
	disp.RegisterHandler(startRegexp, func(dispatcher.Match) { m.SetPrinting() })
	disp.RegisterHandler(printDoneRegexp, func(dispatcher.Match) { m.SetFinished() })
	disp.RegisterHandler(errorRegexp, func(dispatcher.Match) { m.SetError() })
}

// PollInterval is the recommended STATUS_UPDATE_INTERVAL (spec.md
// §4.3.2): how often the poller below reconciles state against the
// printer when the link itself gives no unsolicited confirmation.
const PollInterval = 2 * time.Second

// RunPoller is the Poller (spec.md §4.3.2, "the heart of the core"):
// every interval it either pings a busy printer, or queries progress
// and SD-print status and reconciles the state manager against
// whatever it reports. Grounded directly on state_manager.py's
// update_state/_keep_updating_state loop. It runs until ctx is
// canceled.
func (m *Manager) RunPoller(ctx context.Context, queue *serialqueue.Queue, interval time.Duration) {
	if interval <= 0 {
		interval = PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx, queue)
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context, queue *serialqueue.Queue) {
	if m.IsBusy() {
		// A cheap liveness ping; firmware is expected to ignore it, but
		// it lets us notice the link coming back to life without
		// sending anything that would be misparsed as a real command.
		ping := serialqueue.NewInstruction("PRUSA PING")
		if err := queue.EnqueueOne(ping); err != nil {
			m.log.Warn("state: could not enqueue PRUSA PING", "error", err)
		}
		return
	}

	instr := serialqueue.NewMatchable("M27", sdPollRegexp)
	if err := queue.EnqueueOne(instr); err != nil {
		m.log.Warn("state: could not enqueue M27 poll", "error", err)
		return
	}

	var res serialqueue.Result
	select {
	case res = <-instr.Done:
	case <-ctx.Done():
		return
	}
	if res.Err != nil {
		m.log.Debug("state: printer did not report SD status in time", "error", res.Err)
		return
	}
	if res.Match == nil {
		return
	}

	notPrinting := res.Match[1] != ""
	if notPrinting {
		// "Not SD printing" is also how a paused SD print reports: do
		// not leave PAUSED on this ambiguity (spec.md §4.3.2
		// step 3's documented exception).
		if m.Current() != Paused {
			m.SetNotPrinting()
		}
		return
	}

	parts := strings.SplitN(res.Match[2], ":", 2)
	if len(parts) != 2 {
		return
	}
	current, err := strconv.Atoi(parts[0])
	if err != nil {
		return
	}
	total, err := strconv.Atoi(parts[1])
	if err != nil {
		return
	}
	if total > 0 && current >= total {
		m.SetFinished()
		return
	}
	m.SetPrinting()
}

func (s State) String() string {
	if s == none {
		return "NONE"
	}
	return string(s)
}

// Validate reports whether s is one of the known states, used when
// decoding a state name received from Connect for a remote command
// target check.
func Validate(s State) error {
	switch s {
	case Ready, Busy, Printing, Paused, Finished, Attention, Error:
		return nil
	default:
		return fmt.Errorf("state: %q is not a known state", s)
	}
}
