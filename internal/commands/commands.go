// Package commands implements the Command Handlers (spec.md §4.4):
// the "try until state" pattern that turns a single incoming Connect
// command into a gcode line plus a deadline-bound wait for the state
// manager to reach the state that command implies.
//
// Grounded on original_source/old_buddy/command_handlers/*.py, in
// particular resume_print.py's ResumePrint(TryUntilState) class: its
// _run_command installs a desired-state expectation and then calls
// _try_until_state(gcode, desired_state). Every concrete handler here
// is that same shape with a different gcode line and desired state.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neoyarus/prusalink-rz/internal/serialqueue"
	"github.com/neoyarus/prusalink-rz/internal/state"
)

// Outcome is what a command handler reports back to whoever is
// relaying it to Connect.
type Outcome string

const (
	Finished Outcome = "FINISHED"
	Rejected Outcome = "REJECTED"
)

// ErrNotAccepted is returned when the printer never reached the
// expected state before the deadline.
var ErrNotAccepted = errors.New("commands: printer did not reach the expected state in time")

const (
	defaultPollInterval = 300 * time.Millisecond
	defaultDeadline     = 25 * time.Second
)

// Handlers bundles the collaborators every concrete command needs.
type Handlers struct {
	Queue *serialqueue.Queue
	State *state.Manager
	Log   *slog.Logger

	PollInterval time.Duration
	Deadline     time.Duration
}

// New creates a Handlers bound to queue and st.
func New(queue *serialqueue.Queue, st *state.Manager, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{
		Queue:        queue,
		State:        st,
		Log:          log,
		PollInterval: defaultPollInterval,
		Deadline:     defaultDeadline,
	}
}

// tryUntilState stages expect, sends gcode, and polls State until it
// reaches any of want or h.Deadline elapses (ErrNotAccepted); ctx
// being done also ends the wait, with ctx.Err().
func (h *Handlers) tryUntilState(ctx context.Context, gcode string, expect state.StateChange, want ...state.State) (Outcome, error) {
	h.State.ExpectChange(expect)

	instr := serialqueue.NewInstruction(gcode)
	if err := h.Queue.EnqueueOne(instr); err != nil {
		return Rejected, fmt.Errorf("commands: enqueue %q: %w", gcode, err)
	}

	select {
	case res := <-instr.Done:
		if res.Err != nil {
			return Rejected, fmt.Errorf("commands: %q was not confirmed: %w", gcode, res.Err)
		}
	case <-ctx.Done():
		return Rejected, ctx.Err()
	}

	deadline := time.Now().Add(h.Deadline)
	ticker := time.NewTicker(h.PollInterval)
	defer ticker.Stop()
	for {
		if containsAny(want, h.State.Current()) {
			return Finished, nil
		}
		if time.Now().After(deadline) {
			return Rejected, ErrNotAccepted
		}
		select {
		case <-ctx.Done():
			return Rejected, ctx.Err()
		case <-ticker.C:
		}
	}
}

func containsAny(states []state.State, cur state.State) bool {
	for _, s := range states {
		if s == cur {
			return true
		}
	}
	return false
}

// StartPrint asks the printer to resume/start an SD print already
// selected, expecting to land in PRINTING.
func (h *Handlers) StartPrint(ctx context.Context, jobID string) (Outcome, error) {
	return h.tryUntilState(ctx, "M24", state.StateChange{
		ToStates:    map[state.State]state.Source{state.Printing: state.SourceConnect},
		Correlation: jobID,
	}, state.Printing)
}

// StopPrint cancels the current print, expecting the printing layer
// to clear back to whatever the base state is.
func (h *Handlers) StopPrint(ctx context.Context, jobID string) (Outcome, error) {
	return h.tryUntilState(ctx, "M524", state.StateChange{
		FromStates: map[state.State]state.Source{
			state.Printing: state.SourceConnect,
			state.Paused:   state.SourceConnect,
		},
		Correlation: jobID,
	}, state.Ready, state.Busy)
}

// PausePrint pauses the current print, expecting PAUSED.
func (h *Handlers) PausePrint(ctx context.Context, jobID string) (Outcome, error) {
	return h.tryUntilState(ctx, "M25", state.StateChange{
		ToStates:    map[state.State]state.Source{state.Paused: state.SourceConnect},
		Correlation: jobID,
	}, state.Paused)
}

// ResumePrint resumes a paused print, expecting PRINTING. Grounded
// directly on resume_print.py's M602.
func (h *Handlers) ResumePrint(ctx context.Context, jobID string) (Outcome, error) {
	return h.tryUntilState(ctx, "M602", state.StateChange{
		ToStates:    map[state.State]state.Source{state.Printing: state.SourceConnect},
		FromStates:  map[state.State]state.Source{state.Paused: state.SourceConnect},
		Correlation: jobID,
	}, state.Printing)
}

// ResetPrinter issues a firmware reset, expecting to observe BUSY
// followed eventually by READY; here we only confirm the base layer
// leaves whatever override/printing state it was in.
func (h *Handlers) ResetPrinter(ctx context.Context) (Outcome, error) {
	return h.tryUntilState(ctx, "M999", state.StateChange{
		ToStates: map[state.State]state.Source{
			state.Ready: state.SourceConnect,
			state.Busy:  state.SourceConnect,
		},
	}, state.Ready, state.Busy)
}

// ExecuteGcode sends an arbitrary line with no state expectation
// beyond its own transmission being confirmed; used for the Connect
// "run this gcode" passthrough command (spec.md's non-goals exclude
// interpreting what the line does, only that it gets queued).
func (h *Handlers) ExecuteGcode(ctx context.Context, line string) error {
	instr := serialqueue.NewInstruction(line)
	if err := h.Queue.EnqueueOne(instr); err != nil {
		return fmt.Errorf("commands: enqueue %q: %w", line, err)
	}
	select {
	case res := <-instr.Done:
		if res.Err != nil {
			return fmt.Errorf("commands: %q was not confirmed: %w", line, res.Err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RespondWithInfo queries M115 (firmware info) and returns every
// response line collected before the confirming ok.
func (h *Handlers) RespondWithInfo(ctx context.Context) ([]string, error) {
	instr := serialqueue.NewCollecting("M115")
	if err := h.Queue.EnqueueOne(instr); err != nil {
		return nil, fmt.Errorf("commands: enqueue M115: %w", err)
	}
	select {
	case res := <-instr.Done:
		if res.Err != nil {
			return nil, fmt.Errorf("commands: M115 was not confirmed: %w", res.Err)
		}
		return res.Collected, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
