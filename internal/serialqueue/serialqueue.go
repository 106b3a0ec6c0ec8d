// Package serialqueue implements the Serial Queue (spec.md §4.2): the
// single point through which every outbound gcode line is framed,
// transmitted, and confirmed. It owns line numbering and checksum
// framing (via the gcode package) and serializes access to the link
// so that only one instruction is ever in flight at a time.
//
// Grounded on the teacher's downlink.go handleTraffic/waitForOK loop,
// generalized from a bare line-number confirmation map to three
// instruction flavors (plain, matchable, collecting) and from a
// single FIFO to a deque that priority instructions can jump.
package serialqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/neoyarus/prusalink-rz/gcode"
	"github.com/neoyarus/prusalink-rz/internal/dispatcher"
)

// ErrLinkFault is returned to every instruction still queued when the
// link is declared dead: either a write itself failed, or the printer
// kept asking for the same line to be resent past maxResends. This is
// fatal to the queue (spec.md §7).
var ErrLinkFault = errors.New("serialqueue: link fault")

// ErrConfirmTimeout is returned to a single instruction when no "ok"
// (and no Resend) arrived before the confirm timeout elapsed. It is a
// soft failure: only that instruction is retired, the queue moves on
// to the next one (spec.md §7's ConfirmationTimeout, distinct from
// LinkFault).
var ErrConfirmTimeout = errors.New("serialqueue: confirmation timeout")

// ErrClosed is returned when an instruction is enqueued after Close.
var ErrClosed = errors.New("serialqueue: queue is closed")

var (
	okRegexp     = regexp.MustCompile(`^ok\b`)
	resendRegexp = regexp.MustCompile(`^(?:Resend|rs):\s*(\d+)`)
)

const (
	defaultConfirmTimeout = 30 * time.Second
	maxResends            = 3
)

// Result is delivered to an instruction's Done channel once the queue
// has stopped waiting on it, successfully or not.
type Result struct {
	// Collected holds every line received between transmission and the
	// confirming "ok", in arrival order. Only populated for collecting
	// instructions.
	Collected []string
	// Match holds the captured groups of the first line that satisfied
	// a matchable instruction's pattern, or nil if none matched.
	Match []string
	Err   error
}

// Instruction is one line queued for transmission. Build one with
// NewInstruction, NewMatchable, or NewCollecting.
type Instruction struct {
	Message string
	pattern *regexp.Regexp
	collect bool

	Done chan Result
}

// NewInstruction queues message for transmission with no expectation
// beyond the bare "ok" confirmation.
func NewInstruction(message string) *Instruction {
	return &Instruction{Message: message, Done: make(chan Result, 1)}
}

// NewMatchable queues message and additionally watches every response
// line against pattern until the confirming "ok" arrives.
func NewMatchable(message string, pattern *regexp.Regexp) *Instruction {
	return &Instruction{Message: message, pattern: pattern, Done: make(chan Result, 1)}
}

// NewCollecting queues message and captures every response line up to
// (but not including) the confirming "ok".
func NewCollecting(message string) *Instruction {
	return &Instruction{Message: message, collect: true, Done: make(chan Result, 1)}
}

// Queue is the single transmitter of gcode lines to the printer. It
// must be run via Run before anything enqueued will be sent.
type Queue struct {
	disp *dispatcher.Dispatcher
	log  *slog.Logger

	confirmTimeout time.Duration

	mu      sync.Mutex
	items   []*Instruction
	closed  bool
	lineno  int
	inflch  chan string // raw lines fed to the in-flight instruction
	resends int

}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithConfirmTimeout overrides the default per-instruction confirmation
// timeout.
func WithConfirmTimeout(d time.Duration) Option {
	return func(q *Queue) { q.confirmTimeout = d }
}

// New creates a Queue that transmits through disp.
func New(disp *dispatcher.Dispatcher, log *slog.Logger, opts ...Option) *Queue {
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		disp:           disp,
		log:            log,
		confirmTimeout: defaultConfirmTimeout,
		lineno:         1,
	}
	for _, opt := range opts {
		opt(q)
	}
	disp.RegisterHandler(regexp.MustCompile(`.*`), q.onLine)
	return q
}

func (q *Queue) onLine(m dispatcher.Match) {
	q.mu.Lock()
	ch := q.inflch
	q.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- m.Line:
	default:
	}
}

// EnqueueOne appends instr to the back of the queue.
func (q *Queue) EnqueueOne(instr *Instruction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, instr)
	return nil
}

// EnqueueList appends every instruction in instrs, in order.
func (q *Queue) EnqueueList(instrs []*Instruction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, instrs...)
	return nil
}

// EnqueuePriority inserts instr at the front of the queue, ahead of
// everything already waiting, for commands (emergency stop, a pause
// request) that must reach the printer before routine chatter.
func (q *Queue) EnqueuePriority(instr *Instruction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append([]*Instruction{instr}, q.items...)
	return nil
}

// Close stops the queue from accepting new instructions. It does not
// interrupt an instruction already in flight.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Run drives the transmitter loop until ctx is canceled. It is meant
// to be run in its own goroutine for the life of the bridge.
func (q *Queue) Run(ctx context.Context) {
	for {
		instr, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}
		if err := q.transmit(ctx, instr); err != nil {
			instr.Done <- Result{Err: err}
			if errors.Is(err, ErrLinkFault) {
				q.drainWithFault(err)
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (q *Queue) pop() (*Instruction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	instr := q.items[0]
	q.items = q.items[1:]
	return instr, true
}

func (q *Queue) drainWithFault(err error) {
	q.mu.Lock()
	rest := q.items
	q.items = nil
	q.closed = true
	q.mu.Unlock()
	for _, instr := range rest {
		instr.Done <- Result{Err: err}
	}
}

// transmit frames and sends one instruction. A plain confirmation
// timeout (no "ok", no Resend) retires this instruction alone with
// ErrConfirmTimeout and returns nil — the caller (Run) must not treat
// that as a queue-wide fault. Only an actual write failure, or the
// printer repeatedly asking for a Resend past maxResends, escalates to
// ErrLinkFault.
func (q *Queue) transmit(ctx context.Context, instr *Instruction) error {
	lineno := q.nextLineNo()
	var collected []string
	var match []string
	resends := 0

	for {
		framed := gcode.AddLineAndHash(lineno, instr.Message)

		ch := make(chan string, 64)
		q.mu.Lock()
		q.inflch = ch
		q.mu.Unlock()

		if err := q.disp.Write(framed); err != nil {
			q.clearInflight()
			return fmt.Errorf("%w: write failed: %v", ErrLinkFault, err)
		}

		confirmed, resendTo, timedOut, err := q.waitForResponse(ctx, ch, instr, &collected, &match)
		q.clearInflight()
		if err != nil {
			return err
		}
		if confirmed {
			instr.Done <- Result{Collected: collected, Match: match}
			return nil
		}
		if resendTo > 0 {
			resends++
			if resends > maxResends {
				return fmt.Errorf("%w: line %d unconfirmed after %d resends", ErrLinkFault, lineno, maxResends)
			}
			lineno = resendTo
			q.resetLineNoTo(resendTo)
			continue
		}
		if timedOut {
			instr.Done <- Result{Err: fmt.Errorf("%w: line %d", ErrConfirmTimeout, lineno)}
			return nil
		}
	}
}

func (q *Queue) clearInflight() {
	q.mu.Lock()
	q.inflch = nil
	q.mu.Unlock()
}

// waitForResponse consumes lines for one transmission attempt until
// "ok" confirms it, a Resend arrives, or the confirm timeout elapses.
func (q *Queue) waitForResponse(ctx context.Context, ch <-chan string, instr *Instruction, collected *[]string, match *[]string) (confirmed bool, resendTo int, timedOut bool, err error) {
	timer := time.NewTimer(q.confirmTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, 0, false, ctx.Err()
		case <-timer.C:
			return false, 0, true, nil
		case line := <-ch:
			if m := resendRegexp.FindStringSubmatch(line); m != nil {
				n, _ := parseLineNo(m[1])
				return false, n, false, nil
			}
			if okRegexp.MatchString(line) {
				return true, 0, false, nil
			}
			if instr.pattern != nil {
				if groups := instr.pattern.FindStringSubmatch(line); groups != nil && *match == nil {
					*match = groups
				}
			}
			if instr.collect {
				*collected = append(*collected, line)
			}
		}
	}
}

func parseLineNo(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func (q *Queue) nextLineNo() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.lineno
	q.lineno++
	return n
}

func (q *Queue) resetLineNoTo(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lineno = n + 1
}
