// Package tracker serialises logical user actions per action key. A key is
// admitted once; a second admission while it is not idle is rejected with
// ErrBusy rather than queued. Every admitted ticket ends in exactly one
// terminal state, produces exactly one notification and returns the key to
// idle.
package tracker

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	chainerrors "chainid/core/errors"
	"chainid/observability"
)

// State is the lifecycle position of an action key.
type State int

const (
	Idle State = iota
	InFlight
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case InFlight:
		return "in_flight"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "idle"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Severity tells the notification layer how to present a message.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is emitted once per terminal transition.
type Notification struct {
	Key      string    `json:"key"`
	TicketID string    `json:"ticketId"`
	State    State     `json:"state"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
	Err      error     `json:"-"`
}

// Notifier receives terminal transitions. It must not call back into the
// tracker for the same key.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) { f(ctx, n) }

// Snapshot is a point-in-time view of one key.
type Snapshot struct {
	Key      string    `json:"key"`
	State    State     `json:"state"`
	TicketID string    `json:"ticketId,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Since    time.Time `json:"since"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source. Primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker holds the per-key state machines. The zero value is not usable;
// construct with New.
type Tracker struct {
	mu       sync.Mutex
	active   map[string]*Ticket
	last     map[string]Snapshot
	notifier Notifier
	now      func() time.Time
}

// New builds a tracker that reports terminal transitions to notifier. A nil
// notifier discards them.
func New(notifier Notifier, opts ...Option) *Tracker {
	if notifier == nil {
		notifier = NotifierFunc(func(context.Context, Notification) {})
	}
	t := &Tracker{
		active:   make(map[string]*Ticket),
		last:     make(map[string]Snapshot),
		notifier: notifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Admit moves key from Idle to InFlight and returns the ticket that owns it.
// If key is not idle it returns ErrBusy and changes nothing.
func (t *Tracker) Admit(key string) (*Ticket, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, chainerrors.Validation("key", "action key is required")
	}
	t.mu.Lock()
	if _, busy := t.active[key]; busy {
		t.mu.Unlock()
		observability.Tracker().RecordBusy(key)
		return nil, fmt.Errorf("%s: %w", key, chainerrors.ErrBusy)
	}
	ticket := &Ticket{
		id:      uuid.NewString(),
		key:     key,
		state:   InFlight,
		since:   t.now(),
		tracker: t,
	}
	t.active[key] = ticket
	t.mu.Unlock()
	observability.Tracker().RecordTransition(key, InFlight.String())
	return ticket, nil
}

// State reports the current state of key.
func (t *Tracker) State(key string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ticket, ok := t.active[key]; ok {
		return ticket.snapshotLocked()
	}
	return Snapshot{Key: key, State: Idle}
}

// Last reports the most recent terminal outcome recorded for key.
func (t *Tracker) Last(key string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap, ok := t.last[key]
	return snap, ok
}

// Active lists the keys that are currently not idle.
func (t *Tracker) Active() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, len(t.active))
	for _, ticket := range t.active {
		out = append(out, ticket.snapshotLocked())
	}
	return out
}

// Do admits key, runs fn and finishes the ticket with its outcome. The
// message returned by fn becomes the success notification.
func (t *Tracker) Do(ctx context.Context, key string, fn func(ctx context.Context) (string, error)) (err error) {
	ticket, err := t.Admit(key)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			ticket.Fail(ctx, fmt.Errorf("%s: panic: %v", key, r))
			panic(r)
		}
	}()
	msg, err := fn(ctx)
	if err != nil {
		ticket.Fail(ctx, err)
		return err
	}
	ticket.Succeed(ctx, msg)
	return nil
}

func (t *Tracker) finish(ctx context.Context, ticket *Ticket, state State, message string, err error) {
	t.mu.Lock()
	if t.active[ticket.key] != ticket || ticket.state != InFlight {
		t.mu.Unlock()
		return
	}
	ticket.state = state
	ticket.since = t.now()
	if err != nil {
		ticket.reason = chainerrors.Kind(err)
	}
	snap := ticket.snapshotLocked()
	t.last[ticket.key] = snap
	t.mu.Unlock()
	observability.Tracker().RecordTransition(ticket.key, state.String())

	n := Notification{
		Key:      ticket.key,
		TicketID: ticket.id,
		State:    state,
		Message:  message,
		Severity: severityFor(err),
		Reason:   snap.Reason,
		At:       snap.Since,
		Err:      err,
	}
	defer t.release(ticket)
	t.notifier.Notify(context.WithoutCancel(ctx), n)
}

func (t *Tracker) release(ticket *Ticket) {
	t.mu.Lock()
	if t.active[ticket.key] == ticket {
		delete(t.active, ticket.key)
	}
	t.mu.Unlock()
	observability.Tracker().RecordTransition(ticket.key, Idle.String())
}

// Ticket owns an admitted action key until it is finished or abandoned.
type Ticket struct {
	id      string
	key     string
	state   State
	reason  string
	since   time.Time
	tracker *Tracker
}

// ID returns the unique ticket id.
func (tk *Ticket) ID() string { return tk.id }

// Key returns the action key the ticket owns.
func (tk *Ticket) Key() string { return tk.key }

// Succeed records success, emits the success notification and returns the key
// to idle. Calls after the first terminal transition are ignored.
func (tk *Ticket) Succeed(ctx context.Context, message string) {
	if strings.TrimSpace(message) == "" {
		message = tk.key + " succeeded"
	}
	tk.tracker.finish(ctx, tk, Succeeded, message, nil)
}

// Fail records failure, emits the error notification and returns the key to
// idle. A nil err is reported as an unknown failure.
func (tk *Ticket) Fail(ctx context.Context, err error) {
	if err == nil {
		err = stderrors.New("unknown failure")
	}
	tk.tracker.finish(ctx, tk, Failed, fmt.Sprintf("%s failed: %v", tk.key, err), err)
}

// Abandon releases the key without a terminal transition or notification.
// It is only meaningful before anything was submitted to the ledger; a
// broadcast operation cannot be retracted.
func (tk *Ticket) Abandon() {
	t := tk.tracker
	t.mu.Lock()
	if t.active[tk.key] != tk || tk.state != InFlight {
		t.mu.Unlock()
		return
	}
	tk.state = Idle
	t.mu.Unlock()
	t.release(tk)
}

func (tk *Ticket) snapshotLocked() Snapshot {
	return Snapshot{Key: tk.key, State: tk.state, TicketID: tk.id, Reason: tk.reason, Since: tk.since}
}

func severityFor(err error) Severity {
	switch {
	case err == nil:
		return SeveritySuccess
	case stderrors.Is(err, chainerrors.ErrValidation),
		stderrors.Is(err, chainerrors.ErrParse),
		stderrors.Is(err, chainerrors.ErrPrecondition):
		return SeverityWarning
	default:
		return SeverityError
	}
}
