// Package task implements the lifecycle state machine shared by every
// supervised unit of work.
//
// A Task moves not_queued → enqueued → running → {done, failed, aborted}.
// Terminal tasks only leave their state through ResetForRerun, which starts a
// fresh run for the same job identity.
package task

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task run.
type Status string

// Task status values persisted by job stores.
const (
	StatusNotQueued Status = "not_queued"
	StatusEnqueued  Status = "enqueued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusNotQueued,
	StatusEnqueued,
	StatusRunning,
	StatusDone,
	StatusFailed,
	StatusAborted,
}

// IsTerminal reports whether no transition other than a rerun reset is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ErrIllegalTransition is matched by every TransitionError.
var ErrIllegalTransition = errors.New("illegal task transition")

// TransitionError describes an operation attempted from the wrong state.
type TransitionError struct {
	Op   string
	From Status
	Want string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from %q (requires %s)", ErrIllegalTransition, e.Op, e.From, e.Want)
}

// Is lets errors.Is(err, ErrIllegalTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Hooks are invoked after the matching transition has committed. They let a
// concrete job type layer its own bookkeeping over the base transitions.
type Hooks struct {
	OnFinish func(*Task)
	OnFail   func(*Task)
	OnAbort  func(*Task)
}

// Snapshot is the persisted form of a Task.
type Snapshot struct {
	Status     Status     `json:"status"`
	MessageID  string     `json:"message_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Run        int        `json:"run"`
}

// Task is one job's run lifecycle. Fields are only changed by the transition
// methods. A Task is not safe for concurrent mutation; its supervisor owns it.
type Task struct {
	state Snapshot
	clock Clock
	hooks Hooks
}

// Option configures a Task.
type Option func(*Task)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(t *Task) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithHooks installs post-transition hooks.
func WithHooks(hooks Hooks) Option {
	return func(t *Task) { t.hooks = hooks }
}

// New returns a task in the not_queued state.
func New(opts ...Option) *Task {
	t := &Task{
		state: Snapshot{Status: StatusNotQueued},
		clock: utcClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Restore rebuilds a task from a persisted snapshot.
func Restore(snap Snapshot, opts ...Option) (*Task, error) {
	if !snap.Status.Valid() {
		return nil, fmt.Errorf("restore task: unknown status %q", snap.Status)
	}
	t := New(opts...)
	t.state = snap
	t.state.StartedAt = copyTime(snap.StartedAt)
	t.state.FinishedAt = copyTime(snap.FinishedAt)
	return t, nil
}

// Snapshot returns a copy of the current state.
func (t *Task) Snapshot() Snapshot {
	snap := t.state
	snap.StartedAt = copyTime(t.state.StartedAt)
	snap.FinishedAt = copyTime(t.state.FinishedAt)
	return snap
}

// SetHooks replaces the post-transition hooks.
func (t *Task) SetHooks(hooks Hooks) { t.hooks = hooks }

// Status returns the current status.
func (t *Task) Status() Status { return t.state.Status }

// MessageID returns the broker handle, empty until enqueued.
func (t *Task) MessageID() string { return t.state.MessageID }

// StartedAt returns when the run started, or nil.
func (t *Task) StartedAt() *time.Time { return copyTime(t.state.StartedAt) }

// FinishedAt returns when the run reached a terminal state, or nil.
func (t *Task) FinishedAt() *time.Time { return copyTime(t.state.FinishedAt) }

// Run returns the run counter; it starts at zero and grows on every reset.
func (t *Task) Run() int { return t.state.Run }

// Enqueue records the broker handle and moves not_queued → enqueued.
func (t *Task) Enqueue(handle string) error {
	if err := t.require("enqueue", StatusNotQueued); err != nil {
		return err
	}
	if t.state.MessageID != "" {
		return &TransitionError{Op: "enqueue", From: t.state.Status, Want: "an unset message id"}
	}
	if handle == "" {
		return errors.New("enqueue: message handle is required")
	}
	t.state.MessageID = handle
	t.state.Status = StatusEnqueued
	return nil
}

// Start moves enqueued → running and stamps started_at.
func (t *Task) Start() error {
	if err := t.require("start", StatusEnqueued); err != nil {
		return err
	}
	now := t.clock.Now()
	t.state.StartedAt = &now
	t.state.Status = StatusRunning
	return nil
}

// Finish moves running → done.
func (t *Task) Finish() error {
	return t.terminate("finish", StatusDone, t.hooks.OnFinish)
}

// Fail moves running → failed. Callers append an ErrorRecord first.
func (t *Task) Fail() error {
	return t.terminate("fail", StatusFailed, t.hooks.OnFail)
}

// Abort moves running → aborted; used for revocation, time limits and
// supervisor interrupts.
func (t *Task) Abort() error {
	return t.terminate("abort", StatusAborted, t.hooks.OnAbort)
}

// ResetForRerun returns a terminal task to not_queued as a fresh run.
func (t *Task) ResetForRerun() error {
	if !t.state.Status.IsTerminal() {
		return &TransitionError{Op: "reset", From: t.state.Status, Want: "a terminal state"}
	}
	t.state = Snapshot{Status: StatusNotQueued, Run: t.state.Run + 1}
	return nil
}

func (t *Task) terminate(op string, to Status, hook func(*Task)) error {
	if err := t.require(op, StatusRunning); err != nil {
		return err
	}
	now := t.clock.Now()
	t.state.FinishedAt = &now
	t.state.Status = to
	if hook != nil {
		hook(t)
	}
	return nil
}

func (t *Task) require(op string, want Status) error {
	if t.state.Status != want {
		return &TransitionError{Op: op, From: t.state.Status, Want: fmt.Sprintf("%q", want)}
	}
	return nil
}

func copyTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := *ts
	return &v
}
