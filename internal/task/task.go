package task

import (
	"errors"
	"time"
)

// State enumerates the lifecycle states of a Record.
//
// The values are stored verbatim by every store driver; do not rename them
// without a migration.
type State string

const (
	StatePending              State = "pending"
	StateInProgress           State = "in_progress"
	StateCompleted            State = "completed"
	StateCompletedWithWarning State = "completed_with_warning"
	StateFailed               State = "failed"
	StateErrored              State = "errored"
	StateTimedOut             State = "timed_out"
	StateCancelled            State = "cancelled"
)

// Terminal reports whether s is absorbing: once persisted, a record in a
// terminal state is never picked up again.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCompletedWithWarning, StateFailed, StateErrored, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the known lifecycle states.
func (s State) Valid() bool {
	return s == StatePending || s == StateInProgress || s.Terminal()
}

var (
	// ErrAlreadyPersisted is returned when attaching a sub-task to a record
	// that already has a store identity. Parent/child batches must be built
	// before the first Create call.
	ErrAlreadyPersisted = errors.New("task: record already persisted")

	// ErrNotCancellable is returned by Cancel for records that have left the
	// pending state.
	ErrNotCancellable = errors.New("task: only pending tasks can be cancelled")

	// ErrUnknownHandler is returned when no handler is registered for a
	// record's handler kind.
	ErrUnknownHandler = errors.New("task: unknown handler kind")
)

// Record is one persisted unit of schedulable work.
//
// ID is assigned by the store on Create and is immutable afterwards. Records
// are dispatched oldest-id-first, so the id doubles as the FIFO tie-break.
type Record struct {
	ID    int64
	State State

	// NotBefore delays dispatch until the given time. Nil means immediately
	// eligible.
	NotBefore *time.Time

	// RetryLimit is the number of additional attempts permitted after the
	// first thrown error. It does not apply to timeouts or to handlers that
	// return ok=false.
	RetryLimit int

	// Timeout bounds a single attempt. Zero means unbounded.
	Timeout time.Duration

	HandlerKind string
	Config      map[string]string

	// Owner is free-text attribution for operators; the scheduler does not
	// interpret it.
	Owner string

	ParentID *int64

	// Children are sub-tasks created in the same batch as this record. A
	// record with any child still pending or in progress is not ready.
	Children []*Record

	ResultMessage  string
	WarningMessage string
	FailureDetail  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// New returns a pending record for the given handler kind.
func New(handlerKind string) *Record {
	return &Record{State: StatePending, HandlerKind: handlerKind}
}

// AttachChild links child as a sub-task of r.
//
// Both records must still be unpersisted: reparenting rows that already have
// a store identity is rejected so the store never observes a parent whose
// child set changes under it.
func (r *Record) AttachChild(child *Record) error {
	if r.ID != 0 || child.ID != 0 {
		return ErrAlreadyPersisted
	}
	r.Children = append(r.Children, child)
	return nil
}

// Due reports whether the record's NotBefore gate has passed at now.
func (r *Record) Due(now time.Time) bool {
	return r.NotBefore == nil || !now.Before(*r.NotBefore)
}

// Clone returns a shallow copy with its own Config map. Children are shared;
// stores use Clone to hand out records callers may mutate.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Config != nil {
		cp.Config = make(map[string]string, len(r.Config))
		for k, v := range r.Config {
			cp.Config[k] = v
		}
	}
	return &cp
}
