package delegate

import (
	"context"
	"encoding/json"
	"time"
)

// State is the lifecycle state of a delegated command.
type State string

const (
	StateAwaiting  State = "awaiting_result"
	StateResolved  State = "resolved"
	StateRejected  State = "rejected"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s != StateAwaiting && s != ""
}

// Outcome is the terminal result of a command.
type Outcome struct {
	State       State
	Result      json.RawMessage
	Err         error
	CompletedAt time.Time
}

// Future is the caller's handle on a delegated command. It completes
// exactly once; every accessor is safe for concurrent use.
type Future struct {
	id        string
	deviceID  string
	tool      string
	createdAt time.Time

	done    chan struct{}
	outcome Outcome // written once, before done is closed
}

func newFuture(id, deviceID, tool string, createdAt time.Time) *Future {
	return &Future{
		id:        id,
		deviceID:  deviceID,
		tool:      tool,
		createdAt: createdAt,
		done:      make(chan struct{}),
	}
}

// ID returns the command's correlation id.
func (f *Future) ID() string { return f.id }

// DeviceID returns the id of the device the command was sent to.
func (f *Future) DeviceID() string { return f.deviceID }

// Tool returns the delegated tool name.
func (f *Future) Tool() string { return f.tool }

// CreatedAt returns when the command was issued.
func (f *Future) CreatedAt() time.Time { return f.createdAt }

// Done returns a channel that is closed when the command completes.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the command completes or ctx is done. Abandoning a
// wait does not cancel the command; it still completes (or times out)
// on its own.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.outcome.Result, f.outcome.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Outcome returns the terminal outcome and true if the command has
// completed, or a zero Outcome and false otherwise.
func (f *Future) Outcome() (Outcome, bool) {
	select {
	case <-f.done:
		return f.outcome, true
	default:
		return Outcome{}, false
	}
}

// State returns the current state without blocking.
func (f *Future) State() State {
	if o, ok := f.Outcome(); ok {
		return o.State
	}
	return StateAwaiting
}

// finish records the outcome and releases waiters. Callers guarantee it
// runs at most once per future (the pending table's check-and-delete).
func (f *Future) finish(o Outcome) {
	f.outcome = o
	close(f.done)
}
