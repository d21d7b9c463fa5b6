package delegate

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for command completion. Match with errors.Is.
var (
	// ErrTimeout is wrapped by [*TimeoutError].
	ErrTimeout = errors.New("command timed out")
	// ErrCancelled fails a command removed by [Delegator.Cancel].
	ErrCancelled = errors.New("command cancelled")
	// ErrDeviceGone fails commands whose target device disconnected
	// before answering.
	ErrDeviceGone = errors.New("device disconnected before answering")
	// ErrClosed fails pending commands when the delegator shuts down,
	// and is returned by Delegate afterwards.
	ErrClosed = errors.New("delegator closed")
	// ErrDeviceNotConnected is returned by Delegate when the target
	// device is not in the registry.
	ErrDeviceNotConnected = errors.New("device not connected")
	// ErrRemote is wrapped by [*RemoteError].
	ErrRemote = errors.New("device reported an error")
	// ErrUnknownCommand describes a result for a command id that is not
	// pending (late, duplicate, or never issued). It is logged, never
	// returned to callers.
	ErrUnknownCommand = errors.New("unknown command id")
)

// TimeoutError reports a command that exceeded its deadline.
type TimeoutError struct {
	CommandID string
	DeviceID  string
	Tool      string
	Timeout   time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %s (%s on %s) timed out after %s", e.CommandID, e.Tool, e.DeviceID, e.Timeout)
}

// Unwrap lets callers match with errors.Is(err, ErrTimeout).
func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// RemoteError carries the error string a device returned for a command.
type RemoteError struct {
	CommandID string
	DeviceID  string
	Message   string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("device %s: %s", e.DeviceID, e.Message)
}

// Unwrap lets callers match with errors.Is(err, ErrRemote).
func (e *RemoteError) Unwrap() error { return ErrRemote }

// TransportError reports that a command could not be handed to the
// device's connection.
type TransportError struct {
	DeviceID  string
	Transport string
	Err       error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("deliver to %s over %s: %v", e.DeviceID, e.Transport, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *TransportError) Unwrap() error { return e.Err }
