package router

import "fmt"

// ResponseState tracks where a connection is in the response lifecycle.
// [StateError] is terminal.
type ResponseState int

const (
	// StateIdle means no response is in flight.
	StateIdle ResponseState = iota

	// StateProcessing means user speech was detected and a response has not
	// started yet.
	StateProcessing

	// StateResponding means a response is streaming; its id is tracked so
	// stale deltas can be filtered after a cancel.
	StateResponding

	// StateError is entered on a fatal upstream error; the connection closes.
	StateError
)

// String implements [fmt.Stringer].
func (s ResponseState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StateResponding:
		return "responding"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
