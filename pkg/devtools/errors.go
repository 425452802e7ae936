package devtools

import (
	"errors"
	"fmt"
)

// Sentinel errors callers branch on with errors.Is.
var (
	// ErrConnectionRefused means the debugging endpoint is unreachable,
	// most likely because the target is not running with remote debugging
	// enabled.
	ErrConnectionRefused = errors.New("debugging endpoint refused connection (is the target running with remote debugging enabled?)")

	// ErrNotConnected means an execution was attempted with no live session.
	ErrNotConnected = errors.New("not connected to debugging endpoint")

	// ErrReconnectExhausted means the supervisor used up its attempt budget.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// RemoteError reports an exception raised inside the target's JavaScript
// environment. It is a successful round trip over the transport; it must
// never be confused with a transport failure.
type RemoteError struct {
	Description string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote evaluation threw: %s", e.Description)
}

// DecodeError reports a response that did not match the expected shape.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
