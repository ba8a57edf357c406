package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConnectionExhausted = sterrors.New("notifyflow: broker connection attempts exhausted")
	ErrDrainTimeout        = sterrors.New("notifyflow: drain timeout elapsed with handlers in flight")
	ErrAlreadyResolved     = sterrors.New("notifyflow: delivery already acknowledged")
	ErrAlreadyStarted      = sterrors.New("notifyflow: dispatcher already started")
	ErrNotStarted          = sterrors.New("notifyflow: dispatcher not started")
	ErrRegistryRequired    = sterrors.New("notifyflow: handler registry is required")
	ErrHandlerRequired     = sterrors.New("notifyflow: handler function is required")
	ErrTypeKeyRequired     = sterrors.New("notifyflow: message type key is required")
	ErrDuplicateRoute      = sterrors.New("notifyflow: duplicate message type key")
	ErrSupervisorClosed    = sterrors.New("notifyflow: connection supervisor closed")
	ErrConfigRequired      = sterrors.New("notifyflow: configuration is required")
)

// ConnectionError is a single failed attempt to reach the broker. It is transient.
type ConnectionError struct {
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker connection attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExhaustedError is returned once the configured attempt ceiling has been reached.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrConnectionExhausted.Error(), e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrConnectionExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// SubscribeError means consuming could not begin on an open connection.
type SubscribeError struct {
	Queue string
	Err   error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe to queue %q: %v", e.Queue, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// RoutingError reports a message whose type key has no registered handler.
type RoutingError struct {
	Type string
}

func (e *RoutingError) Error() string {
	if e.Type == "" {
		return "unroutable message: missing type key"
	}
	return fmt.Sprintf("unroutable message: no handler for %q", e.Type)
}

// HandlerError wraps a failure returned (or panicked) by a message handler.
type HandlerError struct {
	Type          string
	CorrelationID string
	Err           error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q failed (correlation_id=%s): %v", e.Type, e.CorrelationID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// UnprocessableError marks a payload that can never be handled, no matter how
// often it is redelivered.
type UnprocessableError struct {
	Reason string
	Err    error
}

func (e *UnprocessableError) Error() string {
	if e.Err == nil {
		return "unprocessable message: " + e.Reason
	}
	return "unprocessable message: " + e.Reason + ": " + e.Err.Error()
}

func (e *UnprocessableError) Unwrap() error { return e.Err }

// CloseError is logged during shutdown and never blocks exit past the close timeout.
type CloseError struct {
	Err error
}

func (e *CloseError) Error() string { return "close broker connection: " + e.Err.Error() }

func (e *CloseError) Unwrap() error { return e.Err }

// IsUnprocessable reports whether err (or anything it wraps) is an UnprocessableError.
func IsUnprocessable(err error) bool {
	var target *UnprocessableError
	return sterrors.As(err, &target)
}
