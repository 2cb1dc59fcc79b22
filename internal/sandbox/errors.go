package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout          = errors.New("execution timed out")
	ErrResourceExceeded = errors.New("resource limit exceeded")
	ErrPoolExhausted    = errors.New("sandbox pool exhausted")
	ErrCreateFailed     = errors.New("sandbox creation failed")
	ErrBackendDown      = errors.New("sandbox backend unavailable")
	ErrInvalidRequest   = errors.New("invalid execution request")
	ErrInstanceGone     = errors.New("sandbox instance not found")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	InstanceID string
	Op         string // The operation that failed
	Err        error
}

func (e *ExecutionError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("sandbox %s: %s: %s", e.InstanceID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a wall-clock timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsResourceExceeded returns true if a resource ceiling was breached.
func IsResourceExceeded(err error) bool {
	return errors.Is(err, ErrResourceExceeded)
}
