package backend

import (
	"errors"
	"fmt"

	"github.com/danpasecinic/execflow/internal/types"
)

// Sentinel errors for adapter operations.
var (
	// ErrNotFound indicates the remote job or execution does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates a create raced with an existing resource.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrUnsupported indicates the backend does not offer the operation.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrConfiguration indicates a permanent misconfiguration (never retried).
	ErrConfiguration = types.ErrConfiguration

	// ErrTransient indicates a network failure or a 5xx/429 from the backend.
	ErrTransient = errors.New("transient backend error")

	// ErrTimedOut indicates a local deadline was exceeded.
	ErrTimedOut = errors.New("timed out")

	// ErrInvalidRecord indicates the backend returned a malformed execution.
	ErrInvalidRecord = errors.New("invalid execution record")
)

// Error wraps backend-specific errors with context.
type Error struct {
	// Op is the operation that failed (e.g., "jobs.get", "Submit").
	Op string

	// Backend is the backend name (e.g., "cloudrun").
	Backend string

	// Resource is the fully-qualified resource name, if applicable.
	Resource string

	// StatusCode is the HTTP status returned by REST backends, 0 otherwise.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Backend, e.Op, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates the resource is gone.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if the error indicates a create conflict.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsUnsupported returns true if the backend does not offer the operation.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// IsConfiguration returns true for permanent misconfiguration.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsTransient returns true if retrying the call may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsInvalidRecord returns true if the backend returned a malformed execution.
func IsInvalidRecord(err error) bool {
	return errors.Is(err, ErrInvalidRecord)
}

// CheckExecution validates exec before it leaves an adapter. Failures are
// permanent and wrap ErrInvalidRecord.
func CheckExecution(backendName, op string, exec *types.Execution) (*types.Execution, error) {
	if exec == nil {
		return nil, &Error{Op: op, Backend: backendName, Err: fmt.Errorf("%w: empty response", ErrInvalidRecord)}
	}
	if err := exec.Validate(); err != nil {
		return nil, &Error{Op: op, Backend: backendName, Resource: exec.Name, Err: fmt.Errorf("%w: %w", ErrInvalidRecord, err)}
	}
	return exec, nil
}

// Transient marks err as retryable while keeping it inspectable.
func Transient(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
