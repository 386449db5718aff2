// Package errs defines the error kinds shared by bennet components.
//
// Each kind is a sentinel that callers test with errors.Is. Components wrap
// causes with E so both the kind and the underlying cause stay reachable.
package errs

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrConfig         = errors.New("configuration error")
	ErrStorage        = errors.New("storage failure")
	ErrProvider       = errors.New("provider failure")
	ErrRateLimited    = fmt.Errorf("%w: rate limit exceeded", ErrProvider)
	ErrModuleLoad     = errors.New("module load error")
	ErrModuleExec     = errors.New("module execution error")
	ErrModuleNotFound = errors.New("module not found")
	ErrState          = errors.New("module state error")
	ErrHealth         = errors.New("health check failure")
)

// Error attaches a kind and the failing operation to a cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// E wraps err with kind and op. A nil err yields nil.
func E(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// New builds a kind-tagged error from a message.
func New(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Storage wraps err as a storage failure.
func Storage(op string, err error) error { return E(ErrStorage, op, err) }

// Provider wraps err as a provider failure.
func Provider(op string, err error) error { return E(ErrProvider, op, err) }

// IsRetryable reports whether a provider error may succeed on a later attempt.
// Configuration problems and cancellation never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConfig) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
