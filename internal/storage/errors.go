package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy described in the storage spec: callers
// use errors.Is against these, never string matching.
var (
	// ErrUnavailable means a backend probed unavailable at selection time.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrPolicyViolation means a consumer requested an operation the
	// current policy or configuration forbids (e.g. force-upgrade to a
	// backend that isn't configured).
	ErrPolicyViolation = errors.New("policy violation")

	// ErrCorrupt means a stored payload failed to deserialize.
	ErrCorrupt = errors.New("corrupt payload")
)

// BackendError wraps a storage failure with the backend name and
// operation that produced it, per the "never swallowed by the router"
// propagation rule.
type BackendError struct {
	Backend string
	Op      string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Wrap annotates err with the backend name and operation. Returns nil if
// err is nil.
func Wrap(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Backend: backend, Op: op, Err: err}
}
