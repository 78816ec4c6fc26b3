package faults

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the engine's ledger services. Callers classify
// failures with errors.Is; services wrap these with operation context.
var (
	// ErrValidation marks input rejected before any mutation took place.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a query for an entity with no ledger entry.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a write that raced another writer on the same key
	// beyond the serialization boundary.
	ErrConflict = errors.New("concurrency conflict")
	// ErrStorage marks an underlying store failure; fatal for the single
	// operation, never for the process.
	ErrStorage = errors.New("storage unavailable")
)

// Fault couples a dotted operation code with one of the taxonomy sentinels
// and the underlying cause. errors.Is matches both the sentinel and the
// cause.
type Fault struct {
	code string
	kind error
	err  error
}

// Error renders the code with the cause when present.
func (f *Fault) Error() string {
	if f.err == nil {
		return f.code
	}
	return fmt.Sprintf("%s: %v", f.code, f.err)
}

// Unwrap exposes the sentinel and the cause for errors.Is / errors.As.
func (f *Fault) Unwrap() []error {
	if f.err == nil {
		return []error{f.kind}
	}
	return []error{f.kind, f.err}
}

// Code returns the dotted operation code.
func (f *Fault) Code() string {
	return f.code
}

// Validation builds a fault for input rejected before mutation.
func Validation(code string, cause error) error {
	return &Fault{code: code, kind: ErrValidation, err: cause}
}

// NotFound builds a fault for a query with no ledger entry.
func NotFound(code string, cause error) error {
	return &Fault{code: code, kind: ErrNotFound, err: cause}
}

// Conflict builds a fault for a write that lost a same-key race.
func Conflict(code string, cause error) error {
	return &Fault{code: code, kind: ErrConflict, err: cause}
}

// Storage builds a fault for an unavailable or failing store.
func Storage(code string, cause error) error {
	return &Fault{code: code, kind: ErrStorage, err: cause}
}
