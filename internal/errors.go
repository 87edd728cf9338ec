package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the ledger domain.
var (
	ErrNotFound           = errors.New("not found")
	ErrBadRequest         = errors.New("bad request")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrStoreInit          = errors.New("ledger store initialization failed")
	ErrStoreOperation     = errors.New("ledger store operation failed")
	ErrCompensationFailed = errors.New("quota compensation failed")
)

// QuotaExceededError reports that a subject asked for more tokens than its
// ledger row holds. It matches ErrQuotaExceeded with errors.Is.
type QuotaExceededError struct {
	SubjectID string
	Scope     Scope
	Limiter   string
	Available int64
	Requested int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: limiter=%s subject=%q available=%d requested=%d",
		e.Limiter, e.SubjectID, e.Available, e.Requested)
}

// Is makes errors.Is(err, ErrQuotaExceeded) hold.
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// CompensationFailure identifies one credit that could not be restored
// after a multi-limiter request failed part-way.
type CompensationFailure struct {
	Limiter   string
	SubjectID string
	Amount    int64
	Err       error
}

func (f CompensationFailure) Error() string {
	return fmt.Sprintf("limiter=%s subject=%q amount=%d: %v", f.Limiter, f.SubjectID, f.Amount, f.Err)
}

func (f CompensationFailure) Unwrap() error { return f.Err }

// CompensationError wraps the error that aborted a multi-limiter request
// together with the credits that could not be rolled back. Cause stays the
// primary error: errors.As finds a *QuotaExceededError through it.
type CompensationError struct {
	Cause    error
	Failures []CompensationFailure
}

func (e *CompensationError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("%v (compensation failed: %s)", e.Cause, strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrCompensationFailed) hold.
func (e *CompensationError) Is(target error) bool {
	return target == ErrCompensationFailed
}

// Unwrap exposes the cause first, then each failed credit.
func (e *CompensationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	errs = append(errs, e.Cause)
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}
