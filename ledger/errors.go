package ledger

import "errors"

// Error kinds. Every domain error unwraps to exactly one of these so callers
// branch with errors.Is on the kind rather than on individual sentinels.
var (
	ErrValidation  = errors.New("validation failed")
	ErrConflict    = errors.New("conflict")
	ErrTransient   = errors.New("transient failure")
	ErrUnavailable = errors.New("service unavailable")
	ErrNotFound    = errors.New("not found")
	ErrForbidden   = errors.New("not permitted")
)

var kinds = []error{ErrValidation, ErrConflict, ErrUnavailable, ErrTransient, ErrNotFound, ErrForbidden}

var (
	// ErrTxConflict signals a lost optimistic-concurrency race or a serialization
	// failure; the whole transaction may be retried.
	ErrTxConflict = Kinded(ErrTransient, "ledger: concurrent modification")
	// ErrDuplicateKey signals that an idempotency key was already reserved.
	ErrDuplicateKey = Kinded(ErrConflict, "ledger: duplicate idempotency key")

	ErrListingNotFound    = Kinded(ErrNotFound, "ledger: listing not found")
	ErrMembershipNotFound = Kinded(ErrNotFound, "ledger: membership not found")
	ErrDisputeNotFound    = Kinded(ErrNotFound, "ledger: dispute not found")
	ErrAuditNotFound      = Kinded(ErrNotFound, "ledger: audit record not found")
	ErrOutboxNotFound     = Kinded(ErrNotFound, "ledger: outbox message not found")
)

// KindError is a sentinel carrying one of the error kinds.
type KindError struct {
	kind error
	msg  string
}

// Kinded creates a sentinel error that matches kind under errors.Is.
func Kinded(kind error, msg string) error {
	return &KindError{kind: kind, msg: msg}
}

func (e *KindError) Error() string { return e.msg }

func (e *KindError) Unwrap() error { return e.kind }

// KindOf returns the error kind err belongs to, or nil for unclassified errors.
// Unavailable wins over Transient because exhausted retries carry both.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrUnavailable)
}
