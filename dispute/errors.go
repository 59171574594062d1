package dispute

import (
	"fmt"
	"strings"

	"slotshare/ledger"
)

var (
	ErrInvalidTransition = ledger.Kinded(ledger.ErrConflict, "dispute: invalid status transition")
	ErrAlreadyResolved   = ledger.Kinded(ledger.ErrConflict, "dispute: case already resolved")
	ErrCaseClosed        = ledger.Kinded(ledger.ErrConflict, "dispute: case is closed")

	ErrInvalidCase     = ledger.Kinded(ledger.ErrValidation, "dispute: invalid case")
	ErrInvalidOutcome  = ledger.Kinded(ledger.ErrValidation, "dispute: invalid outcome")
	ErrInvalidMessage  = ledger.Kinded(ledger.ErrValidation, "dispute: invalid message")
	ErrListingMismatch = ledger.Kinded(ledger.ErrValidation, "dispute: parties do not match the listing")
	ErrMissingID       = ledger.Kinded(ledger.ErrValidation, "dispute: identifier required")

	ErrNotPermitted = ledger.Kinded(ledger.ErrForbidden, "dispute: not permitted")
)

func invalid(kind error, problems []string) error {
	return fmt.Errorf("%w: %s", kind, strings.Join(problems, "; "))
}
