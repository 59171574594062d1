package inventory

import "slotshare/ledger"

var (
	ErrCapacityExceeded   = ledger.Kinded(ledger.ErrConflict, "inventory: listing is at capacity")
	ErrAlreadyMember      = ledger.Kinded(ledger.ErrConflict, "inventory: already an active member of this listing")
	ErrListingUnavailable = ledger.Kinded(ledger.ErrConflict, "inventory: listing is not accepting members")
	ErrListingRemoved     = ledger.Kinded(ledger.ErrConflict, "inventory: listing has been removed")
	ErrInvalidTransition  = ledger.Kinded(ledger.ErrConflict, "inventory: invalid listing status transition")
	ErrSlotUnderflow      = ledger.Kinded(ledger.ErrConflict, "inventory: filled slot count would drop below zero")

	ErrInvalidListing = ledger.Kinded(ledger.ErrValidation, "inventory: invalid listing parameters")
	ErrMissingID      = ledger.Kinded(ledger.ErrValidation, "inventory: identifier required")
	ErrOwnListing     = ledger.Kinded(ledger.ErrValidation, "inventory: owners cannot join their own listing")
	ErrInvalidReason  = ledger.Kinded(ledger.ErrValidation, "inventory: invalid release reason")
	ErrInvalidPayment = ledger.Kinded(ledger.ErrValidation, "inventory: invalid payment status")

	// ErrNotPermitted is deliberately uninformative about why access was refused.
	ErrNotPermitted = ledger.Kinded(ledger.ErrForbidden, "inventory: not permitted")
)
