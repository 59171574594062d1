package ledger

import (
	"context"
	"time"
)

// Tx is a unit of work against the ledger. Put methods insert when Version is
// zero and otherwise update only if the stored version still matches; on
// success the entity's Version is advanced in place. A version mismatch
// surfaces as ErrTxConflict, at the latest when the transaction commits.
type Tx interface {
	Listing(ctx context.Context, id string) (Listing, error)
	PutListing(ctx context.Context, l *Listing) error

	Membership(ctx context.Context, id string) (Membership, error)
	MembershipByPair(ctx context.Context, listingID, subscriberID string) (Membership, error)
	ListingMemberships(ctx context.Context, listingID string) ([]Membership, error)
	PutMembership(ctx context.Context, m *Membership) error

	Dispute(ctx context.Context, id string) (DisputeCase, error)
	PutDispute(ctx context.Context, c *DisputeCase) error

	AuditRecord(ctx context.Context, id string) (AuditRecord, error)
	AppendAudit(ctx context.Context, rec AuditRecord) error

	Enqueue(ctx context.Context, msg OutboxMessage) error

	// ReserveKey binds an idempotency key to entityID. When the key is already
	// bound it returns the existing entity id together with ErrDuplicateKey.
	ReserveKey(ctx context.Context, key, entityID string) (string, error)
}

// TxFunc is the body of a transaction. Returning an error rolls it back.
type TxFunc func(ctx context.Context, tx Tx) error

// Reader serves queries outside of a transaction.
type Reader interface {
	GetListing(ctx context.Context, id string) (Listing, error)
	GetMembership(ctx context.Context, id string) (Membership, error)
	GetDispute(ctx context.Context, id string) (DisputeCase, error)

	// ListingsForUser returns listings the user owns or holds an active membership in.
	ListingsForUser(ctx context.Context, userID string) ([]Listing, error)
	MembershipsForListing(ctx context.Context, listingID string) ([]Membership, error)
	DisputesForUser(ctx context.Context, userID string) ([]DisputeCase, error)

	// UnappliedResolutions returns terminal cases whose resolution has not
	// been applied yet and was decided no later than decidedBefore, oldest
	// decision first. A zero decidedBefore applies no age bound.
	UnappliedResolutions(ctx context.Context, decidedBefore time.Time, limit int) ([]DisputeCase, error)
	AuditTrail(ctx context.Context, entityID string) ([]AuditRecord, error)
}

// Outbox is the durable delivery queue fed by Tx.Enqueue.
type Outbox interface {
	// ClaimOutbox leases up to limit due pending messages of topic. A claimed
	// message is invisible to other claimers until now+lease.
	ClaimOutbox(ctx context.Context, topic string, now time.Time, lease time.Duration, limit int) ([]OutboxMessage, error)
	CompleteOutbox(ctx context.Context, id string) error
	RetryOutbox(ctx context.Context, id string, next time.Time, lastErr string) error
	KillOutbox(ctx context.Context, id string, lastErr string) error
}

// Store is the transactional document/row store behind both the inventory
// manager and the dispute engine.
type Store interface {
	Reader
	Outbox

	// Transact runs fn exactly once inside a transaction. Callers that want
	// retries on ErrTxConflict use the package-level Transact.
	Transact(ctx context.Context, fn TxFunc) error
}
