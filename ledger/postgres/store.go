// Package postgres implements ledger.Store on PostgreSQL. Rows read inside a
// transaction are locked with SELECT ... FOR UPDATE so every mutation of one
// listing serializes on its row; updates additionally check the version
// column and report a lost race as ledger.ErrTxConflict.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"slotshare/ledger"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db DB
}

var _ ledger.Store = (*Store)(nil)

func New(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) Transact(ctx context.Context, fn ledger.TxFunc) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify(fmt.Errorf("postgres: begin: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("postgres: commit: %w", err))
	}
	return nil
}

func (s *Store) GetListing(ctx context.Context, id string) (ledger.Listing, error) {
	l, err := scanListing(s.db.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Listing{}, ledger.ErrListingNotFound
		}
		return ledger.Listing{}, classify(fmt.Errorf("postgres: get listing: %w", err))
	}
	return l, nil
}

func (s *Store) GetMembership(ctx context.Context, id string) (ledger.Membership, error) {
	m, err := scanMembership(s.db.QueryRow(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Membership{}, ledger.ErrMembershipNotFound
		}
		return ledger.Membership{}, classify(fmt.Errorf("postgres: get membership: %w", err))
	}
	return m, nil
}

func (s *Store) GetDispute(ctx context.Context, id string) (ledger.DisputeCase, error) {
	c, err := scanDispute(s.db.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.DisputeCase{}, ledger.ErrDisputeNotFound
		}
		return ledger.DisputeCase{}, classify(fmt.Errorf("postgres: get dispute: %w", err))
	}
	return c, nil
}

func (s *Store) ListingsForUser(ctx context.Context, userID string) ([]ledger.Listing, error) {
	const query = `
		SELECT ` + listingColumns + `
		FROM listings l
		WHERE l.owner_id = $1
		   OR EXISTS (
		        SELECT 1 FROM memberships m
		        WHERE m.listing_id = l.id AND m.subscriber_id = $1 AND m.active)
		ORDER BY l.created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: listings for user: %w", err))
	}
	out, err := collect(rows, scanListing)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: listings for user: %w", err))
	}
	return out, nil
}

func (s *Store) MembershipsForListing(ctx context.Context, listingID string) ([]ledger.Membership, error) {
	rows, err := s.db.Query(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE listing_id=$1 ORDER BY joined_at`, listingID)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: memberships for listing: %w", err))
	}
	out, err := collect(rows, scanMembership)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: memberships for listing: %w", err))
	}
	return out, nil
}

func (s *Store) DisputesForUser(ctx context.Context, userID string) ([]ledger.DisputeCase, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE initiator_id = $1 OR accused_id = $1
		ORDER BY date_created DESC
	`, userID)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: disputes for user: %w", err))
	}
	out, err := collect(rows, scanDispute)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: disputes for user: %w", err))
	}
	return out, nil
}

func (s *Store) UnappliedResolutions(ctx context.Context, decidedBefore time.Time, limit int) ([]ledger.DisputeCase, error) {
	if limit <= 0 {
		limit = 100
	}
	var before *time.Time
	if !decidedBefore.IsZero() {
		before = &decidedBefore
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status IN ('resolved_favor_user','resolved_favor_sharer','resolved_dismissed')
		  AND resolution IS NOT NULL
		  AND resolution ->> 'applied_at' IS NULL
		  AND ($2::timestamptz IS NULL OR (resolution ->> 'decided_at')::timestamptz <= $2)
		ORDER BY (resolution ->> 'decided_at')::timestamptz
		LIMIT $1
	`, limit, before)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: unapplied resolutions: %w", err))
	}
	out, err := collect(rows, scanDispute)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: unapplied resolutions: %w", err))
	}
	return out, nil
}

func (s *Store) AuditTrail(ctx context.Context, entityID string) ([]ledger.AuditRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+auditColumns+` FROM audit_records WHERE entity_id=$1 ORDER BY at, id`, entityID)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: audit trail: %w", err))
	}
	out, err := collect(rows, scanAudit)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: audit trail: %w", err))
	}
	return out, nil
}

func (s *Store) ClaimOutbox(ctx context.Context, topic string, now time.Time, lease time.Duration, limit int) ([]ledger.OutboxMessage, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, next_attempt_at = $3
		WHERE id IN (
			SELECT id FROM outbox
			WHERE topic = $1 AND status = 'pending' AND next_attempt_at <= $2
			ORDER BY next_attempt_at, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $4)
		RETURNING `+outboxColumns,
		topic, now, now.Add(lease), limit)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: claim outbox: %w", err))
	}
	out, err := collect(rows, scanOutbox)
	if err != nil {
		return nil, classify(fmt.Errorf("postgres: claim outbox: %w", err))
	}
	return out, nil
}

func (s *Store) CompleteOutbox(ctx context.Context, id string) error {
	return s.updateOutbox(ctx, "complete", `UPDATE outbox SET status='delivered', last_error=NULL WHERE id=$1`, id)
}

func (s *Store) RetryOutbox(ctx context.Context, id string, next time.Time, lastErr string) error {
	return s.updateOutbox(ctx, "retry", `UPDATE outbox SET next_attempt_at=$2, last_error=$3 WHERE id=$1`, id, next, lastErr)
}

func (s *Store) KillOutbox(ctx context.Context, id string, lastErr string) error {
	return s.updateOutbox(ctx, "kill", `UPDATE outbox SET status='dead', last_error=$2 WHERE id=$1`, id, lastErr)
}

func (s *Store) updateOutbox(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return classify(fmt.Errorf("postgres: %s outbox: %w", op, err))
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrOutboxNotFound
	}
	return nil
}
