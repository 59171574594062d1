package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"slotshare/ledger"
)

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Listing(ctx context.Context, id string) (ledger.Listing, error) {
	l, err := scanListing(t.tx.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Listing{}, ledger.ErrListingNotFound
		}
		return ledger.Listing{}, fmt.Errorf("postgres: lock listing: %w", err)
	}
	return l, nil
}

func (t *pgTx) PutListing(ctx context.Context, l *ledger.Listing) error {
	if l.Version == 0 {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO listings (id, owner_id, service_id, price_per_slot, total_slots, filled_slots, status, created_at, updated_at, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1)
		`, l.ID, l.OwnerID, l.ServiceID, l.PricePerSlot, l.TotalSlots, l.FilledSlots, l.Status, l.CreatedAt, l.UpdatedAt)
		if err != nil {
			return fmt.Errorf("postgres: insert listing: %w", err)
		}
		l.Version = 1
		return nil
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE listings
		SET total_slots=$3, filled_slots=$4, status=$5, price_per_slot=$6, updated_at=$7, version=version+1
		WHERE id=$1 AND version=$2
	`, l.ID, l.Version, l.TotalSlots, l.FilledSlots, l.Status, l.PricePerSlot, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrTxConflict
	}
	l.Version++
	return nil
}

func (t *pgTx) Membership(ctx context.Context, id string) (ledger.Membership, error) {
	m, err := scanMembership(t.tx.QueryRow(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Membership{}, ledger.ErrMembershipNotFound
		}
		return ledger.Membership{}, fmt.Errorf("postgres: lock membership: %w", err)
	}
	return m, nil
}

func (t *pgTx) MembershipByPair(ctx context.Context, listingID, subscriberID string) (ledger.Membership, error) {
	m, err := scanMembership(t.tx.QueryRow(ctx, `
		SELECT `+membershipColumns+`
		FROM memberships
		WHERE listing_id=$1 AND subscriber_id=$2
		FOR UPDATE
	`, listingID, subscriberID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Membership{}, ledger.ErrMembershipNotFound
		}
		return ledger.Membership{}, fmt.Errorf("postgres: lock membership pair: %w", err)
	}
	return m, nil
}

func (t *pgTx) ListingMemberships(ctx context.Context, listingID string) ([]ledger.Membership, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE listing_id=$1 ORDER BY joined_at FOR UPDATE`, listingID)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock listing memberships: %w", err)
	}
	out, err := collect(rows, scanMembership)
	if err != nil {
		return nil, fmt.Errorf("postgres: lock listing memberships: %w", err)
	}
	return out, nil
}

func (t *pgTx) PutMembership(ctx context.Context, m *ledger.Membership) error {
	reason := nullable(string(m.ReleaseReason))
	if m.Version == 0 {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO memberships (id, listing_id, subscriber_id, joined_at, active, payment_status, released_at, release_reason, updated_at, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1)
		`, m.ID, m.ListingID, m.SubscriberID, m.JoinedAt, m.Active, m.PaymentStatus, m.ReleasedAt, reason, m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("postgres: insert membership: %w", err)
		}
		m.Version = 1
		return nil
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE memberships
		SET joined_at=$3, active=$4, payment_status=$5, released_at=$6, release_reason=$7, updated_at=$8, version=version+1
		WHERE id=$1 AND version=$2
	`, m.ID, m.Version, m.JoinedAt, m.Active, m.PaymentStatus, m.ReleasedAt, reason, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update membership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrTxConflict
	}
	m.Version++
	return nil
}

func (t *pgTx) Dispute(ctx context.Context, id string) (ledger.DisputeCase, error) {
	c, err := scanDispute(t.tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.DisputeCase{}, ledger.ErrDisputeNotFound
		}
		return ledger.DisputeCase{}, fmt.Errorf("postgres: lock dispute: %w", err)
	}
	return c, nil
}

func (t *pgTx) PutDispute(ctx context.Context, c *ledger.DisputeCase) error {
	logJSON, err := toJSON(nonNil(c.CommunicationLog))
	if err != nil {
		return fmt.Errorf("postgres: encode communication log: %w", err)
	}
	var resolution *string
	if c.Resolution != nil {
		r, err := toJSON(c.Resolution)
		if err != nil {
			return fmt.Errorf("postgres: encode resolution: %w", err)
		}
		resolution = &r
	}
	evidence := nonNil(c.EvidenceRefs)

	if c.Version == 0 {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO disputes (id, date_created, initiator_id, initiator_name, initiator_role, accused_id, accused_name, accused_role,
				listing_id, reason, description, status, evidence_refs, communication_log, admin_notes, last_update, resolution, version)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14::jsonb,$15,$16,$17::jsonb,1)
		`, c.ID, c.DateCreated, c.Initiator.ID, c.Initiator.Name, c.Initiator.Role, c.Accused.ID, c.Accused.Name, c.Accused.Role,
			nullable(c.ListingID), c.Reason, c.Description, c.Status, evidence, logJSON, c.AdminNotes, c.LastUpdate, resolution)
		if err != nil {
			return fmt.Errorf("postgres: insert dispute: %w", err)
		}
		c.Version = 1
		return nil
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE disputes
		SET status=$3, evidence_refs=$4, communication_log=$5::jsonb, admin_notes=$6, last_update=$7, resolution=$8::jsonb, version=version+1
		WHERE id=$1 AND version=$2
	`, c.ID, c.Version, c.Status, evidence, logJSON, c.AdminNotes, c.LastUpdate, resolution)
	if err != nil {
		return fmt.Errorf("postgres: update dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrTxConflict
	}
	c.Version++
	return nil
}

func (t *pgTx) AuditRecord(ctx context.Context, id string) (ledger.AuditRecord, error) {
	r, err := scanAudit(t.tx.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_records WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.AuditRecord{}, ledger.ErrAuditNotFound
		}
		return ledger.AuditRecord{}, fmt.Errorf("postgres: get audit record: %w", err)
	}
	return r, nil
}

func (t *pgTx) AppendAudit(ctx context.Context, rec ledger.AuditRecord) error {
	payload, err := toJSON(nonNilMap(rec.Payload))
	if err != nil {
		return fmt.Errorf("postgres: encode audit payload: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO audit_records (id, entity_type, entity_id, action, actor_id, at, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb)
	`, rec.ID, rec.EntityType, rec.EntityID, rec.Action, rec.ActorID, rec.At, payload); err != nil {
		return fmt.Errorf("postgres: insert audit record: %w", err)
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, msg ledger.OutboxMessage) error {
	next := msg.NextAttemptAt
	if next.IsZero() {
		next = msg.CreatedAt
	}
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO outbox (id, topic, key, payload, status, attempts, next_attempt_at, created_at)
		VALUES ($1,$2,$3,$4::jsonb,'pending',0,$5,$6)
	`, msg.ID, msg.Topic, msg.Key, string(msg.Payload), next, msg.CreatedAt); err != nil {
		return fmt.Errorf("postgres: enqueue outbox: %w", err)
	}
	return nil
}

func (t *pgTx) ReserveKey(ctx context.Context, key, entityID string) (string, error) {
	var bound string
	err := t.tx.QueryRow(ctx, `
		INSERT INTO idempotency_keys (key, entity_id) VALUES ($1,$2)
		ON CONFLICT (key) DO NOTHING
		RETURNING entity_id
	`, key, entityID).Scan(&bound)
	if err == nil {
		return bound, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("postgres: reserve idempotency key: %w", err)
	}
	if err := t.tx.QueryRow(ctx, `SELECT entity_id FROM idempotency_keys WHERE key=$1`, key).Scan(&bound); err != nil {
		return "", fmt.Errorf("postgres: read idempotency key: %w", err)
	}
	return bound, ledger.ErrDuplicateKey
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
