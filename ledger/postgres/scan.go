package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"slotshare/ledger"
)

const listingColumns = `id, owner_id, service_id, price_per_slot, total_slots, filled_slots, status, created_at, updated_at, version`

const membershipColumns = `id, listing_id, subscriber_id, joined_at, active, payment_status, released_at, release_reason, updated_at, version`

const disputeColumns = `id, date_created, initiator_id, initiator_name, initiator_role, accused_id, accused_name, accused_role,
	listing_id, reason, description, status, evidence_refs, communication_log, admin_notes, last_update, resolution, version`

const outboxColumns = `id, topic, key, payload, status, attempts, next_attempt_at, COALESCE(last_error, ''), created_at`

const auditColumns = `id, entity_type, entity_id, action, actor_id, at, payload`

func scanListing(row pgx.Row) (ledger.Listing, error) {
	var l ledger.Listing
	err := row.Scan(
		&l.ID,
		&l.OwnerID,
		&l.ServiceID,
		&l.PricePerSlot,
		&l.TotalSlots,
		&l.FilledSlots,
		&l.Status,
		&l.CreatedAt,
		&l.UpdatedAt,
		&l.Version,
	)
	return l, err
}

func scanMembership(row pgx.Row) (ledger.Membership, error) {
	var (
		m      ledger.Membership
		reason *string
	)
	err := row.Scan(
		&m.ID,
		&m.ListingID,
		&m.SubscriberID,
		&m.JoinedAt,
		&m.Active,
		&m.PaymentStatus,
		&m.ReleasedAt,
		&reason,
		&m.UpdatedAt,
		&m.Version,
	)
	if err != nil {
		return ledger.Membership{}, err
	}
	if reason != nil {
		m.ReleaseReason = ledger.ReleaseReason(*reason)
	}
	return m, nil
}

func scanDispute(row pgx.Row) (ledger.DisputeCase, error) {
	var (
		c          ledger.DisputeCase
		listingID  *string
		logJSON    []byte
		resolution []byte
	)
	err := row.Scan(
		&c.ID,
		&c.DateCreated,
		&c.Initiator.ID,
		&c.Initiator.Name,
		&c.Initiator.Role,
		&c.Accused.ID,
		&c.Accused.Name,
		&c.Accused.Role,
		&listingID,
		&c.Reason,
		&c.Description,
		&c.Status,
		&c.EvidenceRefs,
		&logJSON,
		&c.AdminNotes,
		&c.LastUpdate,
		&resolution,
		&c.Version,
	)
	if err != nil {
		return ledger.DisputeCase{}, err
	}
	if listingID != nil {
		c.ListingID = *listingID
	}
	if len(logJSON) > 0 {
		if err := json.Unmarshal(logJSON, &c.CommunicationLog); err != nil {
			return ledger.DisputeCase{}, fmt.Errorf("decode communication log: %w", err)
		}
	}
	if len(resolution) > 0 {
		var r ledger.Resolution
		if err := json.Unmarshal(resolution, &r); err != nil {
			return ledger.DisputeCase{}, fmt.Errorf("decode resolution: %w", err)
		}
		c.Resolution = &r
	}
	return c, nil
}

func scanOutbox(row pgx.Row) (ledger.OutboxMessage, error) {
	var m ledger.OutboxMessage
	err := row.Scan(
		&m.ID,
		&m.Topic,
		&m.Key,
		&m.Payload,
		&m.Status,
		&m.Attempts,
		&m.NextAttemptAt,
		&m.LastError,
		&m.CreatedAt,
	)
	return m, err
}

func scanAudit(row pgx.Row) (ledger.AuditRecord, error) {
	var (
		r       ledger.AuditRecord
		payload []byte
	)
	if err := row.Scan(&r.ID, &r.EntityType, &r.EntityID, &r.Action, &r.ActorID, &r.At, &payload); err != nil {
		return ledger.AuditRecord{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return ledger.AuditRecord{}, fmt.Errorf("decode audit payload: %w", err)
		}
	}
	return r, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	out := make([]T, 0, 8)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
