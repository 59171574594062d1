package inventory

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"slotshare/auth"
	"slotshare/ledger"
	"slotshare/notify"
)

type CreateListingParams struct {
	OwnerID      string
	ServiceID    string
	PricePerSlot int64
	TotalSlots   int
}

func (p CreateListingParams) validate() error {
	var problems []string
	if strings.TrimSpace(p.OwnerID) == "" {
		problems = append(problems, "owner id is required")
	}
	if strings.TrimSpace(p.ServiceID) == "" {
		problems = append(problems, "service id is required")
	}
	if p.TotalSlots < 1 {
		problems = append(problems, "total slots must be at least 1")
	}
	if p.PricePerSlot < 0 {
		problems = append(problems, "price per slot must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidListing, strings.Join(problems, "; "))
	}
	return nil
}

// CreateListing opens a new listing in Recruiting status.
func (m *Manager) CreateListing(ctx context.Context, p CreateListingParams) (ledger.Listing, error) {
	if err := p.validate(); err != nil {
		return ledger.Listing{}, err
	}

	id := m.newID()
	var out ledger.Listing
	err := m.transact(ctx, "inventory.CreateListing", []attribute.KeyValue{attribute.String("listing.id", id)},
		func(ctx context.Context, tx ledger.Tx) error {
			now := m.now()
			l := ledger.Listing{
				ID:           id,
				OwnerID:      p.OwnerID,
				ServiceID:    p.ServiceID,
				PricePerSlot: p.PricePerSlot,
				TotalSlots:   p.TotalSlots,
				Status:       ledger.ListingRecruiting,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.PutListing(ctx, &l); err != nil {
				return err
			}
			payload := map[string]any{
				"owner_id":       l.OwnerID,
				"service_id":     l.ServiceID,
				"total_slots":    l.TotalSlots,
				"price_per_slot": l.PricePerSlot,
			}
			out = l
			return record(ctx, tx, m.audit("listing", l.ID, "listing.created", p.OwnerID, payload),
				notify.NewEvent(notify.ListingCreated, l.ID, now, payload))
		})
	if err != nil {
		return ledger.Listing{}, err
	}
	m.logger.Info("listing created", zap.String("listing_id", out.ID), zap.String("owner_id", out.OwnerID), zap.Int("total_slots", out.TotalSlots))
	return out, nil
}

// Activate marks a recruiting listing as running. Only the owner may do so.
func (m *Manager) Activate(ctx context.Context, listingID, actorID string) (ledger.Listing, error) {
	return m.setStatus(ctx, "inventory.Activate", listingID, actorID, func(l ledger.Listing) (ledger.ListingStatus, bool, error) {
		if l.OwnerID != actorID {
			return "", false, ErrNotPermitted
		}
		switch l.Status {
		case ledger.ListingActive:
			return "", false, nil
		case ledger.ListingRecruiting:
			return ledger.ListingActive, true, nil
		}
		return "", false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.Status, ledger.ListingActive)
	}, notify.ListingActivated)
}

// SuspendListing blocks new joins pending investigation. Existing
// memberships and the slot count are untouched.
func (m *Manager) SuspendListing(ctx context.Context, listingID, actorID string) (ledger.Listing, error) {
	if _, err := auth.Require(ctx, m.dir, actorID, auth.CapModerate); err != nil {
		return ledger.Listing{}, ErrNotPermitted
	}
	return m.setStatus(ctx, "inventory.SuspendListing", listingID, actorID, func(l ledger.Listing) (ledger.ListingStatus, bool, error) {
		switch l.Status {
		case ledger.ListingSuspended:
			return "", false, nil
		case ledger.ListingRemoved:
			return "", false, ErrListingRemoved
		}
		return ledger.ListingSuspended, true, nil
	}, notify.ListingSuspended)
}

// ReinstateListing lifts a suspension, landing in Full when the listing is at
// capacity and Recruiting otherwise.
func (m *Manager) ReinstateListing(ctx context.Context, listingID, actorID string) (ledger.Listing, error) {
	if _, err := auth.Require(ctx, m.dir, actorID, auth.CapModerate); err != nil {
		return ledger.Listing{}, ErrNotPermitted
	}
	return m.setStatus(ctx, "inventory.ReinstateListing", listingID, actorID, func(l ledger.Listing) (ledger.ListingStatus, bool, error) {
		if l.Status != ledger.ListingSuspended {
			return "", false, fmt.Errorf("%w: %s is not suspended", ErrInvalidTransition, l.ID)
		}
		if l.FilledSlots >= l.TotalSlots {
			return ledger.ListingFull, true, nil
		}
		return ledger.ListingRecruiting, true, nil
	}, notify.ListingReinstated)
}

type statusDecision func(l ledger.Listing) (next ledger.ListingStatus, change bool, err error)

func (m *Manager) setStatus(ctx context.Context, op, listingID, actorID string, decide statusDecision, evt notify.EventType) (ledger.Listing, error) {
	if listingID == "" {
		return ledger.Listing{}, ErrMissingID
	}
	var out ledger.Listing
	err := m.transact(ctx, op, []attribute.KeyValue{attribute.String("listing.id", listingID)},
		func(ctx context.Context, tx ledger.Tx) error {
			l, err := tx.Listing(ctx, listingID)
			if err != nil {
				return err
			}
			next, change, err := decide(l)
			if err != nil {
				return err
			}
			if !change {
				out = l
				return nil
			}
			now := m.now()
			prev := l.Status
			l.Status = next
			l.UpdatedAt = now
			if err := tx.PutListing(ctx, &l); err != nil {
				return err
			}
			out = l
			payload := map[string]any{"previous_status": string(prev), "status": string(next)}
			return record(ctx, tx, m.audit("listing", l.ID, string(evt), actorID, payload),
				notify.NewEvent(evt, l.ID, now, payload))
		})
	if err != nil {
		return ledger.Listing{}, err
	}
	return out, nil
}

// RemoveListing soft-deletes a listing. All active memberships are released
// with AdminAction in the same transaction so the slot invariant holds.
func (m *Manager) RemoveListing(ctx context.Context, listingID, actorID string) (ledger.Listing, error) {
	current, err := m.store.GetListing(ctx, listingID)
	if err != nil {
		return ledger.Listing{}, err
	}
	if current.OwnerID != actorID {
		if _, err := auth.Require(ctx, m.dir, actorID, auth.CapAdminister); err != nil {
			return ledger.Listing{}, ErrNotPermitted
		}
	}

	var out ledger.Listing
	err = m.transact(ctx, "inventory.RemoveListing", []attribute.KeyValue{attribute.String("listing.id", listingID)},
		func(ctx context.Context, tx ledger.Tx) error {
			l, err := tx.Listing(ctx, listingID)
			if err != nil {
				return err
			}
			if l.Status == ledger.ListingRemoved {
				out = l
				return nil
			}
			members, err := tx.ListingMemberships(ctx, listingID)
			if err != nil {
				return err
			}

			now := m.now()
			released := make([]string, 0, len(members))
			events := make([]notify.Event, 0, len(members)+1)
			for i := range members {
				mem := members[i]
				if !mem.Active {
					continue
				}
				releaseMembership(&mem, ledger.ReleaseAdminAction, now)
				if err := tx.PutMembership(ctx, &mem); err != nil {
					return err
				}
				released = append(released, mem.ID)
				events = append(events, notify.NewEvent(notify.MembershipReleased, mem.ID, now, map[string]any{
					"listing_id": l.ID,
					"reason":     string(ledger.ReleaseAdminAction),
				}))
			}
			if len(released) != l.FilledSlots {
				return fmt.Errorf("inventory: listing %s counts %d filled slots but has %d active memberships: %w",
					l.ID, l.FilledSlots, len(released), ledger.ErrConflict)
			}

			prev := l.Status
			l.FilledSlots = 0
			l.Status = ledger.ListingRemoved
			l.UpdatedAt = now
			if err := tx.PutListing(ctx, &l); err != nil {
				return err
			}
			out = l
			payload := map[string]any{
				"previous_status":      string(prev),
				"released_memberships": released,
			}
			events = append(events, notify.NewEvent(notify.ListingRemoved, l.ID, now, payload))
			return record(ctx, tx, m.audit("listing", l.ID, "listing.removed", actorID, payload), events...)
		})
	if err != nil {
		return ledger.Listing{}, err
	}
	m.logger.Info("listing removed", zap.String("listing_id", listingID), zap.String("actor_id", actorID))
	return out, nil
}

func (m *Manager) audit(entityType, entityID, action, actorID string, payload map[string]any) ledger.AuditRecord {
	return m.auditWithID(m.newID(), entityType, entityID, action, actorID, payload)
}

func (m *Manager) auditWithID(id, entityType, entityID, action, actorID string, payload map[string]any) ledger.AuditRecord {
	return ledger.AuditRecord{
		ID:         id,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		ActorID:    actorID,
		At:         m.now(),
		Payload:    payload,
	}
}
