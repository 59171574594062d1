package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"slotshare/auth"
	"slotshare/ledger"
	"slotshare/notify"
)

type joinConfig struct {
	idempotencyKey string
}

type JoinOption func(*joinConfig)

// WithIdempotencyKey makes a join safe to resubmit: a repeated key returns the
// membership created by the first call instead of failing with ErrAlreadyMember.
func WithIdempotencyKey(key string) JoinOption {
	return func(c *joinConfig) { c.idempotencyKey = key }
}

// Join claims one slot of listingID for subscriberID. A released membership of
// the same pair is reactivated rather than duplicated.
func (m *Manager) Join(ctx context.Context, listingID, subscriberID string, opts ...JoinOption) (ledger.Membership, error) {
	if listingID == "" || subscriberID == "" {
		return ledger.Membership{}, ErrMissingID
	}
	var cfg joinConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		out      ledger.Membership
		replayed bool
		filled   bool
	)
	err := m.transact(ctx, "inventory.Join", []attribute.KeyValue{
		attribute.String("listing.id", listingID),
		attribute.String("subscriber.id", subscriberID),
	}, func(ctx context.Context, tx ledger.Tx) error {
		replayed, filled = false, false

		l, err := tx.Listing(ctx, listingID)
		if err != nil {
			return err
		}
		if l.OwnerID == subscriberID {
			return ErrOwnListing
		}

		existing, err := tx.MembershipByPair(ctx, listingID, subscriberID)
		switch {
		case errors.Is(err, ledger.ErrMembershipNotFound):
			existing = ledger.Membership{}
		case err != nil:
			return err
		}

		membershipID := existing.ID
		if membershipID == "" {
			membershipID = m.newID()
		}
		if cfg.idempotencyKey != "" {
			bound, err := tx.ReserveKey(ctx, "join:"+cfg.idempotencyKey, membershipID)
			if errors.Is(err, ledger.ErrDuplicateKey) {
				prior, err := tx.Membership(ctx, bound)
				if err != nil {
					return err
				}
				out, replayed = prior, true
				return nil
			}
			if err != nil {
				return err
			}
		}

		if existing.Active {
			return ErrAlreadyMember
		}
		if l.Status == ledger.ListingRemoved {
			return ErrListingRemoved
		}
		if l.Status == ledger.ListingFull || (l.Status.Joinable() && l.FilledSlots >= l.TotalSlots) {
			return ErrCapacityExceeded
		}
		if !l.Status.Joinable() {
			return ErrListingUnavailable
		}

		now := m.now()
		mem := existing
		if mem.ID == "" {
			mem = ledger.Membership{ID: membershipID, ListingID: listingID, SubscriberID: subscriberID}
		}
		activateMembership(&mem, now)
		if err := tx.PutMembership(ctx, &mem); err != nil {
			return err
		}

		l.FilledSlots++
		if l.FilledSlots == l.TotalSlots {
			l.Status = ledger.ListingFull
			filled = true
		}
		l.UpdatedAt = now
		if err := tx.PutListing(ctx, &l); err != nil {
			return err
		}

		out = mem
		payload := map[string]any{
			"listing_id":    l.ID,
			"subscriber_id": subscriberID,
			"filled_slots":  l.FilledSlots,
			"total_slots":   l.TotalSlots,
		}
		events := []notify.Event{notify.NewEvent(notify.MembershipJoined, mem.ID, now, payload)}
		if filled {
			events = append(events, notify.NewEvent(notify.ListingFull, l.ID, now, map[string]any{"total_slots": l.TotalSlots}))
		}
		return record(ctx, tx, m.audit("membership", mem.ID, "membership.joined", subscriberID, payload), events...)
	})
	if err != nil {
		return ledger.Membership{}, err
	}
	if replayed {
		m.logger.Debug("join replayed", zap.String("membership_id", out.ID))
	} else {
		m.logger.Info("membership joined",
			zap.String("membership_id", out.ID),
			zap.String("listing_id", listingID),
			zap.String("subscriber_id", subscriberID),
			zap.Bool("listing_full", filled))
	}
	return out, nil
}

// Release frees the slot held by membershipID. Releasing an inactive
// membership is a no-op.
func (m *Manager) Release(ctx context.Context, membershipID string, reason ledger.ReleaseReason) error {
	_, err := m.release(ctx, membershipID, reason, auth.SystemActorID, "")
	return err
}

// Leave is the subscriber giving up their own slot.
func (m *Manager) Leave(ctx context.Context, membershipID, actorID string) error {
	mem, err := m.store.GetMembership(ctx, membershipID)
	if err != nil {
		return err
	}
	if mem.SubscriberID != actorID {
		return ErrNotPermitted
	}
	_, err = m.release(ctx, membershipID, ledger.ReleaseVoluntaryLeave, actorID, "")
	return err
}

// SuspendMember removes a subscriber from a listing on behalf of the owner
// or a moderator.
func (m *Manager) SuspendMember(ctx context.Context, membershipID, actorID string) error {
	mem, err := m.store.GetMembership(ctx, membershipID)
	if err != nil {
		return err
	}
	l, err := m.store.GetListing(ctx, mem.ListingID)
	if err != nil {
		return err
	}
	reason := ledger.ReleaseOwnerSuspension
	if l.OwnerID != actorID {
		if _, err := auth.Require(ctx, m.dir, actorID, auth.CapModerate); err != nil {
			return ErrNotPermitted
		}
		reason = ledger.ReleaseAdminAction
	}
	_, err = m.release(ctx, membershipID, reason, actorID, "")
	return err
}

// release is shared by every path that frees a slot. When key is set the
// audit record is written under that id and a repeated call with the same key
// reports the original mutation instead of touching the listing again.
func (m *Manager) release(ctx context.Context, membershipID string, reason ledger.ReleaseReason, actorID, key string) (MutationResult, error) {
	if membershipID == "" {
		return MutationResult{}, ErrMissingID
	}
	if !reason.Valid() {
		return MutationResult{}, fmt.Errorf("%w: %q", ErrInvalidReason, reason)
	}

	// The listing row is always locked before the membership row, so the
	// listing id has to be known up front.
	pre, err := m.store.GetMembership(ctx, membershipID)
	if err != nil {
		return MutationResult{}, err
	}

	var (
		res     MutationResult
		changed bool
	)
	err = m.transact(ctx, "inventory.Release", []attribute.KeyValue{
		attribute.String("membership.id", membershipID),
		attribute.String("release.reason", string(reason)),
	}, func(ctx context.Context, tx ledger.Tx) error {
		changed = false
		res = MutationResult{MembershipID: membershipID}

		if key != "" {
			if _, err := tx.AuditRecord(ctx, key); err == nil {
				res.MutationID = key
				return nil
			} else if !errors.Is(err, ledger.ErrAuditNotFound) {
				return err
			}
		}

		l, err := tx.Listing(ctx, pre.ListingID)
		if err != nil {
			return err
		}
		mem, err := tx.Membership(ctx, membershipID)
		if err != nil {
			return err
		}
		if !mem.Active {
			if key == "" {
				return nil
			}
			// Keyed callers still need a mutation id to point at.
			res.MutationID = key
			return tx.AppendAudit(ctx, m.auditWithID(key, "membership", mem.ID, "membership.release_skipped", actorID,
				map[string]any{"listing_id": l.ID, "reason": string(reason)}))
		}
		if l.FilledSlots <= 0 {
			return fmt.Errorf("%w: listing %s", ErrSlotUnderflow, l.ID)
		}

		now := m.now()
		releaseMembership(&mem, reason, now)
		if err := tx.PutMembership(ctx, &mem); err != nil {
			return err
		}
		l.FilledSlots--
		if l.Status == ledger.ListingFull {
			l.Status = ledger.ListingRecruiting
		}
		l.UpdatedAt = now
		if err := tx.PutListing(ctx, &l); err != nil {
			return err
		}

		auditID := key
		if auditID == "" {
			auditID = m.newID()
		}
		payload := map[string]any{
			"listing_id":    l.ID,
			"subscriber_id": mem.SubscriberID,
			"reason":        string(reason),
			"filled_slots":  l.FilledSlots,
		}
		res.MutationID = auditID
		changed = true
		return record(ctx, tx, m.auditWithID(auditID, "membership", mem.ID, "membership.released", actorID, payload),
			notify.NewEvent(notify.MembershipReleased, mem.ID, now, payload))
	})
	if err != nil {
		return MutationResult{}, err
	}
	if changed {
		m.logger.Info("membership released",
			zap.String("membership_id", membershipID),
			zap.String("reason", string(reason)),
			zap.String("actor_id", actorID))
	}
	return res, nil
}

// MarkPayment records the payment status of a membership. It does not touch
// slot counts so only the membership row is locked.
func (m *Manager) MarkPayment(ctx context.Context, membershipID string, status ledger.PaymentStatus) (ledger.Membership, error) {
	if membershipID == "" {
		return ledger.Membership{}, ErrMissingID
	}
	if !status.Valid() {
		return ledger.Membership{}, fmt.Errorf("%w: %q", ErrInvalidPayment, status)
	}
	var out ledger.Membership
	err := m.transact(ctx, "inventory.MarkPayment", []attribute.KeyValue{attribute.String("membership.id", membershipID)},
		func(ctx context.Context, tx ledger.Tx) error {
			mem, err := tx.Membership(ctx, membershipID)
			if err != nil {
				return err
			}
			if mem.PaymentStatus == status {
				out = mem
				return nil
			}
			now := m.now()
			prev := mem.PaymentStatus
			mem.PaymentStatus = status
			mem.UpdatedAt = now
			if err := tx.PutMembership(ctx, &mem); err != nil {
				return err
			}
			out = mem
			payload := map[string]any{"previous": string(prev), "payment_status": string(status)}
			return record(ctx, tx, m.audit("membership", mem.ID, "membership.payment_marked", auth.SystemActorID, payload),
				notify.NewEvent(notify.PaymentMarked, mem.ID, now, payload))
		})
	if err != nil {
		return ledger.Membership{}, err
	}
	return out, nil
}

func activateMembership(mem *ledger.Membership, now time.Time) {
	mem.Active = true
	mem.JoinedAt = now
	mem.PaymentStatus = ledger.PaymentPending
	mem.ReleasedAt = nil
	mem.ReleaseReason = ""
	mem.UpdatedAt = now
}

func releaseMembership(mem *ledger.Membership, reason ledger.ReleaseReason, now time.Time) {
	at := now
	mem.Active = false
	mem.ReleasedAt = &at
	mem.ReleaseReason = reason
	mem.UpdatedAt = now
}
