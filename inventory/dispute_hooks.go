package inventory

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"slotshare/ledger"
	"slotshare/notify"
)

// Mutation is a membership change requested by a dispute resolution. Key is
// stable per resolution and becomes the id of the audit record, so applying
// the same mutation twice changes nothing the second time.
type Mutation struct {
	ListingID    string
	SubscriberID string
	MembershipID string
	Key          string
	ActorID      string
}

type MutationResult struct {
	MutationID   string
	MembershipID string
}

// ApplyRelease frees the subscriber's slot with reason DisputeResolution.
func (m *Manager) ApplyRelease(ctx context.Context, mut Mutation) (MutationResult, error) {
	if mut.Key == "" {
		return MutationResult{}, ErrMissingID
	}
	id := mut.MembershipID
	if id == "" {
		found, err := m.findMembership(ctx, mut.ListingID, mut.SubscriberID)
		if err != nil {
			return MutationResult{}, err
		}
		id = found.ID
	}
	return m.release(ctx, id, ledger.ReleaseDisputeResolution, mut.ActorID, mut.Key)
}

// ApplyRestore gives the subscriber their slot back. It reactivates the
// existing row of the pair or creates one when none exists. A suspended
// listing still accepts the restore; a removed or full one does not.
func (m *Manager) ApplyRestore(ctx context.Context, mut Mutation) (MutationResult, error) {
	if mut.Key == "" || mut.ListingID == "" || mut.SubscriberID == "" {
		return MutationResult{}, ErrMissingID
	}

	var (
		res     MutationResult
		changed bool
	)
	err := m.transact(ctx, "inventory.ApplyRestore", []attribute.KeyValue{
		attribute.String("listing.id", mut.ListingID),
		attribute.String("subscriber.id", mut.SubscriberID),
	}, func(ctx context.Context, tx ledger.Tx) error {
		changed = false
		res = MutationResult{MutationID: mut.Key}

		if rec, err := tx.AuditRecord(ctx, mut.Key); err == nil {
			res.MembershipID = rec.EntityID
			return nil
		} else if !errors.Is(err, ledger.ErrAuditNotFound) {
			return err
		}

		l, err := tx.Listing(ctx, mut.ListingID)
		if err != nil {
			return err
		}
		mem, err := tx.MembershipByPair(ctx, mut.ListingID, mut.SubscriberID)
		switch {
		case errors.Is(err, ledger.ErrMembershipNotFound):
			mem = ledger.Membership{ID: m.newID(), ListingID: mut.ListingID, SubscriberID: mut.SubscriberID}
		case err != nil:
			return err
		}
		res.MembershipID = mem.ID

		if mem.Active {
			return tx.AppendAudit(ctx, m.auditWithID(mut.Key, "membership", mem.ID, "membership.restore_skipped", mut.ActorID,
				map[string]any{"listing_id": l.ID}))
		}
		if l.Status == ledger.ListingRemoved {
			return ErrListingRemoved
		}
		if l.FilledSlots >= l.TotalSlots {
			return ErrCapacityExceeded
		}

		now := m.now()
		activateMembership(&mem, now)
		if err := tx.PutMembership(ctx, &mem); err != nil {
			return err
		}
		l.FilledSlots++
		if l.FilledSlots == l.TotalSlots && l.Status != ledger.ListingSuspended {
			l.Status = ledger.ListingFull
		}
		l.UpdatedAt = now
		if err := tx.PutListing(ctx, &l); err != nil {
			return err
		}

		changed = true
		payload := map[string]any{
			"listing_id":    l.ID,
			"subscriber_id": mem.SubscriberID,
			"filled_slots":  l.FilledSlots,
		}
		events := []notify.Event{notify.NewEvent(notify.MembershipReinstated, mem.ID, now, payload)}
		if l.Status == ledger.ListingFull {
			events = append(events, notify.NewEvent(notify.ListingFull, l.ID, now, map[string]any{"total_slots": l.TotalSlots}))
		}
		return record(ctx, tx, m.auditWithID(mut.Key, "membership", mem.ID, "membership.reinstated", mut.ActorID, payload), events...)
	})
	if err != nil {
		return MutationResult{}, err
	}
	if changed {
		m.logger.Info("membership reinstated",
			zap.String("membership_id", res.MembershipID),
			zap.String("listing_id", mut.ListingID),
			zap.String("mutation_id", res.MutationID))
	}
	return res, nil
}

func (m *Manager) findMembership(ctx context.Context, listingID, subscriberID string) (ledger.Membership, error) {
	members, err := m.store.MembershipsForListing(ctx, listingID)
	if err != nil {
		return ledger.Membership{}, err
	}
	for _, mem := range members {
		if mem.SubscriberID == subscriberID {
			return mem, nil
		}
	}
	return ledger.Membership{}, ledger.ErrMembershipNotFound
}
