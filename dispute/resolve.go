package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"slotshare/auth"
	"slotshare/inventory"
	"slotshare/ledger"
	"slotshare/notify"
	"slotshare/payment"
)

// Resolve closes a case with outcome and applies its membership consequence.
//
// The terminal status and the intended mutation commit together first. The
// mutation then runs against inventory with backoff; once it commits, the
// resolution is stamped applied and the payment command and resolved event
// are queued. A permanent failure puts the case back where it was with an
// admin note. An exhausted retry budget leaves it for the reconciler.
func (e *Engine) Resolve(ctx context.Context, caseID string, outcome ledger.Outcome, actorID string) (ledger.DisputeCase, error) {
	return e.resolve(ctx, caseID, outcome, actorID, "")
}

func (e *Engine) resolve(ctx context.Context, caseID string, outcome ledger.Outcome, actorID, notes string) (out ledger.DisputeCase, err error) {
	if caseID == "" {
		return ledger.DisputeCase{}, ErrMissingID
	}
	target, ok := outcome.Status()
	if !ok {
		return ledger.DisputeCase{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	if _, err := auth.Require(ctx, e.dir, actorID, auth.CapArbitrate); err != nil {
		return ledger.DisputeCase{}, ErrNotPermitted
	}

	ctx, span := e.span(ctx, "dispute.Resolve", caseID)
	defer func() { endSpan(span, err) }()

	current, err := e.store.GetDispute(ctx, caseID)
	if err != nil {
		return ledger.DisputeCase{}, err
	}
	if current.Status.Terminal() {
		return current, ErrAlreadyResolved
	}
	plan, err := e.plan(ctx, current, outcome)
	if err != nil {
		return ledger.DisputeCase{}, err
	}

	var committed ledger.DisputeCase
	err = ledger.Transact(ctx, e.store, e.retry, func(ctx context.Context, tx ledger.Tx) error {
		c, err := tx.Dispute(ctx, caseID)
		if err != nil {
			return err
		}
		if c.Status.Terminal() {
			committed = c
			return ErrAlreadyResolved
		}
		if !CanTransition(c.Status, target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, target)
		}

		now := e.now()
		res := plan
		res.DecidedBy = actorID
		res.DecidedAt = now
		res.PreviousStatus = c.Status

		from := c.Status
		c.Status = target
		c.Resolution = &res
		c.LastUpdate = now
		c.CommunicationLog = append(c.CommunicationLog, systemNote(now, "case resolved %s by %s", outcome, actorID))
		if strings.TrimSpace(notes) != "" {
			c.CommunicationLog = append(c.CommunicationLog, ledger.LogEntry{UserID: actorID, Message: strings.TrimSpace(notes), Timestamp: now})
		}
		if err := tx.PutDispute(ctx, &c); err != nil {
			return err
		}
		committed = c
		return tx.AppendAudit(ctx, e.audit(c.ID, "dispute.resolution_committed", actorID, map[string]any{
			"from":     string(from),
			"outcome":  string(outcome),
			"mutation": string(res.Mutation),
		}))
	})
	if errors.Is(err, ErrAlreadyResolved) {
		return committed, err
	}
	if err != nil {
		return ledger.DisputeCase{}, err
	}

	e.logger.Info("resolution committed",
		zap.String("dispute_id", caseID),
		zap.String("outcome", string(outcome)),
		zap.String("mutation", string(plan.Mutation)))
	return e.apply(ctx, committed)
}

// plan derives the membership mutation and payment decision for outcome.
func (e *Engine) plan(ctx context.Context, c ledger.DisputeCase, outcome ledger.Outcome) (ledger.Resolution, error) {
	res := ledger.Resolution{Outcome: outcome, Mutation: ledger.MutationNone}
	if outcome == ledger.OutcomeDismissed || c.ListingID == "" {
		return res, nil
	}

	l, err := e.store.GetListing(ctx, c.ListingID)
	if errors.Is(err, ledger.ErrListingNotFound) {
		return res, nil
	}
	if err != nil {
		return ledger.Resolution{}, err
	}
	subscriber := c.Participant().ID
	res.ListingID = l.ID
	res.SubscriberID = subscriber

	members, err := e.store.MembershipsForListing(ctx, l.ID)
	if err != nil {
		return ledger.Resolution{}, err
	}
	var mem *ledger.Membership
	for i := range members {
		if members[i].SubscriberID == subscriber {
			mem = &members[i]
			break
		}
	}
	if mem != nil {
		res.MembershipID = mem.ID
	}

	switch outcome {
	case ledger.OutcomeFavorUser:
		if concernsAccess(c.Reason) {
			res.Mutation = ledger.MutationReinstate
			if mem == nil {
				res.Mutation = ledger.MutationJoin
			}
			res.PaymentAction = ledger.PaymentActionNoAction
			return res, nil
		}
		if mem != nil {
			amount := l.PricePerSlot
			res.PaymentAction = ledger.PaymentActionRefund
			res.RefundAmount = &amount
		}
	case ledger.OutcomeFavorSharer:
		if mem != nil {
			res.Mutation = ledger.MutationRelease
			res.PaymentAction = ledger.PaymentActionNoAction
		}
	}
	return res, nil
}

// mutationKey is stable for one decision, so re-driving it never mutates twice.
func mutationKey(c ledger.DisputeCase) string {
	return fmt.Sprintf("dispute-%s-%d", c.ID, c.Resolution.DecidedAt.UnixNano())
}

// apply runs the inventory mutation of a committed resolution and finishes it.
func (e *Engine) apply(ctx context.Context, c ledger.DisputeCase) (ledger.DisputeCase, error) {
	res := c.Resolution
	if res == nil || res.Applied() {
		return c, nil
	}

	mut := inventory.Mutation{
		ListingID:    res.ListingID,
		SubscriberID: res.SubscriberID,
		MembershipID: res.MembershipID,
		Key:          mutationKey(c),
		ActorID:      res.DecidedBy,
	}
	var result inventory.MutationResult
	err := e.applyPolicy.Do(ctx, func() error {
		var err error
		switch res.Mutation {
		case ledger.MutationRelease:
			result, err = e.inv.ApplyRelease(ctx, mut)
		case ledger.MutationReinstate, ledger.MutationJoin:
			result, err = e.inv.ApplyRestore(ctx, mut)
		}
		return err
	})
	if err != nil {
		if ledger.Retryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			e.logger.Warn("resolution left for reconciliation",
				zap.String("dispute_id", c.ID),
				zap.String("mutation", string(res.Mutation)),
				zap.Error(err))
			return c, err
		}
		return e.revert(ctx, c.ID, err)
	}
	return e.finish(ctx, c.ID, result)
}

// finish stamps the resolution applied and queues its outbound messages.
func (e *Engine) finish(ctx context.Context, caseID string, result inventory.MutationResult) (ledger.DisputeCase, error) {
	var (
		out      ledger.DisputeCase
		finished bool
		orphaned bool
	)
	err := ledger.Transact(ctx, e.store, e.retry, func(ctx context.Context, tx ledger.Tx) error {
		finished, orphaned = false, false
		c, err := tx.Dispute(ctx, caseID)
		if err != nil {
			return err
		}
		out = c
		if c.Resolution == nil {
			orphaned = result.MutationID != ""
			return nil
		}
		if c.Resolution.Applied() {
			return nil
		}
		out, err = e.stamp(ctx, tx, c, result)
		if err != nil {
			return err
		}
		finished = true
		return nil
	})
	if err != nil {
		return out, err
	}
	switch {
	case finished:
		e.logger.Info("resolution applied",
			zap.String("dispute_id", caseID),
			zap.String("status", string(out.Status)),
			zap.String("mutation_id", result.MutationID))
	case orphaned:
		e.logger.Error("membership mutation committed after its resolution was withdrawn",
			zap.String("dispute_id", caseID),
			zap.String("mutation_id", result.MutationID),
			zap.String("membership_id", result.MembershipID))
	}
	return out, nil
}

// stamp marks the resolution of c applied by result inside tx, then queues
// the payment command and the resolved event.
func (e *Engine) stamp(ctx context.Context, tx ledger.Tx, c ledger.DisputeCase, result inventory.MutationResult) (ledger.DisputeCase, error) {
	now := e.now()
	res := *c.Resolution
	res.AppliedAt = &now
	if res.Mutation != ledger.MutationNone {
		id := result.MutationID
		res.MembershipMutationID = &id
		if result.MembershipID != "" {
			res.MembershipID = result.MembershipID
		}
	}
	c.Resolution = &res
	c.LastUpdate = now
	if err := tx.PutDispute(ctx, &c); err != nil {
		return c, err
	}

	if res.PaymentAction != "" && res.MembershipID != "" {
		cmd := payment.Command{
			ID:           "pay-" + c.ID,
			MembershipID: res.MembershipID,
			DisputeID:    c.ID,
			Action:       res.PaymentAction,
			Amount:       res.RefundAmount,
			IssuedAt:     now,
		}
		if err := payment.Enqueue(ctx, tx, cmd); err != nil {
			return c, err
		}
	}
	payload := map[string]any{
		"outcome":       string(res.Outcome),
		"mutation":      string(res.Mutation),
		"membership_id": res.MembershipID,
	}
	if res.MembershipMutationID != nil {
		payload["membership_mutation_id"] = *res.MembershipMutationID
	}
	if res.PaymentAction != "" {
		payload["payment_action"] = string(res.PaymentAction)
	}
	return c, record(ctx, tx, e.audit(c.ID, "dispute.resolved", res.DecidedBy, payload),
		notify.NewEvent(notify.DisputeResolved, c.ID, now, payload))
}

// revert reopens a case whose mutation failed permanently. The returned
// error wraps cause so callers see why the resolution did not stick. When a
// concurrent pass has meanwhile committed the mutation under the same key,
// the case is finished instead and no error is returned.
func (e *Engine) revert(ctx context.Context, caseID string, cause error) (ledger.DisputeCase, error) {
	var (
		out    ledger.DisputeCase
		landed bool
	)
	err := ledger.Transact(ctx, e.store, e.retry, func(ctx context.Context, tx ledger.Tx) error {
		landed = false
		c, err := tx.Dispute(ctx, caseID)
		if err != nil {
			return err
		}
		out = c
		if c.Resolution == nil || c.Resolution.Applied() {
			return nil
		}

		res := *c.Resolution
		if res.Mutation != ledger.MutationNone {
			rec, err := tx.AuditRecord(ctx, mutationKey(c))
			switch {
			case err == nil:
				landed = true
				out, err = e.stamp(ctx, tx, c, inventory.MutationResult{MutationID: rec.ID, MembershipID: rec.EntityID})
				return err
			case !errors.Is(err, ledger.ErrAuditNotFound):
				return err
			}
		}

		now := e.now()
		c.Status = res.PreviousStatus
		c.Resolution = nil
		c.LastUpdate = now
		c.AdminNotes = appendNote(c.AdminNotes, now, auth.SystemActorID,
			fmt.Sprintf("resolution %s by %s could not be applied: %v", res.Outcome, res.DecidedBy, cause))
		c.CommunicationLog = append(c.CommunicationLog, systemNote(now, "resolution %s withdrawn; case returned to %s", res.Outcome, c.Status))
		if err := tx.PutDispute(ctx, &c); err != nil {
			return err
		}
		out = c
		payload := map[string]any{
			"outcome":         string(res.Outcome),
			"restored_status": string(c.Status),
			"error":           cause.Error(),
		}
		return record(ctx, tx, e.audit(c.ID, "dispute.resolution_reverted", auth.SystemActorID, payload),
			notify.NewEvent(notify.DisputeResolutionReverted, c.ID, now, payload))
	})
	if err != nil {
		return out, fmt.Errorf("dispute: revert case %s after %v: %w", caseID, cause, err)
	}
	if landed {
		e.logger.Info("resolution applied by a concurrent pass",
			zap.String("dispute_id", caseID),
			zap.String("status", string(out.Status)),
			zap.NamedError("apply_error", cause))
		return out, nil
	}
	e.logger.Error("resolution reverted",
		zap.String("dispute_id", caseID),
		zap.String("status", string(out.Status)),
		zap.Error(cause))
	return out, fmt.Errorf("dispute: resolution of case %s reverted: %w", caseID, cause)
}

// Reapply re-drives an unapplied resolution. Cases that are not terminal or
// already applied are returned unchanged.
func (e *Engine) Reapply(ctx context.Context, caseID string) (ledger.DisputeCase, error) {
	c, err := e.store.GetDispute(ctx, caseID)
	if err != nil {
		return ledger.DisputeCase{}, err
	}
	if !c.Status.Terminal() || c.Resolution.Applied() {
		return c, nil
	}
	return e.apply(ctx, c)
}
