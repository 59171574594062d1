package outbox

import (
	"context"
	"errors"
	"fmt"

	"slotshare/ledger"
	"slotshare/notify"
	"slotshare/payment"
)

// PublishEvents delivers event messages through the notification port.
func PublishEvents(pub notify.Publisher) Handler {
	return func(ctx context.Context, msg ledger.OutboxMessage) error {
		e, err := notify.Decode(msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		return pub.Publish(ctx, e)
	}
}

// SubmitPayments delivers payment commands through the payment port. The
// gateway rejecting a command dead-letters it for manual follow-up.
func SubmitPayments(gw payment.Gateway) Handler {
	return func(ctx context.Context, msg ledger.OutboxMessage) error {
		c, err := payment.Decode(msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		if err := gw.Submit(ctx, c); err != nil {
			if errors.Is(err, payment.ErrRejected) {
				return fmt.Errorf("%w: %w", ErrPermanent, err)
			}
			return err
		}
		return nil
	}
}
