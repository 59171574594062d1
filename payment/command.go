// Package payment is the outbound port towards the billing system. The ledger
// only decides refund or no-action; execution belongs to the gateway.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"slotshare/ledger"
)

type Command struct {
	ID           string               `json:"id"`
	MembershipID string               `json:"membership_id"`
	DisputeID    string               `json:"dispute_id,omitempty"`
	Action       ledger.PaymentAction `json:"action"`
	Amount       *int64               `json:"amount,omitempty"`
	IssuedAt     time.Time            `json:"issued_at"`
}

func (c Command) Validate() error {
	if c.ID == "" || c.MembershipID == "" {
		return errors.New("payment: command requires id and membership id")
	}
	switch c.Action {
	case ledger.PaymentActionRefund:
		if c.Amount == nil || *c.Amount < 0 {
			return errors.New("payment: refund requires a non-negative amount")
		}
	case ledger.PaymentActionNoAction:
	default:
		return fmt.Errorf("payment: unknown action %q", c.Action)
	}
	return nil
}

// Enqueue persists c in the outbox inside tx. The command id is reused as the
// message id so re-enqueueing the same decision is rejected by the store.
func Enqueue(ctx context.Context, tx ledger.Tx, c Command) error {
	if err := c.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("payment: encode command: %w", err)
	}
	return tx.Enqueue(ctx, ledger.OutboxMessage{
		ID:        c.ID,
		Topic:     ledger.TopicPayments,
		Key:       c.MembershipID,
		Payload:   body,
		CreatedAt: c.IssuedAt,
	})
}

func Decode(payload []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(payload, &c); err != nil {
		return Command{}, fmt.Errorf("payment: decode command: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}

// ErrRejected marks a command the gateway refused permanently; it is
// dead-lettered rather than retried.
var ErrRejected = errors.New("payment: command rejected")

// Gateway is the payment port. Submit must be idempotent on Command.ID.
type Gateway interface {
	Submit(ctx context.Context, c Command) error
}
