// Package notify carries domain events from the ledger outbox to downstream
// consumers. Delivery is at-least-once; consumers de-duplicate on
// Event.DedupKey.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"slotshare/idgen"
	"slotshare/ledger"
)

type EventType string

const (
	ListingCreated    EventType = "listing.created"
	ListingActivated  EventType = "listing.activated"
	ListingFull       EventType = "listing.full"
	ListingSuspended  EventType = "listing.suspended"
	ListingReinstated EventType = "listing.reinstated"
	ListingRemoved    EventType = "listing.removed"

	MembershipJoined     EventType = "membership.joined"
	MembershipReleased   EventType = "membership.released"
	MembershipReinstated EventType = "membership.reinstated"
	PaymentMarked        EventType = "membership.payment_marked"

	DisputeOpened             EventType = "dispute.opened"
	DisputeStatusChanged      EventType = "dispute.status_changed"
	DisputeResolved           EventType = "dispute.resolved"
	DisputeResolutionReverted EventType = "dispute.resolution_reverted"
	DisputeMessagePosted      EventType = "dispute.message_posted"
	DisputeEvidenceAttached   EventType = "dispute.evidence_attached"
	DisputeNoteAdded          EventType = "dispute.note_added"
)

type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	EntityID  string         `json:"entity_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func NewEvent(typ EventType, entityID string, at time.Time, payload map[string]any) Event {
	return Event{
		ID:        idgen.NewEventID(),
		Type:      typ,
		EntityID:  entityID,
		Timestamp: at.UTC(),
		Payload:   payload,
	}
}

// DedupKey identifies the logical occurrence independent of redelivery.
func (e Event) DedupKey() string {
	return string(e.Type) + ":" + e.EntityID + ":" + strconv.FormatInt(e.Timestamp.UnixNano(), 10)
}

// Enqueue writes the event to the outbox inside tx.
func Enqueue(ctx context.Context, tx ledger.Tx, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", e.Type, err)
	}
	return tx.Enqueue(ctx, ledger.OutboxMessage{
		ID:        e.ID,
		Topic:     ledger.TopicEvents,
		Key:       e.EntityID,
		Payload:   body,
		CreatedAt: e.Timestamp,
	})
}

func Decode(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("notify: decode event: %w", err)
	}
	if e.Type == "" || e.EntityID == "" {
		return Event{}, fmt.Errorf("notify: decode event: missing type or entity id")
	}
	return e, nil
}

// Publisher is the notification port.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Handler consumes one event.
type Handler func(ctx context.Context, e Event) error
