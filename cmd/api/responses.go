package main

import (
	"time"

	"slotshare/ledger"
)

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func listOf[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Total: len(items)}
}

type listingResponse struct {
	ID           string `json:"id"`
	OwnerID      string `json:"ownerId"`
	ServiceID    string `json:"serviceId"`
	PricePerSlot int64  `json:"pricePerSlot"`
	TotalSlots   int    `json:"totalSlots"`
	FilledSlots  int    `json:"filledSlots"`
	OpenSlots    int    `json:"openSlots"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
}

func toListingResponse(l ledger.Listing) listingResponse {
	return listingResponse{
		ID:           l.ID,
		OwnerID:      l.OwnerID,
		ServiceID:    l.ServiceID,
		PricePerSlot: l.PricePerSlot,
		TotalSlots:   l.TotalSlots,
		FilledSlots:  l.FilledSlots,
		OpenSlots:    l.OpenSlots(),
		Status:       string(l.Status),
		CreatedAt:    formatTime(l.CreatedAt),
		UpdatedAt:    formatTime(l.UpdatedAt),
	}
}

type membershipResponse struct {
	ID            string  `json:"id"`
	ListingID     string  `json:"listingId"`
	SubscriberID  string  `json:"subscriberId"`
	Active        bool    `json:"active"`
	PaymentStatus string  `json:"paymentStatus"`
	JoinedAt      string  `json:"joinedAt"`
	ReleasedAt    *string `json:"releasedAt,omitempty"`
	ReleaseReason string  `json:"releaseReason,omitempty"`
}

func toMembershipResponse(m ledger.Membership) membershipResponse {
	resp := membershipResponse{
		ID:            m.ID,
		ListingID:     m.ListingID,
		SubscriberID:  m.SubscriberID,
		Active:        m.Active,
		PaymentStatus: string(m.PaymentStatus),
		JoinedAt:      formatTime(m.JoinedAt),
		ReleaseReason: string(m.ReleaseReason),
	}
	if m.ReleasedAt != nil {
		at := formatTime(*m.ReleasedAt)
		resp.ReleasedAt = &at
	}
	return resp
}

type partyResponse struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
}

type disputeResponse struct {
	ID               string             `json:"id"`
	Status           string             `json:"status"`
	Initiator        partyResponse      `json:"initiator"`
	Accused          partyResponse      `json:"accused"`
	ListingID        string             `json:"listingId,omitempty"`
	Reason           string             `json:"reason"`
	Description      string             `json:"description"`
	EvidenceRefs     []string           `json:"evidenceRefs"`
	CommunicationLog []ledger.LogEntry  `json:"communicationLog"`
	AdminNotes       string             `json:"adminNotes,omitempty"`
	Resolution       *ledger.Resolution `json:"resolution,omitempty"`
	Pending          bool               `json:"resolutionPending,omitempty"`
	CreatedAt        string             `json:"createdAt"`
	UpdatedAt        string             `json:"updatedAt"`
}

// toDisputeResponse renders a case. Admin notes are only included for staff.
func toDisputeResponse(c ledger.DisputeCase, staff bool) disputeResponse {
	resp := disputeResponse{
		ID:               c.ID,
		Status:           string(c.Status),
		Initiator:        partyResponse{ID: c.Initiator.ID, Name: c.Initiator.Name, Role: string(c.Initiator.Role)},
		Accused:          partyResponse{ID: c.Accused.ID, Name: c.Accused.Name, Role: string(c.Accused.Role)},
		ListingID:        c.ListingID,
		Reason:           string(c.Reason),
		Description:      c.Description,
		EvidenceRefs:     c.EvidenceRefs,
		CommunicationLog: c.CommunicationLog,
		Resolution:       c.Resolution,
		Pending:          c.Status.Terminal() && !c.Resolution.Applied(),
		CreatedAt:        formatTime(c.DateCreated),
		UpdatedAt:        formatTime(c.LastUpdate),
	}
	if resp.EvidenceRefs == nil {
		resp.EvidenceRefs = []string{}
	}
	if resp.CommunicationLog == nil {
		resp.CommunicationLog = []ledger.LogEntry{}
	}
	if staff {
		resp.AdminNotes = c.AdminNotes
	}
	return resp
}

type auditResponse struct {
	ID      string         `json:"id"`
	Action  string         `json:"action"`
	ActorID string         `json:"actorId"`
	At      string         `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

func toAuditResponse(r ledger.AuditRecord) auditResponse {
	return auditResponse{ID: r.ID, Action: r.Action, ActorID: r.ActorID, At: formatTime(r.At), Payload: r.Payload}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func mapSlice[T, R any](in []T, fn func(T) R) []R {
	out := make([]R, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}
