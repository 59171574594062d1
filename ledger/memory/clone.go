package memory

import (
	"maps"
	"slices"

	"slotshare/ledger"
)

func cloneMembership(m ledger.Membership) ledger.Membership {
	if m.ReleasedAt != nil {
		at := *m.ReleasedAt
		m.ReleasedAt = &at
	}
	return m
}

func cloneDispute(c ledger.DisputeCase) ledger.DisputeCase {
	c.EvidenceRefs = slices.Clone(c.EvidenceRefs)
	c.CommunicationLog = slices.Clone(c.CommunicationLog)
	if c.Resolution != nil {
		r := *c.Resolution
		if r.RefundAmount != nil {
			v := *r.RefundAmount
			r.RefundAmount = &v
		}
		if r.AppliedAt != nil {
			v := *r.AppliedAt
			r.AppliedAt = &v
		}
		if r.MembershipMutationID != nil {
			v := *r.MembershipMutationID
			r.MembershipMutationID = &v
		}
		c.Resolution = &r
	}
	return c
}

func cloneAudit(r ledger.AuditRecord) ledger.AuditRecord {
	r.Payload = maps.Clone(r.Payload)
	return r
}

func cloneMessage(m ledger.OutboxMessage) ledger.OutboxMessage {
	m.Payload = slices.Clone(m.Payload)
	return m
}
