package memory

import (
	"context"

	"slotshare/ledger"
)

type tx struct {
	s *Store

	// expect holds the committed version each touched key must still have at
	// commit: the version first read, or the base version of a blind write.
	expect map[entityKey]int64

	listings    map[string]ledger.Listing
	memberships map[string]ledger.Membership
	disputes    map[string]ledger.DisputeCase
	audit       []ledger.AuditRecord
	auditIDs    map[string]bool
	outbox      []ledger.OutboxMessage
	keys        map[string]string
}

func newTx(s *Store) *tx {
	return &tx{
		s:           s,
		expect:      make(map[entityKey]int64),
		listings:    make(map[string]ledger.Listing),
		memberships: make(map[string]ledger.Membership),
		disputes:    make(map[string]ledger.DisputeCase),
		auditIDs:    make(map[string]bool),
		keys:        make(map[string]string),
	}
}

func (t *tx) observe(k entityKey, v int64) {
	if _, ok := t.expect[k]; !ok {
		t.expect[k] = v
	}
}

func (t *tx) Listing(_ context.Context, id string) (ledger.Listing, error) {
	if l, ok := t.listings[id]; ok {
		return l, nil
	}
	t.s.mu.Lock()
	l, ok := t.s.listings[id]
	t.s.mu.Unlock()
	t.observe(entityKey{kindListing, id}, l.Version)
	if !ok {
		return ledger.Listing{}, ledger.ErrListingNotFound
	}
	return l, nil
}

func (t *tx) PutListing(_ context.Context, l *ledger.Listing) error {
	k := entityKey{kindListing, l.ID}
	if staged, ok := t.listings[l.ID]; ok && staged.Version != l.Version {
		return ledger.ErrTxConflict
	}
	t.observe(k, l.Version)
	l.Version++
	t.listings[l.ID] = *l
	return nil
}

func (t *tx) Membership(_ context.Context, id string) (ledger.Membership, error) {
	if m, ok := t.memberships[id]; ok {
		return cloneMembership(m), nil
	}
	t.s.mu.Lock()
	m, ok := t.s.memberships[id]
	m = cloneMembership(m)
	t.s.mu.Unlock()
	t.observe(entityKey{kindMembership, id}, m.Version)
	if !ok {
		return ledger.Membership{}, ledger.ErrMembershipNotFound
	}
	return m, nil
}

func (t *tx) MembershipByPair(ctx context.Context, listingID, subscriberID string) (ledger.Membership, error) {
	for _, m := range t.memberships {
		if m.ListingID == listingID && m.SubscriberID == subscriberID {
			return cloneMembership(m), nil
		}
	}
	pk := entityKey{kindPair, pairID(listingID, subscriberID)}
	t.s.mu.Lock()
	id, ok := t.s.pairs[pk.id]
	t.s.mu.Unlock()
	if !ok {
		t.observe(pk, 0)
		return ledger.Membership{}, ledger.ErrMembershipNotFound
	}
	t.observe(pk, 1)
	return t.Membership(ctx, id)
}

func (t *tx) ListingMemberships(_ context.Context, listingID string) ([]ledger.Membership, error) {
	t.s.mu.Lock()
	committed := t.s.membershipsOf(listingID)
	t.s.mu.Unlock()

	out := make([]ledger.Membership, 0, len(committed))
	seen := make(map[string]bool, len(committed))
	for _, m := range committed {
		seen[m.ID] = true
		if staged, ok := t.memberships[m.ID]; ok {
			out = append(out, cloneMembership(staged))
			continue
		}
		t.observe(entityKey{kindMembership, m.ID}, m.Version)
		out = append(out, m)
	}
	for id, m := range t.memberships {
		if m.ListingID == listingID && !seen[id] {
			out = append(out, cloneMembership(m))
		}
	}
	return out, nil
}

func (t *tx) PutMembership(_ context.Context, m *ledger.Membership) error {
	k := entityKey{kindMembership, m.ID}
	if staged, ok := t.memberships[m.ID]; ok && staged.Version != m.Version {
		return ledger.ErrTxConflict
	}
	if m.Version == 0 {
		t.observe(entityKey{kindPair, pairID(m.ListingID, m.SubscriberID)}, 0)
	}
	t.observe(k, m.Version)
	m.Version++
	t.memberships[m.ID] = cloneMembership(*m)
	return nil
}

func (t *tx) Dispute(_ context.Context, id string) (ledger.DisputeCase, error) {
	if c, ok := t.disputes[id]; ok {
		return cloneDispute(c), nil
	}
	t.s.mu.Lock()
	c, ok := t.s.disputes[id]
	c = cloneDispute(c)
	t.s.mu.Unlock()
	t.observe(entityKey{kindDispute, id}, c.Version)
	if !ok {
		return ledger.DisputeCase{}, ledger.ErrDisputeNotFound
	}
	return c, nil
}

func (t *tx) PutDispute(_ context.Context, c *ledger.DisputeCase) error {
	k := entityKey{kindDispute, c.ID}
	if staged, ok := t.disputes[c.ID]; ok && staged.Version != c.Version {
		return ledger.ErrTxConflict
	}
	t.observe(k, c.Version)
	c.Version++
	t.disputes[c.ID] = cloneDispute(*c)
	return nil
}

func (t *tx) AuditRecord(_ context.Context, id string) (ledger.AuditRecord, error) {
	for _, r := range t.audit {
		if r.ID == id {
			return cloneAudit(r), nil
		}
	}
	k := entityKey{kindAudit, id}
	t.s.mu.Lock()
	i, ok := t.s.auditIdx[id]
	var rec ledger.AuditRecord
	if ok {
		rec = cloneAudit(t.s.audit[i])
	}
	t.s.mu.Unlock()
	if !ok {
		t.observe(k, 0)
		return ledger.AuditRecord{}, ledger.ErrAuditNotFound
	}
	t.observe(k, 1)
	return rec, nil
}

func (t *tx) AppendAudit(_ context.Context, rec ledger.AuditRecord) error {
	if t.auditIDs[rec.ID] {
		return ledger.ErrTxConflict
	}
	t.observe(entityKey{kindAudit, rec.ID}, 0)
	t.auditIDs[rec.ID] = true
	t.audit = append(t.audit, cloneAudit(rec))
	return nil
}

func (t *tx) Enqueue(_ context.Context, msg ledger.OutboxMessage) error {
	if msg.Status == "" {
		msg.Status = ledger.OutboxPending
	}
	if msg.NextAttemptAt.IsZero() {
		msg.NextAttemptAt = msg.CreatedAt
	}
	t.outbox = append(t.outbox, cloneMessage(msg))
	return nil
}

func (t *tx) ReserveKey(_ context.Context, key, entityID string) (string, error) {
	if existing, ok := t.keys[key]; ok {
		return existing, ledger.ErrDuplicateKey
	}
	k := entityKey{kindKey, key}
	t.s.mu.Lock()
	existing, ok := t.s.keys[key]
	t.s.mu.Unlock()
	if ok {
		t.observe(k, 1)
		return existing, ledger.ErrDuplicateKey
	}
	t.observe(k, 0)
	t.keys[key] = entityID
	return entityID, nil
}

func (t *tx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.commitHook != nil {
		if err := s.commitHook(); err != nil {
			return err
		}
	}
	for k, v := range t.expect {
		if s.version(k) != v {
			return ledger.ErrTxConflict
		}
	}
	for _, m := range t.memberships {
		if id, ok := s.pairs[pairID(m.ListingID, m.SubscriberID)]; ok && id != m.ID {
			return ledger.ErrTxConflict
		}
	}

	for id, l := range t.listings {
		s.listings[id] = l
	}
	for id, m := range t.memberships {
		s.memberships[id] = m
		s.pairs[pairID(m.ListingID, m.SubscriberID)] = id
	}
	for id, c := range t.disputes {
		s.disputes[id] = c
	}
	for _, r := range t.audit {
		s.auditIdx[r.ID] = len(s.audit)
		s.audit = append(s.audit, r)
	}
	for _, m := range t.outbox {
		s.outboxIdx[m.ID] = len(s.outbox)
		s.outbox = append(s.outbox, m)
	}
	for k, id := range t.keys {
		s.keys[k] = id
	}
	return nil
}
