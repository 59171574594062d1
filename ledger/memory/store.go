// Package memory is an in-process ledger.Store. Transactions read committed
// state, buffer their writes, and validate every version they observed when
// they commit, so concurrent writers to the same listing serialize through
// ErrTxConflict and the caller's retry loop.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"slotshare/ledger"
)

type entityKey struct {
	kind string
	id   string
}

const (
	kindListing    = "listing"
	kindMembership = "membership"
	kindPair       = "pair"
	kindDispute    = "dispute"
	kindAudit      = "audit"
	kindKey        = "idempotency"
)

func pairID(listingID, subscriberID string) string {
	return listingID + "\x00" + subscriberID
}

// Store keeps every entity in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	listings    map[string]ledger.Listing
	memberships map[string]ledger.Membership
	pairs       map[string]string
	disputes    map[string]ledger.DisputeCase
	audit       []ledger.AuditRecord
	auditIdx    map[string]int
	outbox      []ledger.OutboxMessage
	outboxIdx   map[string]int
	keys        map[string]string

	commitHook func() error
}

var _ ledger.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		listings:    make(map[string]ledger.Listing),
		memberships: make(map[string]ledger.Membership),
		pairs:       make(map[string]string),
		disputes:    make(map[string]ledger.DisputeCase),
		auditIdx:    make(map[string]int),
		outboxIdx:   make(map[string]int),
		keys:        make(map[string]string),
	}
}

// OnCommit installs a hook consulted before each commit is validated. A
// non-nil error aborts the commit with that error.
func (s *Store) OnCommit(hook func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitHook = hook
}

func (s *Store) Transact(ctx context.Context, fn ledger.TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := newTx(s)
	if err := fn(ctx, t); err != nil {
		return err
	}
	return t.commit()
}

// version returns the committed version of key, zero when absent. Caller holds mu.
func (s *Store) version(k entityKey) int64 {
	switch k.kind {
	case kindListing:
		return s.listings[k.id].Version
	case kindMembership:
		return s.memberships[k.id].Version
	case kindDispute:
		return s.disputes[k.id].Version
	case kindPair:
		if _, ok := s.pairs[k.id]; ok {
			return 1
		}
	case kindAudit:
		if _, ok := s.auditIdx[k.id]; ok {
			return 1
		}
	case kindKey:
		if _, ok := s.keys[k.id]; ok {
			return 1
		}
	}
	return 0
}

func (s *Store) GetListing(_ context.Context, id string) (ledger.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return ledger.Listing{}, ledger.ErrListingNotFound
	}
	return l, nil
}

func (s *Store) GetMembership(_ context.Context, id string) (ledger.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[id]
	if !ok {
		return ledger.Membership{}, ledger.ErrMembershipNotFound
	}
	return cloneMembership(m), nil
}

func (s *Store) GetDispute(_ context.Context, id string) (ledger.DisputeCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.disputes[id]
	if !ok {
		return ledger.DisputeCase{}, ledger.ErrDisputeNotFound
	}
	return cloneDispute(c), nil
}

func (s *Store) ListingsForUser(_ context.Context, userID string) ([]ledger.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	out := make([]ledger.Listing, 0, 8)
	for _, l := range s.listings {
		if l.OwnerID == userID {
			seen[l.ID] = true
			out = append(out, l)
		}
	}
	for _, m := range s.memberships {
		if m.SubscriberID != userID || !m.Active || seen[m.ListingID] {
			continue
		}
		if l, ok := s.listings[m.ListingID]; ok {
			seen[l.ID] = true
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MembershipsForListing(_ context.Context, listingID string) ([]ledger.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membershipsOf(listingID), nil
}

func (s *Store) membershipsOf(listingID string) []ledger.Membership {
	out := make([]ledger.Membership, 0, 4)
	for _, m := range s.memberships {
		if m.ListingID == listingID {
			out = append(out, cloneMembership(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

func (s *Store) DisputesForUser(_ context.Context, userID string) ([]ledger.DisputeCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.DisputeCase, 0, 4)
	for _, c := range s.disputes {
		if c.Initiator.ID == userID || c.Accused.ID == userID {
			out = append(out, cloneDispute(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateCreated.After(out[j].DateCreated) })
	return out, nil
}

func (s *Store) UnappliedResolutions(_ context.Context, decidedBefore time.Time, limit int) ([]ledger.DisputeCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.DisputeCase, 0, 4)
	for _, c := range s.disputes {
		if !c.Status.Terminal() || c.Resolution == nil || c.Resolution.Applied() {
			continue
		}
		if !decidedBefore.IsZero() && c.Resolution.DecidedAt.After(decidedBefore) {
			continue
		}
		out = append(out, cloneDispute(c))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Resolution.DecidedAt.Before(out[j].Resolution.DecidedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AuditTrail(_ context.Context, entityID string) ([]ledger.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.AuditRecord, 0, 8)
	for _, r := range s.audit {
		if r.EntityID == entityID {
			out = append(out, cloneAudit(r))
		}
	}
	return out, nil
}

func (s *Store) ClaimOutbox(_ context.Context, topic string, now time.Time, lease time.Duration, limit int) ([]ledger.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.OutboxMessage, 0, limit)
	for i := range s.outbox {
		if limit > 0 && len(out) >= limit {
			break
		}
		m := &s.outbox[i]
		if m.Topic != topic || m.Status != ledger.OutboxPending || m.NextAttemptAt.After(now) {
			continue
		}
		m.Attempts++
		m.NextAttemptAt = now.Add(lease)
		out = append(out, cloneMessage(*m))
	}
	return out, nil
}

func (s *Store) CompleteOutbox(_ context.Context, id string) error {
	return s.updateMessage(id, func(m *ledger.OutboxMessage) {
		m.Status = ledger.OutboxDelivered
		m.LastError = ""
	})
}

func (s *Store) RetryOutbox(_ context.Context, id string, next time.Time, lastErr string) error {
	return s.updateMessage(id, func(m *ledger.OutboxMessage) {
		m.NextAttemptAt = next
		m.LastError = lastErr
	})
}

func (s *Store) KillOutbox(_ context.Context, id string, lastErr string) error {
	return s.updateMessage(id, func(m *ledger.OutboxMessage) {
		m.Status = ledger.OutboxDead
		m.LastError = lastErr
	})
}

func (s *Store) updateMessage(id string, fn func(*ledger.OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.outboxIdx[id]
	if !ok {
		return ledger.ErrOutboxNotFound
	}
	fn(&s.outbox[i])
	return nil
}

// Messages returns a copy of every outbox message of topic in enqueue order.
func (s *Store) Messages(topic string) []ledger.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		if topic == "" || m.Topic == topic {
			out = append(out, cloneMessage(m))
		}
	}
	return out
}
