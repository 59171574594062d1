package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotshare/ledger"
)

func seedListing(t *testing.T, s *Store) ledger.Listing {
	t.Helper()
	l := ledger.Listing{ID: "l1", OwnerID: "owner", TotalSlots: 2, Status: ledger.ListingRecruiting, CreatedAt: time.Now()}
	require.NoError(t, s.Transact(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.PutListing(ctx, &l)
	}))
	return l
}

func TestTransact_CommitsWritesAtomically(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedListing(t, s)

	err := s.Transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
		l, err := tx.Listing(ctx, "l1")
		if err != nil {
			return err
		}
		l.FilledSlots++
		if err := tx.PutListing(ctx, &l); err != nil {
			return err
		}
		m := ledger.Membership{ID: "m1", ListingID: "l1", SubscriberID: "u1", Active: true}
		if err := tx.PutMembership(ctx, &m); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, ledger.AuditRecord{ID: "a1", EntityID: "m1"}); err != nil {
			return err
		}
		return tx.Enqueue(ctx, ledger.OutboxMessage{ID: "o1", Topic: ledger.TopicEvents})
	})
	require.NoError(t, err)

	l, err := s.GetListing(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, 1, l.FilledSlots)
	assert.Equal(t, int64(2), l.Version)

	trail, err := s.AuditTrail(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, trail, 1)
	assert.Len(t, s.Messages(ledger.TopicEvents), 1)
}

func TestTransact_RollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedListing(t, s)
	boom := errors.New("boom")

	err := s.Transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
		l, _ := tx.Listing(ctx, "l1")
		l.FilledSlots = 2
		_ = tx.PutListing(ctx, &l)
		_ = tx.Enqueue(ctx, ledger.OutboxMessage{ID: "o1", Topic: ledger.TopicEvents})
		return boom
	})
	require.ErrorIs(t, err, boom)

	l, _ := s.GetListing(ctx, "l1")
	assert.Equal(t, 0, l.FilledSlots)
	assert.Empty(t, s.Messages(""))
}

func TestTransact_StaleReadConflicts(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedListing(t, s)

	err := s.Transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
		l, err := tx.Listing(ctx, "l1")
		if err != nil {
			return err
		}
		// a competing writer commits between our read and our commit
		require.NoError(t, s.Transact(ctx, func(ctx context.Context, other ledger.Tx) error {
			o, _ := other.Listing(ctx, "l1")
			o.FilledSlots = 1
			return other.PutListing(ctx, &o)
		}))
		l.FilledSlots = 2
		return tx.PutListing(ctx, &l)
	})
	require.ErrorIs(t, err, ledger.ErrTxConflict)
	require.ErrorIs(t, err, ledger.ErrTransient)

	l, _ := s.GetListing(ctx, "l1")
	assert.Equal(t, 1, l.FilledSlots)
}

func TestTransact_PairUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedListing(t, s)
	insert := func(id string) error {
		return s.Transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
			m := ledger.Membership{ID: id, ListingID: "l1", SubscriberID: "u1", Active: true}
			return tx.PutMembership(ctx, &m)
		})
	}
	require.NoError(t, insert("m1"))
	require.ErrorIs(t, insert("m2"), ledger.ErrTxConflict)

	var got ledger.Membership
	require.NoError(t, s.Transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		got, err = tx.MembershipByPair(ctx, "l1", "u1")
		return err
	}))
	assert.Equal(t, "m1", got.ID)
}

func TestReserveKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	reserve := func(entity string) (string, error) {
		var out string
		err := s.Transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
			var err error
			out, err = tx.ReserveKey(ctx, "join:k1", entity)
			return err
		})
		return out, err
	}

	got, err := reserve("m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got)

	got, err = reserve("m2")
	require.ErrorIs(t, err, ledger.ErrDuplicateKey)
	assert.Equal(t, "m1", got)
}

func TestUnappliedResolutions(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	applied := now
	cases := []ledger.DisputeCase{
		{ID: "open", Status: ledger.DisputeNew},
		{ID: "pending-late", Status: ledger.DisputeResolvedFavorSharer, Resolution: &ledger.Resolution{DecidedAt: now.Add(time.Minute)}},
		{ID: "pending-early", Status: ledger.DisputeResolvedFavorUser, Resolution: &ledger.Resolution{DecidedAt: now}},
		{ID: "done", Status: ledger.DisputeResolvedDismissed, Resolution: &ledger.Resolution{DecidedAt: now, AppliedAt: &applied}},
	}
	require.NoError(t, s.Transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
		for i := range cases {
			if err := tx.PutDispute(ctx, &cases[i]); err != nil {
				return err
			}
		}
		return nil
	}))

	got, err := s.UnappliedResolutions(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pending-early", got[0].ID)
	assert.Equal(t, "pending-late", got[1].ID)

	got, err = s.UnappliedResolutions(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "pending-early", got[0].ID)
}

func TestOutboxLeaseAndRetry(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.Enqueue(ctx, ledger.OutboxMessage{ID: "o1", Topic: ledger.TopicPayments, CreatedAt: now})
	}))

	claimed, err := s.ClaimOutbox(ctx, ledger.TopicPayments, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)

	again, err := s.ClaimOutbox(ctx, ledger.TopicPayments, now.Add(time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased message must not be claimed twice")

	require.NoError(t, s.RetryOutbox(ctx, "o1", now.Add(2*time.Second), "gateway down"))
	later, err := s.ClaimOutbox(ctx, ledger.TopicPayments, now.Add(3*time.Second), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, 2, later[0].Attempts)

	require.NoError(t, s.CompleteOutbox(ctx, "o1"))
	msgs := s.Messages(ledger.TopicPayments)
	assert.Equal(t, ledger.OutboxDelivered, msgs[0].Status)
}
