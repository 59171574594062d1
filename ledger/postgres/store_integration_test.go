package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotshare/ledger"
	"slotshare/ledger/postgres"
	"slotshare/test/infra"
)

var storeDB = infra.Database{Name: "slotshare_store_test", EnvDSN: "DATABASE_URL"}

// newStore migrates a throwaway schema on DATABASE_URL, or on a postgres
// container when Docker is available, and skips otherwise.
func newStore(t *testing.T) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := storeDB.SharedDSN("")
	if dsn == "" {
		pgC, containerDSN, err := storeDB.Start(ctx)
		if err != nil {
			t.Skipf("no database: set DATABASE_URL or run Docker (%v)", err)
		}
		t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })
		dsn = containerDSN
	}

	pool, teardown, err := storeDB.Migrate(ctx, dsn, true)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Close()
		_ = teardown(context.Background())
	})
	return postgres.New(pool), pool
}

func putListing(t *testing.T, s *postgres.Store, l *ledger.Listing) {
	t.Helper()
	require.NoError(t, s.Transact(context.Background(), func(ctx context.Context, tx ledger.Tx) error {
		return tx.PutListing(ctx, l)
	}))
}

func testListing(id string, slots int) ledger.Listing {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return ledger.Listing{
		ID:           id,
		OwnerID:      "owner-1",
		ServiceID:    "svc",
		PricePerSlot: 500,
		TotalSlots:   slots,
		Status:       ledger.ListingRecruiting,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestStore_ListingRoundTripAndVersioning(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	l := testListing("l-1", 3)
	putListing(t, s, &l)
	assert.Equal(t, int64(1), l.Version)

	got, err := s.GetListing(ctx, "l-1")
	require.NoError(t, err)
	assert.Equal(t, l.OwnerID, got.OwnerID)
	assert.Equal(t, 3, got.TotalSlots)
	assert.Equal(t, ledger.ListingRecruiting, got.Status)
	assert.True(t, l.CreatedAt.Equal(got.CreatedAt))

	stale := got
	got.FilledSlots = 1
	putListing(t, s, &got)
	assert.Equal(t, int64(2), got.Version)

	stale.FilledSlots = 2
	err = s.Transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
		return tx.PutListing(ctx, &stale)
	})
	assert.ErrorIs(t, err, ledger.ErrTxConflict)
	assert.True(t, ledger.Retryable(err))

	_, err = s.GetListing(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestStore_ConcurrentIncrementsSerialize(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	const workers = 8

	l := testListing("l-hot", workers)
	putListing(t, s, &l)

	policy := ledger.RetryPolicy{MaxAttempts: 20, InitialInterval: time.Millisecond, MaxInterval: 20 * time.Millisecond}
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ledger.Transact(ctx, s, policy, func(ctx context.Context, tx ledger.Tx) error {
				cur, err := tx.Listing(ctx, "l-hot")
				if err != nil {
					return err
				}
				cur.FilledSlots++
				return tx.PutListing(ctx, &cur)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetListing(ctx, "l-hot")
	require.NoError(t, err)
	assert.Equal(t, workers, got.FilledSlots)
	assert.Equal(t, int64(workers+1), got.Version)
}

func TestStore_ReserveKeyReturnsFirstBinding(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
		bound, err := tx.ReserveKey(ctx, "join:k1", "m-1")
		assert.Equal(t, "m-1", bound)
		return err
	}))

	var bound string
	err := s.Transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		bound, err = tx.ReserveKey(ctx, "join:k1", "m-2")
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrDuplicateKey)
	assert.Equal(t, "m-1", bound)
}

func TestStore_RollbackDiscardsWrites(t *testing.T) {
	s, pool := newStore(t)
	ctx := context.Background()

	l := testListing("l-rb", 2)
	err := s.Transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
		if err := tx.PutListing(ctx, &l); err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, ledger.OutboxMessage{ID: "o-rb", Topic: ledger.TopicEvents, Payload: []byte(`{}`), CreatedAt: time.Now()}); err != nil {
			return err
		}
		return ledger.Kinded(ledger.ErrValidation, "abort")
	})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = s.GetListing(ctx, "l-rb")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM outbox`).Scan(&n))
	assert.Zero(t, n)
}

func TestStore_OutboxLeaseRetryAndComplete(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Transact(ctx, func(ctx context.Context, tx ledger.Tx) error {
		for _, id := range []string{"o-1", "o-2"} {
			msg := ledger.OutboxMessage{ID: id, Topic: ledger.TopicEvents, Key: "l-1", Payload: []byte(`{"n":1}`), CreatedAt: now}
			if err := tx.Enqueue(ctx, msg); err != nil {
				return err
			}
		}
		return tx.Enqueue(ctx, ledger.OutboxMessage{ID: "p-1", Topic: ledger.TopicPayments, Payload: []byte(`{}`), CreatedAt: now})
	}))

	claimed, err := s.ClaimOutbox(ctx, ledger.TopicEvents, now.Add(time.Second), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.JSONEq(t, `{"n":1}`, string(claimed[0].Payload))

	again, err := s.ClaimOutbox(ctx, ledger.TopicEvents, now.Add(2*time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased messages stay invisible")

	require.NoError(t, s.CompleteOutbox(ctx, "o-1"))
	require.NoError(t, s.RetryOutbox(ctx, "o-2", now.Add(5*time.Second), "broker down"))

	due, err := s.ClaimOutbox(ctx, ledger.TopicEvents, now.Add(6*time.Second), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "o-2", due[0].ID)
	assert.Equal(t, 2, due[0].Attempts)

	require.NoError(t, s.KillOutbox(ctx, "o-2", "gave up"))
	assert.ErrorIs(t, s.CompleteOutbox(ctx, "missing"), ledger.ErrNotFound)
}
