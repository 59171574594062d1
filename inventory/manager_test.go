package inventory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"slotshare/auth"
	"slotshare/ledger"
	"slotshare/ledger/memory"
)

type fixture struct {
	store *memory.Store
	mgr   *Manager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memory.New()
	dir := auth.NewStaticDirectory(
		auth.NewPrincipal("owner", "Owner", auth.RoleUser),
		auth.NewPrincipal("mod", "Moderator", auth.RoleStaff),
		auth.NewPrincipal("root", "Admin", auth.RoleAdmin),
	)
	var seq atomic.Int64
	mgr := NewManager(store, dir,
		WithRetryPolicy(ledger.RetryPolicy{MaxAttempts: 200, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}),
		WithIDGenerator(func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }),
	)
	return fixture{store: store, mgr: mgr}
}

func (f fixture) listing(t *testing.T, slots int) ledger.Listing {
	t.Helper()
	l, err := f.mgr.CreateListing(context.Background(), CreateListingParams{
		OwnerID:      "owner",
		ServiceID:    "streaming-premium",
		PricePerSlot: 499,
		TotalSlots:   slots,
	})
	require.NoError(t, err)
	return l
}

func (f fixture) assertConsistent(t *testing.T, listingID string) ledger.Listing {
	t.Helper()
	ctx := context.Background()
	l, err := f.store.GetListing(ctx, listingID)
	require.NoError(t, err)
	members, err := f.store.MembershipsForListing(ctx, listingID)
	require.NoError(t, err)
	active := 0
	for _, m := range members {
		if m.Active {
			active++
		}
	}
	assert.Equal(t, active, l.FilledSlots, "filled slots must equal active memberships")
	assert.LessOrEqual(t, l.FilledSlots, l.TotalSlots)
	return l
}

func TestCreateListing_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.CreateListing(context.Background(), CreateListingParams{OwnerID: "owner", ServiceID: "svc", TotalSlots: 0})
	assert.ErrorIs(t, err, ErrInvalidListing)
	assert.ErrorIs(t, err, ledger.ErrValidation)

	l := f.listing(t, 3)
	assert.Equal(t, ledger.ListingRecruiting, l.Status)
	assert.Zero(t, l.FilledSlots)
}

func TestJoin_FillsListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 2)

	_, err := f.mgr.Join(ctx, l.ID, "alice")
	require.NoError(t, err)
	_, err = f.mgr.Join(ctx, l.ID, "bob")
	require.NoError(t, err)

	got := f.assertConsistent(t, l.ID)
	assert.Equal(t, ledger.ListingFull, got.Status)

	_, err = f.mgr.Join(ctx, l.ID, "carol")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestJoin_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 3)

	_, err := f.mgr.Join(ctx, l.ID, "owner")
	assert.ErrorIs(t, err, ErrOwnListing)

	_, err = f.mgr.Join(ctx, l.ID, "alice")
	require.NoError(t, err)
	_, err = f.mgr.Join(ctx, l.ID, "alice")
	assert.ErrorIs(t, err, ErrAlreadyMember)

	_, err = f.mgr.Join(ctx, "missing", "alice")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = f.mgr.SuspendListing(ctx, l.ID, "mod")
	require.NoError(t, err)
	_, err = f.mgr.Join(ctx, l.ID, "bob")
	assert.ErrorIs(t, err, ErrListingUnavailable)

	f.assertConsistent(t, l.ID)
}

func TestJoin_ConcurrentNeverOverbooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const slots, joiners = 5, 20
	l := f.listing(t, slots)

	var joined, full atomic.Int32
	var g errgroup.Group
	for i := 0; i < joiners; i++ {
		subscriber := fmt.Sprintf("user-%d", i)
		g.Go(func() error {
			_, err := f.mgr.Join(ctx, l.ID, subscriber)
			switch {
			case err == nil:
				joined.Add(1)
			case errors.Is(err, ErrCapacityExceeded):
				full.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.EqualValues(t, slots, joined.Load())
	assert.EqualValues(t, joiners-slots, full.Load())
	got := f.assertConsistent(t, l.ID)
	assert.Equal(t, slots, got.FilledSlots)
	assert.Equal(t, ledger.ListingFull, got.Status)
}

func TestJoin_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 3)

	first, err := f.mgr.Join(ctx, l.ID, "alice", WithIdempotencyKey("req-1"))
	require.NoError(t, err)
	second, err := f.mgr.Join(ctx, l.ID, "alice", WithIdempotencyKey("req-1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	got := f.assertConsistent(t, l.ID)
	assert.Equal(t, 1, got.FilledSlots)
}

func TestRelease_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 1)

	m, err := f.mgr.Join(ctx, l.ID, "alice")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Release(ctx, m.ID, ledger.ReleaseVoluntaryLeave))
	require.NoError(t, f.mgr.Release(ctx, m.ID, ledger.ReleaseVoluntaryLeave))

	got := f.assertConsistent(t, l.ID)
	assert.Zero(t, got.FilledSlots)
	assert.Equal(t, ledger.ListingRecruiting, got.Status)

	mem, err := f.store.GetMembership(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, mem.Active)
	require.NotNil(t, mem.ReleasedAt)
	assert.Equal(t, ledger.ReleaseVoluntaryLeave, mem.ReleaseReason)

	assert.ErrorIs(t, f.mgr.Release(ctx, m.ID, "bored"), ErrInvalidReason)
}

func TestJoin_ReactivatesReleasedMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 2)

	m, err := f.mgr.Join(ctx, l.ID, "alice")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Leave(ctx, m.ID, "alice"))

	again, err := f.mgr.Join(ctx, l.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID)
	assert.True(t, again.Active)
	assert.Nil(t, again.ReleasedAt)
	assert.Equal(t, ledger.PaymentPending, again.PaymentStatus)

	members, err := f.store.MembershipsForListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1)
	f.assertConsistent(t, l.ID)
}

func TestLeaveAndSuspendMember_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 3)

	a, err := f.mgr.Join(ctx, l.ID, "alice")
	require.NoError(t, err)
	b, err := f.mgr.Join(ctx, l.ID, "bob")
	require.NoError(t, err)

	assert.ErrorIs(t, f.mgr.Leave(ctx, a.ID, "bob"), ErrNotPermitted)
	assert.ErrorIs(t, f.mgr.SuspendMember(ctx, a.ID, "bob"), ErrNotPermitted)

	require.NoError(t, f.mgr.SuspendMember(ctx, a.ID, "owner"))
	require.NoError(t, f.mgr.SuspendMember(ctx, b.ID, "mod"))

	memA, err := f.store.GetMembership(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReleaseOwnerSuspension, memA.ReleaseReason)
	memB, err := f.store.GetMembership(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReleaseAdminAction, memB.ReleaseReason)

	got := f.assertConsistent(t, l.ID)
	assert.Zero(t, got.FilledSlots)
}

func TestListingLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 1)

	_, err := f.mgr.Activate(ctx, l.ID, "alice")
	assert.ErrorIs(t, err, ErrNotPermitted)
	got, err := f.mgr.Activate(ctx, l.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, ledger.ListingActive, got.Status)

	_, err = f.mgr.Join(ctx, l.ID, "alice")
	require.NoError(t, err)

	_, err = f.mgr.SuspendListing(ctx, l.ID, "owner")
	assert.ErrorIs(t, err, ErrNotPermitted)
	got, err = f.mgr.SuspendListing(ctx, l.ID, "mod")
	require.NoError(t, err)
	assert.Equal(t, ledger.ListingSuspended, got.Status)
	assert.Equal(t, 1, got.FilledSlots)

	got, err = f.mgr.ReinstateListing(ctx, l.ID, "mod")
	require.NoError(t, err)
	assert.Equal(t, ledger.ListingFull, got.Status)

	_, err = f.mgr.ReinstateListing(ctx, l.ID, "mod")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRemoveListing_ReleasesMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 3)

	for _, u := range []string{"alice", "bob"} {
		_, err := f.mgr.Join(ctx, l.ID, u)
		require.NoError(t, err)
	}

	_, err := f.mgr.RemoveListing(ctx, l.ID, "mod")
	assert.ErrorIs(t, err, ErrNotPermitted)

	got, err := f.mgr.RemoveListing(ctx, l.ID, "root")
	require.NoError(t, err)
	assert.Equal(t, ledger.ListingRemoved, got.Status)
	assert.Zero(t, got.FilledSlots)

	members, err := f.store.MembershipsForListing(ctx, l.ID)
	require.NoError(t, err)
	for _, m := range members {
		assert.False(t, m.Active)
		assert.Equal(t, ledger.ReleaseAdminAction, m.ReleaseReason)
	}
	f.assertConsistent(t, l.ID)

	_, err = f.mgr.Join(ctx, l.ID, "carol")
	assert.ErrorIs(t, err, ErrListingRemoved)

	trail, err := f.mgr.AuditTrail(ctx, l.ID)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, "listing.removed", trail[len(trail)-1].Action)
}

func TestMarkPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 2)
	m, err := f.mgr.Join(ctx, l.ID, "alice")
	require.NoError(t, err)

	got, err := f.mgr.MarkPayment(ctx, m.ID, ledger.PaymentPaid)
	require.NoError(t, err)
	assert.Equal(t, ledger.PaymentPaid, got.PaymentStatus)

	_, err = f.mgr.MarkPayment(ctx, m.ID, "bitcoin")
	assert.ErrorIs(t, err, ErrInvalidPayment)
}

func TestMembers_Visibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 2)
	_, err := f.mgr.Join(ctx, l.ID, "alice")
	require.NoError(t, err)

	_, err = f.mgr.Members(ctx, l.ID, "alice")
	assert.ErrorIs(t, err, ErrNotPermitted)

	members, err := f.mgr.Members(ctx, l.ID, "owner")
	require.NoError(t, err)
	assert.Len(t, members, 1)
	members, err = f.mgr.Members(ctx, l.ID, "mod")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestApplyRelease_ReplaySafe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 2)
	m, err := f.mgr.Join(ctx, l.ID, "alice")
	require.NoError(t, err)

	mut := Mutation{ListingID: l.ID, SubscriberID: "alice", Key: "mut-d1", ActorID: auth.SystemActorID}
	first, err := f.mgr.ApplyRelease(ctx, mut)
	require.NoError(t, err)
	assert.Equal(t, "mut-d1", first.MutationID)
	assert.Equal(t, m.ID, first.MembershipID)

	// The subscriber rejoins; replaying the resolution must not evict them again.
	_, err = f.mgr.Join(ctx, l.ID, "alice")
	require.NoError(t, err)

	second, err := f.mgr.ApplyRelease(ctx, mut)
	require.NoError(t, err)
	assert.Equal(t, first.MutationID, second.MutationID)

	got := f.assertConsistent(t, l.ID)
	assert.Equal(t, 1, got.FilledSlots)

	rec, err := f.store.GetMembership(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, rec.Active)
}

func TestApplyRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 1)

	m, err := f.mgr.Join(ctx, l.ID, "alice")
	require.NoError(t, err)
	require.NoError(t, f.mgr.SuspendMember(ctx, m.ID, "owner"))

	_, err = f.mgr.SuspendListing(ctx, l.ID, "mod")
	require.NoError(t, err)

	res, err := f.mgr.ApplyRestore(ctx, Mutation{ListingID: l.ID, SubscriberID: "alice", Key: "mut-d2", ActorID: "mod"})
	require.NoError(t, err)
	assert.Equal(t, m.ID, res.MembershipID)

	got := f.assertConsistent(t, l.ID)
	assert.Equal(t, 1, got.FilledSlots)
	assert.Equal(t, ledger.ListingSuspended, got.Status)

	again, err := f.mgr.ApplyRestore(ctx, Mutation{ListingID: l.ID, SubscriberID: "alice", Key: "mut-d2", ActorID: "mod"})
	require.NoError(t, err)
	assert.Equal(t, res, again)
	f.assertConsistent(t, l.ID)

	_, err = f.mgr.ApplyRestore(ctx, Mutation{ListingID: l.ID, SubscriberID: "bob", Key: "mut-d3", ActorID: "mod"})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestApplyRestore_CreatesMissingMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, 2)

	res, err := f.mgr.ApplyRestore(ctx, Mutation{ListingID: l.ID, SubscriberID: "dave", Key: "mut-d4", ActorID: "mod"})
	require.NoError(t, err)
	mem, err := f.store.GetMembership(ctx, res.MembershipID)
	require.NoError(t, err)
	assert.True(t, mem.Active)
	f.assertConsistent(t, l.ID)
}
