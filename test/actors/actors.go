// Package actors drives the inventory and dispute services concurrently
// against one shared postgres ledger.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"slotshare/dispute"
	"slotshare/inventory"
	"slotshare/ledger"
	"slotshare/outbox"
)

// World is the fixture every actor works on.
type World struct {
	Inventory *inventory.Manager
	Disputes  *dispute.Engine
	Store     ledger.Store

	ListingID string
	OwnerID   string
	StaffID   string
	Users     []string

	// Unexpected counts errors that carry no ledger kind.
	Unexpected atomic.Int64
	// Joined counts successful joins across all joiners.
	Joined atomic.Int64
}

// tolerate swallows errors carrying a ledger kind, which contention is allowed
// to produce. Anything else is counted as unexpected and returned.
func (w *World) tolerate(ctx context.Context, op string, err error) error {
	if err == nil || ledger.KindOf(err) != nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	w.Unexpected.Add(1)
	return fmt.Errorf("%s: %w", op, err)
}

func (w *World) randomUser() string {
	return w.Users[rand.Intn(len(w.Users))]
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// Joiner keeps claiming slots on the shared listing for random users. A full
// listing, a duplicate member and a conflicting commit are all expected.
func Joiner(ctx context.Context, w *World, stop <-chan struct{}, report func(error)) error {
	for !stopped(ctx, stop) {
		user := w.randomUser()
		var opts []inventory.JoinOption
		if rand.Intn(3) == 0 {
			opts = append(opts, inventory.WithIdempotencyKey(fmt.Sprintf("stress-%s-%d", user, rand.Intn(4))))
		}
		_, err := w.Inventory.Join(ctx, w.ListingID, user, opts...)
		if err == nil {
			w.Joined.Add(1)
		}
		report(w.tolerate(ctx, "join", err))
		pause(5, 20)
	}
	return nil
}

// Leaver releases a random active membership of the shared listing.
func Leaver(ctx context.Context, w *World, stop <-chan struct{}, report func(error)) error {
	for !stopped(ctx, stop) {
		if m, ok := w.activeMember(ctx); ok {
			report(w.tolerate(ctx, "leave", w.Inventory.Leave(ctx, m.ID, m.SubscriberID)))
		}
		pause(20, 40)
	}
	return nil
}

// Suspender has staff suspend and reinstate the listing while the owner
// drops members, racing the joiners.
func Suspender(ctx context.Context, w *World, stop <-chan struct{}, report func(error)) error {
	for !stopped(ctx, stop) {
		switch rand.Intn(3) {
		case 0:
			_, err := w.Inventory.SuspendListing(ctx, w.ListingID, w.StaffID)
			report(w.tolerate(ctx, "suspend listing", err))
			pause(20, 30)
			_, err = w.Inventory.ReinstateListing(ctx, w.ListingID, w.StaffID)
			report(w.tolerate(ctx, "reinstate listing", err))
		default:
			if m, ok := w.activeMember(ctx); ok {
				report(w.tolerate(ctx, "suspend member", w.Inventory.SuspendMember(ctx, m.ID, w.OwnerID)))
			}
		}
		pause(80, 120)
	}
	return nil
}

// Disputer files a case for a current member against the owner and has
// staff resolve it with a random outcome, sometimes twice.
func Disputer(ctx context.Context, w *World, stop <-chan struct{}, report func(error)) error {
	outcomes := []ledger.Outcome{ledger.OutcomeFavorUser, ledger.OutcomeFavorSharer, ledger.OutcomeDismissed}
	reasons := dispute.ReasonsFor(ledger.PartyParticipant)
	for !stopped(ctx, stop) {
		m, ok := w.activeMember(ctx)
		if !ok {
			pause(50, 50)
			continue
		}
		c, err := w.Disputes.Open(ctx, dispute.OpenParams{
			Initiator:   ledger.Party{ID: m.SubscriberID, Role: ledger.PartyParticipant},
			Accused:     ledger.Party{ID: w.OwnerID, Role: ledger.PartyOwner},
			ListingID:   w.ListingID,
			Reason:      reasons[rand.Intn(len(reasons))],
			Description: "stress case",
		})
		if err != nil {
			report(w.tolerate(ctx, "open dispute", err))
			continue
		}
		pause(5, 20)
		outcome := outcomes[rand.Intn(len(outcomes))]
		_, err = w.Disputes.Resolve(ctx, c.ID, outcome, w.StaffID)
		report(w.tolerate(ctx, "resolve", err))
		if rand.Intn(4) == 0 {
			_, err = w.Disputes.Resolve(ctx, c.ID, outcome, w.StaffID)
			if !errors.Is(err, dispute.ErrAlreadyResolved) {
				report(w.tolerate(ctx, "resolve again", err))
			}
		}
		pause(60, 80)
	}
	return nil
}

// Reconciler runs reconciliation passes over resolutions left unapplied. Its
// short minimum age lets it overlap with slow Resolve calls.
func Reconciler(ctx context.Context, w *World, stop <-chan struct{}, report func(error)) error {
	r := dispute.NewReconciler(w.Disputes, dispute.ReconcilerOptions{BatchSize: 20, Concurrency: 2, MinAge: 5 * time.Second}, nil)
	for !stopped(ctx, stop) {
		_, err := r.Run(ctx)
		report(w.tolerate(ctx, "reconcile", err))
		pause(200, 200)
	}
	return nil
}

// OutboxWorker drains both topics with a handler that fails one message in
// ten, exercising retry scheduling under contention.
func OutboxWorker(ctx context.Context, w *World, stop <-chan struct{}, report func(error)) error {
	flaky := func(context.Context, ledger.OutboxMessage) error {
		if rand.Intn(10) == 0 {
			return errors.New("simulated transport failure")
		}
		return nil
	}
	relays := []*outbox.Relay{
		outbox.NewRelay(w.Store, flaky, outbox.Options{Topic: ledger.TopicEvents, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}, nil),
		outbox.NewRelay(w.Store, flaky, outbox.Options{Topic: ledger.TopicPayments, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 100 * time.Millisecond}, nil),
	}
	for !stopped(ctx, stop) {
		for _, r := range relays {
			_, err := r.Drain(ctx)
			report(w.tolerate(ctx, "drain outbox", err))
		}
		pause(100, 50)
	}
	return nil
}

func (w *World) activeMember(ctx context.Context) (ledger.Membership, bool) {
	members, err := w.Inventory.Members(ctx, w.ListingID, w.OwnerID)
	if err != nil {
		return ledger.Membership{}, false
	}
	active := members[:0]
	for _, m := range members {
		if m.Active {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		return ledger.Membership{}, false
	}
	return active[rand.Intn(len(active))], true
}
