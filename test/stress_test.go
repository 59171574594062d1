package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"slotshare/auth"
	"slotshare/db"
	"slotshare/dispute"
	"slotshare/inventory"
	"slotshare/ledger"
	"slotshare/ledger/postgres"
	"slotshare/test/actors"
	"slotshare/test/chaos"
	"slotshare/test/infra"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent joiners")
	flSlots       = flag.Int("slots", 5, "capacity of the contested listing")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

const appName = "slotshare-stress"

var stressDB = infra.Database{Name: "slotshare_stress", EnvDSN: "STRESS_TEST_PG_DSN", AppName: appName}

func TestLedgerConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	pgC, dsn, usedShared := startDatabase(t, ctx)
	defer pgC.Terminate(context.Background())

	pool, teardown, err := stressDB.Migrate(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	world := mustSeed(t, ctx, pool)

	var (
		mu         sync.Mutex
		unexpected []error
	)
	report := func(err error) {
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		mu.Lock()
		if len(unexpected) < 20 {
			unexpected = append(unexpected, err)
		}
		mu.Unlock()
	}

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	spawn := func(actor func(context.Context, *actors.World, <-chan struct{}, func(error)) error) {
		g.Go(func() error { return actor(ctx2, world, stop, report) })
	}

	for i := 0; i < *flConcurrency; i++ {
		spawn(actors.Joiner)
	}
	spawn(actors.Leaver)
	spawn(actors.Suspender)
	spawn(actors.Disputer)
	spawn(actors.Disputer)
	spawn(actors.Reconciler)
	spawn(actors.OutboxWorker)
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, appName, stop)
	}

	oracles := db.Oracles(time.Hour)
	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			violations, err := db.CheckOracles(ctx, pool, oracles)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// chaos may kill the oracle's own connection
				t.Logf("oracle error: %v", err)
				continue
			}
			if len(violations) > 0 {
				close(stop)
				_ = g.Wait()
				dumpRecent(t, ctx, pool)
				t.Fatalf("oracle %s failed. First row: %s", violations[0].Oracle, violations[0].Sample)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("actors errored: %v", err)
	}

	// A final pass once the system is quiet must leave nothing pending.
	final := dispute.ReconcilerOptions{MinAge: time.Millisecond}
	if _, err := dispute.NewReconciler(world.Disputes, final, nil).Run(ctx); err != nil {
		t.Fatalf("final reconcile: %v", err)
	}
	violations, err := db.CheckOracles(ctx, pool, db.Oracles(0))
	if err != nil {
		t.Fatalf("final oracle check: %v", err)
	}
	for _, v := range violations {
		if v.Oracle == "stale_outbox" {
			continue
		}
		t.Errorf("oracle %s failed after quiesce. First row: %s", v.Oracle, v.Sample)
	}

	t.Logf("joins=%d unexpected=%d", world.Joined.Load(), world.Unexpected.Load())
	if !*flChaos && len(unexpected) > 0 {
		t.Fatalf("unexpected errors without chaos: %v", errors.Join(unexpected...))
	}
	for _, err := range unexpected {
		t.Logf("unexpected under chaos: %v", err)
	}
}

func startDatabase(t *testing.T, ctx context.Context) (*infra.Container, string, bool) {
	t.Helper()
	if dsn := stressDB.SharedDSN(*flDSN); dsn != "" {
		return nil, dsn, true
	}
	if dockerAvailable(ctx) {
		pgC, dsn, err := stressDB.Start(ctx)
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
		return pgC, dsn, false
	}
	dsn, err := stressDB.InitLocal(ctx)
	if err != nil {
		t.Skipf("no database available: %v", err)
	}
	return nil, dsn, false
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) *actors.World {
	t.Helper()
	const (
		ownerID = "stress-owner"
		staffID = "stress-staff"
	)
	dir := auth.NewStaticDirectory(
		auth.NewPrincipal(ownerID, "Stress Owner", auth.RoleUser),
		auth.NewPrincipal(staffID, "Stress Staff", auth.RoleStaff),
	)
	users := make([]string, 0, 3**flSlots)
	for i := 0; i < 3**flSlots; i++ {
		id := fmt.Sprintf("stress-user-%02d", i)
		dir.Put(auth.NewPrincipal(id, "Stress User", auth.RoleUser))
		users = append(users, id)
	}

	logger := zaptest.NewLogger(t)
	store := postgres.New(pool)
	retry := ledger.RetryPolicy{MaxAttempts: 20, InitialInterval: 5 * time.Millisecond, MaxInterval: 200 * time.Millisecond}
	manager := inventory.NewManager(store, dir, inventory.WithRetryPolicy(retry), inventory.WithLogger(logger))
	engine := dispute.NewEngine(store, manager, dir, dispute.WithRetryPolicy(retry), dispute.WithLogger(logger))

	listing, err := manager.CreateListing(ctx, inventory.CreateListingParams{
		OwnerID:      ownerID,
		ServiceID:    "stress-service",
		PricePerSlot: 499,
		TotalSlots:   *flSlots,
	})
	if err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	if _, err := manager.Activate(ctx, listing.ID, ownerID); err != nil {
		t.Fatalf("activate listing: %v", err)
	}

	return &actors.World{
		Inventory: manager,
		Disputes:  engine,
		Store:     store,
		ListingID: listing.ID,
		OwnerID:   ownerID,
		StaffID:   staffID,
		Users:     users,
	}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"listings", `SELECT id, status, total_slots, filled_slots, version FROM listings`},
		{"memberships", `SELECT id, subscriber_id, active, release_reason, version FROM memberships ORDER BY joined_at DESC LIMIT 50`},
		{"disputes", `SELECT id, status, resolution ->> 'applied_at' AS applied_at, version FROM disputes ORDER BY last_update DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"audit_records", `SELECT id, entity_id, action, at FROM audit_records ORDER BY at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
