package dispute

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMinAge comfortably exceeds the apply budget of a Resolve call, so
// a pass does not race a resolution that is still being applied.
const DefaultMinAge = time.Minute

type ReconcilerOptions struct {
	BatchSize   int
	Concurrency int
	Interval    time.Duration
	// MinAge skips resolutions decided more recently than this.
	MinAge time.Duration
}

func (o *ReconcilerOptions) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.MinAge <= 0 {
		o.MinAge = DefaultMinAge
	}
}

// ReconcileStats summarizes one pass.
type ReconcileStats struct {
	Scanned  int
	Applied  int
	Reverted int
	Deferred int
}

// Reconciler finds resolved cases whose inventory mutation never committed
// and drives them to completion.
type Reconciler struct {
	engine *Engine
	opts   ReconcilerOptions
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewReconciler(engine *Engine, opts ReconcilerOptions, logger *zap.Logger) *Reconciler {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		engine: engine,
		opts:   opts,
		logger: logger.Named("reconciler"),
	}
}

// Run performs one pass. Per-case failures are logged and counted as
// deferred; they are picked up again by the next pass.
func (r *Reconciler) Run(ctx context.Context) (ReconcileStats, error) {
	cutoff := r.engine.now().Add(-r.opts.MinAge)
	cases, err := r.engine.store.UnappliedResolutions(ctx, cutoff, r.opts.BatchSize)
	if err != nil {
		return ReconcileStats{}, err
	}

	var applied, reverted, deferred atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, c := range cases {
		caseID := c.ID
		g.Go(func() error {
			out, err := r.engine.Reapply(gctx, caseID)
			switch {
			case err == nil && out.Resolution.Applied():
				applied.Add(1)
			case err == nil:
				deferred.Add(1)
			case out.ID != "" && !out.Status.Terminal():
				reverted.Add(1)
				r.logger.Warn("resolution reverted during reconciliation", zap.String("dispute_id", caseID), zap.Error(err))
			default:
				deferred.Add(1)
				r.logger.Warn("resolution still pending", zap.String("dispute_id", caseID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := ReconcileStats{
		Scanned:  len(cases),
		Applied:  int(applied.Load()),
		Reverted: int(reverted.Load()),
		Deferred: int(deferred.Load()),
	}
	if stats.Scanned > 0 {
		r.logger.Info("reconciliation pass finished",
			zap.Int("scanned", stats.Scanned),
			zap.Int("applied", stats.Applied),
			zap.Int("reverted", stats.Reverted),
			zap.Int("deferred", stats.Deferred))
	}
	return stats, ctx.Err()
}

// Start runs a pass on every interval until Stop.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)
	r.logger.Info("reconciler started", zap.Duration("interval", r.opts.Interval))
}

// Stop halts the loop and waits for the in-flight pass.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
		if _, err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("reconciliation pass failed", zap.Error(err))
		}
	}
}
