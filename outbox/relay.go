// Package outbox drains messages written by ledger transactions and hands
// them to their transport with retries, backoff and dead-lettering.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"slotshare/ledger"
)

// ErrPermanent marks a delivery failure that retrying cannot fix.
var ErrPermanent = errors.New("outbox: permanent failure")

// Handler delivers one message. Returning nil acknowledges it.
type Handler func(ctx context.Context, msg ledger.OutboxMessage) error

type Options struct {
	Topic          string
	BatchSize      int
	Lease          time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Interval       time.Duration
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Lease <= 0 {
		o.Lease = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
}

// Stats summarizes one Drain call.
type Stats struct {
	Delivered int
	Retried   int
	Dead      int
}

type Relay struct {
	store   ledger.Outbox
	handler Handler
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	kick chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewRelay(store ledger.Outbox, handler Handler, opts Options, logger *zap.Logger) *Relay {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		store:   store,
		handler: handler,
		opts:    opts,
		logger:  logger.Named("outbox").With(zap.String("topic", opts.Topic)),
		now:     time.Now,
		kick:    make(chan struct{}, 1),
	}
}

// Drain delivers due messages until none are left or ctx ends.
func (r *Relay) Drain(ctx context.Context) (Stats, error) {
	var stats Stats
	for {
		batch, err := r.store.ClaimOutbox(ctx, r.opts.Topic, r.now(), r.opts.Lease, r.opts.BatchSize)
		if err != nil {
			return stats, err
		}
		if len(batch) == 0 {
			return stats, nil
		}
		for _, msg := range batch {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if err := r.deliver(ctx, msg, &stats); err != nil {
				return stats, err
			}
		}
		if len(batch) < r.opts.BatchSize {
			return stats, nil
		}
	}
}

func (r *Relay) deliver(ctx context.Context, msg ledger.OutboxMessage, stats *Stats) error {
	err := r.handler(ctx, msg)
	if err == nil {
		stats.Delivered++
		return r.store.CompleteOutbox(ctx, msg.ID)
	}

	if errors.Is(err, ErrPermanent) || msg.Attempts >= r.opts.MaxAttempts {
		stats.Dead++
		r.logger.Error("dead-lettering message",
			zap.String("message_id", msg.ID),
			zap.String("key", msg.Key),
			zap.Int("attempts", msg.Attempts),
			zap.Error(err),
		)
		return r.store.KillOutbox(ctx, msg.ID, err.Error())
	}

	stats.Retried++
	delay := r.retryDelay(msg.Attempts)
	r.logger.Warn("delivery failed, will retry",
		zap.String("message_id", msg.ID),
		zap.Int("attempts", msg.Attempts),
		zap.Duration("retry_in", delay),
		zap.Error(err),
	)
	return r.store.RetryOutbox(ctx, msg.ID, r.now().Add(delay), err.Error())
}

// retryDelay is the jittered exponential delay after the given attempt count.
func (r *Relay) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialBackoff
	b.MaxInterval = r.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Kick requests an immediate drain from a running relay.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Start runs Drain on every interval tick and kick until Stop.
func (r *Relay) Start(ctx context.Context) {
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
	r.logger.Info("outbox relay started", zap.Duration("interval", r.opts.Interval))
}

// Stop halts the loop and waits for the in-flight drain to finish.
func (r *Relay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.kick:
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
		stats, err := r.Drain(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("outbox drain failed", zap.Error(err))
		}
		if stats.Delivered+stats.Retried+stats.Dead > 0 {
			r.logger.Debug("outbox drained",
				zap.Int("delivered", stats.Delivered),
				zap.Int("retried", stats.Retried),
				zap.Int("dead", stats.Dead),
			)
		}
	}
}
