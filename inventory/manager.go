// Package inventory owns listings and memberships. Every slot-count change for
// a listing runs in one ledger transaction that also appends the audit record
// and the outbound events, so filledSlots always equals the number of active
// memberships and never exceeds totalSlots.
package inventory

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"slotshare/auth"
	"slotshare/idgen"
	"slotshare/ledger"
	"slotshare/notify"
)

type Manager struct {
	store  ledger.Store
	dir    auth.Directory
	retry  ledger.RetryPolicy
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
	newID  func() string
}

type Option func(*Manager)

func WithRetryPolicy(p ledger.RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator overrides the identifier generator for new entities and audit records.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

func NewManager(store ledger.Store, dir auth.Directory, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		dir:    dir,
		retry:  ledger.DefaultRetryPolicy(),
		logger: zap.NewNop(),
		tracer: otel.Tracer("slotshare/inventory"),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  idgen.NewID,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("inventory")
	return m
}

// transact runs fn with retries under a span named op.
func (m *Manager) transact(ctx context.Context, op string, attrs []attribute.KeyValue, fn ledger.TxFunc) error {
	ctx, span := m.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	defer span.End()

	err := ledger.Transact(ctx, m.store, m.retry, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ledger.ErrUnavailable) {
			m.logger.Warn("ledger retry budget exhausted", zap.String("op", op), zap.Error(err))
		}
	}
	return err
}

// record appends the operation's audit entry and queues its events.
func record(ctx context.Context, tx ledger.Tx, rec ledger.AuditRecord, events ...notify.Event) error {
	if err := tx.AppendAudit(ctx, rec); err != nil {
		return err
	}
	for _, e := range events {
		if err := notify.Enqueue(ctx, tx, e); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Listing(ctx context.Context, id string) (ledger.Listing, error) {
	return m.store.GetListing(ctx, id)
}

func (m *Manager) Membership(ctx context.Context, id string) (ledger.Membership, error) {
	return m.store.GetMembership(ctx, id)
}

// ListingsForUser returns listings the user owns or actively occupies.
func (m *Manager) ListingsForUser(ctx context.Context, userID string) ([]ledger.Listing, error) {
	if userID == "" {
		return nil, ErrMissingID
	}
	return m.store.ListingsForUser(ctx, userID)
}

// Members lists every membership of a listing, active or released. Only the
// owner and moderators may see it.
func (m *Manager) Members(ctx context.Context, listingID, actorID string) ([]ledger.Membership, error) {
	l, err := m.store.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.OwnerID != actorID {
		if _, err := auth.Require(ctx, m.dir, actorID, auth.CapModerate); err != nil {
			return nil, ErrNotPermitted
		}
	}
	return m.store.MembershipsForListing(ctx, listingID)
}

func (m *Manager) AuditTrail(ctx context.Context, entityID string) ([]ledger.AuditRecord, error) {
	return m.store.AuditTrail(ctx, entityID)
}
