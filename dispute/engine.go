// Package dispute runs the arbitration state machine. Resolutions are
// committed first and applied to inventory afterwards; a case whose
// membership mutation has not committed is never reported as applied, and
// the reconciler finishes anything a crash left half done.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"slotshare/auth"
	"slotshare/idgen"
	"slotshare/inventory"
	"slotshare/ledger"
	"slotshare/notify"
)

// Inventory is the slice of the inventory manager a resolution needs.
type Inventory interface {
	ApplyRelease(ctx context.Context, mut inventory.Mutation) (inventory.MutationResult, error)
	ApplyRestore(ctx context.Context, mut inventory.Mutation) (inventory.MutationResult, error)
}

var _ Inventory = (*inventory.Manager)(nil)

type Engine struct {
	store       ledger.Store
	inv         Inventory
	dir         auth.Directory
	retry       ledger.RetryPolicy
	applyPolicy ledger.RetryPolicy
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
	newID       func() string
}

type Option func(*Engine)

// WithRetryPolicy sets the budget for the engine's own ledger transactions.
func WithRetryPolicy(p ledger.RetryPolicy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithApplyPolicy sets the budget for inventory mutations during resolve.
func WithApplyPolicy(p ledger.RetryPolicy) Option {
	return func(e *Engine) { e.applyPolicy = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

func NewEngine(store ledger.Store, inv Inventory, dir auth.Directory, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		inv:         inv,
		dir:         dir,
		retry:       ledger.DefaultRetryPolicy(),
		applyPolicy: ledger.RetryPolicy{MaxAttempts: 5, InitialInterval: 50 * time.Millisecond, MaxInterval: 2 * time.Second},
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("slotshare/dispute"),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       idgen.NewID,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("dispute")
	return e
}

func (e *Engine) span(ctx context.Context, op, caseID string) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("dispute.id", caseID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// principal resolves actorID. Actors the directory does not know are
// ordinary users with no capabilities.
func (e *Engine) principal(ctx context.Context, actorID string) (auth.Principal, error) {
	p, err := e.dir.Lookup(ctx, actorID)
	if errors.Is(err, auth.ErrUnknownActor) {
		return auth.Principal{ID: actorID}, nil
	}
	return p, err
}

func (e *Engine) audit(caseID, action, actorID string, payload map[string]any) ledger.AuditRecord {
	return ledger.AuditRecord{
		ID:         e.newID(),
		EntityType: "dispute",
		EntityID:   caseID,
		Action:     action,
		ActorID:    actorID,
		At:         e.now(),
		Payload:    payload,
	}
}

func record(ctx context.Context, tx ledger.Tx, rec ledger.AuditRecord, events ...notify.Event) error {
	if err := tx.AppendAudit(ctx, rec); err != nil {
		return err
	}
	for _, ev := range events {
		if err := notify.Enqueue(ctx, tx, ev); err != nil {
			return err
		}
	}
	return nil
}

func systemNote(at time.Time, format string, args ...any) ledger.LogEntry {
	return ledger.LogEntry{
		UserID:    auth.SystemActorID,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: at,
		System:    true,
	}
}

// Open files a new case in status New.
func (e *Engine) Open(ctx context.Context, p OpenParams) (c ledger.DisputeCase, err error) {
	if err := p.validate(); err != nil {
		return ledger.DisputeCase{}, err
	}
	id := e.newID()
	ctx, span := e.span(ctx, "dispute.Open", id)
	defer func() { endSpan(span, err) }()

	if p.ListingID != "" {
		if err := e.checkParties(ctx, p); err != nil {
			return ledger.DisputeCase{}, err
		}
	}

	var out ledger.DisputeCase
	err = ledger.Transact(ctx, e.store, e.retry, func(ctx context.Context, tx ledger.Tx) error {
		if p.IdempotencyKey != "" {
			bound, err := tx.ReserveKey(ctx, "dispute:"+p.IdempotencyKey, id)
			if errors.Is(err, ledger.ErrDuplicateKey) {
				prior, err := tx.Dispute(ctx, bound)
				if err != nil {
					return err
				}
				out = prior
				return nil
			}
			if err != nil {
				return err
			}
		}

		now := e.now()
		c := ledger.DisputeCase{
			ID:           id,
			DateCreated:  now,
			Initiator:    p.Initiator,
			Accused:      p.Accused,
			ListingID:    p.ListingID,
			Reason:       p.Reason,
			Description:  strings.TrimSpace(p.Description),
			Status:       ledger.DisputeNew,
			EvidenceRefs: append([]string(nil), p.EvidenceRefs...),
			CommunicationLog: []ledger.LogEntry{
				systemNote(now, "case opened by %s", p.Initiator.ID),
			},
			LastUpdate: now,
		}
		if err := tx.PutDispute(ctx, &c); err != nil {
			return err
		}
		out = c
		payload := map[string]any{
			"initiator_id": p.Initiator.ID,
			"accused_id":   p.Accused.ID,
			"listing_id":   p.ListingID,
			"reason":       string(p.Reason),
		}
		return record(ctx, tx, e.audit(c.ID, "dispute.opened", p.Initiator.ID, payload),
			notify.NewEvent(notify.DisputeOpened, c.ID, now, payload))
	})
	if err != nil {
		return ledger.DisputeCase{}, err
	}
	e.logger.Info("dispute opened",
		zap.String("dispute_id", out.ID),
		zap.String("initiator_id", out.Initiator.ID),
		zap.String("reason", string(out.Reason)))
	return out, nil
}

// checkParties verifies that the owner party owns the listing and the
// participant party has, or had, a membership in it.
func (e *Engine) checkParties(ctx context.Context, p OpenParams) error {
	l, err := e.store.GetListing(ctx, p.ListingID)
	if err != nil {
		return err
	}
	owner, participant := p.Initiator, p.Accused
	if owner.Role != ledger.PartyOwner {
		owner, participant = participant, owner
	}
	if l.OwnerID != owner.ID {
		return ErrListingMismatch
	}
	members, err := e.store.MembershipsForListing(ctx, l.ID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m.SubscriberID == participant.ID {
			return nil
		}
	}
	return ErrListingMismatch
}

// Transition moves a case along the state table. Terminal targets are
// resolutions and run through Resolve so their side effects are applied.
// Moving a case that is already terminal is an invalid transition.
func (e *Engine) Transition(ctx context.Context, caseID string, to ledger.DisputeStatus, actorID, notes string) (ledger.DisputeCase, error) {
	if to.Terminal() {
		outcome, _ := ledger.OutcomeFor(to)
		out, err := e.resolve(ctx, caseID, outcome, actorID, notes)
		if errors.Is(err, ErrAlreadyResolved) {
			return out, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
		}
		return out, err
	}
	if !knownStatus(to) {
		return ledger.DisputeCase{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	p, err := e.principal(ctx, actorID)
	if err != nil {
		return ledger.DisputeCase{}, err
	}
	return e.move(ctx, "dispute.Transition", caseID, actorID, notes, func(c ledger.DisputeCase) (ledger.DisputeStatus, error) {
		_, isParty := c.Party(actorID)
		switch {
		case p.Can(auth.CapArbitrate):
		case isParty && partyMayMove(c.Status, to):
		default:
			return "", ErrNotPermitted
		}
		return to, nil
	})
}

// Escalate is the shortcut to Escalated from any open, non-escalated state.
// Staff and the system actor may use it.
func (e *Engine) Escalate(ctx context.Context, caseID, actorID, notes string) (ledger.DisputeCase, error) {
	if _, err := auth.Require(ctx, e.dir, actorID, auth.CapEscalate); err != nil {
		return ledger.DisputeCase{}, ErrNotPermitted
	}
	return e.move(ctx, "dispute.Escalate", caseID, actorID, notes, func(ledger.DisputeCase) (ledger.DisputeStatus, error) {
		return ledger.DisputeEscalated, nil
	})
}

type moveDecision func(c ledger.DisputeCase) (ledger.DisputeStatus, error)

// move applies a non-terminal transition. The stored case is untouched on
// any error.
func (e *Engine) move(ctx context.Context, op, caseID, actorID, notes string, decide moveDecision) (out ledger.DisputeCase, err error) {
	if caseID == "" {
		return ledger.DisputeCase{}, ErrMissingID
	}
	ctx, span := e.span(ctx, op, caseID)
	defer func() { endSpan(span, err) }()

	err = ledger.Transact(ctx, e.store, e.retry, func(ctx context.Context, tx ledger.Tx) error {
		c, err := tx.Dispute(ctx, caseID)
		if err != nil {
			return err
		}
		to, err := decide(c)
		if err != nil {
			return err
		}
		if !CanTransition(c.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
		}

		now := e.now()
		from := c.Status
		c.Status = to
		c.LastUpdate = now
		c.CommunicationLog = append(c.CommunicationLog, systemNote(now, "status changed from %s to %s by %s", from, to, actorID))
		if strings.TrimSpace(notes) != "" {
			c.CommunicationLog = append(c.CommunicationLog, ledger.LogEntry{UserID: actorID, Message: strings.TrimSpace(notes), Timestamp: now})
		}
		if err := tx.PutDispute(ctx, &c); err != nil {
			return err
		}
		out = c
		payload := map[string]any{"from": string(from), "to": string(to)}
		return record(ctx, tx, e.audit(c.ID, "dispute.status_changed", actorID, payload),
			notify.NewEvent(notify.DisputeStatusChanged, c.ID, now, payload))
	})
	if err != nil {
		return ledger.DisputeCase{}, err
	}
	e.logger.Info("dispute status changed",
		zap.String("dispute_id", caseID),
		zap.String("status", string(out.Status)),
		zap.String("actor_id", actorID))
	return out, nil
}

func knownStatus(s ledger.DisputeStatus) bool {
	for _, candidate := range AllStatuses() {
		if candidate == s {
			return true
		}
	}
	return false
}

// PostMessage appends to the communication log of an open case.
func (e *Engine) PostMessage(ctx context.Context, caseID, actorID, message string) (ledger.DisputeCase, error) {
	message = strings.TrimSpace(message)
	if message == "" || utf8.RuneCountInString(message) > MaxMessageLength {
		return ledger.DisputeCase{}, ErrInvalidMessage
	}
	p, err := e.principal(ctx, actorID)
	if err != nil {
		return ledger.DisputeCase{}, err
	}
	return e.annotate(ctx, "dispute.PostMessage", caseID, actorID, notify.DisputeMessagePosted,
		func(c *ledger.DisputeCase, now time.Time) error {
			if _, ok := c.Party(actorID); !ok && !p.Can(auth.CapArbitrate) {
				return ErrNotPermitted
			}
			if c.Status.Terminal() {
				return ErrCaseClosed
			}
			c.CommunicationLog = append(c.CommunicationLog, ledger.LogEntry{UserID: actorID, Message: message, Timestamp: now})
			return nil
		})
}

// AttachEvidence adds evidence references supplied by a party.
func (e *Engine) AttachEvidence(ctx context.Context, caseID, actorID string, refs []string) (ledger.DisputeCase, error) {
	clean := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref = strings.TrimSpace(ref); ref != "" {
			clean = append(clean, ref)
		}
	}
	if len(clean) == 0 {
		return ledger.DisputeCase{}, fmt.Errorf("%w: no evidence references", ErrInvalidCase)
	}
	return e.annotate(ctx, "dispute.AttachEvidence", caseID, actorID, notify.DisputeEvidenceAttached,
		func(c *ledger.DisputeCase, now time.Time) error {
			if _, ok := c.Party(actorID); !ok {
				return ErrNotPermitted
			}
			if c.Status.Terminal() {
				return ErrCaseClosed
			}
			if len(c.EvidenceRefs)+len(clean) > MaxEvidenceRefs {
				return fmt.Errorf("%w: too many evidence references", ErrInvalidCase)
			}
			c.EvidenceRefs = append(c.EvidenceRefs, clean...)
			c.CommunicationLog = append(c.CommunicationLog, systemNote(now, "%s attached %d evidence reference(s)", actorID, len(clean)))
			return nil
		})
}

// AddAdminNote appends a staff-only note. Notes are allowed on closed cases.
func (e *Engine) AddAdminNote(ctx context.Context, caseID, actorID, note string) (ledger.DisputeCase, error) {
	note = strings.TrimSpace(note)
	if note == "" {
		return ledger.DisputeCase{}, ErrInvalidMessage
	}
	if _, err := auth.Require(ctx, e.dir, actorID, auth.CapArbitrate); err != nil {
		return ledger.DisputeCase{}, ErrNotPermitted
	}
	return e.annotate(ctx, "dispute.AddAdminNote", caseID, actorID, notify.DisputeNoteAdded,
		func(c *ledger.DisputeCase, now time.Time) error {
			c.AdminNotes = appendNote(c.AdminNotes, now, actorID, note)
			return nil
		})
}

func appendNote(notes string, at time.Time, author, text string) string {
	line := fmt.Sprintf("[%s] %s: %s", at.Format(time.RFC3339), author, text)
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}

func (e *Engine) annotate(ctx context.Context, op, caseID, actorID string, evt notify.EventType, edit func(c *ledger.DisputeCase, now time.Time) error) (out ledger.DisputeCase, err error) {
	if caseID == "" {
		return ledger.DisputeCase{}, ErrMissingID
	}
	ctx, span := e.span(ctx, op, caseID)
	defer func() { endSpan(span, err) }()

	err = ledger.Transact(ctx, e.store, e.retry, func(ctx context.Context, tx ledger.Tx) error {
		c, err := tx.Dispute(ctx, caseID)
		if err != nil {
			return err
		}
		now := e.now()
		if err := edit(&c, now); err != nil {
			return err
		}
		c.LastUpdate = now
		if err := tx.PutDispute(ctx, &c); err != nil {
			return err
		}
		out = c
		return record(ctx, tx, e.audit(c.ID, string(evt), actorID, nil),
			notify.NewEvent(evt, c.ID, now, map[string]any{"actor_id": actorID}))
	})
	if err != nil {
		return ledger.DisputeCase{}, err
	}
	return out, nil
}

// Get returns a case to its parties and to staff.
func (e *Engine) Get(ctx context.Context, caseID, actorID string) (ledger.DisputeCase, error) {
	c, err := e.store.GetDispute(ctx, caseID)
	if err != nil {
		return ledger.DisputeCase{}, err
	}
	if _, ok := c.Party(actorID); ok {
		return c, nil
	}
	p, err := e.principal(ctx, actorID)
	if err != nil {
		return ledger.DisputeCase{}, err
	}
	if !p.Can(auth.CapArbitrate) {
		return ledger.DisputeCase{}, ErrNotPermitted
	}
	return c, nil
}

// ListForUser returns the cases userID is a party to, newest first.
func (e *Engine) ListForUser(ctx context.Context, userID string) ([]ledger.DisputeCase, error) {
	if userID == "" {
		return nil, ErrMissingID
	}
	return e.store.DisputesForUser(ctx, userID)
}
