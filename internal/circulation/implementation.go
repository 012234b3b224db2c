// internal/circulation/implementation.go
package circulation

import (
	"context"
	"fmt"
	"lendingdesk/internal/apperr"
	"lendingdesk/internal/auth"
	"lendingdesk/internal/catalog"
	"lendingdesk/internal/eventstore"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type pairKey struct {
	bookID uuid.UUID
	userID uuid.UUID
}

// Engine implements Service. Records are stored as values and replaced
// whole, so readers always see a consistent record.
//
// Lock order: pair or record lock, then the book lock inside the ledger,
// then mu. mu is never held while waiting on anything else.
type Engine struct {
	inventory Inventory
	journal   eventstore.Journal
	logger    *zap.Logger
	clock     Clock
	policy    Policy

	tracer      trace.Tracer
	transitions metric.Int64Counter

	recordLocks keyedMutex[uuid.UUID]
	pairLocks   keyedMutex[pairKey]

	mu          sync.RWMutex
	records     map[uuid.UUID]IssueRecord
	outstanding map[pairKey]uuid.UUID
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// NewService creates a new circulation service instance.
func NewService(inventory Inventory, journal eventstore.Journal, policy Policy, logger *zap.Logger, opts ...Option) *Engine {
	counter, err := otel.Meter("lendingdesk/circulation").Int64Counter("lending.transitions",
		metric.WithDescription("Issue record transitions by outcome"))
	if err != nil {
		otel.Handle(err)
	}
	e := &Engine{
		inventory:   inventory,
		journal:     journal,
		logger:      logger,
		clock:       realClock{},
		policy:      policy,
		tracer:      otel.Tracer("lendingdesk/circulation"),
		transitions: counter,
		records:     make(map[uuid.UUID]IssueRecord),
		outstanding: make(map[pairKey]uuid.UUID),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RequestIssue reserves a copy for the member and opens a record in
// StatusRequested. A member may hold one open record per book.
func (e *Engine) RequestIssue(ctx context.Context, p auth.Principal, bookID, userID uuid.UUID) (*IssueRecord, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.request_issue", trace.WithAttributes(
		attribute.String("book.id", bookID.String()),
		attribute.String("user.id", userID.String()),
	))
	defer span.End()

	if err := p.RequireSelf(userID); err != nil {
		return nil, e.fail(ctx, span, TransitionRequestIssue, err)
	}

	key := pairKey{bookID: bookID, userID: userID}
	unlock := e.pairLocks.Lock(key)
	defer unlock()

	e.mu.RLock()
	open, exists := e.outstanding[key]
	e.mu.RUnlock()
	if exists {
		return nil, e.fail(ctx, span, TransitionRequestIssue,
			fmt.Errorf("record %s is still open for book %s: %w", open, bookID, apperr.ErrDuplicateActiveLoan))
	}

	now := e.clock.Now().UTC()
	rec := IssueRecord{
		ID:               uuid.New(),
		BookID:           bookID,
		UserID:           userID,
		Status:           StatusRequested,
		IssueRequestedAt: now,
		Version:          1,
	}
	_, err := e.inventory.Reserve(ctx, bookID, rec.ID, func(catalog.Reservation) error {
		ev := IssueRequestedEvent{RecordID: rec.ID, BookID: bookID, UserID: userID, At: now}
		if err := e.append(ctx, p, rec.ID, 0, eventIssueRequested, ev); err != nil {
			return err
		}
		e.put(rec)
		return nil
	})
	if err != nil {
		return nil, e.fail(ctx, span, TransitionRequestIssue, err)
	}

	e.succeed(ctx, TransitionRequestIssue, "", rec)
	return e.present(rec), nil
}

// ApproveIssue lends the reserved copy and starts the loan period.
func (e *Engine) ApproveIssue(ctx context.Context, p auth.Principal, recordID uuid.UUID) (*IssueRecord, error) {
	return e.transition(ctx, p, recordID, TransitionApproveIssue, librarianOnly(p),
		func(cur IssueRecord, now time.Time) (interface{}, error) {
			return IssueApprovedEvent{RecordID: cur.ID, At: now, DueDate: now.Add(e.policy.LoanPeriod)}, nil
		})
}

// RejectIssue refuses the request and puts the reserved copy back.
func (e *Engine) RejectIssue(ctx context.Context, p auth.Principal, recordID uuid.UUID, reason string) (*IssueRecord, error) {
	return e.transition(ctx, p, recordID, TransitionRejectIssue, librarianOnly(p),
		func(cur IssueRecord, now time.Time) (interface{}, error) {
			return DecisionEvent{RecordID: cur.ID, At: now, Reason: strings.TrimSpace(reason)}, nil
		})
}

// RequestReturn asks for the loan to be closed. Allowed again after a
// rejected return.
func (e *Engine) RequestReturn(ctx context.Context, p auth.Principal, recordID uuid.UUID) (*IssueRecord, error) {
	owner := func(r IssueRecord) error { return p.RequireSelf(r.UserID) }
	return e.transition(ctx, p, recordID, TransitionRequestReturn, owner,
		func(cur IssueRecord, now time.Time) (interface{}, error) {
			return DecisionEvent{RecordID: cur.ID, At: now}, nil
		})
}

// ApproveReturn puts the copy back on the shelf and settles the fine.
func (e *Engine) ApproveReturn(ctx context.Context, p auth.Principal, recordID uuid.UUID, remarks string) (*IssueRecord, error) {
	return e.transition(ctx, p, recordID, TransitionApproveReturn, librarianOnly(p),
		func(cur IssueRecord, now time.Time) (interface{}, error) {
			if cur.DueDate == nil {
				return nil, fmt.Errorf("record %s has no due date", cur.ID)
			}
			return ReturnApprovedEvent{
				RecordID:   cur.ID,
				At:         now,
				FineAmount: ComputeFine(*cur.DueDate, now, e.policy.FineRatePerDay),
				Remarks:    strings.TrimSpace(remarks),
			}, nil
		})
}

// RejectReturn keeps the book on loan; the member may request the return again.
func (e *Engine) RejectReturn(ctx context.Context, p auth.Principal, recordID uuid.UUID, reason string) (*IssueRecord, error) {
	reason = strings.TrimSpace(reason)
	check := func(r IssueRecord) error {
		if err := p.RequireLibrarian(); err != nil {
			return err
		}
		if reason == "" {
			return fmt.Errorf("rejecting a return: %w", apperr.ErrMissingReason)
		}
		return nil
	}
	return e.transition(ctx, p, recordID, TransitionRejectReturn, check,
		func(cur IssueRecord, now time.Time) (interface{}, error) {
			return DecisionEvent{RecordID: cur.ID, At: now, Reason: reason}, nil
		})
}

func librarianOnly(p auth.Principal) func(IssueRecord) error {
	return func(IssueRecord) error { return p.RequireLibrarian() }
}

// transition runs t on one record under its lock. authorize sees the current
// record; build produces the event payload once the move is known to be
// valid. Moves into a terminal status release the record's copy, with the
// journal append as the commit point inside the book's lock.
func (e *Engine) transition(
	ctx context.Context,
	p auth.Principal,
	recordID uuid.UUID,
	t Transition,
	authorize func(IssueRecord) error,
	build func(cur IssueRecord, now time.Time) (interface{}, error),
) (*IssueRecord, error) {
	ctx, span := e.tracer.Start(ctx, "circulation."+string(t), trace.WithAttributes(
		attribute.String("record.id", recordID.String()),
	))
	defer span.End()

	unlock := e.recordLocks.Lock(recordID)
	defer unlock()

	cur, err := e.record(recordID)
	if err != nil {
		return nil, e.fail(ctx, span, t, err)
	}
	if err := authorize(cur); err != nil {
		return nil, e.fail(ctx, span, t, err)
	}
	if _, err := t.Next(cur.Status); err != nil {
		return nil, e.fail(ctx, span, t, fmt.Errorf("record %s: %w", recordID, err))
	}

	now := e.clock.Now().UTC()
	payload, err := build(cur, now)
	if err != nil {
		return nil, e.fail(ctx, span, t, err)
	}
	next, err := evolve(cur, t, payload)
	if err != nil {
		return nil, e.fail(ctx, span, t, err)
	}

	commit := func() error {
		if err := e.append(ctx, p, recordID, cur.Version, transitionEvents[t], payload); err != nil {
			return err
		}
		e.put(next)
		return nil
	}
	if next.Status.Terminal() {
		err = e.inventory.Release(ctx, cur.BookID, commit)
	} else {
		err = commit()
	}
	if err != nil {
		return nil, e.fail(ctx, span, t, err)
	}

	e.succeed(ctx, t, cur.Status, next)
	return e.present(next), nil
}

var transitionEvents = map[Transition]string{
	TransitionApproveIssue:  eventIssueApproved,
	TransitionRejectIssue:   eventIssueRejected,
	TransitionRequestReturn: eventReturnRequested,
	TransitionApproveReturn: eventReturnApproved,
	TransitionRejectReturn:  eventReturnRejected,
}

var eventTransitions = func() map[string]Transition {
	m := make(map[string]Transition, len(transitionEvents))
	for t, name := range transitionEvents {
		m[name] = t
	}
	return m
}()

// evolve returns r moved through t with the payload's fields applied. It is
// shared by live transitions and replay.
func evolve(r IssueRecord, t Transition, payload interface{}) (IssueRecord, error) {
	to, err := t.Next(r.Status)
	if err != nil {
		return r, fmt.Errorf("record %s: %w", r.ID, err)
	}
	r.Status = to
	r.Version++

	switch ev := payload.(type) {
	case IssueApprovedEvent:
		r.IssueDecidedAt = timePtr(ev.At)
		r.IssueDate = timePtr(ev.At)
		r.DueDate = timePtr(ev.DueDate)
	case ReturnApprovedEvent:
		r.ReturnDecidedAt = timePtr(ev.At)
		r.ReturnDate = timePtr(ev.At)
		r.FineAmount = ev.FineAmount
		r.DecisionReason = ev.Remarks
	case DecisionEvent:
		// DecisionReason always belongs to the latest decision.
		switch t {
		case TransitionRejectIssue:
			r.IssueDecidedAt = timePtr(ev.At)
			r.DecisionReason = ev.Reason
		case TransitionRequestReturn:
			r.ReturnRequestedAt = timePtr(ev.At)
		case TransitionRejectReturn:
			r.ReturnDecidedAt = timePtr(ev.At)
			r.DecisionReason = ev.Reason
		}
	default:
		return r, fmt.Errorf("unexpected payload %T for %s", payload, t)
	}
	return r, nil
}

func timePtr(t time.Time) *time.Time { return &t }

func (e *Engine) append(ctx context.Context, p auth.Principal, recordID uuid.UUID, version int, eventType string, data interface{}) error {
	event, err := eventstore.NewEvent(eventType, data, map[string]interface{}{"actor": p.UserID.String()})
	if err != nil {
		return err
	}
	if err := e.journal.AppendEvents(ctx, recordID, aggregateIssueRecord, version, []eventstore.Event{event}); err != nil {
		e.logger.Error("journal append failed",
			zap.String("event", eventType),
			zap.Stringer("record_id", recordID),
			zap.Error(err))
		return fmt.Errorf("journal %s: %w: %w", eventType, apperr.ErrUnavailable, err)
	}
	return nil
}

func (e *Engine) record(id uuid.UUID) (IssueRecord, error) {
	e.mu.RLock()
	r, ok := e.records[id]
	e.mu.RUnlock()
	if !ok {
		return IssueRecord{}, fmt.Errorf("issue record %s: %w", id, apperr.ErrNotFound)
	}
	return r, nil
}

// put stores r and keeps the open-record index in step with its status.
func (e *Engine) put(r IssueRecord) {
	key := pairKey{bookID: r.BookID, userID: r.UserID}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records[r.ID] = r
	if r.Status.Terminal() {
		if e.outstanding[key] == r.ID {
			delete(e.outstanding, key)
		}
		return
	}
	e.outstanding[key] = r.ID
}

// present returns a copy of r with the overdue flag evaluated now.
func (e *Engine) present(r IssueRecord) *IssueRecord {
	r.Overdue = r.IsOverdue(e.clock.Now())
	return &r
}

func (e *Engine) succeed(ctx context.Context, t Transition, from Status, r IssueRecord) {
	e.count(ctx, t, "ok")
	e.logger.Info("issue record transitioned",
		zap.String("transition", string(t)),
		zap.Stringer("record_id", r.ID),
		zap.Stringer("book_id", r.BookID),
		zap.Stringer("user_id", r.UserID),
		zap.String("from", string(from)),
		zap.String("to", string(r.Status)))
}

func (e *Engine) fail(ctx context.Context, span trace.Span, t Transition, err error) error {
	span.RecordError(err)
	outcome := "rejected"
	if !apperr.IsRuleViolation(err) {
		outcome = "error"
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	e.count(ctx, t, outcome)
	e.logger.Debug("transition refused", zap.String("transition", string(t)), zap.Error(err))
	return err
}

func (e *Engine) count(ctx context.Context, t Transition, outcome string) {
	if e.transitions == nil {
		return
	}
	e.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transition", string(t)),
		attribute.String("outcome", outcome),
	))
}

// Apply replays one journaled issue record event, moving inventory the same
// way the live transition did. Events of other aggregates are ignored.
func (e *Engine) Apply(ctx context.Context, ev eventstore.Event) error {
	if ev.AggregateType != aggregateIssueRecord {
		return nil
	}

	if ev.EventType == eventIssueRequested {
		var data IssueRequestedEvent
		if err := ev.Decode(&data); err != nil {
			return err
		}
		rec := IssueRecord{
			ID:               data.RecordID,
			BookID:           data.BookID,
			UserID:           data.UserID,
			Status:           StatusRequested,
			IssueRequestedAt: data.At,
			Version:          ev.Version,
		}
		_, err := e.inventory.Reserve(ctx, data.BookID, data.RecordID, func(catalog.Reservation) error {
			e.put(rec)
			return nil
		})
		return err
	}

	t, ok := eventTransitions[ev.EventType]
	if !ok {
		return nil
	}
	var payload interface{}
	switch t {
	case TransitionApproveIssue:
		var data IssueApprovedEvent
		if err := ev.Decode(&data); err != nil {
			return err
		}
		payload = data
	case TransitionApproveReturn:
		var data ReturnApprovedEvent
		if err := ev.Decode(&data); err != nil {
			return err
		}
		payload = data
	default:
		var data DecisionEvent
		if err := ev.Decode(&data); err != nil {
			return err
		}
		payload = data
	}

	cur, err := e.record(ev.AggregateID)
	if err != nil {
		return err
	}
	next, err := evolve(cur, t, payload)
	if err != nil {
		return err
	}
	next.Version = ev.Version
	commit := func() error {
		e.put(next)
		return nil
	}
	if next.Status.Terminal() {
		return e.inventory.Release(ctx, cur.BookID, commit)
	}
	return commit()
}
