/*
engine.go - Obligation lifecycle engine

PURPOSE:
  The single mutation path for issues and payments. Every create, status
  change, skip, cost update, note, charge and refund goes through Engine so
  validation, successor spawning and auditing behave identically whether a
  call comes from the HTTP API or from offline replay.

MUTATION FLOW:
  1. Lock the obligation id (one writer per obligation)
  2. If the context carries an action key that the ledger already holds,
     return the current obligation without re-executing (replay)
  3. Load a copy, apply the operation to it, or reject with a typed error
  4. In one store transaction: save the obligation (and successor) and
     append exactly one audit entry
  5. Schedule notifications (fire-and-forget)

  Rejected operations change nothing and audit nothing. No-op operations
  (resolving an already resolved issue) succeed without an audit entry.

DEPENDENCIES:
  All collaborators are passed to NewEngine. There are no package globals.

SEE ALSO:
  - issue.go:   Issue operations
  - payment.go: Payment operations
  - ledger.go:  Audit ordering and action-key deduplication
*/
package obligation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// CONTEXT VALUES
// =============================================================================

type actionKeyCtx struct{}
type actorCtx struct{}

// WithActionKey tags mutations made with ctx with an idempotency key. A
// mutation whose key is already in the audit ledger is not executed again.
func WithActionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, actionKeyCtx{}, key)
}

// ActionKeyFrom returns the action key carried by ctx, if any.
func ActionKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(actionKeyCtx{}).(string)
	return key
}

// WithActor records who performs mutations made with ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorCtx{}, actor)
}

// ActorFrom returns the actor carried by ctx, if any.
func ActorFrom(ctx context.Context) string {
	actor, _ := ctx.Value(actorCtx{}).(string)
	return actor
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine owns all obligation mutations.
type Engine struct {
	store       TxStore
	ledger      *Ledger
	gateway     PaymentGateway
	notifier    Notifier
	contractors Contractors
	clock       func() time.Time
	logger      *slog.Logger

	locks keyedMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now, for tests and backfills.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithContractors enables AssignContractor against a directory.
func WithContractors(c Contractors) Option {
	return func(e *Engine) { e.contractors = c }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine wires an engine. A nil ledger is built on store; a nil notifier
// drops events. A nil gateway makes Charge and Refund fail.
func NewEngine(store TxStore, ledger *Ledger, gateway PaymentGateway, notifier Notifier, opts ...Option) *Engine {
	if ledger == nil {
		ledger = NewLedger(store)
	}
	if notifier == nil {
		notifier = NopNotifier
	}
	e := &Engine{
		store:    store,
		ledger:   ledger,
		gateway:  gateway,
		notifier: notifier,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ledger exposes the audit ledger the engine writes to.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Now returns the engine's current time.
func (e *Engine) Now() time.Time { return e.clock() }

// change is the outcome of applying an operation to a loaded obligation.
type change struct {
	obligation  *Obligation
	successor   *Obligation
	action      AuditAction
	description string
	events      []Event
}

// mutate runs fn against a copy of obligation id under that id's lock.
// fn returns nil, nil for a successful no-op.
func (e *Engine) mutate(ctx context.Context, id ID, fn func(o *Obligation, now time.Time) (*change, error)) (*Obligation, error) {
	unlock := e.locks.lock(id)
	defer unlock()

	if o, replayed, err := e.replayed(ctx); replayed || err != nil {
		return o, err
	}

	current, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	c, err := fn(current.Clone(), now)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return current, nil
	}
	if err := e.commit(ctx, now, c); err != nil {
		return nil, err
	}
	e.notify(ctx, c.events)
	return c.obligation.Clone(), nil
}

// create persists a new obligation with its "created" entry.
func (e *Engine) create(ctx context.Context, o *Obligation, events []Event) (*Obligation, error) {
	lockID := o.ID
	if key := ActionKeyFrom(ctx); key != "" {
		lockID = ID("action:" + key)
	}
	unlock := e.locks.lock(lockID)
	defer unlock()

	if existing, replayed, err := e.replayed(ctx); replayed || err != nil {
		return existing, err
	}

	c := &change{
		obligation:  o,
		action:      AuditCreated,
		description: fmt.Sprintf("%s created (%s)", o.Kind, o.Schedule.Frequency),
		events:      events,
	}
	if err := e.commit(ctx, o.CreatedAt, c); err != nil {
		return nil, err
	}
	e.notify(ctx, events)
	return o.Clone(), nil
}

// replayed reports whether the action key on ctx was already applied and,
// if so, returns the obligation it touched.
func (e *Engine) replayed(ctx context.Context) (*Obligation, bool, error) {
	key := ActionKeyFrom(ctx)
	if key == "" {
		return nil, false, nil
	}
	entry, err := e.ledger.FindByKey(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("check action key: %w", err)
	}
	if entry == nil {
		return nil, false, nil
	}
	o, err := e.store.Get(ctx, entry.ObligationID)
	if err != nil {
		return nil, false, err
	}
	e.logger.Debug("action already applied", "action_key", key, "obligation_id", o.ID, "action", entry.Action)
	return o, true, nil
}

// commit writes the obligation, its successor and the audit entry atomically.
func (e *Engine) commit(ctx context.Context, now time.Time, c *change) error {
	c.obligation.UpdatedAt = now
	obs := []*Obligation{c.obligation}

	entry := AuditEntry{
		ObligationID: c.obligation.ID,
		Action:       c.action,
		Description:  c.description,
		Actor:        ActorFrom(ctx),
		ActionKey:    ActionKeyFrom(ctx),
		Timestamp:    now,
	}
	if c.successor != nil {
		obs = append(obs, c.successor)
		entry.RelatedID = c.successor.ID
	}

	err := e.store.WithTx(ctx, func(repo Repository) error {
		if err := repo.Save(ctx, obs...); err != nil {
			return fmt.Errorf("save obligation: %w", err)
		}
		if _, err := e.ledger.AppendTo(ctx, repo, entry); err != nil {
			return fmt.Errorf("append audit entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	attrs := []any{"obligation", c.obligation.Label(), "action", c.action, "status", c.obligation.Status}
	if c.successor != nil {
		attrs = append(attrs, "successor_id", c.successor.ID, "successor_due", c.successor.DueDate.Format(time.DateOnly))
	}
	e.logger.Info("obligation updated", attrs...)
	return nil
}

func (e *Engine) notify(ctx context.Context, events []Event) {
	for _, ev := range events {
		e.notifier.Schedule(ctx, ev)
	}
}

// spawnSuccessor consumes o's schedule and builds the next occurrence, or
// returns nil when o is one-time or its next occurrence was skipped.
func (e *Engine) spawnSuccessor(o *Obligation, now time.Time) *Obligation {
	due, schedule, ok := o.Schedule.spawn()
	if !ok {
		return nil
	}

	s := &Obligation{
		ID:            NewID(),
		Kind:          o.Kind,
		Title:         o.Title,
		Description:   o.Description,
		Status:        initialStatus(o.Kind),
		Priority:      o.Priority,
		Category:      o.Category,
		Amount:        o.Amount,
		PaymentMethod: o.PaymentMethod,
		CreatedBy:     o.CreatedBy,
		CreatedAt:     due,
		DueDate:       due,
		UpdatedAt:     now,
		AssignedTo:    o.AssignedTo,
		ContractorID:  o.ContractorID,
		EstimatedCost: copyDecimal(o.EstimatedCost),
		Schedule:      schedule,
		ParentID:      o.ID,
	}
	o.SuccessorID = s.ID
	return s
}

func initialStatus(k Kind) Status {
	if k == KindPayment {
		return StatusPending
	}
	return StatusOpen
}

// =============================================================================
// SHARED OPERATIONS
// =============================================================================

// Assign sets the responsible actor. Non-terminal obligations only.
func (e *Engine) Assign(ctx context.Context, id ID, actor string) (*Obligation, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, invalid("assigned_to", "required")
	}
	return e.mutate(ctx, id, func(o *Obligation, now time.Time) (*change, error) {
		if o.IsTerminal() {
			return nil, &TransitionError{ID: o.ID, From: o.Status, Reason: "cannot reassign a finished obligation"}
		}
		if o.AssignedTo == actor {
			return nil, nil
		}
		previous := o.AssignedTo
		o.AssignedTo = actor
		o.ContractorID = "" // no longer a directory assignment
		desc := fmt.Sprintf("assigned to %s", actor)
		if previous != "" {
			desc = fmt.Sprintf("reassigned from %s to %s", previous, actor)
		}
		return &change{obligation: o, action: AuditAssigned, description: desc}, nil
	})
}

// AssignContractor hands an unfinished issue to a contractor from the
// directory. The contractor's name becomes the assignee.
func (e *Engine) AssignContractor(ctx context.Context, id ID, contractorID string) (*Obligation, error) {
	contractorID = strings.TrimSpace(contractorID)
	if contractorID == "" {
		return nil, invalid("contractor_id", "required")
	}
	if e.contractors == nil {
		return nil, invalid("contractor_id", "no contractor directory configured")
	}
	name, err := e.contractors.Lookup(ctx, contractorID)
	if err != nil {
		return nil, invalid("contractor_id", "%v", err)
	}
	return e.mutate(ctx, id, func(o *Obligation, now time.Time) (*change, error) {
		if o.Kind != KindIssue {
			return nil, &TransitionError{ID: o.ID, From: o.Status, Reason: "only issues are handed to contractors"}
		}
		if o.IsTerminal() {
			return nil, &TransitionError{ID: o.ID, From: o.Status, Reason: "cannot reassign a finished obligation"}
		}
		if o.ContractorID == contractorID && o.AssignedTo == name {
			return nil, nil
		}
		o.ContractorID = contractorID
		o.AssignedTo = name
		return &change{obligation: o, action: AuditAssigned, description: fmt.Sprintf("assigned to contractor %s (%s)", name, contractorID)}, nil
	})
}

// SkipNext marks the upcoming occurrence as skipped and advances the anchor
// by one period. Each call skips one more occurrence.
func (e *Engine) SkipNext(ctx context.Context, id ID) (*Obligation, error) {
	return e.mutate(ctx, id, func(o *Obligation, now time.Time) (*change, error) {
		if o.IsTerminal() {
			return nil, &TransitionError{ID: o.ID, From: o.Status, Reason: "cannot skip after completion"}
		}
		if !o.IsRecurring() {
			return nil, &TransitionError{ID: o.ID, From: o.Status, Reason: "one-time obligations have no next occurrence"}
		}
		skipped := *o.Schedule.NextAnchorDate
		o.Schedule.skip()
		return &change{
			obligation: o,
			action:     AuditSkippedNext,
			description: fmt.Sprintf("skipped occurrence due %s; next due %s",
				skipped.Format(time.DateOnly), o.Schedule.NextAnchorDate.Format(time.DateOnly)),
		}, nil
	})
}

// AddNote appends text to the notes. Allowed in any state.
func (e *Engine) AddNote(ctx context.Context, id ID, text string) (*Obligation, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("note", "required")
	}
	return e.mutate(ctx, id, func(o *Obligation, now time.Time) (*change, error) {
		o.Notes = appendNote(o.Notes, text)
		return &change{obligation: o, action: AuditNoteAdded, description: "note added"}, nil
	})
}

// SetPendingSync tags an obligation as not yet confirmed remotely. The tag is
// queue bookkeeping, not a domain change, so it is not audited.
func (e *Engine) SetPendingSync(ctx context.Context, id ID, pending bool) error {
	unlock := e.locks.lock(id)
	defer unlock()
	return e.store.SetPendingSync(ctx, id, pending)
}

// =============================================================================
// READS
// =============================================================================

// Get returns a copy of one obligation.
func (e *Engine) Get(ctx context.Context, id ID) (*Obligation, error) {
	return e.store.Get(ctx, id)
}

// List returns obligations matching filter.
func (e *Engine) List(ctx context.Context, filter Filter) ([]*Obligation, error) {
	return e.store.List(ctx, filter)
}

// ListByStatus returns obligations in any of the given statuses.
func (e *Engine) ListByStatus(ctx context.Context, statuses ...Status) ([]*Obligation, error) {
	return e.store.List(ctx, Filter{Statuses: statuses})
}

// ListDueBefore returns open occurrences (not yet resolved or paid) due
// strictly before t.
func (e *Engine) ListDueBefore(ctx context.Context, t time.Time) ([]*Obligation, error) {
	return e.store.List(ctx, Filter{
		Statuses:  []Status{StatusOpen, StatusInProgress, StatusPending},
		DueBefore: &t,
	})
}

// History returns the audit trail of an obligation, oldest first.
func (e *Engine) History(ctx context.Context, id ID) ([]AuditEntry, error) {
	if _, err := e.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.ledger.History(ctx, id)
}

// =============================================================================
// PER-OBLIGATION LOCKS
// =============================================================================

// keyedMutex hands out one mutex per id and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[ID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(id ID) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[ID]*refMutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
