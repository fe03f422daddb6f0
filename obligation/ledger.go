/*
ledger.go - Append-only audit trail

PURPOSE:
  Every accepted mutation of an obligation writes exactly one AuditEntry.
  The ledger answers "what happened to this obligation, in what order" and
  "was this offline action already applied".

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. ORDERED: Timestamps are strictly increasing per obligation. Two
     mutations in the same clock tick get timestamps one nanosecond apart.
  3. IDEMPOTENT: An action key is recorded at most once. The offline
     reconciler uses this to make replay safe.

SEE ALSO:
  - store.go:  AuditStore persistence interface
  - engine.go: Writes entries inside the mutation transaction
*/
package obligation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// AUDIT ENTRY
// =============================================================================

// AuditAction names what happened.
type AuditAction string

const (
	AuditCreated       AuditAction = "created"
	AuditAssigned      AuditAction = "assigned"
	AuditStatusChanged AuditAction = "status_changed"
	AuditSkippedNext   AuditAction = "skipped_next"
	AuditCostsUpdated  AuditAction = "costs_updated"
	AuditCompleted     AuditAction = "completed"
	AuditNoteAdded     AuditAction = "note_added"
	AuditCharged       AuditAction = "charged"
	AuditRefunded      AuditAction = "refunded"
)

// AuditEntry is one immutable line of an obligation's history.
type AuditEntry struct {
	ID           string
	ObligationID ID
	RelatedID    ID // successor spawned by this mutation, if any
	Action       AuditAction
	Description  string
	Actor        string
	ActionKey    string // idempotency key of the action that caused it
	Timestamp    time.Time
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger orders and deduplicates audit entries on top of an AuditStore.
type Ledger struct {
	store AuditStore
	clock func() time.Time

	mu   sync.Mutex
	last map[ID]time.Time
}

// NewLedger creates a ledger backed by store.
func NewLedger(store AuditStore) *Ledger {
	return &Ledger{
		store: store,
		clock: time.Now,
		last:  make(map[ID]time.Time),
	}
}

// Append records an entry directly in the ledger's store.
func (l *Ledger) Append(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	return l.AppendTo(ctx, l.store, entry)
}

// AppendTo records an entry through target, typically the Repository of an
// open transaction. The stamped entry is returned.
func (l *Ledger) AppendTo(ctx context.Context, target AuditStore, entry AuditEntry) (AuditEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.ActionKey != "" {
		existing, err := target.FindAuditByKey(ctx, entry.ActionKey)
		if err != nil {
			return AuditEntry{}, err
		}
		if existing != nil {
			return AuditEntry{}, ErrDuplicateActionKey
		}
	}

	floor, err := l.lastTimestamp(ctx, target, entry.ObligationID)
	if err != nil {
		return AuditEntry{}, err
	}
	entry.Timestamp = l.stamp(entry.ObligationID, entry.Timestamp, floor)

	if err := target.AppendAudit(ctx, entry); err != nil {
		return AuditEntry{}, err
	}
	return entry, nil
}

// stamp picks a timestamp strictly after everything already recorded for id.
func (l *Ledger) stamp(id ID, requested, floor time.Time) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := requested
	if ts.IsZero() {
		ts = l.clock()
	}
	if last, ok := l.last[id]; ok && last.After(floor) {
		floor = last
	}
	if !ts.After(floor) {
		ts = floor.Add(time.Nanosecond)
	}
	l.last[id] = ts
	return ts
}

// lastTimestamp returns the newest recorded timestamp for id. Only the
// first append per obligation reaches the store.
func (l *Ledger) lastTimestamp(ctx context.Context, target AuditStore, id ID) (time.Time, error) {
	l.mu.Lock()
	last, ok := l.last[id]
	l.mu.Unlock()
	if ok {
		return last, nil
	}

	entries, err := target.LoadAudit(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	var floor time.Time
	for _, e := range entries {
		if e.ObligationID == id && e.Timestamp.After(floor) {
			floor = e.Timestamp
		}
	}
	return floor, nil
}

// History returns every entry concerning id, oldest first.
func (l *Ledger) History(ctx context.Context, id ID) ([]AuditEntry, error) {
	return l.store.LoadAudit(ctx, id)
}

// FindByKey returns the entry recorded for an action key, or nil.
func (l *Ledger) FindByKey(ctx context.Context, key string) (*AuditEntry, error) {
	if key == "" {
		return nil, nil
	}
	return l.store.FindAuditByKey(ctx, key)
}

// Applied reports whether an action key has already produced an entry.
func (l *Ledger) Applied(ctx context.Context, key string) (bool, error) {
	e, err := l.FindByKey(ctx, key)
	return e != nil, err
}
