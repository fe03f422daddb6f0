/*
store.go - Persistence interfaces for obligations and their audit trail

PURPOSE:
  Defines the interface between the engine and the database. The same
  backend persists obligations and audit entries so both can be written in
  one transaction.

KEY INTERFACES:
  Store:      Obligation persistence (upsert batch, lookup, filtered list)
  AuditStore: Append-only audit persistence
  Repository: Both, as seen from inside a transaction
  TxStore:    Repository plus WithTx for atomic multi-record writes

ATOMICITY:
  Resolving a recurring issue writes two obligations (the closed one and its
  successor) and one audit entry. WithTx makes that all-or-nothing.

NO DELETES:
  Obligations are never hard-deleted and audit entries are never updated.

IMPLEMENTATIONS:
  - obligation/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go:     SQLite

SEE ALSO:
  - ledger.go: Ordering and idempotency rules on top of AuditStore
*/
package obligation

import (
	"context"
	"time"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind        Kind
	Statuses    []Status
	DueBefore   *time.Time // strictly before
	PendingSync *bool
}

// Matches reports whether o passes the filter.
func (f Filter) Matches(o *Obligation) bool {
	if f.Kind != "" && o.Kind != f.Kind {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if o.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.DueBefore != nil && !o.DueDate.Before(*f.DueBefore) {
		return false
	}
	if f.PendingSync != nil && o.PendingSync != *f.PendingSync {
		return false
	}
	return true
}

// Store persists obligations.
type Store interface {
	// Save upserts all obligations atomically.
	Save(ctx context.Context, obs ...*Obligation) error

	// Get returns a copy of the obligation or ErrNotFound.
	Get(ctx context.Context, id ID) (*Obligation, error)

	// List returns copies ordered by due date, then ID.
	List(ctx context.Context, filter Filter) ([]*Obligation, error)

	// SetPendingSync tags or untags an obligation as waiting for sync.
	// This is sync metadata, not a domain mutation, and is not audited.
	SetPendingSync(ctx context.Context, id ID, pending bool) error
}

// AuditStore persists audit entries. Append-only.
type AuditStore interface {
	// AppendAudit persists an entry. Returns ErrDuplicateActionKey if the
	// entry's action key was already recorded.
	AppendAudit(ctx context.Context, entry AuditEntry) error

	// LoadAudit returns entries whose ObligationID or RelatedID is id,
	// ordered by timestamp.
	LoadAudit(ctx context.Context, id ID) ([]AuditEntry, error)

	// FindAuditByKey returns the entry recorded under an action key, or nil.
	FindAuditByKey(ctx context.Context, key string) (*AuditEntry, error)
}

// Repository is the combined view handed to WithTx callbacks.
type Repository interface {
	Store
	AuditStore
}

// TxStore wraps Repository with transaction support.
type TxStore interface {
	Repository

	// WithTx executes fn within a transaction.
	// If fn returns error, everything written through the Repository is
	// rolled back.
	WithTx(ctx context.Context, fn func(Repository) error) error
}
