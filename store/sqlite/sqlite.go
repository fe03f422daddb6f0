/*
Package sqlite provides a SQLite-backed implementation of obligation.TxStore.

PURPOSE:
  Persists obligations and their audit trail in one database file so a
  status change, its spawned successor and the audit entry commit together.

INTERFACES IMPLEMENTED:
  obligation.Store:      Obligation upsert, lookup, filtered listing
  obligation.AuditStore: Append-only audit entries
  obligation.TxStore:    WithTx for atomic multi-record writes

KEY TABLES:
  obligations:   One row per occurrence (issues and payments). Never deleted.
  audit_entries: Immutable history. No UPDATE or DELETE statements exist.

INDEXES:
  - idx_obligations_status_due: listByStatus / listDueBefore (hot path)
  - idx_audit_action_key:       replay detection (unique)
  - idx_audit_obligation:       history lookups

TIME ENCODING:
  Timestamps are stored as fixed-width UTC strings so lexical order equals
  chronological order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, WAL mode for concurrent readers.

USAGE:
  store, err := sqlite.New("./data/obligations.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := obligation.NewEngine(store, obligation.NewLedger(store), gw, notifier)

SEE ALSO:
  - obligation/store.go:        Interface definitions
  - obligation/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/vts/obligation-engine/obligation"
	"github.com/vts/obligation-engine/recurrence"
)

// timeLayout is fixed-width so stored strings sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements obligation.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ obligation.TxStore = (*Store)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	store, err := Open(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Open wraps an already opened database and migrates it. The caller keeps
// ownership of db until Close.
func Open(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Obligations (issues and payments, one row per occurrence)
	CREATE TABLE IF NOT EXISTS obligations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		priority TEXT,
		category TEXT,
		amount TEXT NOT NULL DEFAULT '0',
		payment_method TEXT,
		transaction_ref TEXT,
		refund_amount TEXT,
		refund_issued_by TEXT,
		refund_reason TEXT,
		refund_date TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL,
		due_date TEXT NOT NULL,
		completed_at TEXT,
		updated_at TEXT NOT NULL,
		assigned_to TEXT,
		estimated_cost TEXT,
		actual_cost TEXT,
		notes TEXT,
		frequency TEXT NOT NULL,
		next_anchor_date TEXT,
		skip_next INTEGER NOT NULL DEFAULT 0,
		parent_id TEXT,
		successor_id TEXT,
		pending_sync INTEGER NOT NULL DEFAULT 0,
		time_zone TEXT NOT NULL DEFAULT 'UTC',
		tz_offset INTEGER NOT NULL DEFAULT 0,
		contractor_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_obligations_status_due
		ON obligations(status, due_date);
	CREATE INDEX IF NOT EXISTS idx_obligations_kind
		ON obligations(kind);
	CREATE INDEX IF NOT EXISTS idx_obligations_pending_sync
		ON obligations(pending_sync) WHERE pending_sync = 1;

	-- Audit entries (append-only)
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		obligation_id TEXT NOT NULL,
		related_id TEXT,
		action TEXT NOT NULL,
		description TEXT,
		actor TEXT,
		action_key TEXT,
		timestamp TEXT NOT NULL
	);

	-- CRITICAL: an offline action may be applied at most once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_action_key
		ON audit_entries(action_key) WHERE action_key IS NOT NULL;

	CREATE INDEX IF NOT EXISTS idx_audit_obligation
		ON audit_entries(obligation_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_related
		ON audit_entries(related_id) WHERE related_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// OBLIGATIONS (obligation.Store interface)
// =============================================================================

const obligationColumns = `id, kind, title, description, status, priority, category, amount,
	payment_method, transaction_ref, refund_amount, refund_issued_by, refund_reason, refund_date,
	created_by, created_at, due_date, completed_at, updated_at, assigned_to, estimated_cost,
	actual_cost, notes, frequency, next_anchor_date, skip_next, parent_id, successor_id, pending_sync,
	time_zone, tz_offset, contractor_id`

// Save upserts obligations atomically.
func (s *Store) Save(ctx context.Context, obs ...*obligation.Obligation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := saveObligations(ctx, sqlTx, obs); err != nil {
		return err
	}
	return sqlTx.Commit()
}

func saveObligations(ctx context.Context, db querier, obs []*obligation.Obligation) error {
	query := `INSERT OR REPLACE INTO obligations (` + obligationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, o := range obs {
		var refundAmount, refundBy, refundReason, refundDate sql.NullString
		if o.Refund != nil {
			refundAmount = nullString(o.Refund.Amount.String())
			refundBy = nullString(o.Refund.IssuedBy)
			refundReason = nullString(o.Refund.Reason)
			refundDate = nullString(formatTime(o.Refund.Date))
		}

		_, err := db.ExecContext(ctx, query,
			o.ID,
			o.Kind,
			o.Title,
			o.Description,
			o.Status,
			nullString(string(o.Priority)),
			nullString(string(o.Category)),
			o.Amount.String(),
			nullString(string(o.PaymentMethod)),
			nullString(o.TransactionRef),
			refundAmount,
			refundBy,
			refundReason,
			refundDate,
			nullString(o.CreatedBy),
			formatTime(o.CreatedAt),
			formatTime(o.DueDate),
			nullTime(o.CompletedAt),
			formatTime(o.UpdatedAt),
			nullString(o.AssignedTo),
			nullDecimal(o.EstimatedCost),
			nullDecimal(o.ActualCost),
			nullString(o.Notes),
			string(o.Schedule.Frequency),
			nullTime(o.Schedule.NextAnchorDate),
			boolToInt(o.Schedule.SkipNextOccurrence),
			nullString(string(o.ParentID)),
			nullString(string(o.SuccessorID)),
			boolToInt(o.PendingSync),
			o.DueDate.Location().String(),
			zoneOffset(o.DueDate),
			nullString(o.ContractorID),
		)
		if err != nil {
			return fmt.Errorf("failed to save obligation %s: %w", o.ID, err)
		}
	}
	return nil
}

// Get returns one obligation.
func (s *Store) Get(ctx context.Context, id obligation.ID) (*obligation.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getObligation(ctx, s.db, id)
}

func getObligation(ctx context.Context, db querier, id obligation.ID) (*obligation.Obligation, error) {
	obs, err := queryObligations(ctx, db, `SELECT `+obligationColumns+` FROM obligations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(obs) == 0 {
		return nil, obligation.ErrNotFound
	}
	return obs[0], nil
}

// List returns obligations matching filter, ordered by due date then id.
func (s *Store) List(ctx context.Context, filter obligation.Filter) ([]*obligation.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listObligations(ctx, s.db, filter)
}

func listObligations(ctx context.Context, db querier, filter obligation.Filter) ([]*obligation.Obligation, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.DueBefore != nil {
		where = append(where, "due_date < ?")
		args = append(args, formatTime(*filter.DueBefore))
	}
	if filter.PendingSync != nil {
		where = append(where, "pending_sync = ?")
		args = append(args, boolToInt(*filter.PendingSync))
	}

	query := `SELECT ` + obligationColumns + ` FROM obligations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY due_date ASC, id ASC"

	obs, err := queryObligations(ctx, db, query, args...)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs = []*obligation.Obligation{}
	}
	return obs, nil
}

// SetPendingSync tags or untags an obligation.
func (s *Store) SetPendingSync(ctx context.Context, id obligation.ID, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setPendingSync(ctx, s.db, id, pending)
}

func setPendingSync(ctx context.Context, db querier, id obligation.ID, pending bool) error {
	res, err := db.ExecContext(ctx, `UPDATE obligations SET pending_sync = ? WHERE id = ?`, boolToInt(pending), id)
	if err != nil {
		return fmt.Errorf("failed to tag obligation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return obligation.ErrNotFound
	}
	return nil
}

func queryObligations(ctx context.Context, db querier, query string, args ...any) ([]*obligation.Obligation, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query obligations: %w", err)
	}
	defer rows.Close()

	var result []*obligation.Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanObligation(rows *sql.Rows) (*obligation.Obligation, error) {
	var (
		o                                                obligation.Obligation
		description, priority, category, method, txRef   sql.NullString
		refundAmount, refundBy, refundReason, refundDate sql.NullString
		createdBy, completedAt, assignedTo               sql.NullString
		estimated, actual, notes, nextAnchor             sql.NullString
		parentID, successorID, contractorID              sql.NullString
		amount, createdAt, dueDate, updatedAt, frequency string
		timeZone                                         string
		skipNext, pendingSync, tzOffset                  int
	)

	err := rows.Scan(
		&o.ID, &o.Kind, &o.Title, &description, &o.Status, &priority, &category, &amount,
		&method, &txRef, &refundAmount, &refundBy, &refundReason, &refundDate,
		&createdBy, &createdAt, &dueDate, &completedAt, &updatedAt, &assignedTo, &estimated,
		&actual, &notes, &frequency, &nextAnchor, &skipNext, &parentID, &successorID, &pendingSync,
		&timeZone, &tzOffset, &contractorID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan obligation: %w", err)
	}

	o.Description = description.String
	o.Priority = obligation.Priority(priority.String)
	o.Category = obligation.Category(category.String)
	o.PaymentMethod = obligation.PaymentMethod(method.String)
	o.TransactionRef = txRef.String
	o.CreatedBy = createdBy.String
	o.AssignedTo = assignedTo.String
	o.ContractorID = contractorID.String
	o.Notes = notes.String
	o.ParentID = obligation.ID(parentID.String)
	o.SuccessorID = obligation.ID(successorID.String)
	o.PendingSync = pendingSync == 1

	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("obligation %s: bad amount %q: %w", o.ID, amount, err)
	}

	// Times are stored in UTC and read back in the zone the obligation was
	// created in, so calendar steps land on the same local day.
	dec := rowDecoder{loc: location(timeZone, tzOffset)}
	o.CreatedAt = dec.time(createdAt)
	o.DueDate = dec.time(dueDate)
	o.UpdatedAt = dec.time(updatedAt)
	o.CompletedAt = dec.nullTime(completedAt)
	o.EstimatedCost = dec.nullDecimal(estimated)
	o.ActualCost = dec.nullDecimal(actual)

	o.Schedule = obligation.Schedule{
		Frequency:          recurrence.Frequency(frequency),
		NextAnchorDate:     dec.nullTime(nextAnchor),
		SkipNextOccurrence: skipNext == 1,
	}

	if refundAmount.Valid {
		o.Refund = &obligation.Refund{
			IssuedBy: refundBy.String,
			Reason:   refundReason.String,
			Date:     dec.time(refundDate.String),
		}
		if amt := dec.nullDecimal(refundAmount); amt != nil {
			o.Refund.Amount = *amt
		}
	}
	if dec.err != nil {
		return nil, fmt.Errorf("obligation %s: %w", o.ID, dec.err)
	}
	return &o, nil
}

// =============================================================================
// AUDIT (obligation.AuditStore interface)
// =============================================================================

// AppendAudit adds an entry. Append-only.
func (s *Store) AppendAudit(ctx context.Context, entry obligation.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, entry)
}

func appendAudit(ctx context.Context, db querier, entry obligation.AuditEntry) error {
	query := `
		INSERT INTO audit_entries
		(id, obligation_id, related_id, action, description, actor, action_key, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.ExecContext(ctx, query,
		entry.ID,
		entry.ObligationID,
		nullString(string(entry.RelatedID)),
		entry.Action,
		entry.Description,
		nullString(entry.Actor),
		nullString(entry.ActionKey),
		formatTime(entry.Timestamp),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "action_key") {
			return obligation.ErrDuplicateActionKey
		}
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// LoadAudit returns every entry about id, oldest first.
func (s *Store) LoadAudit(ctx context.Context, id obligation.ID) ([]obligation.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadAudit(ctx, s.db, id)
}

const auditColumns = `id, obligation_id, related_id, action, description, actor, action_key, timestamp`

func loadAudit(ctx context.Context, db querier, id obligation.ID) ([]obligation.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_entries
		WHERE obligation_id = ? OR related_id = ?
		ORDER BY timestamp ASC, seq ASC`

	rows, err := db.QueryContext(ctx, query, id, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := []obligation.AuditEntry{}
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// FindAuditByKey returns the entry recorded for an action key, or nil.
func (s *Store) FindAuditByKey(ctx context.Context, key string) (*obligation.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findAuditByKey(ctx, s.db, key)
}

func findAuditByKey(ctx context.Context, db querier, key string) (*obligation.AuditEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_entries WHERE action_key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entry: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanAudit(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanAudit(rows *sql.Rows) (obligation.AuditEntry, error) {
	var (
		e                         obligation.AuditEntry
		related, desc, actor, key sql.NullString
		timestamp                 string
	)
	if err := rows.Scan(&e.ID, &e.ObligationID, &related, &e.Action, &desc, &actor, &key, &timestamp); err != nil {
		return e, fmt.Errorf("failed to scan audit entry: %w", err)
	}
	e.RelatedID = obligation.ID(related.String)
	e.Description = desc.String
	e.Actor = actor.String
	e.ActionKey = key.String
	ts, err := parseTime(timestamp)
	if err != nil {
		return e, fmt.Errorf("audit entry %s: %w", e.ID, err)
	}
	e.Timestamp = ts
	return e, nil
}

// CountAudit returns the number of audit entries, optionally for one action.
func (s *Store) CountAudit(ctx context.Context, action obligation.AuditAction) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	var err error
	if action == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries WHERE action = ?`, action).Scan(&count)
	}
	return count, err
}

// =============================================================================
// TRANSACTIONAL STORE (obligation.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(obligation.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore routes every call through the open transaction. The parent lock
// is already held.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Save(ctx context.Context, obs ...*obligation.Obligation) error {
	return saveObligations(ctx, ts.tx, obs)
}

func (ts *txStore) Get(ctx context.Context, id obligation.ID) (*obligation.Obligation, error) {
	return getObligation(ctx, ts.tx, id)
}

func (ts *txStore) List(ctx context.Context, filter obligation.Filter) ([]*obligation.Obligation, error) {
	return listObligations(ctx, ts.tx, filter)
}

func (ts *txStore) SetPendingSync(ctx context.Context, id obligation.ID, pending bool) error {
	return setPendingSync(ctx, ts.tx, id, pending)
}

func (ts *txStore) AppendAudit(ctx context.Context, entry obligation.AuditEntry) error {
	return appendAudit(ctx, ts.tx, entry)
}

func (ts *txStore) LoadAudit(ctx context.Context, id obligation.ID) ([]obligation.AuditEntry, error) {
	return loadAudit(ctx, ts.tx, id)
}

func (ts *txStore) FindAuditByKey(ctx context.Context, key string) (*obligation.AuditEntry, error) {
	return findAuditByKey(ctx, ts.tx, key)
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err == nil {
		return t, nil
	}
	if t, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
}

func zoneOffset(t time.Time) int {
	_, offset := t.Zone()
	return offset
}

// location resolves a stored zone name. Unnamed or unknown zones fall back
// to the fixed offset recorded with them.
func location(name string, offset int) *time.Location {
	switch name {
	case "", "UTC":
		if offset == 0 {
			return time.UTC
		}
	case "Local":
		return time.Local
	default:
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.FixedZone(name, offset)
}

// rowDecoder converts stored columns of one row and keeps the first error.
type rowDecoder struct {
	loc *time.Location
	err error
}

func (p *rowDecoder) time(s string) time.Time {
	t, err := parseTime(s)
	if err != nil {
		if p.err == nil {
			p.err = err
		}
		return time.Time{}
	}
	return t.In(p.loc)
}

func (p *rowDecoder) nullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := p.time(s.String)
	return &t
}

func (p *rowDecoder) nullDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid {
		return nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("bad decimal %q: %w", s.String, err)
		}
		return nil
	}
	return &d
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
