package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vts/obligation-engine/obligation"
	"github.com/vts/obligation-engine/recurrence"
)

// mockStore returns a store over sqlmock with the schema migration already
// expected and satisfied.
func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS obligations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := Open(db)
	require.NoError(t, err)
	return store, mock
}

func TestOpen_MigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS obligations").
		WillReturnError(errors.New("disk I/O error"))

	_, err = Open(db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to migrate database")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_RollsBackOnInsertError(t *testing.T) {
	// GIVEN: the second insert of a batch fails
	store, mock := mockStore(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	obs := []*obligation.Obligation{
		{ID: "a", Kind: obligation.KindPayment, Title: "Rent", Status: obligation.StatusPaid,
			Amount: decimal.NewFromInt(900), CreatedAt: now, DueDate: now, UpdatedAt: now,
			Schedule: obligation.Schedule{Frequency: recurrence.Monthly}},
		{ID: "b", Kind: obligation.KindPayment, Title: "Rent", Status: obligation.StatusPending,
			Amount: decimal.NewFromInt(900), CreatedAt: now, DueDate: now.AddDate(0, 1, 0), UpdatedAt: now,
			Schedule: obligation.Schedule{Frequency: recurrence.Monthly}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT OR REPLACE INTO obligations").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT OR REPLACE INTO obligations").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	// WHEN: saving both
	err := store.Save(context.Background(), obs...)

	// THEN: the error names the failing row and nothing is committed
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save obligation b")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_RollsBackWhenFnFails(t *testing.T) {
	store, mock := mockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(obligation.Repository) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_BeginFailure(t *testing.T) {
	store, mock := mockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	called := false
	err := store.WithTx(context.Background(), func(obligation.Repository) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called)
	assert.Contains(t, err.Error(), "failed to begin transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAudit_DriverErrors(t *testing.T) {
	tests := []struct {
		name      string
		driverErr error
		wantIs    error
		wantText  string
	}{
		{
			name:      "action key collision",
			driverErr: errors.New("UNIQUE constraint failed: audit_entries.action_key"),
			wantIs:    obligation.ErrDuplicateActionKey,
		},
		{
			name:      "entry id collision is not a replay",
			driverErr: errors.New("UNIQUE constraint failed: audit_entries.id"),
			wantText:  "failed to append audit entry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := mockStore(t)
			mock.ExpectExec("INSERT INTO audit_entries").WillReturnError(tt.driverErr)

			err := store.AppendAudit(context.Background(), obligation.AuditEntry{
				ID:           "e1",
				ObligationID: "p1",
				Action:       obligation.AuditCharged,
				ActionKey:    "k1",
				Timestamp:    time.Now(),
			})

			require.Error(t, err)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			} else {
				assert.NotErrorIs(t, err, obligation.ErrDuplicateActionKey)
				assert.Contains(t, err.Error(), tt.wantText)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
