package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vts/obligation-engine/obligation"
	"github.com/vts/obligation-engine/recurrence"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "obligations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func TestStore_RoundTripsEveryField(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	anchor := day(2025, 2, 28)
	completed := day(2025, 1, 30).Add(123 * time.Nanosecond)
	est := decimal.RequireFromString("120.50")
	in := &obligation.Obligation{
		ID:             "p1",
		Kind:           obligation.KindPayment,
		Title:          "Rent - Unit 4B",
		Description:    "January",
		Status:         obligation.StatusPaid,
		Priority:       obligation.PriorityHigh,
		Category:       obligation.CategoryRent,
		Amount:         decimal.RequireFromString("1450.00"),
		PaymentMethod:  obligation.MethodBankTransfer,
		TransactionRef: "txn-1",
		Refund: &obligation.Refund{
			Amount:   decimal.RequireFromString("50"),
			IssuedBy: "owner",
			Reason:   "late repair",
			Date:     day(2025, 2, 2),
		},
		CreatedBy:     "manager",
		CreatedAt:     day(2025, 1, 1),
		DueDate:       day(2025, 1, 31),
		CompletedAt:   &completed,
		UpdatedAt:     day(2025, 2, 2),
		AssignedTo:    "tenant-4b",
		EstimatedCost: &est,
		Notes:         "first\n---\nsecond",
		Schedule: obligation.Schedule{
			Frequency:          recurrence.Monthly,
			NextAnchorDate:     &anchor,
			SkipNextOccurrence: true,
		},
		ParentID:     "p0",
		SuccessorID:  "p2",
		PendingSync:  true,
		ContractorID: "ctr-9",
	}
	require.NoError(t, store.Save(ctx, in))

	out, err := store.Get(ctx, "p1")
	require.NoError(t, err)

	assert.Equal(t, in.Title, out.Title)
	assert.Equal(t, in.Status, out.Status)
	assert.Equal(t, in.Category, out.Category)
	assert.True(t, in.Amount.Equal(out.Amount))
	assert.Equal(t, in.PaymentMethod, out.PaymentMethod)
	require.NotNil(t, out.Refund)
	assert.True(t, out.Refund.Amount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "late repair", out.Refund.Reason)
	assert.True(t, out.DueDate.Equal(in.DueDate))
	require.NotNil(t, out.CompletedAt)
	assert.True(t, out.CompletedAt.Equal(completed), "nanoseconds survive")
	require.NotNil(t, out.EstimatedCost)
	assert.True(t, out.EstimatedCost.Equal(est))
	assert.Nil(t, out.ActualCost)
	assert.Equal(t, in.Notes, out.Notes)
	assert.Equal(t, recurrence.Monthly, out.Schedule.Frequency)
	require.NotNil(t, out.Schedule.NextAnchorDate)
	assert.True(t, out.Schedule.NextAnchorDate.Equal(anchor))
	assert.True(t, out.Schedule.SkipNextOccurrence)
	assert.Equal(t, obligation.ID("p0"), out.ParentID)
	assert.Equal(t, obligation.ID("p2"), out.SuccessorID)
	assert.True(t, out.PendingSync)
	assert.Equal(t, "ctr-9", out.ContractorID)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, obligation.ErrNotFound)
}

func TestStore_ListFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Save(ctx,
		&obligation.Obligation{ID: "b", Kind: obligation.KindIssue, Status: obligation.StatusOpen, DueDate: day(2025, 3, 1), Schedule: obligation.NewSchedule(recurrence.OneTime, day(2025, 3, 1))},
		&obligation.Obligation{ID: "a", Kind: obligation.KindIssue, Status: obligation.StatusResolved, DueDate: day(2025, 3, 1), Schedule: obligation.NewSchedule(recurrence.OneTime, day(2025, 3, 1))},
		&obligation.Obligation{ID: "c", Kind: obligation.KindPayment, Status: obligation.StatusPending, Amount: decimal.NewFromInt(10), DueDate: day(2025, 2, 1), Schedule: obligation.NewSchedule(recurrence.OneTime, day(2025, 2, 1))},
	))

	all, err := store.List(ctx, obligation.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []obligation.ID{"c", "a", "b"}, []obligation.ID{all[0].ID, all[1].ID, all[2].ID})

	open, err := store.List(ctx, obligation.Filter{Statuses: []obligation.Status{obligation.StatusOpen, obligation.StatusPending}})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	cutoff := day(2025, 3, 1)
	due, err := store.List(ctx, obligation.Filter{DueBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, due, 1, "due-before is strict")
	assert.Equal(t, obligation.ID("c"), due[0].ID)

	issues, err := store.List(ctx, obligation.Filter{Kind: obligation.KindIssue})
	require.NoError(t, err)
	assert.Len(t, issues, 2)

	require.NoError(t, store.SetPendingSync(ctx, "b", true))
	pending := true
	tagged, err := store.List(ctx, obligation.Filter{PendingSync: &pending})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, obligation.ID("b"), tagged[0].ID)

	assert.ErrorIs(t, store.SetPendingSync(ctx, "nope", true), obligation.ErrNotFound)
}

func TestStore_AuditIsKeyedAndOrdered(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.AppendAudit(ctx, obligation.AuditEntry{ID: "e2", ObligationID: "o1", Action: obligation.AuditStatusChanged, Timestamp: day(2025, 1, 2), ActionKey: "k1"}))
	require.NoError(t, store.AppendAudit(ctx, obligation.AuditEntry{ID: "e1", ObligationID: "o1", Action: obligation.AuditCreated, Timestamp: day(2025, 1, 1)}))
	require.NoError(t, store.AppendAudit(ctx, obligation.AuditEntry{ID: "e3", ObligationID: "o0", RelatedID: "o1", Action: obligation.AuditStatusChanged, Timestamp: day(2025, 1, 3)}))

	// Duplicate keys are rejected
	err := store.AppendAudit(ctx, obligation.AuditEntry{ID: "e4", ObligationID: "o1", Action: obligation.AuditNoteAdded, Timestamp: day(2025, 1, 4), ActionKey: "k1"})
	assert.ErrorIs(t, err, obligation.ErrDuplicateActionKey)

	history, err := store.LoadAudit(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "e1", history[0].ID)
	assert.Equal(t, "e2", history[1].ID)
	assert.Equal(t, obligation.ID("o1"), history[2].RelatedID)

	found, err := store.FindAuditByKey(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "e2", found.ID)

	missing, err := store.FindAuditByKey(ctx, "k2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	count, err := store.CountAudit(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(repo obligation.Repository) error {
		require.NoError(t, repo.Save(ctx, &obligation.Obligation{ID: "o1", Kind: obligation.KindIssue, Status: obligation.StatusOpen}))
		require.NoError(t, repo.AppendAudit(ctx, obligation.AuditEntry{ID: "e1", ObligationID: "o1", Action: obligation.AuditCreated, ActionKey: "k"}))

		// Reads inside the transaction see its writes
		got, err := repo.Get(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, obligation.StatusOpen, got.Status)
		entry, err := repo.FindAuditByKey(ctx, "k")
		require.NoError(t, err)
		assert.NotNil(t, entry)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.Get(ctx, "o1")
	assert.ErrorIs(t, err, obligation.ErrNotFound)
	count, err := store.CountAudit(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStore_EngineLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := day(2025, 1, 31)
	engine := obligation.NewEngine(store, nil, nil, nil, obligation.WithClock(func() time.Time { return now }))

	// GIVEN: a monthly issue persisted in SQLite
	issue, err := engine.CreateIssue(ctx, obligation.IssueInput{Title: "Replace HVAC filter", Frequency: recurrence.Monthly})
	require.NoError(t, err)

	// WHEN: it is resolved
	resolved, err := engine.SetStatus(ctx, issue.ID, obligation.StatusResolved)
	require.NoError(t, err)

	// THEN: the successor and the audit entry are both committed
	require.NotEmpty(t, resolved.SuccessorID)
	next, err := store.Get(ctx, resolved.SuccessorID)
	require.NoError(t, err)
	assert.True(t, next.DueDate.Equal(day(2025, 2, 28)))
	assert.Equal(t, issue.ID, next.ParentID)

	history, err := engine.History(ctx, issue.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, obligation.AuditCreated, history[0].Action)
	assert.Equal(t, obligation.AuditStatusChanged, history[1].Action)
	assert.Equal(t, resolved.SuccessorID, history[1].RelatedID)
	assert.True(t, history[1].Timestamp.After(history[0].Timestamp))

	// Replaying the same key through a fresh engine is a no-op
	keyed := obligation.WithActionKey(ctx, "offline-1")
	_, err = engine.AddNote(keyed, next.ID, "ordered part")
	require.NoError(t, err)
	fresh := obligation.NewEngine(store, nil, nil, nil)
	_, err = fresh.AddNote(keyed, next.ID, "ordered part")
	require.NoError(t, err)

	stored, err := store.Get(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, "ordered part", stored.Notes)
}
