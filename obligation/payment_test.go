package obligation_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vts/obligation-engine/obligation"
	"github.com/vts/obligation-engine/recurrence"
)

func TestCreatePayment_Validation(t *testing.T) {
	env := newTestEnv(t, day(2025, 3, 1))
	ctx := context.Background()

	_, err := env.engine.CreatePayment(ctx, obligation.PaymentInput{Title: "Rent", Amount: decimal.NewFromInt(-10)})
	assert.ErrorIs(t, err, obligation.ErrValidation)
	_, err = env.engine.CreatePayment(ctx, obligation.PaymentInput{Title: "Rent", Amount: decimal.Zero})
	assert.ErrorIs(t, err, obligation.ErrValidation)
	_, err = env.engine.CreatePayment(ctx, obligation.PaymentInput{Title: "", Amount: decimal.NewFromInt(10)})
	assert.ErrorIs(t, err, obligation.ErrValidation)
	_, err = env.engine.CreatePayment(ctx, obligation.PaymentInput{Title: "Rent", Amount: decimal.NewFromInt(10), Category: "groceries"})
	assert.ErrorIs(t, err, obligation.ErrValidation)

	p, err := env.engine.CreatePayment(ctx, obligation.PaymentInput{Title: "Water bill", Amount: decimal.NewFromInt(45)})
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusPending, p.Status)
	assert.Equal(t, obligation.CategoryOther, p.Category)
	assert.Equal(t, day(2025, 3, 1), p.DueDate)
	assert.Equal(t, 1, env.store.AuditLen())
}

func TestCharge_RecurringPaymentSpawnsSuccessor(t *testing.T) {
	// GIVEN: monthly rent due Jan 31
	env := newTestEnv(t, day(2025, 1, 20))
	ctx := context.Background()

	rent, err := env.engine.CreatePayment(ctx, obligation.PaymentInput{
		Title:      "Rent - Unit 4B",
		Amount:     decimal.RequireFromString("1450.00"),
		Category:   obligation.CategoryRent,
		Frequency:  recurrence.Monthly,
		DueDate:    day(2025, 1, 31),
		AssignedTo: "tenant-4b",
	})
	require.NoError(t, err)
	require.Equal(t, day(2025, 2, 28), *rent.Schedule.NextAnchorDate)

	// WHEN: it is charged
	paid, err := env.engine.Charge(ctx, rent.ID, obligation.MethodBankTransfer)
	require.NoError(t, err)

	// THEN: paid, with a pending successor due on the clamped date
	assert.Equal(t, obligation.StatusPaid, paid.Status)
	assert.Equal(t, obligation.MethodBankTransfer, paid.PaymentMethod)
	assert.Equal(t, "txn-"+string(rent.ID), paid.TransactionRef)
	require.NotNil(t, paid.CompletedAt)
	assert.Equal(t, 1, env.gateway.Charges())
	assert.Equal(t, "charge:"+string(rent.ID), env.gateway.lastCharge.IdempotencyKey)

	next, err := env.engine.Get(ctx, paid.SuccessorID)
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusPending, next.Status)
	assert.Equal(t, day(2025, 2, 28), next.DueDate)
	assert.Equal(t, day(2025, 3, 28), *next.Schedule.NextAnchorDate)
	assert.True(t, next.Amount.Equal(rent.Amount))
	assert.Equal(t, obligation.CategoryRent, next.Category)
	assert.Equal(t, "tenant-4b", next.AssignedTo)
	assert.Equal(t, obligation.MethodBankTransfer, next.PaymentMethod)

	// A reminder is scheduled one day before the successor is due
	reminders := env.events.ofKind(obligation.EventPaymentDue)
	require.Len(t, reminders, 2)
	assert.Equal(t, next.ID, reminders[1].ObligationID)
	assert.Equal(t, day(2025, 2, 27), reminders[1].At)

	// Charging again is rejected
	_, err = env.engine.Charge(ctx, rent.ID, "")
	assert.ErrorIs(t, err, obligation.ErrInvalidTransition)
	assert.Equal(t, 1, env.gateway.Charges())
}

func TestCharge_GatewayFailureLeavesPaymentUntouched(t *testing.T) {
	env := newTestEnv(t, day(2025, 3, 1))
	ctx := context.Background()

	p, err := env.engine.CreatePayment(ctx, obligation.PaymentInput{Title: "Insurance", Amount: decimal.NewFromInt(300), Frequency: recurrence.Annually})
	require.NoError(t, err)

	env.gateway.declineNext = true
	_, err = env.engine.Charge(ctx, p.ID, obligation.MethodCreditCard)
	assert.ErrorIs(t, err, obligation.ErrGatewayFailure)
	assert.True(t, obligation.IsRetryable(err))

	env.gateway.errNext = errBoom
	_, err = env.engine.Charge(ctx, p.ID, obligation.MethodCreditCard)
	assert.ErrorIs(t, err, obligation.ErrGatewayFailure)
	assert.ErrorIs(t, err, errBoom)

	stored, err := env.engine.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusPending, stored.Status)
	assert.Empty(t, stored.TransactionRef)
	assert.Equal(t, 1, env.store.AuditLen())

	all, err := env.engine.List(ctx, obligation.Filter{Kind: obligation.KindPayment})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// A manual retry succeeds
	_, err = env.engine.Charge(ctx, p.ID, obligation.MethodCreditCard)
	require.NoError(t, err)
	assert.Equal(t, 3, env.gateway.Charges())
}

func TestCharge_SkippedOccurrence(t *testing.T) {
	env := newTestEnv(t, day(2025, 3, 1))
	ctx := context.Background()

	p, err := env.engine.CreatePayment(ctx, obligation.PaymentInput{Title: "Lawn service", Amount: decimal.NewFromInt(60), Frequency: recurrence.Weekly})
	require.NoError(t, err)
	_, err = env.engine.SkipNext(ctx, p.ID)
	require.NoError(t, err)

	paid, err := env.engine.Charge(ctx, p.ID, "")
	require.NoError(t, err)
	assert.Empty(t, paid.SuccessorID)
	assert.False(t, paid.Schedule.SkipNextOccurrence)
	assert.Equal(t, obligation.MethodCreditCard, paid.PaymentMethod)
}

func TestRefund_ClampsAndHappensOnce(t *testing.T) {
	env := newTestEnv(t, day(2025, 3, 1))
	ctx := context.Background()

	p, err := env.engine.CreatePayment(ctx, obligation.PaymentInput{Title: "Plumber call-out", Amount: decimal.RequireFromString("80.00"), Category: obligation.CategoryMaintenance})
	require.NoError(t, err)

	// Not paid yet
	_, err = env.engine.Refund(ctx, p.ID, decimal.NewFromInt(10), "owner", "early")
	assert.ErrorIs(t, err, obligation.ErrInvalidTransition)

	_, err = env.engine.Charge(ctx, p.ID, obligation.MethodCash)
	require.NoError(t, err)

	_, err = env.engine.Refund(ctx, p.ID, decimal.Zero, "owner", "nothing")
	assert.ErrorIs(t, err, obligation.ErrValidation)

	// WHEN: refunding more than was paid
	refunded, err := env.engine.Refund(ctx, p.ID, decimal.NewFromInt(1000), "owner", "job cancelled")
	require.NoError(t, err)

	// THEN: clamped to the payment amount
	require.NotNil(t, refunded.Refund)
	assert.True(t, refunded.Refund.Amount.Equal(decimal.RequireFromString("80.00")), refunded.Refund.Amount.String())
	assert.Equal(t, "owner", refunded.Refund.IssuedBy)
	assert.Equal(t, "job cancelled", refunded.Refund.Reason)
	assert.True(t, env.gateway.lastRefund.Amount.Equal(decimal.NewFromInt(80)))

	_, err = env.engine.Refund(ctx, p.ID, decimal.NewFromInt(5), "owner", "again")
	assert.ErrorIs(t, err, obligation.ErrAlreadyRefunded)

	history, err := env.engine.History(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countActions(history, p.ID, obligation.AuditRefunded))
	assert.Len(t, env.events.ofKind(obligation.EventPaymentRefunded), 1)
}

func TestRefund_PartialAmount(t *testing.T) {
	env := newTestEnv(t, day(2025, 3, 1))
	ctx := context.Background()

	p, err := env.engine.CreatePayment(ctx, obligation.PaymentInput{Title: "Deposit", Amount: decimal.NewFromInt(500), Category: obligation.CategoryRent})
	require.NoError(t, err)
	_, err = env.engine.Charge(ctx, p.ID, obligation.MethodStripe)
	require.NoError(t, err)

	refunded, err := env.engine.Refund(ctx, p.ID, decimal.RequireFromString("125.25"), "manager", "damage deduction")
	require.NoError(t, err)
	assert.True(t, refunded.Refund.Amount.Equal(decimal.RequireFromString("125.25")))
	assert.Equal(t, obligation.StatusPaid, refunded.Status)
}

func TestCharge_ReplayedActionKeyChargesOnce(t *testing.T) {
	env := newTestEnv(t, day(2025, 3, 1))
	base := context.Background()

	p, err := env.engine.CreatePayment(base, obligation.PaymentInput{Title: "Mortgage", Amount: decimal.NewFromInt(2100), Frequency: recurrence.Monthly, Category: obligation.CategoryMortgage})
	require.NoError(t, err)

	ctx := obligation.WithActionKey(base, "queued-charge-1")
	first, err := env.engine.Charge(ctx, p.ID, obligation.MethodBankTransfer)
	require.NoError(t, err)
	second, err := env.engine.Charge(ctx, p.ID, obligation.MethodBankTransfer)
	require.NoError(t, err)

	assert.Equal(t, first.SuccessorID, second.SuccessorID)
	assert.Equal(t, 1, env.gateway.Charges())
	assert.Equal(t, "charge:queued-charge-1", env.gateway.lastCharge.IdempotencyKey)

	all, err := env.engine.List(base, obligation.Filter{Kind: obligation.KindPayment})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	history, err := env.engine.History(base, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countActions(history, p.ID, obligation.AuditCharged))
}

func TestSetStatus_RejectsPayments(t *testing.T) {
	env := newTestEnv(t, day(2025, 3, 1))
	ctx := context.Background()

	p, err := env.engine.CreatePayment(ctx, obligation.PaymentInput{Title: "Taxes", Amount: decimal.NewFromInt(900), Category: obligation.CategoryTaxes})
	require.NoError(t, err)

	_, err = env.engine.SetStatus(ctx, p.ID, obligation.StatusResolved)
	assert.ErrorIs(t, err, obligation.ErrInvalidTransition)
	_, err = env.engine.UpdateCosts(ctx, p.ID, money("1"), nil)
	assert.ErrorIs(t, err, obligation.ErrValidation)
}
