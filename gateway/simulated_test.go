package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vts/obligation-engine/obligation"
	"github.com/vts/obligation-engine/obligation/store"
)

func newEngine(gw obligation.PaymentGateway) *obligation.Engine {
	mem := store.NewMemory()
	return obligation.NewEngine(mem, nil, gw, nil)
}

func TestSimulated_ChargeIsIdempotentPerKey(t *testing.T) {
	gw := NewSimulated(0, nil)
	ctx := context.Background()
	req := obligation.ChargeRequest{PaymentID: "p1", Amount: decimal.NewFromInt(75), Method: obligation.MethodCash, IdempotencyKey: "charge:a1"}

	first, err := gw.Charge(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Success)
	assert.True(t, strings.HasPrefix(first.TransactionRef, "txn_"))

	again, err := gw.Charge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionRef, again.TransactionRef)
	assert.Equal(t, 1, gw.Calls())

	req.IdempotencyKey = "charge:a2"
	other, err := gw.Charge(ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, first.TransactionRef, other.TransactionRef)
}

func TestSimulated_FailureModes(t *testing.T) {
	gw := NewSimulated(0, nil)
	ctx := context.Background()
	req := obligation.ChargeRequest{PaymentID: "p1", Amount: decimal.NewFromInt(10), IdempotencyKey: "k"}

	gw.SetDown(true)
	_, err := gw.Charge(ctx, req)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = gw.Refund(ctx, obligation.RefundRequest{TransactionRef: "t", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrUnavailable)
	gw.SetDown(false)

	gw.DeclineWith("insufficient funds")
	res, err := gw.Charge(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "insufficient funds", res.Message)

	// A declined key is not remembered, so a retry can succeed
	gw.DeclineWith("")
	res, err = gw.Charge(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = gw.Charge(ctx, obligation.ChargeRequest{Amount: decimal.Zero})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestSimulated_Refund(t *testing.T) {
	gw := NewSimulated(0, nil)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	gw.clock = func() time.Time { return at }
	ctx := context.Background()

	res, err := gw.Refund(ctx, obligation.RefundRequest{PaymentID: "p1", TransactionRef: "txn_1", Amount: decimal.NewFromInt(20), IdempotencyKey: "refund:p1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Amount.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, at, res.Date)

	res, err = gw.Refund(ctx, obligation.RefundRequest{PaymentID: "p2", Amount: decimal.NewFromInt(20)})
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestSimulated_LatencyHonoursContext(t *testing.T) {
	gw := NewSimulated(time.Hour, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := gw.Charge(ctx, obligation.ChargeRequest{Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, gw.Calls())
}

func TestSimulated_DrivesEngine(t *testing.T) {
	// GIVEN: the engine charging through the simulated processor
	gw := NewSimulated(time.Millisecond, nil)
	engine := newEngine(gw)
	ctx := context.Background()

	p, err := engine.CreatePayment(ctx, obligation.PaymentInput{Title: "Insurance", Amount: decimal.NewFromInt(300), Category: obligation.CategoryInsurance})
	require.NoError(t, err)

	// WHEN: the processor is down
	gw.SetDown(true)
	_, err = engine.Charge(ctx, p.ID, "")

	// THEN: the failure is retryable and nothing changed
	assert.True(t, obligation.IsRetryable(err))
	assert.ErrorIs(t, err, ErrUnavailable)

	gw.SetDown(false)
	paid, err := engine.Charge(ctx, p.ID, "")
	require.NoError(t, err)
	assert.Equal(t, obligation.StatusPaid, paid.Status)
	assert.True(t, strings.HasPrefix(paid.TransactionRef, "txn_"))

	refunded, err := engine.Refund(ctx, p.ID, decimal.NewFromInt(50), "owner", "policy change")
	require.NoError(t, err)
	assert.True(t, refunded.Refund.Amount.Equal(decimal.NewFromInt(50)))
}
