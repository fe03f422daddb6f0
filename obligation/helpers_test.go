package obligation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vts/obligation-engine/obligation"
	"github.com/vts/obligation-engine/obligation/store"
)

// fakeClock returns a fixed time until advanced.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// countingGateway records every call and can be told to fail.
type countingGateway struct {
	mu          sync.Mutex
	charges     int
	refunds     int
	declineNext bool
	errNext     error
	lastCharge  obligation.ChargeRequest
	lastRefund  obligation.RefundRequest
}

func (g *countingGateway) Charge(_ context.Context, req obligation.ChargeRequest) (obligation.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges++
	g.lastCharge = req
	if err := g.errNext; err != nil {
		g.errNext = nil
		return obligation.ChargeResult{}, err
	}
	if g.declineNext {
		g.declineNext = false
		return obligation.ChargeResult{Success: false, Message: "card declined"}, nil
	}
	return obligation.ChargeResult{Success: true, TransactionRef: "txn-" + string(req.PaymentID)}, nil
}

func (g *countingGateway) Refund(_ context.Context, req obligation.RefundRequest) (obligation.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds++
	g.lastRefund = req
	if err := g.errNext; err != nil {
		g.errNext = nil
		return obligation.RefundResult{}, err
	}
	return obligation.RefundResult{Success: true, Amount: req.Amount}, nil
}

func (g *countingGateway) Charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charges
}

// eventRecorder collects notifications.
type eventRecorder struct {
	mu     sync.Mutex
	events []obligation.Event
}

func (r *eventRecorder) Schedule(_ context.Context, ev obligation.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) ofKind(kind obligation.EventKind) []obligation.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []obligation.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	engine  *obligation.Engine
	store   *store.Memory
	gateway *countingGateway
	events  *eventRecorder
	clock   *fakeClock
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	gw := &countingGateway{}
	rec := &eventRecorder{}
	clock := &fakeClock{now: now}
	engine := obligation.NewEngine(mem, obligation.NewLedger(mem), gw, rec, obligation.WithClock(clock.Now))
	return &testEnv{engine: engine, store: mem, gateway: gw, events: rec, clock: clock}
}

func money(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func countActions(entries []obligation.AuditEntry, id obligation.ID, action obligation.AuditAction) int {
	n := 0
	for _, e := range entries {
		if e.ObligationID == id && e.Action == action {
			n++
		}
	}
	return n
}

var errBoom = errors.New("boom")
