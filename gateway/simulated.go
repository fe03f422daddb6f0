/*
Package gateway provides payment processor adapters.

Simulated stands in for a card processor in development and tests. It
approves everything unless told otherwise, takes a configurable time to
answer, and remembers every idempotency key it has approved so a retried
request returns the first answer instead of charging twice.
*/
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vts/obligation-engine/obligation"
)

// ErrUnavailable is returned while the simulated processor is switched off.
var ErrUnavailable = errors.New("payment processor unavailable")

// Simulated is an in-process PaymentGateway.
type Simulated struct {
	latency time.Duration
	clock   func() time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	down    bool
	decline string
	charges map[string]obligation.ChargeResult
	refunds map[string]obligation.RefundResult
	calls   int
}

var _ obligation.PaymentGateway = (*Simulated)(nil)

// NewSimulated creates a processor that answers after latency.
func NewSimulated(latency time.Duration, logger *slog.Logger) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulated{
		latency: latency,
		clock:   time.Now,
		logger:  logger,
		charges: make(map[string]obligation.ChargeResult),
		refunds: make(map[string]obligation.RefundResult),
	}
}

// SetDown makes every call fail with ErrUnavailable.
func (s *Simulated) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// DeclineWith makes new charges come back unsuccessful with reason. An
// empty reason approves again.
func (s *Simulated) DeclineWith(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decline = reason
}

// Calls returns how many requests reached the processor, replays excluded.
func (s *Simulated) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Simulated) Charge(ctx context.Context, req obligation.ChargeRequest) (obligation.ChargeResult, error) {
	if err := s.wait(ctx); err != nil {
		return obligation.ChargeResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return obligation.ChargeResult{}, ErrUnavailable
	}
	if res, ok := s.charges[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		s.logger.Debug("gateway replay", "op", "charge", "idempotency_key", req.IdempotencyKey)
		return res, nil
	}
	s.calls++

	if !req.Amount.IsPositive() {
		return obligation.ChargeResult{Success: false, Message: "amount must be positive"}, nil
	}
	if s.decline != "" {
		return obligation.ChargeResult{Success: false, Message: s.decline}, nil
	}

	res := obligation.ChargeResult{
		Success:        true,
		TransactionRef: "txn_" + ulid.Make().String(),
		Message:        fmt.Sprintf("charged %s via %s", req.Amount.StringFixed(2), req.Method),
	}
	if req.IdempotencyKey != "" {
		s.charges[req.IdempotencyKey] = res
	}
	s.logger.Info("gateway charge approved",
		"payment_id", req.PaymentID, "amount", req.Amount.StringFixed(2), "method", req.Method, "ref", res.TransactionRef)
	return res, nil
}

func (s *Simulated) Refund(ctx context.Context, req obligation.RefundRequest) (obligation.RefundResult, error) {
	if err := s.wait(ctx); err != nil {
		return obligation.RefundResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return obligation.RefundResult{}, ErrUnavailable
	}
	if res, ok := s.refunds[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return res, nil
	}
	s.calls++

	if req.TransactionRef == "" {
		return obligation.RefundResult{Success: false, Message: "unknown transaction"}, nil
	}
	res := obligation.RefundResult{
		Success: true,
		Amount:  req.Amount,
		Date:    s.clock(),
		Message: fmt.Sprintf("refunded %s against %s", req.Amount.StringFixed(2), req.TransactionRef),
	}
	if req.IdempotencyKey != "" {
		s.refunds[req.IdempotencyKey] = res
	}
	s.logger.Info("gateway refund approved",
		"payment_id", req.PaymentID, "amount", req.Amount.StringFixed(2), "ref", req.TransactionRef)
	return res, nil
}

// wait simulates processor latency.
func (s *Simulated) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
