package obligation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT LIFECYCLE
// =============================================================================
//
//   pending --charge--> paid --refund (once)--> paid + refund record
//
// Charge and Refund are the only engine operations that block on an
// external call. The gateway is called while the payment's lock is held and
// before anything is written, so a failed call leaves no trace.

// reminderLead is how long before a due date the payment reminder fires.
const reminderLead = 24 * time.Hour

// CreatePayment records a new pending payment. Recurring payments anchor
// their next occurrence one period after the due date.
func (e *Engine) CreatePayment(ctx context.Context, in PaymentInput) (*Obligation, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, invalid("title", "required")
	}
	if !in.Amount.IsPositive() {
		return nil, invalid("amount", "must be greater than zero")
	}
	category, err := ParseCategory(string(in.Category))
	if err != nil {
		return nil, err
	}
	method := in.Method
	if method != "" {
		if method, err = ParsePaymentMethod(string(method)); err != nil {
			return nil, err
		}
	}
	freq, err := validFrequency(in.Frequency)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	due := in.DueDate
	if due.IsZero() {
		due = now
	}

	o := &Obligation{
		ID:            NewID(),
		Kind:          KindPayment,
		Title:         title,
		Description:   strings.TrimSpace(in.Description),
		Status:        StatusPending,
		Category:      category,
		Amount:        in.Amount,
		PaymentMethod: method,
		CreatedBy:     in.CreatedBy,
		CreatedAt:     now,
		DueDate:       due,
		UpdatedAt:     now,
		AssignedTo:    strings.TrimSpace(in.AssignedTo),
		Notes:         strings.TrimSpace(in.Notes),
		Schedule:      NewSchedule(freq, due),
	}

	return e.create(ctx, o, []Event{dueReminder(o)})
}

// Charge settles a pending payment through the gateway. On success the
// payment becomes paid and, if recurring, the next pending occurrence is
// created. On failure nothing changes and the caller may retry.
func (e *Engine) Charge(ctx context.Context, id ID, method PaymentMethod) (*Obligation, error) {
	if method != "" {
		var err error
		if method, err = ParsePaymentMethod(string(method)); err != nil {
			return nil, err
		}
	}

	return e.mutate(ctx, id, func(o *Obligation, now time.Time) (*change, error) {
		if o.Kind != KindPayment {
			return nil, &TransitionError{ID: o.ID, From: o.Status, To: StatusPaid, Reason: "only payments can be charged"}
		}
		if o.Status != StatusPending {
			return nil, &TransitionError{ID: o.ID, From: o.Status, To: StatusPaid, Reason: "payment already settled"}
		}
		if e.gateway == nil {
			return nil, &GatewayError{Op: "charge", ID: o.ID, Err: errors.New("no payment gateway configured")}
		}

		m := method
		if m == "" {
			m = o.PaymentMethod
		}
		if m == "" {
			m = MethodCreditCard
		}

		res, err := e.gateway.Charge(ctx, ChargeRequest{
			PaymentID:      o.ID,
			Amount:         o.Amount,
			Method:         m,
			Description:    o.Title,
			IdempotencyKey: gatewayKey(ctx, "charge", o.ID),
		})
		if err != nil {
			return nil, &GatewayError{Op: "charge", ID: o.ID, Err: err}
		}
		if !res.Success {
			return nil, &GatewayError{Op: "charge", ID: o.ID, Err: declined(res.Message)}
		}

		o.Status = StatusPaid
		o.PaymentMethod = m
		o.TransactionRef = res.TransactionRef
		paidAt := now
		o.CompletedAt = &paidAt

		c := &change{
			obligation:  o,
			action:      AuditCharged,
			description: fmt.Sprintf("charged %s via %s (ref %s)", o.Amount.StringFixed(2), m, res.TransactionRef),
			events: []Event{{
				Kind:         EventPaymentCharged,
				ObligationID: o.ID,
				Title:        o.Title,
				Message:      fmt.Sprintf("Payment %q of %s completed", o.Title, o.Amount.StringFixed(2)),
				At:           now,
			}},
		}

		skipping := o.Schedule.SkipNextOccurrence
		if c.successor = e.spawnSuccessor(o, now); c.successor != nil {
			c.description += fmt.Sprintf("; next payment %s due %s",
				c.successor.ID, c.successor.DueDate.Format(time.DateOnly))
			c.events = append(c.events, dueReminder(c.successor))
		} else if skipping {
			c.description += "; next payment skipped"
		}
		return c, nil
	})
}

// Refund returns money for a paid payment, at most once. The amount is
// clamped to the payment amount.
func (e *Engine) Refund(ctx context.Context, id ID, amount decimal.Decimal, issuedBy, reason string) (*Obligation, error) {
	if !amount.IsPositive() {
		return nil, invalid("amount", "refund must be greater than zero")
	}

	return e.mutate(ctx, id, func(o *Obligation, now time.Time) (*change, error) {
		if o.Kind != KindPayment {
			return nil, &TransitionError{ID: o.ID, From: o.Status, Reason: "only payments can be refunded"}
		}
		if o.Status != StatusPaid {
			return nil, &TransitionError{ID: o.ID, From: o.Status, Reason: "only paid payments can be refunded"}
		}
		if o.Refund != nil {
			return nil, fmt.Errorf("payment %s: %w", o.ID, ErrAlreadyRefunded)
		}
		if e.gateway == nil {
			return nil, &GatewayError{Op: "refund", ID: o.ID, Err: errors.New("no payment gateway configured")}
		}

		clamped := decimal.Min(amount, o.Amount)
		res, err := e.gateway.Refund(ctx, RefundRequest{
			PaymentID:      o.ID,
			TransactionRef: o.TransactionRef,
			Amount:         clamped,
			IdempotencyKey: gatewayKey(ctx, "refund", o.ID),
		})
		if err != nil {
			return nil, &GatewayError{Op: "refund", ID: o.ID, Err: err}
		}
		if !res.Success {
			return nil, &GatewayError{Op: "refund", ID: o.ID, Err: declined(res.Message)}
		}

		refunded := res.Amount
		if !refunded.IsPositive() || refunded.GreaterThan(clamped) {
			refunded = clamped
		}
		date := res.Date
		if date.IsZero() {
			date = now
		}
		o.Refund = &Refund{
			Amount:   refunded,
			IssuedBy: strings.TrimSpace(issuedBy),
			Reason:   strings.TrimSpace(reason),
			Date:     date,
		}

		return &change{
			obligation:  o,
			action:      AuditRefunded,
			description: fmt.Sprintf("refunded %s of %s: %s", refunded.StringFixed(2), o.Amount.StringFixed(2), o.Refund.Reason),
			events: []Event{{
				Kind:         EventPaymentRefunded,
				ObligationID: o.ID,
				Title:        o.Title,
				Message:      fmt.Sprintf("Refund of %s issued for %q", refunded.StringFixed(2), o.Title),
				At:           now,
			}},
		}, nil
	})
}

// dueReminder schedules the "payment due tomorrow" notification.
func dueReminder(o *Obligation) Event {
	return Event{
		Kind:         EventPaymentDue,
		ObligationID: o.ID,
		Title:        o.Title,
		Message:      fmt.Sprintf("Payment %q of %s is due %s", o.Title, o.Amount.StringFixed(2), o.DueDate.Format(time.DateOnly)),
		At:           o.DueDate.Add(-reminderLead),
	}
}

// gatewayKey derives the idempotency key forwarded to the processor. Replayed
// offline actions reuse their action id; direct calls use the payment id.
func gatewayKey(ctx context.Context, op string, id ID) string {
	if key := ActionKeyFrom(ctx); key != "" {
		return op + ":" + key
	}
	return op + ":" + string(id)
}

func declined(message string) error {
	if message == "" {
		message = "declined"
	}
	return errors.New(message)
}
