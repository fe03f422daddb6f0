package obligation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PAYMENT GATEWAY
// =============================================================================

// ChargeRequest asks the processor to collect a payment.
type ChargeRequest struct {
	PaymentID      ID
	Amount         decimal.Decimal
	Method         PaymentMethod
	Description    string
	IdempotencyKey string
}

// ChargeResult is the processor's answer. Success=false is a decline.
type ChargeResult struct {
	Success        bool
	TransactionRef string
	Message        string
}

// RefundRequest asks the processor to return money for a settled charge.
type RefundRequest struct {
	PaymentID      ID
	TransactionRef string
	Amount         decimal.Decimal
	IdempotencyKey string
}

// RefundResult is the processor's answer. Amount is what was actually refunded.
type RefundResult struct {
	Success bool
	Amount  decimal.Decimal
	Date    time.Time
	Message string
}

// PaymentGateway is the boundary to the external payment processor.
// Implementations must not leave partial state: a call either succeeds or
// has no effect.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type EventKind string

const (
	EventIssueCreated       EventKind = "issue_created"
	EventIssueStatusChanged EventKind = "issue_status_changed"
	EventPaymentCharged     EventKind = "payment_charged"
	EventPaymentRefunded    EventKind = "payment_refunded"
	EventPaymentDue         EventKind = "payment_due"
	EventOverdue            EventKind = "obligation_overdue"
)

// Event is a notification request. At is when it should be delivered.
type Event struct {
	Kind         EventKind
	ObligationID ID
	Title        string
	Message      string
	At           time.Time
}

// Notifier schedules user-facing notifications. Fire-and-forget: the engine
// never waits on or fails because of delivery.
type Notifier interface {
	Schedule(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) Schedule(ctx context.Context, ev Event) { f(ctx, ev) }

// Contractors resolves contractor ids to display names. Lookup fails for
// unknown ids.
type Contractors interface {
	Lookup(ctx context.Context, id string) (string, error)
}

// NopNotifier drops every event.
var NopNotifier Notifier = NotifierFunc(func(context.Context, Event) {})
