/*
Package offline buffers mutating obligation actions taken while the client
cannot reach its remote counterpart and replays them when it can.

PURPOSE:
  The UI stays optimistic: local-capable actions are applied immediately
  through the engine and tagged pending-sync. Actions that need the outside
  world (gateway charges, refunds, message sends) are only queued.

EXACTLY-ONCE REPLAY:
  Every queued action carries an id. The engine is always invoked with that
  id as its action key, and the audit ledger refuses a key twice. Replaying
  an action that was already applied returns the recorded result without
  touching the gateway or spawning a second successor.

ORDERING:
  Replay is strictly FIFO per device queue. A failed action blocks later
  actions for the same obligation; unrelated actions continue.

SEE ALSO:
  - queue.go:      Queue interface and in-memory queue
  - bolt.go:       Durable queue
  - reconciler.go: Flush logic
  - client.go:     Offline-aware facade over the engine
*/
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vts/obligation-engine/obligation"
)

// ActionKind names the engine operation a queued action replays.
type ActionKind string

const (
	ActionCreateIssue      ActionKind = "create_issue"
	ActionCreatePayment    ActionKind = "create_payment"
	ActionAssign           ActionKind = "assign"
	ActionAssignContractor ActionKind = "assign_contractor"
	ActionSetStatus        ActionKind = "set_status"
	ActionSkipNext         ActionKind = "skip_next"
	ActionUpdateCosts      ActionKind = "update_costs"
	ActionComplete         ActionKind = "complete"
	ActionAddNote          ActionKind = "add_note"
	ActionCharge           ActionKind = "charge"
	ActionRefund           ActionKind = "refund"
	ActionSendMessage      ActionKind = "send_message"
)

// Local reports whether the action can be applied without the network.
func (k ActionKind) Local() bool {
	switch k {
	case ActionCharge, ActionRefund, ActionSendMessage:
		return false
	}
	return true
}

// QueuedAction is a mutating call deferred while offline.
type QueuedAction struct {
	ID             string          `json:"id"`
	DeviceID       string          `json:"device_id"`
	Kind           ActionKind      `json:"kind"`
	ObligationID   obligation.ID   `json:"obligation_id,omitempty"`
	Actor          string          `json:"actor,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	AppliedLocally bool            `json:"applied_locally"`
}

// Payloads, one per kind. Creates reuse the engine's input types.

type assignPayload struct {
	Actor string `json:"actor"`
}

type contractorPayload struct {
	ContractorID string `json:"contractor_id"`
}

type statusPayload struct {
	Status obligation.Status `json:"status"`
}

type costsPayload struct {
	Estimated *decimal.Decimal `json:"estimated,omitempty"`
	Actual    *decimal.Decimal `json:"actual,omitempty"`
}

type completePayload struct {
	Actual      *decimal.Decimal `json:"actual,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

type notePayload struct {
	Text string `json:"text"`
}

type chargePayload struct {
	Method obligation.PaymentMethod `json:"method,omitempty"`
}

type refundPayload struct {
	Amount   decimal.Decimal `json:"amount"`
	IssuedBy string          `json:"issued_by"`
	Reason   string          `json:"reason"`
}

// Message is an outbound message to a tenant, vendor or manager.
type Message struct {
	ID           string        `json:"id"`
	ObligationID obligation.ID `json:"obligation_id,omitempty"`
	To           string        `json:"to"`
	Body         string        `json:"body"`
}

// Messenger delivers messages. Implementations must treat Message.ID as an
// idempotency key.
type Messenger interface {
	Send(ctx context.Context, msg Message) error
}

// Remote receives obligation state once an action is confirmed. Push must be
// idempotent: a crash between Push and queue removal pushes again.
type Remote interface {
	Push(ctx context.Context, o *obligation.Obligation) error
}

func newAction(ctx context.Context, deviceID string, kind ActionKind, id obligation.ID, payload any, now time.Time) (QueuedAction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return QueuedAction{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return QueuedAction{
		ID:           uuid.NewString(),
		DeviceID:     deviceID,
		Kind:         kind,
		ObligationID: id,
		Actor:        obligation.ActorFrom(ctx),
		Payload:      raw,
		EnqueuedAt:   now,
	}, nil
}

// executor runs queued actions against the engine.
type executor struct {
	engine    *obligation.Engine
	messenger Messenger
}

// execute applies a through the engine keyed by its id. Sends return a nil
// obligation.
func (x *executor) execute(ctx context.Context, a QueuedAction) (*obligation.Obligation, error) {
	ctx = obligation.WithActionKey(ctx, a.ID)
	if a.Actor != "" {
		ctx = obligation.WithActor(ctx, a.Actor)
	}

	switch a.Kind {
	case ActionCreateIssue:
		var in obligation.IssueInput
		if err := decode(a, &in); err != nil {
			return nil, err
		}
		return x.engine.CreateIssue(ctx, in)

	case ActionCreatePayment:
		var in obligation.PaymentInput
		if err := decode(a, &in); err != nil {
			return nil, err
		}
		return x.engine.CreatePayment(ctx, in)

	case ActionAssign:
		var p assignPayload
		if err := decode(a, &p); err != nil {
			return nil, err
		}
		return x.engine.Assign(ctx, a.ObligationID, p.Actor)

	case ActionAssignContractor:
		var p contractorPayload
		if err := decode(a, &p); err != nil {
			return nil, err
		}
		return x.engine.AssignContractor(ctx, a.ObligationID, p.ContractorID)

	case ActionSetStatus:
		var p statusPayload
		if err := decode(a, &p); err != nil {
			return nil, err
		}
		return x.engine.SetStatus(ctx, a.ObligationID, p.Status)

	case ActionSkipNext:
		return x.engine.SkipNext(ctx, a.ObligationID)

	case ActionUpdateCosts:
		var p costsPayload
		if err := decode(a, &p); err != nil {
			return nil, err
		}
		return x.engine.UpdateCosts(ctx, a.ObligationID, p.Estimated, p.Actual)

	case ActionComplete:
		var p completePayload
		if err := decode(a, &p); err != nil {
			return nil, err
		}
		return x.engine.Complete(ctx, a.ObligationID, p.Actual, p.CompletedAt)

	case ActionAddNote:
		var p notePayload
		if err := decode(a, &p); err != nil {
			return nil, err
		}
		return x.engine.AddNote(ctx, a.ObligationID, p.Text)

	case ActionCharge:
		var p chargePayload
		if err := decode(a, &p); err != nil {
			return nil, err
		}
		return x.engine.Charge(ctx, a.ObligationID, p.Method)

	case ActionRefund:
		var p refundPayload
		if err := decode(a, &p); err != nil {
			return nil, err
		}
		return x.engine.Refund(ctx, a.ObligationID, p.Amount, p.IssuedBy, p.Reason)

	case ActionSendMessage:
		var msg Message
		if err := decode(a, &msg); err != nil {
			return nil, err
		}
		if x.messenger == nil {
			return nil, fmt.Errorf("send message %s: no messenger configured", a.ID)
		}
		msg.ID = a.ID
		return nil, x.messenger.Send(ctx, msg)
	}

	return nil, fmt.Errorf("%w: unknown action kind %q", obligation.ErrValidation, a.Kind)
}

func decode(a QueuedAction, dst any) error {
	if err := json.Unmarshal(a.Payload, dst); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", obligation.ErrValidation, a.Kind, err)
	}
	return nil
}
