package offline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vts/obligation-engine/obligation"
)

// Outcome is the result of a client call.
type Outcome struct {
	Obligation *obligation.Obligation `json:"obligation,omitempty"`
	Queued     bool                   `json:"queued"`
	ActionID   string                 `json:"action_id,omitempty"`
}

// Client is the offline-aware entry point for mutations. Online calls go
// straight to the engine. Offline, local-capable calls are applied at once
// and queued for sync, while charges, refunds and message sends are only
// queued. Calls on an obligation that still has queued actions are queued
// too, so replay order matches call order.
type Client struct {
	engine   *obligation.Engine
	queue    Queue
	monitor  Monitor
	exec     executor
	deviceID string
	logger   *slog.Logger
}

// NewClient creates a client. messenger may be nil if messages are never
// sent.
func NewClient(engine *obligation.Engine, queue Queue, monitor Monitor, deviceID string, messenger Messenger) *Client {
	return &Client{
		engine:   engine,
		queue:    queue,
		monitor:  monitor,
		exec:     executor{engine: engine, messenger: messenger},
		deviceID: deviceID,
		logger:   slog.Default(),
	}
}

// Engine returns the engine behind the client, for reads.
func (c *Client) Engine() *obligation.Engine { return c.engine }

// Queue returns the action queue.
func (c *Client) Queue() Queue { return c.queue }

// Offline reports the monitor state.
func (c *Client) Offline() bool { return c.monitor.IsOffline() }

// =============================================================================
// OPERATIONS
// =============================================================================

func (c *Client) CreateIssue(ctx context.Context, in obligation.IssueInput) (Outcome, error) {
	return c.apply(ctx, ActionCreateIssue, "", in)
}

func (c *Client) CreatePayment(ctx context.Context, in obligation.PaymentInput) (Outcome, error) {
	return c.apply(ctx, ActionCreatePayment, "", in)
}

func (c *Client) Assign(ctx context.Context, id obligation.ID, actor string) (Outcome, error) {
	return c.apply(ctx, ActionAssign, id, assignPayload{Actor: actor})
}

// AssignContractor hands an issue to a directory contractor. The directory
// is local, so this applies offline too.
func (c *Client) AssignContractor(ctx context.Context, id obligation.ID, contractorID string) (Outcome, error) {
	return c.apply(ctx, ActionAssignContractor, id, contractorPayload{ContractorID: contractorID})
}

func (c *Client) SetStatus(ctx context.Context, id obligation.ID, status obligation.Status) (Outcome, error) {
	return c.apply(ctx, ActionSetStatus, id, statusPayload{Status: status})
}

func (c *Client) SkipNext(ctx context.Context, id obligation.ID) (Outcome, error) {
	return c.apply(ctx, ActionSkipNext, id, struct{}{})
}

func (c *Client) UpdateCosts(ctx context.Context, id obligation.ID, estimated, actual *decimal.Decimal) (Outcome, error) {
	return c.apply(ctx, ActionUpdateCosts, id, costsPayload{Estimated: estimated, Actual: actual})
}

func (c *Client) Complete(ctx context.Context, id obligation.ID, actual *decimal.Decimal) (Outcome, error) {
	now := c.engine.Now()
	return c.apply(ctx, ActionComplete, id, completePayload{Actual: actual, CompletedAt: &now})
}

func (c *Client) AddNote(ctx context.Context, id obligation.ID, text string) (Outcome, error) {
	return c.apply(ctx, ActionAddNote, id, notePayload{Text: text})
}

func (c *Client) Charge(ctx context.Context, id obligation.ID, method obligation.PaymentMethod) (Outcome, error) {
	return c.apply(ctx, ActionCharge, id, chargePayload{Method: method})
}

func (c *Client) Refund(ctx context.Context, id obligation.ID, amount decimal.Decimal, issuedBy, reason string) (Outcome, error) {
	return c.apply(ctx, ActionRefund, id, refundPayload{Amount: amount, IssuedBy: issuedBy, Reason: reason})
}

// SendMessage delivers a message, or queues it while offline.
func (c *Client) SendMessage(ctx context.Context, msg Message) (Outcome, error) {
	msg.To = strings.TrimSpace(msg.To)
	msg.Body = strings.TrimSpace(msg.Body)
	if msg.To == "" {
		return Outcome{}, fmt.Errorf("%w: message recipient required", obligation.ErrValidation)
	}
	if msg.Body == "" {
		return Outcome{}, fmt.Errorf("%w: message body required", obligation.ErrValidation)
	}
	return c.apply(ctx, ActionSendMessage, msg.ObligationID, msg)
}

// =============================================================================
// DISPATCH
// =============================================================================

func (c *Client) apply(ctx context.Context, kind ActionKind, id obligation.ID, payload any) (Outcome, error) {
	a, err := newAction(ctx, c.deviceID, kind, id, payload, c.engine.Now())
	if err != nil {
		return Outcome{}, err
	}
	if key := obligation.ActionKeyFrom(ctx); key != "" {
		a.ID = key
	}

	queued, err := c.mustQueue(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if !queued {
		o, err := c.exec.execute(ctx, a)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Obligation: o, ActionID: a.ID}, nil
	}

	if kind.Local() {
		return c.applyLocally(ctx, a)
	}
	return c.enqueueOnly(ctx, a)
}

// mustQueue reports whether the call has to go through the queue.
func (c *Client) mustQueue(ctx context.Context, id obligation.ID) (bool, error) {
	if c.monitor.IsOffline() {
		return true, nil
	}
	if id == "" {
		return false, nil
	}
	pending, err := c.queue.Pending(ctx)
	if err != nil {
		return false, fmt.Errorf("load queue: %w", err)
	}
	for _, a := range pending {
		if a.ObligationID == id {
			return true, nil
		}
	}
	return false, nil
}

// applyLocally runs a through the engine now, tags the result and queues a
// for confirmation.
func (c *Client) applyLocally(ctx context.Context, a QueuedAction) (Outcome, error) {
	o, err := c.exec.execute(ctx, a)
	if err != nil {
		return Outcome{}, err
	}
	a.ObligationID = o.ID
	a.AppliedLocally = true

	if err := c.tag(ctx, o.ID); err != nil {
		return Outcome{}, err
	}
	if o.SuccessorID != "" && (a.Kind == ActionSetStatus || a.Kind == ActionComplete) {
		if err := c.tag(ctx, o.SuccessorID); err != nil {
			return Outcome{}, err
		}
	}
	if err := c.queue.Enqueue(ctx, a); err != nil {
		return Outcome{}, fmt.Errorf("queue %s: %w", a.Kind, err)
	}
	c.logger.Info("action applied locally and queued", "action_id", a.ID, "kind", a.Kind, "obligation_id", o.ID)

	o, err = c.engine.Get(ctx, o.ID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Obligation: o, Queued: true, ActionID: a.ID}, nil
}

// enqueueOnly checks what can be checked offline and queues a.
func (c *Client) enqueueOnly(ctx context.Context, a QueuedAction) (Outcome, error) {
	var o *obligation.Obligation
	if a.ObligationID != "" {
		var err error
		if o, err = c.engine.Get(ctx, a.ObligationID); err != nil {
			return Outcome{}, err
		}
		if err := precheck(a, o); err != nil {
			return Outcome{}, err
		}
	}

	if err := c.queue.Enqueue(ctx, a); err != nil {
		return Outcome{}, fmt.Errorf("queue %s: %w", a.Kind, err)
	}
	c.logger.Info("action queued", "action_id", a.ID, "kind", a.Kind, "obligation_id", a.ObligationID)

	if o == nil {
		return Outcome{Queued: true, ActionID: a.ID}, nil
	}
	if err := c.tag(ctx, o.ID); err != nil {
		return Outcome{}, err
	}
	o.PendingSync = true
	return Outcome{Obligation: o, Queued: true, ActionID: a.ID}, nil
}

func (c *Client) tag(ctx context.Context, id obligation.ID) error {
	if err := c.engine.SetPendingSync(ctx, id, true); err != nil {
		return fmt.Errorf("tag %s pending-sync: %w", id, err)
	}
	return nil
}

// precheck rejects gateway actions that could never succeed.
func precheck(a QueuedAction, o *obligation.Obligation) error {
	switch a.Kind {
	case ActionCharge:
		if o.Kind != obligation.KindPayment {
			return &obligation.TransitionError{ID: o.ID, From: o.Status, To: obligation.StatusPaid, Reason: "only payments can be charged"}
		}
		if o.Status != obligation.StatusPending {
			return &obligation.TransitionError{ID: o.ID, From: o.Status, To: obligation.StatusPaid, Reason: "payment already settled"}
		}
		var p chargePayload
		if err := decode(a, &p); err != nil {
			return err
		}
		if p.Method != "" {
			if _, err := obligation.ParsePaymentMethod(string(p.Method)); err != nil {
				return err
			}
		}

	case ActionRefund:
		var p refundPayload
		if err := decode(a, &p); err != nil {
			return err
		}
		if !p.Amount.IsPositive() {
			return fmt.Errorf("%w: refund must be greater than zero", obligation.ErrValidation)
		}
		if o.Kind != obligation.KindPayment || o.Status != obligation.StatusPaid {
			return &obligation.TransitionError{ID: o.ID, From: o.Status, Reason: "only paid payments can be refunded"}
		}
		if o.Refund != nil {
			return obligation.ErrAlreadyRefunded
		}
	}
	return nil
}
