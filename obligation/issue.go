package obligation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vts/obligation-engine/recurrence"
)

// =============================================================================
// ISSUE LIFECYCLE
// =============================================================================
//
//   open <-> in_progress
//     \         /
//      resolved | closed   (terminal; may spawn a successor)

// CreateIssue opens a new maintenance issue. Recurring issues get their
// first anchor one period after creation.
func (e *Engine) CreateIssue(ctx context.Context, in IssueInput) (*Obligation, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, invalid("title", "required")
	}
	priority, err := ParsePriority(string(in.Priority))
	if err != nil {
		return nil, err
	}
	freq, err := validFrequency(in.Frequency)
	if err != nil {
		return nil, err
	}
	if err := nonNegative("estimated_cost", in.EstimatedCost); err != nil {
		return nil, err
	}

	now := e.clock()
	o := &Obligation{
		ID:            NewID(),
		Kind:          KindIssue,
		Title:         title,
		Description:   strings.TrimSpace(in.Description),
		Status:        StatusOpen,
		Priority:      priority,
		CreatedBy:     in.CreatedBy,
		CreatedAt:     now,
		DueDate:       now,
		UpdatedAt:     now,
		AssignedTo:    strings.TrimSpace(in.AssignedTo),
		EstimatedCost: copyDecimal(in.EstimatedCost),
		Notes:         strings.TrimSpace(in.Notes),
		Schedule:      NewSchedule(freq, now),
	}

	return e.create(ctx, o, []Event{{
		Kind:         EventIssueCreated,
		ObligationID: o.ID,
		Title:        o.Title,
		Message:      fmt.Sprintf("New %s priority issue: %s", o.Priority, o.Title),
		At:           now,
	}})
}

// SetStatus moves an issue through its state machine. Moving a finished
// issue to another finished state is a successful no-op so replayed
// resolutions never spawn twice.
func (e *Engine) SetStatus(ctx context.Context, id ID, to Status) (*Obligation, error) {
	if !to.ValidFor(KindIssue) {
		return nil, invalid("status", "%q is not an issue status", to)
	}
	return e.mutate(ctx, id, func(o *Obligation, now time.Time) (*change, error) {
		if o.Kind != KindIssue {
			return nil, &TransitionError{ID: o.ID, From: o.Status, To: to, Reason: "payments change status by charging"}
		}
		return e.transitionIssue(o, to, now)
	})
}

func (e *Engine) transitionIssue(o *Obligation, to Status, now time.Time) (*change, error) {
	from := o.Status
	if from.IsTerminal() {
		if to.IsTerminal() {
			return nil, nil
		}
		return nil, &TransitionError{ID: o.ID, From: from, To: to, Reason: "issue is already finished"}
	}
	if from == to {
		return nil, nil
	}

	o.Status = to
	c := &change{
		obligation:  o,
		action:      AuditStatusChanged,
		description: fmt.Sprintf("status %s -> %s", from, to),
	}

	if to.IsTerminal() {
		if o.CompletedAt == nil {
			completed := now
			o.CompletedAt = &completed
		}
		skipping := o.Schedule.SkipNextOccurrence
		c.successor = e.spawnSuccessor(o, now)
		switch {
		case c.successor != nil:
			c.description += fmt.Sprintf("; next occurrence %s due %s",
				c.successor.ID, c.successor.DueDate.Format(time.DateOnly))
		case skipping:
			c.description += "; next occurrence skipped"
		}
	}

	c.events = []Event{{
		Kind:         EventIssueStatusChanged,
		ObligationID: o.ID,
		Title:        o.Title,
		Message:      fmt.Sprintf("Issue %q is now %s", o.Title, to),
		At:           now,
	}}
	return c, nil
}

// UpdateCosts sets either cost independently. Once an issue is finished the
// estimate is frozen and the actual cost may be recorded only if it was
// never set.
func (e *Engine) UpdateCosts(ctx context.Context, id ID, estimated, actual *decimal.Decimal) (*Obligation, error) {
	if estimated == nil && actual == nil {
		return nil, invalid("costs", "nothing to update")
	}
	if err := nonNegative("estimated_cost", estimated); err != nil {
		return nil, err
	}
	if err := nonNegative("actual_cost", actual); err != nil {
		return nil, err
	}

	return e.mutate(ctx, id, func(o *Obligation, now time.Time) (*change, error) {
		if o.Kind != KindIssue {
			return nil, invalid("costs", "only issues carry costs")
		}
		if o.IsTerminal() {
			if estimated != nil {
				return nil, &TransitionError{ID: o.ID, From: o.Status, Reason: "estimated cost is frozen once finished"}
			}
			if o.ActualCost != nil {
				return nil, &TransitionError{ID: o.ID, From: o.Status, Reason: "actual cost already recorded"}
			}
		}

		var parts []string
		if estimated != nil {
			o.EstimatedCost = copyDecimal(estimated)
			parts = append(parts, "estimated "+estimated.StringFixed(2))
		}
		if actual != nil {
			o.ActualCost = copyDecimal(actual)
			parts = append(parts, "actual "+actual.StringFixed(2))
		}
		return &change{
			obligation:  o,
			action:      AuditCostsUpdated,
			description: "costs updated: " + strings.Join(parts, ", "),
		}, nil
	})
}

// Complete records the actual cost and completion date, then resolves the
// issue. Completing a finished issue only fills in a missing actual cost.
func (e *Engine) Complete(ctx context.Context, id ID, actual *decimal.Decimal, completedAt *time.Time) (*Obligation, error) {
	if err := nonNegative("actual_cost", actual); err != nil {
		return nil, err
	}

	return e.mutate(ctx, id, func(o *Obligation, now time.Time) (*change, error) {
		if o.Kind != KindIssue {
			return nil, &TransitionError{ID: o.ID, From: o.Status, To: StatusResolved, Reason: "payments are completed by charging"}
		}

		if o.IsTerminal() {
			if actual == nil || o.ActualCost != nil {
				return nil, nil
			}
			o.ActualCost = copyDecimal(actual)
			return &change{
				obligation:  o,
				action:      AuditCostsUpdated,
				description: "costs updated: actual " + actual.StringFixed(2),
			}, nil
		}

		if actual != nil {
			o.ActualCost = copyDecimal(actual)
		}
		at := now
		if completedAt != nil {
			at = *completedAt
		}
		o.CompletedAt = &at

		c, err := e.transitionIssue(o, StatusResolved, now)
		if err != nil {
			return nil, err
		}
		c.action = AuditCompleted
		c.description = "completed on " + at.Format(time.DateOnly) + "; " + c.description
		if o.ActualCost != nil {
			c.description += "; actual cost " + o.ActualCost.StringFixed(2)
		}
		return c, nil
	})
}

// =============================================================================
// VALIDATION HELPERS
// =============================================================================

func validFrequency(f Frequency) (Frequency, error) {
	if f == "" {
		return recurrence.OneTime, nil
	}
	if !f.Valid() {
		return "", invalid("frequency", "unknown frequency %q", f)
	}
	return f, nil
}

func nonNegative(field string, d *decimal.Decimal) error {
	if d != nil && d.IsNegative() {
		return invalid(field, "must not be negative")
	}
	return nil
}
