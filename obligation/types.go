/*
types.go - Core data model for recurring obligations

PURPOSE:
  Defines the Obligation record shared by the two variants the engine
  manages, maintenance issues and payments, plus the small enums that
  describe them.

DESIGN:
  One struct with a Kind discriminator. Fields that only make sense for one
  variant (Priority for issues, Amount/Category/Refund for payments) are
  left at their zero value for the other. The recurring behaviour both
  variants share lives in Schedule (schedule.go).

MONEY:
  All money is decimal.Decimal. Optional costs are *decimal.Decimal so
  "not set" is distinguishable from zero.

SEE ALSO:
  - schedule.go: Recurrence state carried by every obligation
  - engine.go:   The only code path that mutates an Obligation
*/
package obligation

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// ID identifies an obligation. ULIDs sort by creation time.
type ID string

// NewID returns a fresh, monotonically increasing ID.
func NewID() ID {
	return ID(ulid.Make().String())
}

func (id ID) String() string { return string(id) }

// Kind discriminates the two obligation variants.
type Kind string

const (
	KindIssue   Kind = "issue"
	KindPayment Kind = "payment"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle state. Issues use open/in_progress/resolved/closed,
// payments use pending/paid.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"

	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
)

// IsTerminal reports whether no further lifecycle transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusClosed || s == StatusPaid
}

// ValidFor reports whether the status belongs to the kind's state machine.
func (s Status) ValidFor(k Kind) bool {
	switch k {
	case KindIssue:
		return s == StatusOpen || s == StatusInProgress || s == StatusResolved || s == StatusClosed
	case KindPayment:
		return s == StatusPending || s == StatusPaid
	}
	return false
}

// ParseStatus accepts the canonical names, case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_"))
	switch st {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed, StatusPending, StatusPaid:
		return st, nil
	}
	return "", invalid("status", "unknown status %q", s)
}

// =============================================================================
// ISSUE PRIORITY
// =============================================================================

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority defaults an empty value to medium.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "":
		return PriorityMedium, nil
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, nil
	}
	return "", invalid("priority", "unknown priority %q", s)
}

// =============================================================================
// PAYMENT CATEGORY & METHOD
// =============================================================================

// Category classifies a payment as income or expense for reporting.
type Category string

const (
	CategoryRent        Category = "rent"
	CategoryUtilities   Category = "utilities"
	CategoryMaintenance Category = "maintenance"
	CategoryInsurance   Category = "insurance"
	CategoryTaxes       Category = "taxes"
	CategoryMortgage    Category = "mortgage"
	CategoryServices    Category = "services"
	CategoryManagement  Category = "management"
	CategoryOther       Category = "other"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryRent, CategoryUtilities, CategoryMaintenance, CategoryInsurance,
	CategoryTaxes, CategoryMortgage, CategoryServices, CategoryManagement, CategoryOther,
}

// IsIncome reports whether money in this category flows to the owner.
func (c Category) IsIncome() bool {
	return c == CategoryRent || c == CategoryServices || c == CategoryManagement
}

// ParseCategory defaults an empty value to other.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c == "" {
		return CategoryOther, nil
	}
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", invalid("category", "unknown category %q", s)
}

// PaymentMethod is how a payment was settled.
type PaymentMethod string

const (
	MethodCreditCard   PaymentMethod = "credit_card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodPayPal       PaymentMethod = "paypal"
	MethodStripe       PaymentMethod = "stripe"
	MethodCash         PaymentMethod = "cash"
	MethodCheck        PaymentMethod = "check"
	MethodOther        PaymentMethod = "other"
)

// ParsePaymentMethod defaults an empty value to credit card.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	m := PaymentMethod(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_"))
	switch m {
	case "":
		return MethodCreditCard, nil
	case MethodCreditCard, MethodBankTransfer, MethodPayPal, MethodStripe, MethodCash, MethodCheck, MethodOther:
		return m, nil
	}
	return "", invalid("payment_method", "unknown payment method %q", s)
}

// Refund is the immutable record of a refund against a paid payment.
type Refund struct {
	Amount   decimal.Decimal
	IssuedBy string
	Reason   string
	Date     time.Time
}

// =============================================================================
// OBLIGATION
// =============================================================================

// NoteSeparator joins successive notes.
const NoteSeparator = "\n---\n"

// Obligation is a recurring (or one-time) issue or payment occurrence.
//
// INVARIANTS:
//   - Schedule.NextAnchorDate == nil iff the frequency is one-time
//   - Terminal obligations only ever gain a Refund (payments) or an
//     ActualCost (issues), each at most once
//   - Successors are new obligations; ParentID points back at the occurrence
//     that spawned them
type Obligation struct {
	ID          ID
	Kind        Kind
	Title       string
	Description string
	Status      Status

	// Issue fields
	Priority Priority

	// Payment fields
	Category       Category
	Amount         decimal.Decimal
	PaymentMethod  PaymentMethod
	TransactionRef string
	Refund         *Refund

	CreatedBy   string
	CreatedAt   time.Time
	DueDate     time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time

	AssignedTo    string
	ContractorID  string // directory entry behind AssignedTo, issues only
	EstimatedCost *decimal.Decimal
	ActualCost    *decimal.Decimal
	Notes         string

	Schedule Schedule

	ParentID    ID
	SuccessorID ID

	// PendingSync is set while an offline action targeting this obligation
	// is waiting in the queue.
	PendingSync bool
}

// IsTerminal reports whether the obligation reached the end of its lifecycle.
func (o *Obligation) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// IsRecurring reports whether resolving this occurrence can spawn another.
func (o *Obligation) IsRecurring() bool {
	return o.Schedule.IsRecurring()
}

// Label is a short human-readable name for logs and notifications.
func (o *Obligation) Label() string {
	return fmt.Sprintf("%s %q (%s)", o.Kind, o.Title, o.ID)
}

// Clone returns a deep copy; stores hand out clones so callers can never
// mutate stored state.
func (o *Obligation) Clone() *Obligation {
	if o == nil {
		return nil
	}
	c := *o
	c.CompletedAt = copyTime(o.CompletedAt)
	c.EstimatedCost = copyDecimal(o.EstimatedCost)
	c.ActualCost = copyDecimal(o.ActualCost)
	c.Schedule.NextAnchorDate = copyTime(o.Schedule.NextAnchorDate)
	if o.Refund != nil {
		r := *o.Refund
		c.Refund = &r
	}
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

// appendNote joins text onto existing notes.
func appendNote(existing, text string) string {
	if existing == "" {
		return text
	}
	return existing + NoteSeparator + text
}

// =============================================================================
// INPUTS
// =============================================================================

// IssueInput describes a new maintenance issue.
type IssueInput struct {
	Title         string
	Description   string
	Priority      Priority
	Frequency     Frequency
	AssignedTo    string
	EstimatedCost *decimal.Decimal
	CreatedBy     string
	Notes         string
}

// PaymentInput describes a new payment obligation.
type PaymentInput struct {
	Title       string
	Description string
	Amount      decimal.Decimal
	Category    Category
	Method      PaymentMethod
	Frequency   Frequency
	DueDate     time.Time // zero means now
	AssignedTo  string
	CreatedBy   string
	Notes       string
}
