/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

MONEY:
  Amounts are decimal strings ("1250.00") in responses. Requests accept a
  JSON string or number.

DATES:
  Dates are YYYY-MM-DD in requests; responses carry RFC 3339 timestamps.

VALIDATION:
  Enum and date parsing happens in the toInput helpers; business rules are
  left to the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vts/obligation-engine/contractor"
	"github.com/vts/obligation-engine/obligation"
	"github.com/vts/obligation-engine/offline"
	"github.com/vts/obligation-engine/recurrence"
	"github.com/vts/obligation-engine/report"
)

// =============================================================================
// OBLIGATIONS
// =============================================================================

// ObligationDTO represents an issue or payment in API responses.
type ObligationDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`

	Priority string `json:"priority,omitempty"`

	Category       string           `json:"category,omitempty"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	PaymentMethod  string           `json:"payment_method,omitempty"`
	TransactionRef string           `json:"transaction_ref,omitempty"`
	Refund         *RefundDTO       `json:"refund,omitempty"`

	CreatedBy     string           `json:"created_by,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	DueDate       time.Time        `json:"due_date"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
	AssignedTo    string           `json:"assigned_to,omitempty"`
	ContractorID  string           `json:"contractor_id,omitempty"`
	EstimatedCost *decimal.Decimal `json:"estimated_cost,omitempty"`
	ActualCost    *decimal.Decimal `json:"actual_cost,omitempty"`
	Notes         string           `json:"notes,omitempty"`

	Frequency      string     `json:"frequency"`
	NextAnchorDate *time.Time `json:"next_anchor_date,omitempty"`
	SkipNext       bool       `json:"skip_next"`

	ParentID    string `json:"parent_id,omitempty"`
	SuccessorID string `json:"successor_id,omitempty"`
	PendingSync bool   `json:"pending_sync"`
}

// RefundDTO is the refund recorded on a paid payment.
type RefundDTO struct {
	Amount   decimal.Decimal `json:"amount"`
	IssuedBy string          `json:"issued_by"`
	Reason   string          `json:"reason,omitempty"`
	Date     time.Time       `json:"date"`
}

// MutationResponse wraps the result of a mutation. Queued is true when the
// client was offline; Obligation then holds the locally applied state, or
// the untouched target of a charge or refund that waits for sync.
type MutationResponse struct {
	Obligation *ObligationDTO `json:"obligation,omitempty"`
	Queued     bool           `json:"queued"`
	ActionID   string         `json:"action_id,omitempty"`
}

// AuditEntryDTO is one line of an obligation's history.
type AuditEntryDTO struct {
	ID           string    `json:"id"`
	ObligationID string    `json:"obligation_id"`
	RelatedID    string    `json:"related_id,omitempty"`
	Action       string    `json:"action"`
	Description  string    `json:"description"`
	Actor        string    `json:"actor,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// =============================================================================
// REQUESTS
// =============================================================================

// CreateIssueRequest is the request to open a maintenance issue.
type CreateIssueRequest struct {
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	Priority      string           `json:"priority"`
	Frequency     string           `json:"frequency"`
	AssignedTo    string           `json:"assigned_to"`
	EstimatedCost *decimal.Decimal `json:"estimated_cost"`
	Notes         string           `json:"notes"`
}

func (req CreateIssueRequest) toInput(actor string) (obligation.IssueInput, error) {
	freq, err := parseFrequency(req.Frequency)
	if err != nil {
		return obligation.IssueInput{}, err
	}
	return obligation.IssueInput{
		Title:         req.Title,
		Description:   req.Description,
		Priority:      obligation.Priority(req.Priority),
		Frequency:     freq,
		AssignedTo:    req.AssignedTo,
		EstimatedCost: req.EstimatedCost,
		CreatedBy:     actor,
		Notes:         req.Notes,
	}, nil
}

// CreatePaymentRequest is the request to record a payment obligation.
type CreatePaymentRequest struct {
	Title         string          `json:"title"`
	Description   string          `json:"description"`
	Amount        decimal.Decimal `json:"amount"`
	Category      string          `json:"category"`
	PaymentMethod string          `json:"payment_method"`
	Frequency     string          `json:"frequency"`
	DueDate       string          `json:"due_date"`
	AssignedTo    string          `json:"assigned_to"`
	Notes         string          `json:"notes"`
}

func (req CreatePaymentRequest) toInput(actor string) (obligation.PaymentInput, error) {
	freq, err := parseFrequency(req.Frequency)
	if err != nil {
		return obligation.PaymentInput{}, err
	}
	var due time.Time
	if req.DueDate != "" {
		if due, err = parseDate("due_date", req.DueDate); err != nil {
			return obligation.PaymentInput{}, err
		}
	}
	return obligation.PaymentInput{
		Title:       req.Title,
		Description: req.Description,
		Amount:      req.Amount,
		Category:    obligation.Category(req.Category),
		Method:      obligation.PaymentMethod(req.PaymentMethod),
		Frequency:   freq,
		DueDate:     due,
		AssignedTo:  req.AssignedTo,
		CreatedBy:   actor,
		Notes:       req.Notes,
	}, nil
}

// AssignRequest names the new assignee.
type AssignRequest struct {
	Actor string `json:"actor"`
}

// AssignContractorRequest hands an issue to a directory contractor.
type AssignContractorRequest struct {
	ContractorID string `json:"contractor_id"`
}

// StatusRequest moves an issue to a new status.
type StatusRequest struct {
	Status string `json:"status"`
}

// CostsRequest updates an issue's estimated and/or actual cost.
type CostsRequest struct {
	EstimatedCost *decimal.Decimal `json:"estimated_cost"`
	ActualCost    *decimal.Decimal `json:"actual_cost"`
}

// CompleteRequest closes an issue, optionally recording what it cost.
type CompleteRequest struct {
	ActualCost *decimal.Decimal `json:"actual_cost"`
}

// NoteRequest appends a note.
type NoteRequest struct {
	Text string `json:"text"`
}

// ChargeRequest settles a pending payment.
type ChargeRequest struct {
	PaymentMethod string `json:"payment_method"`
}

// RefundRequest refunds part or all of a paid payment.
type RefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// MessageRequest sends a message, optionally about an obligation.
type MessageRequest struct {
	ObligationID string `json:"obligation_id"`
	To           string `json:"to"`
	Body         string `json:"body"`
}

// =============================================================================
// CONTRACTORS
// =============================================================================

// ContractorDTO is a directory entry.
type ContractorDTO struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Company     string           `json:"company"`
	Specialties []string         `json:"specialties"`
	Email       string           `json:"email,omitempty"`
	Phone       string           `json:"phone,omitempty"`
	HourlyRate  *decimal.Decimal `json:"hourly_rate,omitempty"`
	Preferred   bool             `json:"preferred"`
	Rating      int              `json:"rating,omitempty"`
}

// CreateContractorRequest adds a contractor to the directory.
type CreateContractorRequest struct {
	Name        string           `json:"name"`
	Company     string           `json:"company"`
	Specialties []string         `json:"specialties"`
	Email       string           `json:"email"`
	Phone       string           `json:"phone"`
	HourlyRate  *decimal.Decimal `json:"hourly_rate"`
	Preferred   bool             `json:"preferred"`
}

func (req CreateContractorRequest) toContractor() (contractor.Contractor, error) {
	specialties, err := parseSpecialties(req.Specialties)
	if err != nil {
		return contractor.Contractor{}, err
	}
	return contractor.Contractor{
		Name:        req.Name,
		Company:     req.Company,
		Specialties: specialties,
		Email:       req.Email,
		Phone:       req.Phone,
		HourlyRate:  req.HourlyRate,
		Preferred:   req.Preferred,
	}, nil
}

// RatingRequest rates a contractor from 1 to 5.
type RatingRequest struct {
	Rating int `json:"rating"`
}

// PreferredRequest flags or unflags a contractor as preferred.
type PreferredRequest struct {
	Preferred bool `json:"preferred"`
}

// =============================================================================
// SYNC
// =============================================================================

// QueueResponse lists the actions waiting for sync.
type QueueResponse struct {
	DeviceID string                 `json:"device_id"`
	Offline  bool                   `json:"offline"`
	Actions  []offline.QueuedAction `json:"actions"`
}

// =============================================================================
// REPORTS
// =============================================================================

// SummaryDTO is the income/expense overview of a date range.
type SummaryDTO struct {
	From               string                     `json:"from"`
	To                 string                     `json:"to"`
	Income             decimal.Decimal            `json:"income"`
	Expenses           decimal.Decimal            `json:"expenses"`
	ProfitLoss         decimal.Decimal            `json:"profit_loss"`
	IncomeByCategory   map[string]decimal.Decimal `json:"income_by_category"`
	ExpensesByCategory map[string]decimal.Decimal `json:"expenses_by_category"`
	Transactions       []ObligationDTO            `json:"transactions"`
}

// ErrorResponse is returned for all errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toObligationDTO(o *obligation.Obligation) ObligationDTO {
	dto := ObligationDTO{
		ID:             o.ID.String(),
		Kind:           string(o.Kind),
		Title:          o.Title,
		Description:    o.Description,
		Status:         string(o.Status),
		Priority:       string(o.Priority),
		Category:       string(o.Category),
		PaymentMethod:  string(o.PaymentMethod),
		TransactionRef: o.TransactionRef,
		CreatedBy:      o.CreatedBy,
		CreatedAt:      o.CreatedAt,
		DueDate:        o.DueDate,
		CompletedAt:    o.CompletedAt,
		UpdatedAt:      o.UpdatedAt,
		AssignedTo:     o.AssignedTo,
		ContractorID:   o.ContractorID,
		EstimatedCost:  o.EstimatedCost,
		ActualCost:     o.ActualCost,
		Notes:          o.Notes,
		Frequency:      string(o.Schedule.Frequency),
		NextAnchorDate: o.Schedule.NextAnchorDate,
		SkipNext:       o.Schedule.SkipNextOccurrence,
		ParentID:       o.ParentID.String(),
		SuccessorID:    o.SuccessorID.String(),
		PendingSync:    o.PendingSync,
	}
	if o.Kind == obligation.KindPayment {
		amount := o.Amount
		dto.Amount = &amount
	}
	if o.Refund != nil {
		dto.Refund = &RefundDTO{
			Amount:   o.Refund.Amount,
			IssuedBy: o.Refund.IssuedBy,
			Reason:   o.Refund.Reason,
			Date:     o.Refund.Date,
		}
	}
	return dto
}

func toObligationDTOs(obs []*obligation.Obligation) []ObligationDTO {
	dtos := make([]ObligationDTO, len(obs))
	for i, o := range obs {
		dtos[i] = toObligationDTO(o)
	}
	return dtos
}

func toMutationResponse(out offline.Outcome) MutationResponse {
	resp := MutationResponse{Queued: out.Queued, ActionID: out.ActionID}
	if out.Obligation != nil {
		dto := toObligationDTO(out.Obligation)
		resp.Obligation = &dto
	}
	return resp
}

func toAuditEntryDTOs(entries []obligation.AuditEntry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:           e.ID,
			ObligationID: e.ObligationID.String(),
			RelatedID:    e.RelatedID.String(),
			Action:       string(e.Action),
			Description:  e.Description,
			Actor:        e.Actor,
			Timestamp:    e.Timestamp,
		}
	}
	return dtos
}

func toContractorDTO(c contractor.Contractor) ContractorDTO {
	specialties := make([]string, len(c.Specialties))
	for i, sp := range c.Specialties {
		specialties[i] = string(sp)
	}
	return ContractorDTO{
		ID:          c.ID,
		Name:        c.Name,
		Company:     c.Company,
		Specialties: specialties,
		Email:       c.Email,
		Phone:       c.Phone,
		HourlyRate:  c.HourlyRate,
		Preferred:   c.Preferred,
		Rating:      c.Rating,
	}
}

func toContractorDTOs(cs []contractor.Contractor) []ContractorDTO {
	dtos := make([]ContractorDTO, len(cs))
	for i, c := range cs {
		dtos[i] = toContractorDTO(c)
	}
	return dtos
}

func toSummaryDTO(s report.Summary) SummaryDTO {
	return SummaryDTO{
		From:               s.Range.From.Format(time.DateOnly),
		To:                 s.Range.To.Format(time.DateOnly),
		Income:             s.Income,
		Expenses:           s.Expenses,
		ProfitLoss:         s.ProfitLoss,
		IncomeByCategory:   byCategory(s.IncomeByCategory),
		ExpensesByCategory: byCategory(s.ExpensesByCategory),
		Transactions:       toObligationDTOs(s.Transactions),
	}
}

func byCategory(in map[obligation.Category]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(in))
	for c, amount := range in {
		out[string(c)] = amount
	}
	return out
}

// =============================================================================
// PARSING
// =============================================================================

func parseFrequency(s string) (recurrence.Frequency, error) {
	f, err := recurrence.ParseFrequency(s)
	if err != nil {
		return "", &obligation.ValidationError{Field: "frequency", Reason: err.Error()}
	}
	return f, nil
}

func parseSpecialties(in []string) ([]contractor.Specialty, error) {
	out := make([]contractor.Specialty, 0, len(in))
	for _, s := range in {
		sp, err := contractor.ParseSpecialty(s)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, nil
}

func parseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, &obligation.ValidationError{Field: field, Reason: fmt.Sprintf("expected YYYY-MM-DD, got %q", s)}
	}
	return t, nil
}
