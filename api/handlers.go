/*
handlers.go - HTTP API handlers for the obligation engine

PURPOSE:
  Exposes the obligation engine via REST API. Handles HTTP request/response
  and JSON serialization; mutations go through the offline-aware client so
  they are queued while the device is offline, reads go to the engine.

ENDPOINTS:
  Obligations:
    POST   /api/issues                          Open an issue
    POST   /api/payments                        Record a payment
    GET    /api/obligations?kind=&status=       List obligations
    GET    /api/obligations/due?before=         Open obligations due before a date
    GET    /api/obligations/{id}                Get one obligation
    GET    /api/obligations/{id}/history        Audit trail
    POST   /api/obligations/{id}/assign         Assign
    POST   /api/obligations/{id}/contractor     Hand an issue to a contractor
    POST   /api/obligations/{id}/status         Change issue status
    POST   /api/obligations/{id}/skip           Skip the next occurrence
    POST   /api/obligations/{id}/costs          Update issue costs
    POST   /api/obligations/{id}/complete       Close an issue
    POST   /api/obligations/{id}/notes          Append a note
    POST   /api/obligations/{id}/charge         Charge a payment
    POST   /api/obligations/{id}/refund         Refund a payment

  Contractors:
    GET    /api/contractors?specialty=&preferred=  Directory, best candidates first
    POST   /api/contractors                     Add a contractor
    GET    /api/contractors/{id}                Get one contractor
    POST   /api/contractors/{id}/rating         Rate 1 to 5
    POST   /api/contractors/{id}/preferred      Flag or unflag as preferred

  Messages:
    POST   /api/messages                        Send (or queue) a message

  Sync:
    GET    /api/sync/queue                      Queued offline actions
    POST   /api/sync/flush                      Replay the queue now

  Reports:
    GET    /api/reports/summary?from=&to=       Income/expense summary
    GET    /api/reports/transactions.csv?from=&to=

REQUEST CONTEXT:
  Idempotency-Key header: mutations with a key already in the audit ledger
                          are not executed again
  X-Actor header:         recorded as the actor of the audit entry

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Obligation or contractor not found
  - 409: Invalid transition, already refunded, duplicate contractor
  - 502: Payment gateway declined or failed
  - 503: Flush requested while offline, no contractor directory
  - 500: Internal errors
  Mutations accepted while offline answer 202 Accepted.

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vts/obligation-engine/contractor"
	"github.com/vts/obligation-engine/obligation"
	"github.com/vts/obligation-engine/offline"
	"github.com/vts/obligation-engine/report"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers. Contractors is optional;
// without it the contractor endpoints answer 503.
type Handler struct {
	Client      *offline.Client
	Reconciler  *offline.Reconciler
	Contractors *contractor.Directory
	Logger      *slog.Logger
	DeviceID    string
}

// NewHandler creates a handler. reconciler may be nil, in which case
// /api/sync/flush is unavailable.
func NewHandler(client *offline.Client, reconciler *offline.Reconciler, deviceID string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Client:     client,
		Reconciler: reconciler,
		Logger:     logger,
		DeviceID:   deviceID,
	}
}

// =============================================================================
// CREATE
// =============================================================================

// CreateIssue opens a maintenance issue.
// POST /api/issues
func (h *Handler) CreateIssue(w http.ResponseWriter, r *http.Request) {
	var req CreateIssueRequest
	if !decode(w, r, &req) {
		return
	}
	in, err := req.toInput(obligation.ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	out, err := h.Client.CreateIssue(r.Context(), in)
	h.respond(w, out, err, http.StatusCreated)
}

// CreatePayment records a payment obligation.
// POST /api/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if !decode(w, r, &req) {
		return
	}
	in, err := req.toInput(obligation.ActorFrom(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	out, err := h.Client.CreatePayment(r.Context(), in)
	h.respond(w, out, err, http.StatusCreated)
}

// =============================================================================
// READ
// =============================================================================

// ListObligations returns obligations, optionally filtered.
// GET /api/obligations?kind=payment&status=pending,paid
func (h *Handler) ListObligations(w http.ResponseWriter, r *http.Request) {
	var filter obligation.Filter
	if kind := r.URL.Query().Get("kind"); kind != "" {
		switch k := obligation.Kind(strings.ToLower(kind)); k {
		case obligation.KindIssue, obligation.KindPayment:
			filter.Kind = k
		default:
			writeError(w, http.StatusBadRequest, "Invalid kind", fmt.Errorf("unknown kind %q", kind))
			return
		}
	}
	if statuses := r.URL.Query().Get("status"); statuses != "" {
		for _, s := range strings.Split(statuses, ",") {
			st, err := obligation.ParseStatus(s)
			if err != nil {
				h.fail(w, err)
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	obs, err := h.Client.Engine().List(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTOs(obs))
}

// ListDue returns open issues and pending payments due before a date
// (default: one week from now).
// GET /api/obligations/due?before=2025-06-01
func (h *Handler) ListDue(w http.ResponseWriter, r *http.Request) {
	before := h.Client.Engine().Now().AddDate(0, 0, 7)
	if s := r.URL.Query().Get("before"); s != "" {
		t, err := parseDate("before", s)
		if err != nil {
			h.fail(w, err)
			return
		}
		before = t
	}
	obs, err := h.Client.Engine().ListDueBefore(r.Context(), before)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTOs(obs))
}

// GetObligation returns one obligation.
// GET /api/obligations/{id}
func (h *Handler) GetObligation(w http.ResponseWriter, r *http.Request) {
	o, err := h.Client.Engine().Get(r.Context(), idParam(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(o))
}

// GetHistory returns the audit trail of an obligation, oldest first.
// GET /api/obligations/{id}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	if _, err := h.Client.Engine().Get(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	entries, err := h.Client.Engine().History(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditEntryDTOs(entries))
}

// =============================================================================
// MUTATE
// =============================================================================

// Assign sets or clears the assignee.
// POST /api/obligations/{id}/assign
func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.Client.Assign(r.Context(), idParam(r), req.Actor)
	h.respond(w, out, err, http.StatusOK)
}

// AssignContractor hands an issue to a contractor from the directory.
// POST /api/obligations/{id}/contractor
func (h *Handler) AssignContractor(w http.ResponseWriter, r *http.Request) {
	var req AssignContractorRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.Client.AssignContractor(r.Context(), idParam(r), req.ContractorID)
	h.respond(w, out, err, http.StatusOK)
}

// SetStatus moves an issue through its lifecycle.
// POST /api/obligations/{id}/status
func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decode(w, r, &req) {
		return
	}
	status, err := obligation.ParseStatus(req.Status)
	if err != nil {
		h.fail(w, err)
		return
	}
	out, err := h.Client.SetStatus(r.Context(), idParam(r), status)
	h.respond(w, out, err, http.StatusOK)
}

// SkipNext marks the next occurrence to be skipped.
// POST /api/obligations/{id}/skip
func (h *Handler) SkipNext(w http.ResponseWriter, r *http.Request) {
	out, err := h.Client.SkipNext(r.Context(), idParam(r))
	h.respond(w, out, err, http.StatusOK)
}

// UpdateCosts updates an issue's costs.
// POST /api/obligations/{id}/costs
func (h *Handler) UpdateCosts(w http.ResponseWriter, r *http.Request) {
	var req CostsRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.Client.UpdateCosts(r.Context(), idParam(r), req.EstimatedCost, req.ActualCost)
	h.respond(w, out, err, http.StatusOK)
}

// Complete closes an issue.
// POST /api/obligations/{id}/complete
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	out, err := h.Client.Complete(r.Context(), idParam(r), req.ActualCost)
	h.respond(w, out, err, http.StatusOK)
}

// AddNote appends a note.
// POST /api/obligations/{id}/notes
func (h *Handler) AddNote(w http.ResponseWriter, r *http.Request) {
	var req NoteRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.Client.AddNote(r.Context(), idParam(r), req.Text)
	h.respond(w, out, err, http.StatusOK)
}

// Charge settles a pending payment through the gateway.
// POST /api/obligations/{id}/charge
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	out, err := h.Client.Charge(r.Context(), idParam(r), obligation.PaymentMethod(req.PaymentMethod))
	h.respond(w, out, err, http.StatusOK)
}

// Refund refunds a paid payment. The refund is clamped to the paid amount.
// POST /api/obligations/{id}/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.Client.Refund(r.Context(), idParam(r), req.Amount, obligation.ActorFrom(r.Context()), req.Reason)
	h.respond(w, out, err, http.StatusOK)
}

// SendMessage sends a message, or queues it while offline.
// POST /api/messages
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.Client.SendMessage(r.Context(), offline.Message{
		ObligationID: obligation.ID(req.ObligationID),
		To:           req.To,
		Body:         req.Body,
	})
	h.respond(w, out, err, http.StatusOK)
}

// =============================================================================
// CONTRACTORS
// =============================================================================

// ListContractors returns the directory, preferred and best rated first.
// GET /api/contractors?specialty=plumbing&preferred=true
func (h *Handler) ListContractors(w http.ResponseWriter, r *http.Request) {
	if !h.hasDirectory(w) {
		return
	}
	var q contractor.Query
	if s := r.URL.Query().Get("specialty"); s != "" {
		sp, err := contractor.ParseSpecialty(s)
		if err != nil {
			h.fail(w, err)
			return
		}
		q.Specialty = sp
	}
	q.PreferredOnly = r.URL.Query().Get("preferred") == "true"
	writeJSON(w, http.StatusOK, toContractorDTOs(h.Contractors.Find(q)))
}

// GetContractor returns one contractor.
// GET /api/contractors/{id}
func (h *Handler) GetContractor(w http.ResponseWriter, r *http.Request) {
	if !h.hasDirectory(w) {
		return
	}
	c, err := h.Contractors.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractorDTO(c))
}

// CreateContractor adds a contractor.
// POST /api/contractors
func (h *Handler) CreateContractor(w http.ResponseWriter, r *http.Request) {
	if !h.hasDirectory(w) {
		return
	}
	var req CreateContractorRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := req.toContractor()
	if err != nil {
		h.fail(w, err)
		return
	}
	if c, err = h.Contractors.Add(c); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractorDTO(c))
}

// RateContractor records a rating.
// POST /api/contractors/{id}/rating
func (h *Handler) RateContractor(w http.ResponseWriter, r *http.Request) {
	if !h.hasDirectory(w) {
		return
	}
	var req RatingRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Contractors.Rate(chi.URLParam(r, "id"), req.Rating)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractorDTO(c))
}

// SetPreferred flags or unflags a contractor.
// POST /api/contractors/{id}/preferred
func (h *Handler) SetPreferred(w http.ResponseWriter, r *http.Request) {
	if !h.hasDirectory(w) {
		return
	}
	var req PreferredRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.Contractors.SetPreferred(chi.URLParam(r, "id"), req.Preferred)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractorDTO(c))
}

func (h *Handler) hasDirectory(w http.ResponseWriter) bool {
	if h.Contractors == nil {
		writeError(w, http.StatusServiceUnavailable, "Contractor directory is not configured", nil)
		return false
	}
	return true
}

// =============================================================================
// SYNC
// =============================================================================

// GetQueue lists queued offline actions in replay order.
// GET /api/sync/queue
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	actions, err := h.Client.Queue().Pending(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if actions == nil {
		actions = []offline.QueuedAction{}
	}
	writeJSON(w, http.StatusOK, QueueResponse{
		DeviceID: h.DeviceID,
		Offline:  h.Client.Offline(),
		Actions:  actions,
	})
}

// Flush replays the queue now.
// POST /api/sync/flush
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	if h.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "Sync is not configured", nil)
		return
	}
	if h.Client.Offline() {
		writeError(w, http.StatusServiceUnavailable, "Device is offline", nil)
		return
	}
	rep, err := h.Reconciler.Flush(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Flush failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// =============================================================================
// REPORTS
// =============================================================================

// GetSummary returns income, expenses and profit/loss for a date range
// (default: the current month).
// GET /api/reports/summary?from=2025-01-01&to=2025-03-31
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	rng, err := h.reportRange(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	s, err := report.Build(r.Context(), h.Client.Engine(), rng)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(s))
}

// ExportCSV streams the paid payments of a date range as CSV.
// GET /api/reports/transactions.csv?from=2025-01-01&to=2025-03-31
func (h *Handler) ExportCSV(w http.ResponseWriter, r *http.Request) {
	rng, err := h.reportRange(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	txs, err := report.Load(r.Context(), h.Client.Engine(), rng)
	if err != nil {
		h.fail(w, err)
		return
	}
	name := fmt.Sprintf("transactions_%s_%s.csv", rng.From.Format(time.DateOnly), rng.To.Format(time.DateOnly))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	if err := report.WriteCSV(w, txs, rng); err != nil {
		h.Logger.Error("write csv", "error", err)
	}
}

// reportRange reads from/to. The end date is inclusive of its whole day.
func (h *Handler) reportRange(r *http.Request) (report.Range, error) {
	now := h.Client.Engine().Now()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, -1)

	var err error
	if s := r.URL.Query().Get("from"); s != "" {
		if from, err = parseDate("from", s); err != nil {
			return report.Range{}, err
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		if to, err = parseDate("to", s); err != nil {
			return report.Range{}, err
		}
	}
	if to.Before(from) {
		return report.Range{}, &obligation.ValidationError{Field: "to", Reason: "must not be before from"}
	}
	return report.Range{From: from, To: to.Add(24*time.Hour - time.Nanosecond)}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func idParam(r *http.Request) obligation.ID {
	return obligation.ID(chi.URLParam(r, "id"))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// respond writes a mutation result. Queued outcomes answer 202.
func (h *Handler) respond(w http.ResponseWriter, out offline.Outcome, err error, status int) {
	if err != nil {
		h.fail(w, err)
		return
	}
	if out.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toMutationResponse(out))
}

// fail maps engine and directory errors to HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, obligation.ErrNotFound):
		writeError(w, http.StatusNotFound, "Obligation not found", err)
	case errors.Is(err, contractor.ErrNotFound):
		writeError(w, http.StatusNotFound, "Contractor not found", err)
	case errors.Is(err, obligation.ErrAlreadyRefunded):
		writeError(w, http.StatusConflict, "Payment already refunded", err)
	case errors.Is(err, obligation.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Invalid transition", err)
	case errors.Is(err, contractor.ErrDuplicate):
		writeError(w, http.StatusConflict, "Contractor already exists", err)
	case errors.Is(err, obligation.ErrGatewayFailure):
		writeError(w, http.StatusBadGateway, "Payment gateway failure", err)
	case obligation.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Validation failed", err)
	default:
		h.Logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
