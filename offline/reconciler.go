package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vts/obligation-engine/obligation"
)

// ErrSyncConflict marks a queued action whose target moved on while the
// action waited, for example a status change on an issue that was already
// closed through another path.
var ErrSyncConflict = errors.New("sync conflict")

// SyncConflictError describes a dropped action.
type SyncConflictError struct {
	ActionID     string
	Kind         ActionKind
	ObligationID obligation.ID
	Err          error
}

func (e *SyncConflictError) Error() string {
	return fmt.Sprintf("sync conflict: %s action %s on %s: %v", e.Kind, e.ActionID, e.ObligationID, e.Err)
}

func (e *SyncConflictError) Unwrap() []error {
	return []error{ErrSyncConflict, e.Err}
}

// ActionFailure is one action that did not apply during a flush.
type ActionFailure struct {
	ActionID     string        `json:"action_id"`
	Kind         ActionKind    `json:"kind"`
	ObligationID obligation.ID `json:"obligation_id,omitempty"`
	Error        string        `json:"error"`
	Conflict     bool          `json:"conflict"`
}

// FlushReport summarizes one flush.
type FlushReport struct {
	Applied   int             `json:"applied"`
	Conflicts int             `json:"conflicts"`
	Failed    int             `json:"failed"`
	Blocked   int             `json:"blocked"`
	Remaining int             `json:"remaining"`
	Failures  []ActionFailure `json:"failures,omitempty"`
}

// Reconciler replays queued actions through the engine.
type Reconciler struct {
	engine  *obligation.Engine
	queue   Queue
	monitor Monitor
	exec    executor
	remote  Remote
	logger  *slog.Logger
	limiter *rate.Limiter
	retry   time.Duration

	mu sync.Mutex // one flush at a time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithRemote pushes each confirmed obligation to the remote counterpart.
func WithRemote(remote Remote) ReconcilerOption {
	return func(r *Reconciler) { r.remote = remote }
}

// WithMessenger sets the transport for queued message sends.
func WithMessenger(m Messenger) ReconcilerOption {
	return func(r *Reconciler) { r.exec.messenger = m }
}

// WithReconcilerLogger sets the structured logger.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = logger }
}

// WithMinFlushInterval limits how often Run may flush.
func WithMinFlushInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.limiter = rate.NewLimiter(rate.Every(d), 1) }
}

// WithRetryInterval sets how often Run retries a non-empty queue while the
// link stays up. Non-positive values keep the default.
func WithRetryInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.retry = d
		}
	}
}

// NewReconciler creates a reconciler for queue.
func NewReconciler(engine *obligation.Engine, queue Queue, monitor Monitor, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		engine:  engine,
		queue:   queue,
		monitor: monitor,
		exec:    executor{engine: engine},
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Every(5*time.Second), 1),
		retry:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Flush replays every queued action in enqueue order.
//
// A confirmed action is removed. A failed action stays queued and blocks
// later actions on the same obligation. Conflicts are dropped with a
// warning. Cancelling ctx stops between actions; an action is only removed
// after it was confirmed.
func (r *Reconciler) Flush(ctx context.Context) (FlushReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report FlushReport
	actions, err := r.queue.Pending(ctx)
	if err != nil {
		return report, fmt.Errorf("load queue: %w", err)
	}

	blocked := make(map[obligation.ID]bool)
	for _, a := range actions {
		if err := ctx.Err(); err != nil {
			return r.finish(ctx, report, err)
		}
		if a.ObligationID != "" && blocked[a.ObligationID] {
			report.Blocked++
			continue
		}

		err := r.replay(ctx, a)
		if err == nil {
			if err = r.queue.Remove(ctx, a.ID); err != nil {
				err = fmt.Errorf("remove confirmed action: %w", err)
			}
		}
		if err == nil {
			report.Applied++
			continue
		}
		if ctx.Err() != nil {
			return r.finish(ctx, report, ctx.Err())
		}

		var conflict *SyncConflictError
		if errors.As(err, &conflict) {
			r.logger.Warn("dropping conflicting action",
				"action_id", a.ID, "kind", a.Kind, "obligation_id", a.ObligationID, "error", conflict.Err)
			if rmErr := r.queue.Remove(ctx, a.ID); rmErr != nil {
				r.logger.Error("remove conflicting action", "action_id", a.ID, "error", rmErr)
			}
			report.Conflicts++
			report.Failures = append(report.Failures, failure(a, err, true))
			continue
		}

		r.logger.Error("queued action failed",
			"action_id", a.ID, "kind", a.Kind, "obligation_id", a.ObligationID, "attempt", a.Attempts+1, "error", err)
		if mfErr := r.queue.MarkFailed(ctx, a.ID, err); mfErr != nil {
			r.logger.Error("record failed attempt", "action_id", a.ID, "error", mfErr)
		}
		if a.ObligationID != "" {
			blocked[a.ObligationID] = true
		}
		report.Failed++
		report.Failures = append(report.Failures, failure(a, err, false))
	}

	if err := r.clearPendingSync(ctx); err != nil {
		r.logger.Error("clear pending-sync tags", "error", err)
	}
	return r.finish(ctx, report, nil)
}

// replay executes one action and pushes the result.
func (r *Reconciler) replay(ctx context.Context, a QueuedAction) error {
	o, err := r.exec.execute(ctx, a)
	if err != nil {
		return r.classify(ctx, a, err)
	}
	return r.push(ctx, o)
}

// classify wraps err as a conflict when the target already reached an end
// state another way.
func (r *Reconciler) classify(ctx context.Context, a QueuedAction, err error) error {
	conflict := errors.Is(err, obligation.ErrAlreadyRefunded)
	if !conflict && errors.Is(err, obligation.ErrInvalidTransition) && a.ObligationID != "" {
		if current, getErr := r.engine.Get(ctx, a.ObligationID); getErr == nil && current.IsTerminal() {
			conflict = true
		}
	}
	if !conflict {
		return err
	}
	return &SyncConflictError{ActionID: a.ID, Kind: a.Kind, ObligationID: a.ObligationID, Err: err}
}

func (r *Reconciler) push(ctx context.Context, o *obligation.Obligation) error {
	if r.remote == nil || o == nil {
		return nil
	}
	if err := r.remote.Push(ctx, o); err != nil {
		return fmt.Errorf("push %s: %w", o.ID, err)
	}
	if o.SuccessorID == "" {
		return nil
	}
	next, err := r.engine.Get(ctx, o.SuccessorID)
	if err != nil {
		return err
	}
	if err := r.remote.Push(ctx, next); err != nil {
		return fmt.Errorf("push %s: %w", next.ID, err)
	}
	return nil
}

// clearPendingSync untags obligations no queued action refers to. A
// successor stays tagged while its parent still has queued actions.
func (r *Reconciler) clearPendingSync(ctx context.Context) error {
	remaining, err := r.queue.Pending(ctx)
	if err != nil {
		return err
	}
	waiting := make(map[obligation.ID]bool, len(remaining))
	for _, a := range remaining {
		waiting[a.ObligationID] = true
	}

	pending := true
	tagged, err := r.engine.List(ctx, obligation.Filter{PendingSync: &pending})
	if err != nil {
		return err
	}
	for _, o := range tagged {
		if waiting[o.ID] || (o.ParentID != "" && waiting[o.ParentID]) {
			continue
		}
		if err := r.engine.SetPendingSync(ctx, o.ID, false); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) finish(ctx context.Context, report FlushReport, cause error) (FlushReport, error) {
	// The queue must be read even if ctx was cancelled.
	n, err := r.queue.Len(context.WithoutCancel(ctx))
	if err != nil && cause == nil {
		cause = err
	}
	report.Remaining = n

	r.logger.Info("flush finished",
		"applied", report.Applied, "conflicts", report.Conflicts, "failed", report.Failed,
		"blocked", report.Blocked, "remaining", report.Remaining)
	return report, cause
}

// Run flushes whenever the monitor reports the link is back, and once at
// start if already online. While online it also retries a non-empty queue
// every retry interval, so actions queued behind a failure are not stranded
// on a stable link. It blocks until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	updates, cancel := r.monitor.Subscribe()
	defer cancel()
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	if !r.monitor.IsOffline() {
		r.flushAndLog(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case offline := <-updates:
			if offline {
				r.logger.Info("connectivity lost, queueing actions")
				continue
			}
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
			r.flushAndLog(ctx)
		case <-ticker.C:
			if r.monitor.IsOffline() {
				continue
			}
			if n, err := r.queue.Len(ctx); err != nil || n == 0 || !r.limiter.Allow() {
				continue
			}
			r.flushAndLog(ctx)
		}
	}
}

func (r *Reconciler) flushAndLog(ctx context.Context) {
	if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("flush failed", "error", err)
	}
}

func failure(a QueuedAction, err error, conflict bool) ActionFailure {
	return ActionFailure{
		ActionID:     a.ID,
		Kind:         a.Kind,
		ObligationID: a.ObligationID,
		Error:        err.Error(),
		Conflict:     conflict,
	}
}
