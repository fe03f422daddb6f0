/*
scheduler.go - Reminder scheduling and delivery

PURPOSE:
  Receives events from the engine (fire-and-forget), holds them until their
  delivery time and hands them to a Sender from a cron job. Also sweeps for
  overdue obligations once a day.

DESIGN:
  - Schedule never blocks and never fails; the engine does not wait on it
  - Events are keyed by (kind, obligation, time) so a repeat replaces
  - Failed sends are retried on later ticks, then dropped with an error log
  - Delivery runs on robfig/cron, one job for dispatch, one for the sweep

USAGE:
  sched := notify.NewScheduler(notify.NewLogSender(logger), notify.WithLogger(logger))
  engine := obligation.NewEngine(store, ledger, gw, sched)
  sched.WatchOverdue(engine)
  if err := sched.Start(); err != nil { ... }
  defer sched.Stop()
*/
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vts/obligation-engine/obligation"
)

const (
	DefaultDispatchSpec = "@every 1m"
	DefaultSweepSpec    = "0 8 * * *"
	maxAttempts         = 3
)

// Sender delivers one notification.
type Sender interface {
	Send(ctx context.Context, ev obligation.Event) error
}

// LogSender writes notifications to a structured log.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, ev obligation.Event) error {
	s.logger.Info("notification", "kind", ev.Kind, "obligation_id", ev.ObligationID, "title", ev.Title, "message", ev.Message)
	return nil
}

// DueLister finds open obligations due before a time. Engine satisfies it.
type DueLister interface {
	ListDueBefore(ctx context.Context, t time.Time) ([]*obligation.Obligation, error)
}

type queued struct {
	ev       obligation.Event
	attempts int
}

// Scheduler implements obligation.Notifier.
type Scheduler struct {
	sender       Sender
	logger       *slog.Logger
	clock        func() time.Time
	dispatchSpec string
	sweepSpec    string

	mu      sync.Mutex
	pending map[string]*queued
	due     DueLister
	cron    *cron.Cron
}

var _ obligation.Notifier = (*Scheduler)(nil)

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithDispatchSpec sets the cron spec of the delivery job.
func WithDispatchSpec(spec string) Option {
	return func(s *Scheduler) { s.dispatchSpec = spec }
}

// WithSweepSpec sets the cron spec of the overdue sweep.
func WithSweepSpec(spec string) Option {
	return func(s *Scheduler) { s.sweepSpec = spec }
}

func NewScheduler(sender Sender, opts ...Option) *Scheduler {
	s := &Scheduler{
		sender:       sender,
		logger:       slog.Default(),
		clock:        time.Now,
		dispatchSpec: DefaultDispatchSpec,
		sweepSpec:    DefaultSweepSpec,
		pending:      make(map[string]*queued),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WatchOverdue enables the daily overdue sweep.
func (s *Scheduler) WatchOverdue(due DueLister) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.due = due
}

// Schedule queues ev for delivery at ev.At (immediately if zero or past).
func (s *Scheduler) Schedule(_ context.Context, ev obligation.Event) {
	if ev.At.IsZero() {
		ev.At = s.clock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[eventKey(ev)] = &queued{ev: ev}
}

// Pending returns undelivered events ordered by delivery time.
func (s *Scheduler) Pending() []obligation.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]obligation.Event, 0, len(s.pending))
	for _, q := range s.pending {
		out = append(out, q.ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].ObligationID < out[j].ObligationID
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Dispatch sends every event that is due and returns how many were sent.
func (s *Scheduler) Dispatch(ctx context.Context) int {
	now := s.clock()

	s.mu.Lock()
	var ready []*queued
	for key, q := range s.pending {
		if !q.ev.At.After(now) {
			ready = append(ready, q)
			delete(s.pending, key)
		}
	}
	s.mu.Unlock()

	sort.Slice(ready, func(i, j int) bool { return ready[i].ev.At.Before(ready[j].ev.At) })

	sent := 0
	for _, q := range ready {
		if err := s.sender.Send(ctx, q.ev); err != nil {
			q.attempts++
			if q.attempts >= maxAttempts {
				s.logger.Error("dropping notification", "kind", q.ev.Kind, "obligation_id", q.ev.ObligationID, "attempts", q.attempts, "error", err)
				continue
			}
			s.logger.Warn("notification failed, will retry", "kind", q.ev.Kind, "obligation_id", q.ev.ObligationID, "error", err)
			s.mu.Lock()
			if _, replaced := s.pending[eventKey(q.ev)]; !replaced {
				s.pending[eventKey(q.ev)] = q
			}
			s.mu.Unlock()
			continue
		}
		sent++
	}
	return sent
}

// SweepOverdue schedules one overdue notice per open obligation whose due
// date has passed. Notices are keyed by day, so a second sweep the same day
// adds nothing.
func (s *Scheduler) SweepOverdue(ctx context.Context) (int, error) {
	s.mu.Lock()
	due := s.due
	s.mu.Unlock()
	if due == nil {
		return 0, nil
	}

	now := s.clock()
	overdue, err := due.ListDueBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list overdue: %w", err)
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for _, o := range overdue {
		days := int(now.Sub(o.DueDate).Hours() / 24)
		s.Schedule(ctx, obligation.Event{
			Kind:         obligation.EventOverdue,
			ObligationID: o.ID,
			Title:        o.Title,
			Message:      fmt.Sprintf("%s %q was due %s (%d days ago)", o.Kind, o.Title, o.DueDate.Format(time.DateOnly), days),
			At:           today,
		})
	}
	return len(overdue), nil
}

// Start registers the cron jobs and starts them.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.dispatchSpec, func() { s.Dispatch(context.Background()) }); err != nil {
		return fmt.Errorf("dispatch schedule %q: %w", s.dispatchSpec, err)
	}
	if _, err := c.AddFunc(s.sweepSpec, func() {
		if _, err := s.SweepOverdue(context.Background()); err != nil {
			s.logger.Error("overdue sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", s.sweepSpec, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("notification scheduler started", "dispatch", s.dispatchSpec, "sweep", s.sweepSpec)
	return nil
}

// Stop halts the jobs and waits for a running one to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("notification scheduler stopped")
}

func eventKey(ev obligation.Event) string {
	return fmt.Sprintf("%s|%s|%d", ev.Kind, ev.ObligationID, ev.At.UnixNano())
}
