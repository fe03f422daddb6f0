package offline_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vts/obligation-engine/contractor"
	"github.com/vts/obligation-engine/obligation"
	"github.com/vts/obligation-engine/obligation/store"
	"github.com/vts/obligation-engine/offline"
	"github.com/vts/obligation-engine/recurrence"
)

var errBoom = errors.New("boom")

// stubGateway counts calls and can fail the next one.
type stubGateway struct {
	mu      sync.Mutex
	charges int
	refunds int
	errNext error
}

func (g *stubGateway) Charge(_ context.Context, req obligation.ChargeRequest) (obligation.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges++
	if err := g.errNext; err != nil {
		g.errNext = nil
		return obligation.ChargeResult{}, err
	}
	return obligation.ChargeResult{Success: true, TransactionRef: req.IdempotencyKey}, nil
}

func (g *stubGateway) Refund(_ context.Context, req obligation.RefundRequest) (obligation.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds++
	return obligation.RefundResult{Success: true, Amount: req.Amount}, nil
}

func (g *stubGateway) Charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.charges
}

func (g *stubGateway) failNext(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errNext = err
}

// recordingRemote remembers pushes and can fail.
type recordingRemote struct {
	mu     sync.Mutex
	pushed []obligation.ID
	fail   error
}

func (r *recordingRemote) Push(_ context.Context, o *obligation.Obligation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.pushed = append(r.pushed, o.ID)
	return nil
}

func (r *recordingRemote) setFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

// recordingMessenger remembers sends.
type recordingMessenger struct {
	mu   sync.Mutex
	sent []offline.Message
}

func (m *recordingMessenger) Send(_ context.Context, msg offline.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

// flakyQueue fails Remove a set number of times, like a crash between
// applying an action and dropping it from the queue.
type flakyQueue struct {
	offline.Queue
	mu          sync.Mutex
	failRemoves int
}

func (q *flakyQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	if q.failRemoves > 0 {
		q.failRemoves--
		q.mu.Unlock()
		return errors.New("disk unplugged")
	}
	q.mu.Unlock()
	return q.Queue.Remove(ctx, id)
}

type syncEnv struct {
	engine     *obligation.Engine
	store      *store.Memory
	gateway    *stubGateway
	queue      offline.Queue
	monitor    *offline.Switch
	client     *offline.Client
	reconciler *offline.Reconciler
	remote     *recordingRemote
	messenger  *recordingMessenger
}

func newSyncEnv(t *testing.T, queue offline.Queue) *syncEnv {
	t.Helper()
	if queue == nil {
		queue = offline.NewMemoryQueue()
	}
	now := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	mem := store.NewMemory()
	gw := &stubGateway{}
	dir, err := contractor.NewDirectory(contractor.Contractor{
		ID: "c-smith", Name: "John Smith", Company: "Smith Plumbing", Specialties: []contractor.Specialty{contractor.Plumbing},
	})
	require.NoError(t, err)
	engine := obligation.NewEngine(mem, nil, gw, nil,
		obligation.WithClock(func() time.Time { return now }),
		obligation.WithContractors(dir),
	)
	sw := offline.NewSwitch(false)
	remote := &recordingRemote{}
	messenger := &recordingMessenger{}

	return &syncEnv{
		engine:  engine,
		store:   mem,
		gateway: gw,
		queue:   queue,
		monitor: sw,
		client:  offline.NewClient(engine, queue, sw, "phone-1", messenger),
		reconciler: offline.NewReconciler(engine, queue, sw,
			offline.WithRemote(remote),
			offline.WithMessenger(messenger),
			offline.WithMinFlushInterval(time.Millisecond),
		),
		remote:    remote,
		messenger: messenger,
	}
}

func (env *syncEnv) payment(t *testing.T, title string, amount int64) *obligation.Obligation {
	t.Helper()
	p, err := env.engine.CreatePayment(context.Background(), obligation.PaymentInput{
		Title:     title,
		Amount:    decimal.NewFromInt(amount),
		Category:  obligation.CategoryUtilities,
		Frequency: recurrence.Monthly,
	})
	require.NoError(t, err)
	return p
}

func (env *syncEnv) queueLen(t *testing.T) int {
	t.Helper()
	n, err := env.queue.Len(context.Background())
	require.NoError(t, err)
	return n
}

func countActions(entries []obligation.AuditEntry, id obligation.ID, action obligation.AuditAction) int {
	n := 0
	for _, e := range entries {
		if e.ObligationID == id && e.Action == action {
			n++
		}
	}
	return n
}
