package offline

import (
	"context"
	"errors"
	"sync"
)

// ErrActionNotFound is returned when a queued action id is unknown.
var ErrActionNotFound = errors.New("queued action not found")

// Queue is an ordered per-device buffer of actions.
type Queue interface {
	// Enqueue appends an action. Enqueueing an id twice is a no-op.
	Enqueue(ctx context.Context, a QueuedAction) error

	// Pending returns all queued actions in enqueue order.
	Pending(ctx context.Context) ([]QueuedAction, error)

	// Remove drops a confirmed action. Unknown ids are ignored.
	Remove(ctx context.Context, id string) error

	// MarkFailed records a failed replay attempt.
	MarkFailed(ctx context.Context, id string, cause error) error

	// Len returns the number of queued actions.
	Len(ctx context.Context) (int, error)
}

// MemoryQueue is a Queue that lives for the process lifetime.
type MemoryQueue struct {
	mu      sync.Mutex
	actions []QueuedAction
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, a QueuedAction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.indexOf(a.ID) >= 0 {
		return nil
	}
	q.actions = append(q.actions, cloneAction(a))
	return nil
}

func (q *MemoryQueue) Pending(_ context.Context) ([]QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedAction, len(q.actions))
	for i, a := range q.actions {
		out[i] = cloneAction(a)
	}
	return out, nil
}

func (q *MemoryQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexOf(id); i >= 0 {
		q.actions = append(q.actions[:i], q.actions[i+1:]...)
	}
	return nil
}

func (q *MemoryQueue) MarkFailed(_ context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return ErrActionNotFound
	}
	q.actions[i].Attempts++
	q.actions[i].LastError = errorText(cause)
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions), nil
}

func (q *MemoryQueue) indexOf(id string) int {
	for i, a := range q.actions {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func cloneAction(a QueuedAction) QueuedAction {
	a.Payload = append([]byte(nil), a.Payload...)
	return a
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
