package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vts/obligation-engine/offline"
)

// LogMessenger delivers offline.Messages to a structured log. Repeated IDs
// are logged once.
type LogMessenger struct {
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]bool
}

var _ offline.Messenger = (*LogMessenger)(nil)

func NewLogMessenger(logger *slog.Logger) *LogMessenger {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMessenger{logger: logger, seen: make(map[string]bool)}
}

func (m *LogMessenger) Send(_ context.Context, msg offline.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID != "" && m.seen[msg.ID] {
		return nil
	}
	m.seen[msg.ID] = true
	m.logger.Info("message", "id", msg.ID, "obligation_id", msg.ObligationID, "to", msg.To, "body", msg.Body)
	return nil
}
