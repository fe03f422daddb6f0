package offline

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor reports connectivity to the remote counterpart.
type Monitor interface {
	IsOffline() bool

	// Subscribe delivers the offline flag on every state change. Slow
	// readers only see the latest state. cancel releases the channel.
	Subscribe() (ch <-chan bool, cancel func())
}

// Switch is a Monitor toggled by hand.
type Switch struct {
	mu      sync.Mutex
	offline bool
	subs    map[chan bool]struct{}
}

var _ Monitor = (*Switch)(nil)

// NewSwitch starts in the given state.
func NewSwitch(offline bool) *Switch {
	return &Switch{offline: offline, subs: make(map[chan bool]struct{})}
}

func (s *Switch) IsOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// Set changes the state and notifies subscribers if it differs.
func (s *Switch) Set(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline == offline {
		return
	}
	s.offline = offline
	for ch := range s.subs {
		publishLatest(ch, offline)
	}
}

func (s *Switch) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			s.mu.Unlock()
		})
	}
}

// publishLatest replaces any unread value with v.
func publishLatest(ch chan bool, v bool) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Probe is a Monitor that polls a URL. Any transport error or 5xx status
// counts as offline.
type Probe struct {
	*Switch

	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewProbe creates a probe that assumes online until the first check.
func NewProbe(url string, interval time.Duration, logger *slog.Logger) *Probe {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{
		Switch:   NewSwitch(false),
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: interval / 2},
		logger:   logger,
	}
}

// Run checks immediately and then every interval until ctx is done.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check performs one probe and updates the state.
func (p *Probe) Check(ctx context.Context) bool {
	offline := !p.reachable(ctx)
	if offline != p.IsOffline() {
		p.logger.Info("connectivity changed", "url", p.url, "offline", offline)
	}
	p.Set(offline)
	return offline
}

func (p *Probe) reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
