// Package connectivity tracks whether the remote backend is reachable.
package connectivity

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"

	"fieldsync/config"

	"go.uber.org/zap"
)

// Status is the reachability of the backend.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// Event is emitted on every status transition.
type Event struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// Oracle is the read side of a Monitor that the sync core depends on.
type Oracle interface {
	Status() Status
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Monitor holds the current status, fed by platform reports and an
// optional HTTP reachability probe. Without either it assumes Online.
type Monitor struct {
	mu        sync.Mutex
	status    Status
	listeners map[int]func(Event)
	nextID    int

	probeURL string
	interval time.Duration
	client   *http.Client
	logger   *zap.Logger
}

// NewMonitor creates a monitor starting Online.
func NewMonitor(cfg config.ConnectivityConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		status:    Online,
		listeners: make(map[int]func(Event)),
		probeURL:  cfg.ProbeURL,
		interval:  cfg.ProbeInterval,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.Named("connectivity"),
	}
}

// Status returns the last known status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers fn for status transitions. Listeners run on the
// goroutine that caused the transition and must not block.
func (m *Monitor) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners, id)
		})
	}
}

// Report records a platform signal. Only transitions notify listeners.
func (m *Monitor) Report(online bool) {
	next := Offline
	if online {
		next = Online
	}

	m.mu.Lock()
	if m.status == next {
		m.mu.Unlock()
		return
	}
	m.status = next
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	listeners := make([]func(Event), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.String("status", string(next)))
	ev := Event{Status: next, At: time.Now()}
	for _, fn := range listeners {
		fn(ev)
	}
}

// Probe checks the configured URL once. Any HTTP response below 500
// counts as reachable.
func (m *Monitor) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.logger.Warn("invalid probe request", zap.Error(err))
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("probe failed", zap.Error(err))
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Run probes immediately and then every interval until ctx is done. It
// returns at once when no probe URL is configured.
func (m *Monitor) Run(ctx context.Context) {
	if m.probeURL == "" || m.interval <= 0 {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		online := m.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		m.Report(online)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
