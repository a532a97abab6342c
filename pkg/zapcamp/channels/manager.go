// Package channels – manager.go orchestrates the registered transports:
// connects them, fans their inbound events into a single stream for the
// collector, and routes outbound chunks back to the right transport by
// conversation endpoint.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zapcamp/zapcamp/pkg/zapcamp/queue"
)

// Manager aggregates events from all registered transports and routes
// outbound sends to the transport owning the conversation's endpoint.
type Manager struct {
	// transports holds the registered transports indexed by name.
	transports map[string]Transport

	// events is the aggregated inbound stream.
	events chan *InboundEvent

	logger *slog.Logger

	// listenWg tracks per-transport listen goroutines for clean shutdown.
	listenWg sync.WaitGroup

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a transport manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		transports: make(map[string]Transport),
		events:     make(chan *InboundEvent, 256),
		logger:     logger.With("component", "channels"),
	}
}

// Register adds a transport. Must be called before Start.
func (m *Manager) Register(t Transport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := t.Name()
	if _, exists := m.transports[name]; exists {
		return fmt.Errorf("transport %q already registered", name)
	}
	m.transports[name] = t
	m.logger.Info("transport registered", "transport", name)
	return nil
}

// Start connects every registered transport and begins forwarding inbound
// events. A transport that fails to connect is logged and skipped; Start
// only errors when no transport connected at all.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make(map[string]Transport, len(m.transports))
	for k, v := range m.transports {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		return fmt.Errorf("no transports registered")
	}

	var connected int
	for name, t := range snapshot {
		if err := t.Connect(m.ctx); err != nil {
			m.logger.Error("transport connect failed", "transport", name, "error", err)
			continue
		}
		connected++
		m.logger.Info("transport connected", "transport", name)

		m.listenWg.Add(1)
		go func(t Transport) {
			defer m.listenWg.Done()
			m.listen(t)
		}(t)
	}

	if connected == 0 {
		return fmt.Errorf("no transport connected successfully")
	}
	return nil
}

// Stop disconnects all transports, waits for the listen goroutines and
// closes the aggregated event stream.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.listenWg.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, t := range m.transports {
		if err := t.Disconnect(); err != nil {
			m.logger.Warn("transport disconnect failed", "transport", name, "error", err)
		}
	}
	close(m.events)
}

// Events returns the aggregated inbound event stream.
func (m *Manager) Events() <-chan *InboundEvent {
	return m.events
}

// ForEndpoint returns the transport that owns the conversation's endpoint.
func (m *Manager) ForEndpoint(key queue.ConversationKey) (Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transports {
		if t.Name() == key.Endpoint {
			return t, nil
		}
	}
	return nil, fmt.Errorf("no transport for endpoint %q", key.Endpoint)
}

// Health returns per-transport health, indexed by name.
func (m *Manager) Health() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthStatus, len(m.transports))
	for name, t := range m.transports {
		out[name] = t.Health()
	}
	return out
}

// listen forwards one transport's events into the aggregated stream until
// the transport closes its channel or the manager stops.
func (m *Manager) listen(t Transport) {
	for {
		select {
		case <-m.ctx.Done():
			return
		case evt, ok := <-t.Receive():
			if !ok {
				m.logger.Debug("transport event stream closed", "transport", t.Name())
				return
			}
			select {
			case m.events <- evt:
			case <-m.ctx.Done():
				return
			}
		}
	}
}
