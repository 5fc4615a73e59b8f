package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cardiosync/internal/events"
	"go.uber.org/zap"
)

const defaultProbeInterval = 30 * time.Second

var errMissingPinger = errors.New("connectivity: pinger is required")

// Source reports reachability of the remote and publishes transitions as
// network_changed events.
type Source interface {
	Online() bool
	Subscribe(ctx context.Context) (<-chan events.Event, func())
}

// Manual is a Source driven by the host application.
type Manual struct {
	mu         sync.RWMutex
	online     bool
	dispatcher *events.Dispatcher
}

// NewManual constructs a Manual source in the given state.
func NewManual(online bool) *Manual {
	return &Manual{online: online, dispatcher: events.NewDispatcher()}
}

// Online reports the current state.
func (m *Manual) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a new state and publishes it when it differs from the
// previous one. It reports whether the state changed.
func (m *Manual) SetOnline(online bool) bool {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if changed {
		m.dispatcher.Publish(events.Event{
			Type:      events.TypeNetworkChanged,
			Online:    online,
			Timestamp: time.Now().UTC(),
		})
	}
	return changed
}

// Subscribe streams state transitions.
func (m *Manual) Subscribe(ctx context.Context) (<-chan events.Event, func()) {
	return m.dispatcher.Subscribe(ctx, events.TypeNetworkChanged)
}

// Pinger checks that the remote answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MonitorConfig wires a Monitor.
type MonitorConfig struct {
	Pinger   Pinger
	Interval time.Duration
	Logger   *zap.Logger
}

// Monitor is a Source that probes the remote on an interval.
type Monitor struct {
	*Manual
	pinger   Pinger
	interval time.Duration
	logger   *zap.Logger
}

// NewMonitor constructs a Monitor that starts offline until its first probe.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Pinger == nil {
		return nil, errMissingPinger
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		Manual:   NewManual(false),
		pinger:   cfg.Pinger,
		interval: interval,
		logger:   logger,
	}, nil
}

// Probe pings the remote once and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	err := m.pinger.Ping(ctx)
	online := err == nil
	if m.SetOnline(online) {
		if online {
			m.logger.Info("remote reachable")
		} else {
			m.logger.Warn("remote unreachable", zap.Error(err))
		}
	}
	return online
}

// Run probes until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
