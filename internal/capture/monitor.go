package capture

import (
	"log/slog"
	"sync"
)

// Monitor tracks network connectivity transitions and decides whether the
// pipeline operates in offline mode.
//
// Connectivity is fed in by whoever owns the transport (the session manager
// reports connect and drop events). Offline mode can additionally be forced
// by configuration, for tests or privacy-sensitive local-only capture.
//
// Safe for concurrent use.
type Monitor struct {
	log *slog.Logger

	mu       sync.Mutex
	online   bool
	forced   bool
	onChange func(offline bool)
}

// NewMonitor creates a Monitor. The pipeline starts offline until the first
// connectivity report; forceOffline pins it offline regardless of reports.
func NewMonitor(forceOffline bool, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{forced: forceOffline, log: log}
}

// OnChange registers the callback invoked whenever the offline decision
// flips. Replaces any previous registration.
func (m *Monitor) OnChange(fn func(offline bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetOnline records a connectivity transition.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	before := m.offlineLocked()
	m.online = online
	after := m.offlineLocked()
	fn := m.onChange
	m.mu.Unlock()

	if before != after {
		m.log.Info("offline mode changed", "offline", after, "forced", m.Forced())
		if fn != nil {
			fn(after)
		}
	}
}

// ForceOffline pins or unpins offline mode independent of connectivity.
func (m *Monitor) ForceOffline(forced bool) {
	m.mu.Lock()
	before := m.offlineLocked()
	m.forced = forced
	after := m.offlineLocked()
	fn := m.onChange
	m.mu.Unlock()

	if before != after {
		m.log.Info("offline mode changed", "offline", after, "forced", forced)
		if fn != nil {
			fn(after)
		}
	}
}

// Forced reports whether offline mode is pinned by configuration.
func (m *Monitor) Forced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forced
}

// IsOfflineMode reports whether capture should stay local: either the
// network is down or offline mode is forced.
func (m *Monitor) IsOfflineMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offlineLocked()
}

func (m *Monitor) offlineLocked() bool {
	return m.forced || !m.online
}
