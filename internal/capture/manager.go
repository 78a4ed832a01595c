package capture

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Manager owns all live sessions. It selects a capability per target,
// tracks sessions for shutdown, and isolates one session's fault from its
// siblings: the manager never calls back into a session except to stop it.
type Manager struct {
	capabilities []Capability
	sessions     map[string]*Session
	mu           sync.Mutex
	log          zerolog.Logger
	defaults     SessionOptions
}

// NewManager creates a session manager over the given capabilities, tried
// in order when creating sessions.
func NewManager(capabilities []Capability, defaults SessionOptions, log zerolog.Logger) *Manager {
	return &Manager{
		capabilities: capabilities,
		sessions:     make(map[string]*Session),
		log:          log.With().Str("component", "capture-manager").Logger(),
		defaults:     defaults.withDefaults(),
	}
}

// CreateSession builds a session for the target using the first capability
// that supports it. The session is tracked until removed or stopped via
// StopAll.
func (m *Manager) CreateSession(target Target, opts SessionOptions) (*Session, error) {
	var selected Capability
	for _, capability := range m.capabilities {
		if capability.Supports(target) {
			selected = capability
			break
		}
	}
	if selected == nil {
		return nil, ErrUnsupportedTarget
	}

	merged := m.defaults
	if opts.CaptureTimeout > 0 {
		merged.CaptureTimeout = opts.CaptureTimeout
	}
	if opts.FrameBuffer > 0 {
		merged.FrameBuffer = opts.FrameBuffer
	}
	if opts.Interval > 0 {
		merged.Interval = opts.Interval
	}

	device, err := selected.OpenDevice(target, merged.Interval)
	if err != nil {
		return nil, fmt.Errorf("capability %s failed to open device: %w", selected.Name(), err)
	}

	session := newSession(target, device, merged, m.log)

	m.mu.Lock()
	m.sessions[session.ID()] = session
	m.mu.Unlock()

	m.log.Info().Str("session", session.ID()).Str("capability", selected.Name()).Msg("session created")
	return session, nil
}

// Get returns a tracked session by ID
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns all tracked sessions
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Remove stops and forgets a session. Stop errors are returned after the
// session is untracked.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return session.Stop()
}

// StopAll force-stops every tracked session. Individual stop failures are
// logged and do not abort the sweep; the first error is returned.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var firstErr error
	for _, session := range sessions {
		if err := session.Stop(); err != nil {
			m.log.Warn().Str("session", session.ID()).Err(err).Msg("session stop failed during shutdown")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Count returns the number of tracked sessions
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
