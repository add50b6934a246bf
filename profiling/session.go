package profiling

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Session is a handle to one running profiling session. Stop it exactly
// once; the second Stop reports ErrSessionStopped. A session orphaned by a
// host restart reports ErrSessionDiscarded instead.
type Session struct {
	manager   *SessionManager
	startedAt time.Time

	mu        sync.Mutex
	stopped   bool
	discarded bool
}

// StartedAt returns when the session began capturing.
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// Running reports whether the session is still capturing.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped && !s.discarded
}

// Stop ends the session and returns the captured profile.
func (s *Session) Stop(ctx context.Context) (*Profile, error) {
	return s.manager.stop(ctx, s)
}

func (s *Session) discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded = true
}

// SessionManager owns the single-session rule: at most one profiling session
// runs against a host at a time. It is safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	source Source
	active *Session
}

// NewSessionManager creates a manager over the given source. A nil source
// yields a manager that reports profiling as unsupported.
func NewSessionManager(source Source) *SessionManager {
	return &SessionManager{source: source}
}

// Supported reports whether a session could be started right now,
// disregarding whether one is already running.
func (m *SessionManager) Supported() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source != nil && m.source.Supported()
}

// Active returns the running session, if any.
func (m *SessionManager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Start begins a new session. It fails with ErrUnsupported when no capable
// source is configured and with ErrSessionActive when a session is already
// running.
func (m *SessionManager) Start(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.source == nil || !m.source.Supported() {
		return nil, ErrUnsupported
	}
	if m.active != nil {
		return nil, ErrSessionActive
	}

	if err := m.source.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting profile capture: %w", err)
	}

	s := &Session{manager: m, startedAt: time.Now()}
	m.active = s
	return s, nil
}

// Reset discards any running session without collecting its profile. The
// orphaned handle's Stop then reports ErrSessionDiscarded. Used when the
// host restarts underneath the profiler.
func (m *SessionManager) Reset() {
	m.mu.Lock()
	active := m.active
	m.active = nil
	m.mu.Unlock()

	if active != nil {
		active.discard()
	}
}

// stop serializes all source access under the manager lock so a Stop racing
// a Reset plus a new Start cannot tear down the newer session's capture.
func (m *SessionManager) stop(ctx context.Context, s *Session) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.mu.Lock()
	if s.discarded {
		s.mu.Unlock()
		return nil, ErrSessionDiscarded
	}
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrSessionStopped
	}
	s.stopped = true
	s.mu.Unlock()

	m.active = nil

	profile, err := m.source.Stop(ctx)
	if err != nil {
		return nil, fmt.Errorf("stopping profile capture: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	return profile, nil
}
