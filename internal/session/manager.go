package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/trafficwarden/internal/metrics"
	"github.com/Rorqualx/trafficwarden/internal/types"
)

// Manager is the registry of live sessions.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
	closed      bool
}

// NewManager creates a session manager. maxSessions below 1 means no limit.
func NewManager(maxSessions int) *Manager {
	log.Info().
		Int("max_sessions", maxSessions).
		Msg("Session manager initialized")

	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
	}
}

// Create registers a new session with a random id. On error the driver is
// closed, since no session took ownership of it.
func (m *Manager) Create(driver Driver, engine Decider, extractor Extractor, opts Options) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		closeDriver(driver)
		return nil, types.ErrSessionClosed
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		closeDriver(driver)
		return nil, types.ErrTooManySessions
	}

	id := uuid.NewString()
	s := New(id, driver, engine, extractor, opts)
	m.sessions[id] = s
	metrics.UpdateSessionMetrics(len(m.sessions))

	log.Debug().
		Str("session_id", id).
		Int("total_sessions", len(m.sessions)).
		Msg("Session created")

	return s, nil
}

func closeDriver(driver Driver) {
	if err := driver.Close(); err != nil {
		log.Debug().Err(err).Msg("Error closing unused driver")
	}
}

// Run creates a session, runs it to completion and removes it.
func (m *Manager) Run(ctx context.Context, driver Driver, engine Decider, extractor Extractor, opts Options) (*types.SessionSummary, error) {
	s, err := m.Create(driver, engine, extractor, opts)
	if err != nil {
		return nil, err
	}
	defer m.Remove(s.ID())

	return s.Run(ctx)
}

// Get retrieves a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, types.ErrSessionNotFound
	}
	return s, nil
}

// Remove closes and unregisters a session.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return types.ErrSessionNotFound
	}
	metrics.UpdateSessionMetrics(count)
	return s.Close()
}

// List returns the ids of live sessions.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close closes all sessions in parallel and rejects new ones.
// Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	metrics.UpdateSessionMetrics(0)

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, s := range sessions {
		s := s
		eg.Go(func() error {
			if err := s.Close(); err != nil {
				log.Debug().Err(err).Str("session_id", s.ID()).Msg("Error closing session during shutdown")
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("Session shutdown encountered errors")
	}

	log.Info().Int("closed", len(sessions)).Msg("Session manager closed")
	return nil
}
