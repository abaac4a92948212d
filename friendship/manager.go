package friendship

import (
	"context"
	"sync"

	"github.com/aosora-chat/server/feed"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// session pairs an engine with its first-use setup state. ready is
// closed once subscribe and load have finished; err is written before
// the close and read only after it.
type session struct {
	engine *Engine
	ready  chan struct{}
	err    error
}

func (s *session) done() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Manager owns one sync engine per logged-in user. Engines live for the
// logical session (login to logout), independent of any particular view
// or connection, so re-renders and reconnects never stack duplicate
// feed subscriptions.
type Manager struct {
	db     *gorm.DB
	gw     *feed.Gateway
	thrds  ThreadEnsurer
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[int64]*session
}

// NewManager creates a Manager.
func NewManager(db *gorm.DB, gw *feed.Gateway, threads ThreadEnsurer, logger *zap.Logger) *Manager {
	return &Manager{
		db:       db,
		gw:       gw,
		thrds:    threads,
		logger:   logger,
		sessions: make(map[int64]*session),
	}
}

// StartSession returns the engine for userID, creating, loading and
// subscribing it on first use. Concurrent callers for the same user
// wait for that first-use setup and share the resulting engine; when
// the setup fails, every waiter gets the error.
func (m *Manager) StartSession(ctx context.Context, userID int64) (*Engine, error) {
	m.mu.Lock()
	if s, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if s.err != nil {
			return nil, s.err
		}
		return s.engine, nil
	}
	s := &session{
		engine: NewEngine(userID, m.db, m.gw, m.thrds, m.logger),
		ready:  make(chan struct{}),
	}
	m.sessions[userID] = s
	m.mu.Unlock()

	// Subscribe before the snapshot load: a mutation committed between
	// the two is then seen either in the snapshot or as a feed event.
	err := s.engine.Subscribe(ctx)
	if err == nil {
		err = s.engine.Initialize(ctx)
	}
	if err != nil {
		s.engine.Teardown()
		m.drop(userID, s)
		s.err = err
		close(s.ready)
		return nil, err
	}
	close(s.ready)
	m.logger.Info("sync session started", zap.Int64("user_id", userID))
	return s.engine, nil
}

// Get returns the live engine for userID, or nil when no session exists
// or its setup has not finished.
func (m *Manager) Get(userID int64) *Engine {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s == nil || !s.done() || s.err != nil {
		return nil
	}
	return s.engine
}

// EndSession tears down and removes the engine for userID, if any.
func (m *Manager) EndSession(userID int64) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	if ok {
		s.engine.Teardown()
		m.logger.Info("sync session ended", zap.Int64("user_id", userID))
	}
}

// Shutdown tears down every live engine. Used on server exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[int64]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.engine.Teardown()
	}
}

func (m *Manager) drop(userID int64, s *session) {
	m.mu.Lock()
	if cur, ok := m.sessions[userID]; ok && cur == s {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
}
