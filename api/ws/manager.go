package ws

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionManager maintains the registry of all connected ClientSessions.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[int64]*ClientSession // userID → session
	logger   *zap.Logger
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager(logger *zap.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[int64]*ClientSession),
		logger:   logger,
	}
}

// Register adds a session. If a previous session exists for the same
// user, it is closed first (handles duplicate login / reconnect).
func (sm *SessionManager) Register(s *ClientSession) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if old, ok := sm.sessions[s.UserID]; ok {
		old.Close()
		sm.logger.Info("duplicate session displaced",
			zap.Int64("user_id", s.UserID))
	}
	sm.sessions[s.UserID] = s
	sm.logger.Info("client session registered",
		zap.Int64("user_id", s.UserID))
}

// Unregister removes the session for a user, but only if the given
// session is still the registered one. A reconnect may already have
// replaced it.
func (sm *SessionManager) Unregister(s *ClientSession) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if cur, ok := sm.sessions[s.UserID]; ok && cur == s {
		delete(sm.sessions, s.UserID)
		sm.logger.Info("client session unregistered", zap.Int64("user_id", s.UserID))
	}
}

// Get returns the session for a user, or nil if not connected.
func (sm *SessionManager) Get(userID int64) *ClientSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[userID]
}

// IsConnected reports whether a user currently holds a WS connection.
func (sm *SessionManager) IsConnected(userID int64) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	_, ok := sm.sessions[userID]
	return ok
}

// Count returns the number of currently connected sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAllSessions gracefully closes all connected sessions.
func (sm *SessionManager) CloseAllSessions() {
	sm.mu.Lock()
	sessions := make([]*ClientSession, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.Unlock()

	sm.logger.Info("closing all sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	// Wait for all sessions to close (with timeout)
	maxWait := 10 * time.Second
	start := time.Now()
	for time.Since(start) < maxWait {
		sm.mu.RLock()
		count := len(sm.sessions)
		sm.mu.RUnlock()
		if count == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
}
