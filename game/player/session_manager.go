package player

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionManager maintains the registry of sessions connected to this shard.
// Usernames are matched case-insensitively.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*PlayerSession // lower(username) → session
	logger   *zap.Logger
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager(logger *zap.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*PlayerSession),
		logger:   logger,
	}
}

func key(username string) string { return strings.ToLower(username) }

// Register adds a session. If a previous session exists for the same
// username, it is closed first (handles duplicate login / reconnect).
func (sm *SessionManager) Register(s *PlayerSession) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	k := key(s.Username)
	if old, ok := sm.sessions[k]; ok && old != s {
		old.Close()
		sm.logger.Info("duplicate session displaced", zap.String("username", s.Username))
	}
	sm.sessions[k] = s
	sm.logger.Info("player session registered",
		zap.String("username", s.Username),
		zap.Int64("player_id", s.PlayerID))
}

// Unregister removes s if it is still the registered session for its
// username. A displaced session unregistering late leaves its successor alone.
func (sm *SessionManager) Unregister(s *PlayerSession) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	k := key(s.Username)
	if cur, ok := sm.sessions[k]; ok && cur == s {
		delete(sm.sessions, k)
		sm.logger.Info("player session unregistered", zap.String("username", s.Username))
	}
}

// Find returns the session for username, or nil if not connected here.
func (sm *SessionManager) Find(username string) *PlayerSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[key(username)]
}

// IsOnline reports whether username is connected to this shard.
func (sm *SessionManager) IsOnline(username string) bool {
	return sm.Find(username) != nil
}

// Count returns the number of currently connected sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Usernames returns a snapshot of connected usernames, as registered.
func (sm *SessionManager) Usernames() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]string, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s.Username)
	}
	return out
}

// All returns a snapshot slice of all current sessions.
func (sm *SessionManager) All() []*PlayerSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*PlayerSession, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAllSessions closes every connected session and waits up to maxWait for
// the websocket handlers to unregister them.
func (sm *SessionManager) CloseAllSessions(maxWait time.Duration) {
	sessions := sm.All()
	sm.logger.Info("closing all sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		if sm.Count() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
