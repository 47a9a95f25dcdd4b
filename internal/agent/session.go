package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpchat/internal/domain"
	"mcpchat/internal/metrics"
)

// History is the ordered, append-only turn log of one session.
type History struct {
	mu    sync.RWMutex
	turns []domain.Turn
}

// Append adds turns at the end. Several turns appended in one call become
// visible to readers together.
func (h *History) Append(turns ...domain.Turn) {
	h.mu.Lock()
	h.turns = append(h.turns, turns...)
	h.mu.Unlock()
}

// Snapshot returns a copy of the turns appended so far.
func (h *History) Snapshot() []domain.Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]domain.Turn(nil), h.turns...)
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Session is one conversation. Only one turn runs against a session at a
// time; other callers wait for it.
type Session struct {
	ID        string
	History   *History
	CreatedAt time.Time

	turn chan struct{}
}

func newSession(id string) *Session {
	return &Session{
		ID:        id,
		History:   &History{},
		CreatedAt: time.Now(),
		turn:      make(chan struct{}, 1),
	}
}

// acquire takes the session's turn slot, giving up when ctx ends first.
func (s *Session) acquire(ctx context.Context) error {
	select {
	case s.turn <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) release() { <-s.turn }

// SessionManager holds the in-memory sessions keyed by session ID.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewSessionManager(logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// GetOrCreate returns the session for id, creating it when missing. An
// empty id gets a fresh random one.
func (sm *SessionManager) GetOrCreate(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}

	// Fast path: read lock (most calls hit here)
	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if ok {
		return s
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.sessions[id]; ok {
		return s
	}
	s = newSession(id)
	sm.sessions[id] = s
	metrics.ActiveSessions.Set(int64(len(sm.sessions)))
	sm.logger.Info("session created", "session", id)
	return s
}

func (sm *SessionManager) Get(id string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[id]
	return s, ok
}

// Delete ends a session. A turn still running against it completes, but
// its result is no longer reachable by id.
func (sm *SessionManager) Delete(id string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.sessions[id]; !ok {
		return false
	}
	delete(sm.sessions, id)
	metrics.ActiveSessions.Set(int64(len(sm.sessions)))
	sm.logger.Info("session cleared", "session", id)
	return true
}

func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
