package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session owns one memory store for the lifetime of a conversation.
type Session struct {
	ID        string
	Memory    *Store
	expiresAt time.Time
}

// ExpiresAt reports when the session lapses unless touched again.
func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

// Sessions hands out sessions keyed by id and expires idle ones.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Sessions{sessions: make(map[string]*Session), ttl: ttl, now: time.Now}
}

// Ensure returns the live session with id, extending its ttl, or starts a new one.
// An empty id starts a session with a generated id.
func (m *Sessions) Ensure(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if id != "" {
		if sess, ok := m.sessions[id]; ok && now.Before(sess.expiresAt) {
			sess.expiresAt = now.Add(m.ttl)
			return sess
		}
	} else {
		id = uuid.NewString()
	}
	sess := &Session{ID: id, Memory: NewStore(), expiresAt: now.Add(m.ttl)}
	m.sessions[id] = sess
	return sess
}

// Get returns a live session without extending it.
func (m *Sessions) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok || !m.now().Before(sess.expiresAt) {
		return nil, false
	}
	return sess, true
}

// End discards a session and its memory.
func (m *Sessions) End(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// Prune removes expired sessions and returns their ids.
func (m *Sessions) Prune() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var expired []string
	for id, sess := range m.sessions {
		if !now.Before(sess.expiresAt) {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	return expired
}
