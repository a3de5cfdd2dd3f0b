package session

import (
	"context"
	"sync"
	"time"

	"kassa/internal/core"
)

// MemoryStore keeps sessions in process memory. Everything is lost on restart.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[core.UserID]Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[core.UserID]Session),
		now:      time.Now,
	}
}

func (m *MemoryStore) Load(_ context.Context, userID core.UserID) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if ok {
		s.Candidates = append([]Candidate(nil), s.Candidates...)
	}
	return s, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = m.now().UTC()
	s.Candidates = append([]Candidate(nil), s.Candidates...)
	m.sessions[s.UserID] = s
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, userID core.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID)
	return nil
}

// PurgeSessions drops sessions last saved before the cutoff.
func (m *MemoryStore) PurgeSessions(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.UpdatedAt.Before(before) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}
