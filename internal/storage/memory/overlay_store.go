// Package memory keeps attached overlay sessions in process memory.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/commons-photos/internal/storage"
)

// OverlayStore is a bounded in-memory storage.OverlayStore.
type OverlayStore struct {
	mu       sync.RWMutex
	max      int
	sessions map[string]storage.Session
}

// NewOverlayStore constructs an OverlayStore holding at most maxSessions
// sessions. A non-positive limit means unbounded.
func NewOverlayStore(maxSessions int) *OverlayStore {
	return &OverlayStore{
		max:      maxSessions,
		sessions: make(map[string]storage.Session),
	}
}

// Create registers a new session.
func (s *OverlayStore) Create(_ context.Context, session storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("create %s: %w", session.ID, storage.ErrOverlayExists)
	}
	if s.max > 0 && len(s.sessions) >= s.max {
		return fmt.Errorf("create %s: %w", session.ID, storage.ErrCapacity)
	}
	s.sessions[session.ID] = session
	return nil
}

// Get fetches a session by ID.
func (s *OverlayStore) Get(_ context.Context, id string) (storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return storage.Session{}, fmt.Errorf("get %s: %w", id, storage.ErrOverlayNotFound)
	}
	return session, nil
}

// Touch records activity on a session.
func (s *OverlayStore) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("touch %s: %w", id, storage.ErrOverlayNotFound)
	}
	session.LastSeen = at
	s.sessions[id] = session
	return nil
}

// Delete removes and returns a session.
func (s *OverlayStore) Delete(_ context.Context, id string) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return storage.Session{}, fmt.Errorf("delete %s: %w", id, storage.ErrOverlayNotFound)
	}
	delete(s.sessions, id)
	return session, nil
}

// Expire removes every session last seen before cutoff and returns them
// ordered by creation time.
func (s *OverlayStore) Expire(_ context.Context, cutoff time.Time) []storage.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Session
	for id, session := range s.sessions {
		if session.LastSeen.Before(cutoff) {
			out = append(out, session)
			delete(s.sessions, id)
		}
	}
	sortByCreation(out)
	return out
}

// Drain removes every session and returns them ordered by creation time.
func (s *OverlayStore) Drain(_ context.Context) []storage.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	s.sessions = make(map[string]storage.Session)
	sortByCreation(out)
	return out
}

func sortByCreation(sessions []storage.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Created.Equal(sessions[j].Created) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].Created.Before(sessions[j].Created)
	})
}

// Len returns the number of registered sessions.
func (s *OverlayStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
