package server

import (
	"sync"

	"github.com/samcharles93/fusedllm/internal/block"
)

// SessionStore keeps live decoding sessions by id.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*block.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*block.Session)}
}

func (s *SessionStore) Put(ss *block.Session) {
	s.mu.Lock()
	s.sessions[ss.ID().String()] = ss
	s.mu.Unlock()
}

func (s *SessionStore) Get(id string) (*block.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sessions[id]
	return ss, ok
}

func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
