package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by a Store for unknown or expired tokens.
var ErrNotFound = errors.New("session not found")

// State is what a session store keeps per token. LastActivity is stored as
// RFC 3339 text; an empty or unparsable value resets the inactivity clock.
type State struct {
	Token        string    `json:"token"`
	MemberID     int64     `json:"member_id"`
	LibNum       string    `json:"lib_num"`
	LastActivity string    `json:"last_activity,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists session state. Implementations keep at most one session per
// member reachable through DeleteByMember.
type Store interface {
	Get(ctx context.Context, token string) (*State, error)
	Save(ctx context.Context, s *State) error
	// Touch rewrites an existing session without moving the member index.
	// It returns ErrNotFound when the token has been deleted meanwhile.
	Touch(ctx context.Context, s *State) error
	Delete(ctx context.Context, token string) error
	DeleteByMember(ctx context.Context, memberID int64) error
}

// MemoryStore is an in-process Store for single-instance deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]State
	byMember map[int64]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]State),
		byMember: make(map[int64]string),
	}
}

func (m *MemoryStore) Get(_ context.Context, token string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Save(_ context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Token] = *s
	m.byMember[s.MemberID] = s.Token
	return nil
}

func (m *MemoryStore) Touch(_ context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.Token]; !ok {
		return ErrNotFound
	}
	m.sessions[s.Token] = *s
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil
	}
	delete(m.sessions, token)
	if m.byMember[s.MemberID] == token {
		delete(m.byMember, s.MemberID)
	}
	return nil
}

func (m *MemoryStore) DeleteByMember(_ context.Context, memberID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if token, ok := m.byMember[memberID]; ok {
		delete(m.sessions, token)
		delete(m.byMember, memberID)
	}
	return nil
}

// Len reports how many sessions are held.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
