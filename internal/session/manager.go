// Package session tracks live chat connections so operators can see who is
// connected and what each connection is doing.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session is one websocket chat connection.
type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Transport      string    `json:"transport"`
	Status         Status    `json:"status"`
	InTurn         bool      `json:"in_turn"`
	LastTurnID     string    `json:"last_turn_id,omitempty"`
	TurnCount      int       `json:"turn_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	onChange func(active int)
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// SetChangeHook is called with the active count after every open and end.
func (m *Manager) SetChangeHook(hook func(active int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = hook
}

func (m *Manager) Create(userID, transport string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Transport:      transport,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	out := clone(s)
	active, hook := len(m.sessions), m.onChange
	m.mu.Unlock()

	if hook != nil {
		hook(active)
	}
	return out
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) StartTurn(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.InTurn = true
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) FinishTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.InTurn = false
	s.LastTurnID = turnID
	s.TurnCount++
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End removes the session and returns its final state.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	delete(m.sessions, sessionID)
	s.Status = StatusEnded
	s.InTurn = false
	s.LastActivityAt = time.Now().UTC()
	out := clone(s)
	active, hook := len(m.sessions), m.onChange
	m.mu.Unlock()

	if hook != nil {
		hook(active)
	}
	return out, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns active sessions, oldest first. An empty userID lists all users.
func (m *Manager) List(userID string) []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if userID != "" && s.UserID != userID {
			continue
		}
		out = append(out, *s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
