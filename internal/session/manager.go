package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Session is one active conversation. The owning session loop mutates it
// through the Manager; everyone else sees copies.
type Session struct {
	ID                string        `json:"session_id"`
	AgentID           string        `json:"agent_id"`
	VoiceID           string        `json:"voice_id"`
	Transport         TransportKind `json:"transport"`
	State             State         `json:"state"`
	StreamSID         string        `json:"stream_sid,omitempty"`
	ActiveTurnID      string        `json:"active_turn_id"`
	InterruptionCount int           `json:"interruption_count"`
	StartedAt         time.Time     `json:"started_at"`
	LastActivityAt    time.Time     `json:"last_activity_at"`
}

// Manager is a lookup registry: it routes inbound carrier signals to their
// session and expires idle entries. It holds no orchestration logic; state
// transitions are requested by the single session loop that owns each entry.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	byStreamSID map[string]string
	idleTimeout time.Duration
	onExpire    func(*Session)
}

func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		byStreamSID: make(map[string]string),
		idleTimeout: idleTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(agentID, voiceID string, transport TransportKind) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		VoiceID:        voiceID,
		Transport:      transport,
		State:          StateIdle,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
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

// BindStream associates a carrier stream identifier with a session so later
// inbound signals can be routed without touching session internals.
func (m *Manager) BindStream(sessionID, streamSID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.StreamSID = streamSID
	if streamSID != "" {
		m.byStreamSID[streamSID] = sessionID
	}
	return nil
}

func (m *Manager) LookupStream(streamSID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byStreamSID[streamSID]
	if !ok {
		return nil, ErrNotFound
	}
	s, ok := m.sessions[id]
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

// Transition moves the session to next if the state machine allows it.
// Illegal transitions are rejected, not coerced.
func (m *Manager) Transition(sessionID string, next State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	if !s.State.CanTransition(next) {
		return s.State, &InvalidTransitionError{From: s.State, To: next}
	}
	s.State = next
	s.LastActivityAt = time.Now().UTC()
	if !next.Active() {
		s.ActiveTurnID = ""
	}
	return next, nil
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ActiveTurnID = turnID
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Interrupt(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.InterruptionCount++
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End marks the session terminal and unbinds its stream. Ending an
// already-terminal session is a no-op, not an error; a session that failed
// keeps its error state so observers can still see why it ended.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.State != StateDisconnected && s.State != StateError {
		s.State = StateDisconnected
		s.ActiveTurnID = ""
		s.LastActivityAt = time.Now().UTC()
	}
	if s.StreamSID != "" {
		delete(m.byStreamSID, s.StreamSID)
	}
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.State.Active() {
			count++
		}
	}
	return count
}

func (m *Manager) expireIdle() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActivityAt) < m.idleTimeout {
			continue
		}
		// Terminal entries stay visible for one retention window after their
		// last activity, then leave the registry for good.
		if s.State == StateDisconnected || s.State == StateError {
			delete(m.sessions, id)
			if s.StreamSID != "" {
				delete(m.byStreamSID, s.StreamSID)
			}
			continue
		}
		// Covers created-but-never-connected sessions too; an idle entry
		// nobody dials into must not live forever.
		s.State = StateDisconnected
		s.ActiveTurnID = ""
		s.LastActivityAt = now
		if s.StreamSID != "" {
			delete(m.byStreamSID, s.StreamSID)
		}
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}

// InvalidTransitionError reports a state-machine violation.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid session transition: " + string(e.From) + " -> " + string(e.To)
}
