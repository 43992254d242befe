package session

import (
	"context"
	"errors"
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

// Session is one connected playback device.
type Session struct {
	ID                string
	DeviceID          string
	Status            Status
	QueueSlots        int
	SampleRate        int
	ActiveTurnID      string
	TurnCount         int
	InterruptionCount int
	StartedAt         time.Time
	LastActivityAt    time.Time
}

// Manager tracks device sessions. A device that re-registers replaces its
// previous session.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByDevice   map[string]string
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByDevice:   make(map[string]string),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create opens a session for a connection that has not registered yet.
func (m *Manager) Create() *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

// Register binds a device to a session and records what it announced. It
// returns the id of a previous session for the same device, if any, which the
// caller should end.
func (m *Manager) Register(sessionID, deviceID string, queueSlots, sampleRate int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	var previous string
	if deviceID != "" {
		if prev, ok := m.sessionByDevice[deviceID]; ok && prev != sessionID {
			previous = prev
		}
		m.sessionByDevice[deviceID] = sessionID
	}
	s.DeviceID = deviceID
	s.QueueSlots = queueSlots
	s.SampleRate = sampleRate
	s.LastActivityAt = time.Now().UTC()
	return previous, nil
}

// ByDevice returns the current session of a device.
func (m *Manager) ByDevice(deviceID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionByDevice[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(m.sessions[id]), nil
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

func (m *Manager) StartTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ActiveTurnID = turnID
	s.TurnCount++
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// FinishTurn clears the active turn if it is still turnID.
func (m *Manager) FinishTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.ActiveTurnID == turnID {
		s.ActiveTurnID = ""
	}
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

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status == StatusEnded {
		return clone(s), nil
	}
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	m.unbindLocked(s)
	return clone(s), nil
}

// View renders a session for the HTTP API.
func (m *Manager) View(sessionID string) (View, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return View{}, err
	}
	return View{
		SessionID:         s.ID,
		DeviceID:          s.DeviceID,
		Status:            s.Status,
		QueueSlots:        s.QueueSlots,
		SampleRate:        s.SampleRate,
		ActiveTurnID:      s.ActiveTurnID,
		TurnCount:         s.TurnCount,
		InterruptionCount: s.InterruptionCount,
		StartedAt:         s.StartedAt,
		LastActivityAt:    s.LastActivityAt,
		InactivityTTLMS:   m.inactivityTimeout.Milliseconds(),
	}, nil
}

func (m *Manager) unbindLocked(s *Session) {
	if s.DeviceID != "" && m.sessionByDevice[s.DeviceID] == s.ID {
		delete(m.sessionByDevice, s.DeviceID)
	}
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
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status != StatusActive {
			// Ended sessions stay readable for one more timeout.
			if now.Sub(s.LastActivityAt) >= m.inactivityTimeout {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.ActiveTurnID = ""
		s.LastActivityAt = now
		expired = append(expired, clone(s))
		m.unbindLocked(s)
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
