package session

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/avatarcore/internal/clock"
)

// Publisher delivers session events to the scope's subscribers.
type Publisher interface {
	Publish(scope, eventType string, payload any) int
}

type entry struct {
	mu sync.Mutex
	s  Session
}

// Manager is the in-memory session table. The map is guarded by mu; each
// session's mutable fields are guarded by its own entry lock so unrelated
// sessions never contend.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	clock    clock.Clock
	pub      Publisher
	onEnd    func(Session, EndReason)
}

func NewManager(clk clock.Clock, pub Publisher) *Manager {
	if clk == nil {
		clk = clock.System()
	}
	return &Manager{
		sessions: make(map[string]*entry),
		clock:    clk,
		pub:      pub,
	}
}

// SetEndHook registers a callback invoked once per removed session.
func (m *Manager) SetEndHook(hook func(Session, EndReason)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = hook
}

func (m *Manager) Create(req CreateRequest) (Session, error) {
	userID := strings.TrimSpace(req.UserID)
	avatarID := strings.TrimSpace(req.AvatarID)
	if userID == "" || avatarID == "" {
		return Session{}, ErrInvalidRequest
	}
	priority, err := ParsePriority(req.Priority)
	if err != nil {
		return Session{}, err
	}

	now := m.clock.Now()
	avatar := req.Avatar
	if avatar.ID == "" {
		avatar.ID = avatarID
	}
	s := Session{
		ID:             newID(userID, avatarID, now),
		UserID:         userID,
		AvatarID:       avatarID,
		Avatar:         avatar.Normalize(),
		ConnID:         req.ConnID,
		Priority:       priority,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = &entry{s: s}
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) Get(sessionID string) (Session, error) {
	e, ok := m.lookup(sessionID)
	if !ok {
		return Session{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s, nil
}

// Touch marks activity. lastActivityAt never moves backwards.
func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(*Session) {})
}

// RecordMessage counts an inbound message and marks activity.
func (m *Manager) RecordMessage(sessionID string) (Session, error) {
	var out Session
	err := m.update(sessionID, func(s *Session) {
		s.MessageCount++
		out = *s
	})
	return out, err
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	e, ok := m.lookup(sessionID)
	if !ok {
		return ErrNotFound
	}
	now := m.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if now.After(e.s.LastActivityAt) {
		e.s.LastActivityAt = now
	}
	fn(&e.s)
	return nil
}

// Remove ends a session. Only the first caller for a given id publishes
// session_ended; later calls get ErrNotFound.
func (m *Manager) Remove(sessionID string, reason EndReason) (Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	hook := m.onEnd
	m.mu.Unlock()
	if !ok {
		return Session{}, ErrNotFound
	}

	e.mu.Lock()
	s := e.s
	e.mu.Unlock()
	m.ended([]Session{s}, reason, hook)
	return s, nil
}

// RemoveByConnection ends every session owned by connID.
func (m *Manager) RemoveByConnection(connID string) []Session {
	if connID == "" {
		return nil
	}
	var removed []Session
	m.mu.Lock()
	for id, e := range m.sessions {
		e.mu.Lock()
		if e.s.ConnID == connID {
			removed = append(removed, e.s)
			delete(m.sessions, id)
		}
		e.mu.Unlock()
	}
	hook := m.onEnd
	m.mu.Unlock()

	sortByCreated(removed)
	m.ended(removed, EndDisconnect, hook)
	return removed
}

// SweepIdle removes and returns every session idle for longer than threshold.
func (m *Manager) SweepIdle(threshold time.Duration) []Session {
	now := m.clock.Now()
	var expired []Session

	m.mu.Lock()
	for id, e := range m.sessions {
		e.mu.Lock()
		if now.Sub(e.s.LastActivityAt) > threshold {
			expired = append(expired, e.s)
			delete(m.sessions, id)
		}
		e.mu.Unlock()
	}
	hook := m.onEnd
	m.mu.Unlock()

	sortByCreated(expired)
	m.ended(expired, EndIdle, hook)
	return expired
}

// ByConnection lists the sessions owned by connID.
func (m *Manager) ByConnection(connID string) []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, e := range m.sessions {
		e.mu.Lock()
		if e.s.ConnID == connID {
			out = append(out, e.s)
		}
		e.mu.Unlock()
	}
	sortByCreated(out)
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) lookup(sessionID string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	return e, ok
}

func (m *Manager) ended(sessions []Session, reason EndReason, hook func(Session, EndReason)) {
	for _, s := range sessions {
		if m.pub != nil {
			m.pub.Publish(s.ID, EventSessionEnded, Ended{SessionID: s.ID, Reason: reason})
		}
		if hook != nil {
			hook(s, reason)
		}
	}
}

func newID(userID, avatarID string, now time.Time) string {
	return userID + "-" + avatarID + "-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()[:8]
}

func sortByCreated(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
}
