package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mirage/pkg/domain"
)

// MemoryStore keeps users, sessions and messages in-process. It backs local
// development without a database and the package tests.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User // key: user ID
	email    map[string]string      // email -> user ID
	sessions map[string]domain.Session
	messages map[string][]domain.Message // key: session ID
	now      func() time.Time
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		email:    make(map[string]string),
		sessions: make(map[string]domain.Session),
		messages: make(map[string][]domain.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateUser registers a user with default fields populated.
func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.ID]; exists {
		return domain.User{}, ErrConflict
	}
	if _, exists := m.email[u.Email]; exists && u.Email != "" {
		return domain.User{}, ErrConflict
	}
	now := m.now()
	applyUserDefaults(&u)
	u.Preferences = copyMap(u.Preferences)
	u.IsActive = true
	u.CreatedAt = now
	u.UpdatedAt = now
	m.users[u.ID] = u
	if u.Email != "" {
		m.email[u.Email] = u.ID
	}
	return cloneUser(u), nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(_ context.Context, id string) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.email[strings.TrimSpace(email)]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

// UpdateUser applies non-nil profile fields.
func (m *MemoryStore) UpdateUser(_ context.Context, id string, upd UserUpdate) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	if upd.FullName != nil {
		u.FullName = *upd.FullName
	}
	if upd.AvatarURL != nil {
		u.AvatarURL = *upd.AvatarURL
	}
	if upd.PreferredAgentType != nil {
		u.PreferredAgentType = *upd.PreferredAgentType
	}
	if upd.IsActive != nil {
		u.IsActive = *upd.IsActive
	}
	u.UpdatedAt = m.now()
	m.users[id] = u
	return cloneUser(u), nil
}

// DeleteUser hard-deletes a user.
func (m *MemoryStore) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	delete(m.email, u.Email)
	return nil
}

// UpdateLastLogin stamps the login time.
func (m *MemoryStore) UpdateLastLogin(_ context.Context, id string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	now := m.now()
	u.LastLoginAt = &now
	u.UpdatedAt = now
	m.users[id] = u
	return cloneUser(u), nil
}

// UpdatePreferences replaces preferences and optionally the preferred agent type.
func (m *MemoryStore) UpdatePreferences(_ context.Context, id string, prefs map[string]any, preferredAgentType string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, ErrNotFound
	}
	if prefs != nil {
		u.Preferences = copyMap(prefs)
	}
	if preferredAgentType != "" {
		u.PreferredAgentType = preferredAgentType
	}
	u.UpdatedAt = m.now()
	m.users[id] = u
	return cloneUser(u), nil
}

// CreateSession inserts a session with default status, title and agent type.
func (m *MemoryStore) CreateSession(_ context.Context, s domain.Session) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	applySessionDefaults(&s)
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := m.sessions[s.ID]; exists {
		return domain.Session{}, ErrConflict
	}
	now := m.now()
	s.CreatedAt = now
	s.UpdatedAt = now
	s.LastActivity = now
	m.sessions[s.ID] = s
	return s, nil
}

// GetSession returns one session by ID regardless of status.
func (m *MemoryStore) GetSession(_ context.Context, id string) (domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return s, nil
}

// ListUserSessions returns a user's sessions, most recently active first.
func (m *MemoryStore) ListUserSessions(_ context.Context, userID string, activeOnly bool) ([]domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Session, 0)
	for _, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		if activeOnly && s.Status != domain.SessionActive {
			continue
		}
		if !activeOnly && s.Status == domain.SessionDeleted {
			continue
		}
		res = append(res, s)
	}
	sort.SliceStable(res, func(i, j int) bool {
		return res[i].LastActivity.After(res[j].LastActivity)
	})
	return res, nil
}

// UpdateSession applies non-nil session fields.
func (m *MemoryStore) UpdateSession(_ context.Context, id string, upd SessionUpdate) (domain.Session, error) {
	return m.mutateSession(id, func(s *domain.Session) {
		if upd.Title != nil {
			s.Title = *upd.Title
		}
		if upd.AgentType != nil {
			s.AgentType = *upd.AgentType
		}
		if upd.Status != nil {
			s.Status = *upd.Status
		}
	})
}

// TouchSession stamps last activity.
func (m *MemoryStore) TouchSession(_ context.Context, id string) error {
	_, err := m.mutateSession(id, func(s *domain.Session) {
		s.LastActivity = s.UpdatedAt
	})
	return err
}

// SetRoomName records the LiveKit room assigned to a session.
func (m *MemoryStore) SetRoomName(_ context.Context, id, roomName string) (domain.Session, error) {
	return m.mutateSession(id, func(s *domain.Session) {
		s.LiveKitRoomName = roomName
		s.LastActivity = s.UpdatedAt
	})
}

// EndSession marks a session ended.
func (m *MemoryStore) EndSession(_ context.Context, id string) (domain.Session, error) {
	return m.mutateSession(id, func(s *domain.Session) {
		s.Status = domain.SessionEnded
	})
}

// DeleteSession soft-deletes a session.
func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	_, err := m.mutateSession(id, func(s *domain.Session) {
		s.Status = domain.SessionDeleted
	})
	return err
}

// DeleteUserSessions soft-deletes every session of a user.
func (m *MemoryStore) DeleteUserSessions(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, s := range m.sessions {
		if s.UserID != userID || s.Status == domain.SessionDeleted {
			continue
		}
		s.Status = domain.SessionDeleted
		s.UpdatedAt = now
		m.sessions[id] = s
	}
	return nil
}

func (m *MemoryStore) mutateSession(id string, fn func(*domain.Session)) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	s.UpdatedAt = m.now()
	fn(&s)
	m.sessions[id] = s
	return s, nil
}

// CreateMessage records a conversation turn.
func (m *MemoryStore) CreateMessage(_ context.Context, msg domain.Message) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Metadata = copyMap(msg.Metadata)
	msg.CreatedAt = m.now()
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], msg)
	return msg, nil
}

// GetMessage returns one message by ID.
func (m *MemoryStore) GetMessage(_ context.Context, id string) (domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == id {
				return msg, nil
			}
		}
	}
	return domain.Message{}, ErrNotFound
}

// ListSessionMessages returns messages in creation order.
func (m *MemoryStore) ListSessionMessages(_ context.Context, sessionID string, limit, offset int) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[sessionID]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(msgs) {
		return []domain.Message{}, nil
	}
	end := len(msgs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	res := make([]domain.Message, end-offset)
	copy(res, msgs[offset:end])
	return res, nil
}

// CountSessionMessages returns the number of messages in a session.
func (m *MemoryStore) CountSessionMessages(_ context.Context, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[sessionID]), nil
}

// DeleteSessionMessages removes every message of a session.
func (m *MemoryStore) DeleteSessionMessages(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, sessionID)
	return nil
}

func cloneUser(u domain.User) domain.User {
	u.Preferences = copyMap(u.Preferences)
	return u
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
