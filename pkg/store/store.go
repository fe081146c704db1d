package store

import (
	"context"
	"errors"

	"mirage/pkg/domain"
)

// ErrNotFound is returned by every lookup, update and delete that matches no row.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a create collides with an existing primary or unique key.
var ErrConflict = errors.New("record already exists")

// Store groups the three repositories backing the API.
type Store interface {
	UserStore
	SessionStore
	MessageStore
}

// UserStore persists local user records keyed by identity-provider id.
type UserStore interface {
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUserByID(ctx context.Context, id string) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
	UpdateUser(ctx context.Context, id string, upd UserUpdate) (domain.User, error)
	DeleteUser(ctx context.Context, id string) error
	UpdateLastLogin(ctx context.Context, id string) (domain.User, error)
	UpdatePreferences(ctx context.Context, id string, prefs map[string]any, preferredAgentType string) (domain.User, error)
}

// SessionStore persists chat/voice sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s domain.Session) (domain.Session, error)
	GetSession(ctx context.Context, id string) (domain.Session, error)
	ListUserSessions(ctx context.Context, userID string, activeOnly bool) ([]domain.Session, error)
	UpdateSession(ctx context.Context, id string, upd SessionUpdate) (domain.Session, error)
	TouchSession(ctx context.Context, id string) error
	SetRoomName(ctx context.Context, id, roomName string) (domain.Session, error)
	EndSession(ctx context.Context, id string) (domain.Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteUserSessions(ctx context.Context, userID string) error
}

// MessageStore persists conversation turns.
type MessageStore interface {
	CreateMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	ListSessionMessages(ctx context.Context, sessionID string, limit, offset int) ([]domain.Message, error)
	CountSessionMessages(ctx context.Context, sessionID string) (int, error)
	DeleteSessionMessages(ctx context.Context, sessionID string) error
}

// UserUpdate carries optional profile changes. Nil fields are left untouched.
type UserUpdate struct {
	FullName           *string
	AvatarURL          *string
	PreferredAgentType *string
	IsActive           *bool
}

// Empty reports whether the update changes nothing.
func (u UserUpdate) Empty() bool {
	return u.FullName == nil && u.AvatarURL == nil && u.PreferredAgentType == nil && u.IsActive == nil
}

// SessionUpdate carries optional session changes. Nil fields are left untouched.
type SessionUpdate struct {
	Title     *string
	AgentType *string
	Status    *domain.SessionStatus
}

// Empty reports whether the update changes nothing.
func (u SessionUpdate) Empty() bool {
	return u.Title == nil && u.AgentType == nil && u.Status == nil
}

func applyUserDefaults(u *domain.User) {
	if u.PreferredAgentType == "" {
		u.PreferredAgentType = domain.DefaultAgentType
	}
	if u.Preferences == nil {
		u.Preferences = map[string]any{}
	}
}

func applySessionDefaults(s *domain.Session) {
	if s.Status == "" {
		s.Status = domain.SessionActive
	}
	if s.Title == "" {
		s.Title = DefaultSessionTitle
	}
	if s.AgentType == "" {
		s.AgentType = domain.DefaultAgentType
	}
}

// DefaultSessionTitle is used when a session is created without a title.
const DefaultSessionTitle = "New Chat"
