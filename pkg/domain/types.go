package domain

import "time"

type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
	SessionDeleted SessionStatus = "deleted"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// DefaultAgentType is the personality used when none is requested.
const DefaultAgentType = "teacher"

// User is the local record of an identity-provider account.
type User struct {
	ID                 string         `json:"id"`
	Email              string         `json:"email"`
	FullName           string         `json:"full_name,omitempty"`
	AvatarURL          string         `json:"avatar_url,omitempty"`
	PreferredAgentType string         `json:"preferred_agent_type"`
	Preferences        map[string]any `json:"preferences"`
	IsActive           bool           `json:"is_active"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	LastLoginAt        *time.Time     `json:"last_login_at,omitempty"`
}

// DisplayName returns the name shown to other room participants.
func (u User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	if u.Email != "" {
		return u.Email
	}
	return "User"
}

// Session is a chat or voice conversation owned by one user.
type Session struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	AgentType       string        `json:"agent_type"`
	Title           string        `json:"title"`
	Status          SessionStatus `json:"status"`
	LiveKitRoomName string        `json:"livekit_room_name,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	LastActivity    time.Time     `json:"last_activity"`
}

type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// Identity is a validated identity-provider account.
type Identity struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	CreatedAt        *time.Time     `json:"created_at,omitempty"`
	UpdatedAt        *time.Time     `json:"updated_at,omitempty"`
	UserMetadata     map[string]any `json:"user_metadata"`
	AppMetadata      map[string]any `json:"app_metadata"`
	// ExpiresAt is set when the identity came from a decoded token.
	ExpiresAt *time.Time `json:"-"`
}

// Profile is the subset of identity data copied into a new local user.
type Profile struct {
	ID            string
	Email         string
	FullName      string
	AvatarURL     string
	EmailVerified bool
	CreatedAt     *time.Time
}

// RoomMetadata is attached to room tokens so agent workers can recover
// the conversation context.
type RoomMetadata struct {
	AgentType string `json:"agent_type"`
	SessionID string `json:"session_id"`
}
