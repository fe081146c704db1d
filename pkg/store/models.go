package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"mirage/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID                 string `gorm:"primaryKey"`
	Email              string `gorm:"uniqueIndex;not null"`
	FullName           string
	AvatarURL          string
	PreferredAgentType string         `gorm:"not null;default:teacher"`
	Preferences        datatypes.JSON `gorm:"type:jsonb"`
	IsActive           bool           `gorm:"not null;default:true"`
	CreatedAt          time.Time      `gorm:"not null"`
	UpdatedAt          time.Time      `gorm:"not null"`
	LastLoginAt        *time.Time
}

func (UserModel) TableName() string { return "users" }

type SessionModel struct {
	ID              string    `gorm:"primaryKey"`
	UserID          string    `gorm:"not null;index"`
	AgentType       string    `gorm:"not null"`
	Title           string    `gorm:"not null"`
	Status          string    `gorm:"not null;index"`
	LiveKitRoomName *string   `gorm:"column:livekit_room_name"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
	LastActivity    time.Time `gorm:"not null;index"`
}

func (SessionModel) TableName() string { return "sessions" }

type MessageModel struct {
	ID        string         `gorm:"primaryKey"`
	SessionID string         `gorm:"not null;index"`
	Role      string         `gorm:"not null"`
	Content   string         `gorm:"type:text;not null"`
	Metadata  datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"not null;index"`
}

func (MessageModel) TableName() string { return "messages" }

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:                 u.ID,
		Email:              u.Email,
		FullName:           u.FullName,
		AvatarURL:          u.AvatarURL,
		PreferredAgentType: u.PreferredAgentType,
		Preferences:        encodeJSON(u.Preferences),
		IsActive:           u.IsActive,
		CreatedAt:          u.CreatedAt,
		UpdatedAt:          u.UpdatedAt,
		LastLoginAt:        u.LastLoginAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:                 m.ID,
		Email:              m.Email,
		FullName:           m.FullName,
		AvatarURL:          m.AvatarURL,
		PreferredAgentType: m.PreferredAgentType,
		Preferences:        decodeJSON(m.Preferences),
		IsActive:           m.IsActive,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
		LastLoginAt:        m.LastLoginAt,
	}
}

func sessionToModel(s domain.Session) SessionModel {
	var room *string
	if s.LiveKitRoomName != "" {
		name := s.LiveKitRoomName
		room = &name
	}
	return SessionModel{
		ID:              s.ID,
		UserID:          s.UserID,
		AgentType:       s.AgentType,
		Title:           s.Title,
		Status:          string(s.Status),
		LiveKitRoomName: room,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
		LastActivity:    s.LastActivity,
	}
}

func sessionFromModel(m SessionModel) domain.Session {
	s := domain.Session{
		ID:           m.ID,
		UserID:       m.UserID,
		AgentType:    m.AgentType,
		Title:        m.Title,
		Status:       domain.SessionStatus(m.Status),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		LastActivity: m.LastActivity,
	}
	if m.LiveKitRoomName != nil {
		s.LiveKitRoomName = *m.LiveKitRoomName
	}
	return s
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Role:      msg.Role,
		Content:   msg.Content,
		Metadata:  encodeJSON(msg.Metadata),
		CreatedAt: msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:        m.ID,
		SessionID: m.SessionID,
		Role:      m.Role,
		Content:   m.Content,
		Metadata:  decodeJSON(m.Metadata),
		CreatedAt: m.CreatedAt,
	}
}

func encodeJSON(v map[string]any) datatypes.JSON {
	if v == nil {
		return datatypes.JSON("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(data)
}

func decodeJSON(raw datatypes.JSON) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}
