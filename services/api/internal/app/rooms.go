package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	lkauth "github.com/livekit/protocol/auth"

	"mirage/internal/metrics"
	"mirage/internal/util"
	"mirage/pkg/domain"
)

// VoiceSessionTitle names sessions created implicitly by token issuance.
const VoiceSessionTitle = "Voice Chat"

// TokenRequest asks for a room token, optionally bound to an existing session.
type TokenRequest struct {
	SessionID string
	AgentType string
}

// RoomToken is a signed LiveKit access token and the room it grants.
type RoomToken struct {
	Token     string
	RoomName  string
	SessionID string
	URL       string
}

// Room is an active session bound to a LiveKit room.
type Room struct {
	SessionID    string    `json:"session_id"`
	RoomName     string    `json:"room_name"`
	AgentType    string    `json:"agent_type"`
	LastActivity time.Time `json:"last_activity"`
}

// IssueRoomToken binds a session to a fresh room and signs a join token for it.
func (a *App) IssueRoomToken(ctx context.Context, user domain.User, req TokenRequest) (RoomToken, error) {
	if !a.livekit.configured() {
		return RoomToken{}, &UnavailableError{Service: "LiveKit"}
	}
	agentType := strings.TrimSpace(req.AgentType)
	if agentType != "" {
		if err := validAgentType(agentType); err != nil {
			return RoomToken{}, err
		}
	}

	var (
		sess domain.Session
		err  error
	)
	if id := strings.TrimSpace(req.SessionID); id != "" {
		sess, err = a.ownedSession(ctx, user, id)
		if err != nil {
			return RoomToken{}, err
		}
	} else {
		sess, err = a.CreateSession(ctx, user, agentType, VoiceSessionTitle)
		if err != nil {
			return RoomToken{}, err
		}
	}
	if agentType == "" {
		agentType = sess.AgentType
	}

	roomName := a.roomName(user.ID)
	if _, err := a.store.SetRoomName(ctx, sess.ID, roomName); err != nil {
		return RoomToken{}, sessionErr("set room name", err)
	}
	if err := a.store.TouchSession(ctx, sess.ID); err != nil {
		util.LoggerFromContext(ctx).Warn("touch session failed", "session_id", sess.ID, "error", err)
	}

	token, err := a.signRoomToken(user, roomName, domain.RoomMetadata{AgentType: agentType, SessionID: sess.ID})
	if err != nil {
		return RoomToken{}, err
	}
	metrics.RoomTokensIssued.WithLabelValues(agentType).Inc()
	return RoomToken{
		Token:     token,
		RoomName:  roomName,
		SessionID: sess.ID,
		URL:       a.livekit.URL,
	}, nil
}

// roomName is mirage_<user prefix>_<unix seconds>_<random hex>.
func (a *App) roomName(userID string) string {
	prefix := userID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("mirage_%s_%d_%s", prefix, a.now().Unix(), util.RandomHex(4))
}

func (a *App) signRoomToken(user domain.User, roomName string, meta domain.RoomMetadata) (string, error) {
	metadata, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode room metadata: %w", err)
	}
	grant := &lkauth.VideoGrant{
		RoomJoin: true,
		Room:     roomName,
	}
	grant.SetCanPublish(true)
	grant.SetCanSubscribe(true)

	at := lkauth.NewAccessToken(a.livekit.APIKey, a.livekit.APISecret)
	at.SetVideoGrant(grant).
		SetIdentity(user.ID).
		SetName(user.DisplayName()).
		SetMetadata(string(metadata)).
		SetValidFor(a.roomTokenTTL)
	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign room token: %w", err)
	}
	return token, nil
}

// ListRooms returns the caller's active sessions that are bound to a room.
func (a *App) ListRooms(ctx context.Context, user domain.User) ([]Room, error) {
	sessions, err := a.ListSessions(ctx, user, true)
	if err != nil {
		return nil, err
	}
	rooms := make([]Room, 0, len(sessions))
	for _, sess := range sessions {
		if sess.LiveKitRoomName == "" {
			continue
		}
		rooms = append(rooms, Room{
			SessionID:    sess.ID,
			RoomName:     sess.LiveKitRoomName,
			AgentType:    sess.AgentType,
			LastActivity: sess.LastActivity,
		})
	}
	return rooms, nil
}
