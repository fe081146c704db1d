package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mirage/pkg/domain"
	"mirage/pkg/store"
)

// DefaultMessageLimit is the page size when the client sends none.
const DefaultMessageLimit = 50

const maxMessageLimit = 200

// SessionChanges carries optional session fields. Nil fields are untouched.
type SessionChanges struct {
	Title     *string
	AgentType *string
}

// CreateSession opens a new active session for the caller.
func (a *App) CreateSession(ctx context.Context, user domain.User, agentType, title string) (domain.Session, error) {
	agentType = strings.TrimSpace(agentType)
	if agentType == "" {
		agentType = domain.DefaultAgentType
	}
	if err := validAgentType(agentType); err != nil {
		return domain.Session{}, err
	}
	sess, err := a.store.CreateSession(ctx, domain.Session{
		UserID:    user.ID,
		AgentType: agentType,
		Title:     strings.TrimSpace(title),
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the caller's sessions, most recently active first.
func (a *App) ListSessions(ctx context.Context, user domain.User, activeOnly bool) ([]domain.Session, error) {
	sessions, err := a.store.ListUserSessions(ctx, user.ID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// GetSession returns a session owned by the caller.
func (a *App) GetSession(ctx context.Context, user domain.User, id string) (domain.Session, error) {
	return a.ownedSession(ctx, user, id)
}

// UpdateSession applies title or agent changes to an owned session.
func (a *App) UpdateSession(ctx context.Context, user domain.User, id string, changes SessionChanges) (domain.Session, error) {
	if _, err := a.ownedSession(ctx, user, id); err != nil {
		return domain.Session{}, err
	}
	if changes.Title == nil && changes.AgentType == nil {
		return domain.Session{}, invalid("No fields to update")
	}
	if changes.AgentType != nil {
		if err := validAgentType(*changes.AgentType); err != nil {
			return domain.Session{}, err
		}
	}
	updated, err := a.store.UpdateSession(ctx, id, store.SessionUpdate{
		Title:     changes.Title,
		AgentType: changes.AgentType,
	})
	return updated, sessionErr("update session", err)
}

// EndSession marks an owned session ended.
func (a *App) EndSession(ctx context.Context, user domain.User, id string) (domain.Session, error) {
	if _, err := a.ownedSession(ctx, user, id); err != nil {
		return domain.Session{}, err
	}
	ended, err := a.store.EndSession(ctx, id)
	return ended, sessionErr("end session", err)
}

// DeleteSession soft-deletes an owned session.
func (a *App) DeleteSession(ctx context.Context, user domain.User, id string) error {
	if _, err := a.ownedSession(ctx, user, id); err != nil {
		return err
	}
	return sessionErr("delete session", a.store.DeleteSession(ctx, id))
}

// MessagePage is one page of a session transcript.
type MessagePage struct {
	Messages []domain.Message
	Total    int
}

// ListMessages returns transcript messages oldest first. limit is clamped to
// 1..200 and offset to >= 0.
func (a *App) ListMessages(ctx context.Context, user domain.User, id string, limit, offset int) (MessagePage, error) {
	if _, err := a.ownedSession(ctx, user, id); err != nil {
		return MessagePage{}, err
	}
	limit, offset = clampPage(limit, offset)
	msgs, err := a.store.ListSessionMessages(ctx, id, limit, offset)
	if err != nil {
		return MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	total, err := a.store.CountSessionMessages(ctx, id)
	if err != nil {
		return MessagePage{}, fmt.Errorf("count messages: %w", err)
	}
	return MessagePage{Messages: msgs, Total: total}, nil
}

func clampPage(limit, offset int) (int, int) {
	switch {
	case limit < 1:
		limit = 1
	case limit > maxMessageLimit:
		limit = maxMessageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ownedSession loads a session and hides it unless the caller owns it and it
// is not deleted.
func (a *App) ownedSession(ctx context.Context, user domain.User, id string) (domain.Session, error) {
	sess, err := a.store.GetSession(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Session{}, sessionErr("get session", err)
	}
	if sess.UserID != user.ID || sess.Status == domain.SessionDeleted {
		return domain.Session{}, ErrSessionNotFound
	}
	return sess, nil
}

func sessionErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrSessionNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
