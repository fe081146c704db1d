package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"mirage/internal/util"
	"mirage/pkg/domain"
	"mirage/pkg/personality"
	"mirage/pkg/store"
)

// MaxAvatarBytes bounds avatar uploads.
const MaxAvatarBytes = 5 << 20

var avatarExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// ProfileChanges carries optional profile fields. Nil fields are untouched.
type ProfileChanges struct {
	FullName           *string
	AvatarURL          *string
	PreferredAgentType *string
}

// PreferenceChanges carries optional preference fields.
type PreferenceChanges struct {
	PreferredAgentType *string
	Preferences        map[string]any
}

// Profile returns the caller's current record.
func (a *App) Profile(ctx context.Context, user domain.User) (domain.User, error) {
	current, err := a.store.GetUserByID(ctx, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, ErrUserNotFound
	}
	return current, err
}

// UpdateProfile applies the provided profile fields.
func (a *App) UpdateProfile(ctx context.Context, user domain.User, changes ProfileChanges) (domain.User, error) {
	upd := store.UserUpdate{
		FullName:           changes.FullName,
		AvatarURL:          changes.AvatarURL,
		PreferredAgentType: changes.PreferredAgentType,
	}
	if upd.Empty() {
		return domain.User{}, invalid("No fields to update")
	}
	if upd.PreferredAgentType != nil {
		if err := validAgentType(*upd.PreferredAgentType); err != nil {
			return domain.User{}, err
		}
	}
	updated, err := a.store.UpdateUser(ctx, user.ID, upd)
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("update profile: %w", err)
	}
	return updated, nil
}

// UpdatePreferences replaces preferences and optionally the preferred agent.
func (a *App) UpdatePreferences(ctx context.Context, user domain.User, changes PreferenceChanges) (domain.User, error) {
	if changes.PreferredAgentType == nil && changes.Preferences == nil {
		return domain.User{}, invalid("No preferences to update")
	}
	agentType := ""
	if changes.PreferredAgentType != nil {
		agentType = *changes.PreferredAgentType
		if err := validAgentType(agentType); err != nil {
			return domain.User{}, err
		}
	}
	updated, err := a.store.UpdatePreferences(ctx, user.ID, changes.Preferences, agentType)
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("update preferences: %w", err)
	}
	return updated, nil
}

// UploadAvatar stores an image and points the caller's avatar_url at it.
// The previous avatar is removed when it lives in the same store.
func (a *App) UploadAvatar(ctx context.Context, user domain.User, data []byte) (domain.User, error) {
	if a.objects == nil {
		return domain.User{}, &UnavailableError{Service: "Object storage"}
	}
	if len(data) == 0 {
		return domain.User{}, invalid("file is empty")
	}
	if len(data) > MaxAvatarBytes {
		return domain.User{}, invalid("file too large (max 5 MiB)")
	}
	contentType := http.DetectContentType(data)
	ext, ok := avatarExtensions[contentType]
	if !ok {
		return domain.User{}, invalid("unsupported image type; use png, jpeg or webp")
	}

	key := fmt.Sprintf("avatars/%s/%s%s", user.ID, uuid.NewString(), ext)
	if err := a.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return domain.User{}, fmt.Errorf("upload avatar: %w", err)
	}
	url := a.objects.ObjectURL(key)
	updated, err := a.store.UpdateUser(ctx, user.ID, store.UserUpdate{AvatarURL: &url})
	if err != nil {
		_ = a.objects.Delete(context.WithoutCancel(ctx), key)
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, ErrUserNotFound
		}
		return domain.User{}, fmt.Errorf("update avatar url: %w", err)
	}
	a.removeOwnedAvatar(ctx, user)
	return updated, nil
}

// removeOwnedAvatar deletes the user's stored avatar, if any. Failures are logged.
func (a *App) removeOwnedAvatar(ctx context.Context, user domain.User) {
	if a.objects == nil || user.AvatarURL == "" {
		return
	}
	key, ok := a.objects.KeyFromURL(user.AvatarURL)
	if !ok || !strings.HasPrefix(key, "avatars/"+user.ID+"/") {
		return
	}
	if err := a.objects.Delete(ctx, key); err != nil {
		util.LoggerFromContext(ctx).Warn("delete old avatar failed", "user_id", user.ID, "key", key, "error", err)
	}
}

// DeleteAccount revokes the presented token, soft-deletes the user's
// sessions and hard-deletes the user. Revocation runs first so a failure
// there leaves the account intact.
func (a *App) DeleteAccount(ctx context.Context, user domain.User, token string) error {
	if err := a.revoker.Revoke(ctx, token, a.tokenTTL(token)); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if err := a.revoker.RevokeUser(ctx, user.ID, a.now()); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	if err := a.store.DeleteUserSessions(ctx, user.ID); err != nil {
		return fmt.Errorf("delete user sessions: %w", err)
	}
	if err := a.store.DeleteUser(ctx, user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("delete user: %w", err)
	}
	a.removeOwnedAvatar(ctx, user)
	util.LoggerFromContext(ctx).Info("account deleted", "user_id", user.ID)
	return nil
}

func validAgentType(id string) error {
	if personality.Valid(id) {
		return nil
	}
	return invalid("Invalid agent type. Available: " + strings.Join(personality.IDs(), ", "))
}
