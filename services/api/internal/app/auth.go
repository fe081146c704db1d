package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mirage/internal/metrics"
	"mirage/internal/usertoken"
	"mirage/internal/util"
	"mirage/pkg/domain"
	"mirage/pkg/store"
)

// IdentityProvider resolves a bearer token with the identity provider.
type IdentityProvider interface {
	GetUser(ctx context.Context, token string) (domain.Identity, error)
}

// TokenVerifier checks a bearer token locally.
type TokenVerifier interface {
	Verify(token string) (usertoken.Claims, error)
}

// Authenticator validates bearer tokens against the identity provider, with
// local JWT verification as fallback. Either side may be nil.
type Authenticator struct {
	provider IdentityProvider
	verifier TokenVerifier
}

// NewAuthenticator builds an authenticator.
func NewAuthenticator(provider IdentityProvider, verifier TokenVerifier) *Authenticator {
	return &Authenticator{provider: provider, verifier: verifier}
}

// Validate returns the identity behind token. Failures wrap ErrUnauthenticated.
func (a *Authenticator) Validate(ctx context.Context, token string) (domain.Identity, error) {
	logger := util.LoggerFromContext(ctx)
	if a.provider != nil {
		identity, err := a.provider.GetUser(ctx, token)
		if err == nil {
			metrics.AuthValidations.WithLabelValues("live", "success").Inc()
			return identity, nil
		}
		metrics.AuthValidations.WithLabelValues("live", "failure").Inc()
		logger.Debug("live token validation failed", "error", err)
	}
	if a.verifier == nil {
		metrics.AuthValidations.WithLabelValues("none", "failure").Inc()
		return domain.Identity{}, unauthenticated(msgUnableValidate)
	}

	claims, err := a.verifier.Verify(token)
	if err != nil {
		metrics.AuthValidations.WithLabelValues("local", "failure").Inc()
		if errors.Is(err, usertoken.ErrExpired) {
			return domain.Identity{}, unauthenticated(msgTokenExpired)
		}
		if errors.Is(err, usertoken.ErrNotConfigured) {
			return domain.Identity{}, unauthenticated(msgUnableValidate)
		}
		return domain.Identity{}, unauthenticated(msgInvalidToken + err.Error())
	}
	identity, ok := identityFromClaims(claims)
	if !ok {
		metrics.AuthValidations.WithLabelValues("local", "failure").Inc()
		return domain.Identity{}, unauthenticated(msgUnableValidate)
	}
	metrics.AuthValidations.WithLabelValues("local", "success").Inc()
	return identity, nil
}

func identityFromClaims(claims usertoken.Claims) (domain.Identity, bool) {
	id := strings.TrimSpace(claims.Subject)
	email := strings.TrimSpace(claims.Email)
	if id == "" || email == "" {
		return domain.Identity{}, false
	}
	identity := domain.Identity{
		ID:           id,
		Email:        email,
		UserMetadata: claims.UserMetadata,
		AppMetadata:  claims.AppMetadata,
	}
	if identity.UserMetadata == nil {
		identity.UserMetadata = map[string]any{}
	}
	if identity.AppMetadata == nil {
		identity.AppMetadata = map[string]any{}
	}
	if claims.IssuedAt != nil {
		iat := claims.IssuedAt.Time.UTC()
		identity.CreatedAt = &iat
	}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time.UTC()
		identity.ExpiresAt = &exp
	}
	return identity, true
}

// ExtractProfile copies the display fields out of provider metadata.
func ExtractProfile(identity domain.Identity) domain.Profile {
	meta := identity.UserMetadata
	return domain.Profile{
		ID:            identity.ID,
		Email:         identity.Email,
		FullName:      firstString(meta, "full_name", "name"),
		AvatarURL:     firstString(meta, "avatar_url", "picture"),
		EmailVerified: identity.EmailConfirmedAt != nil,
		CreatedAt:     identity.CreatedAt,
	}
}

func firstString(meta map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := meta[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", unauthenticated(msgHeaderRequired)
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", unauthenticated(msgHeaderFormat)
	}
	return parts[1], nil
}

// Authorize resolves an Authorization header to a local user, provisioning
// the user on first sight. No repository call happens before the token is
// accepted.
func (a *App) Authorize(ctx context.Context, header string) (domain.User, error) {
	token, err := BearerToken(header)
	if err != nil {
		return domain.User{}, err
	}
	revoked, err := a.revoker.IsRevoked(ctx, token)
	if err != nil {
		util.LoggerFromContext(ctx).Error("token revocation check failed", "error", err)
		return domain.User{}, unauthenticated(msgUnableValidate)
	}
	if revoked {
		return domain.User{}, unauthenticated(msgTokenRevoked)
	}
	identity, err := a.auth.Validate(ctx, token)
	if err != nil {
		return domain.User{}, err
	}
	if err := a.checkUserCutoff(ctx, identity.ID, token); err != nil {
		return domain.User{}, err
	}
	return a.provision(ctx, identity)
}

// Identify validates header without touching the repository.
func (a *App) Identify(ctx context.Context, header string) (domain.Identity, error) {
	token, err := BearerToken(header)
	if err != nil {
		return domain.Identity{}, err
	}
	return a.auth.Validate(ctx, token)
}

func (a *App) checkUserCutoff(ctx context.Context, userID, token string) error {
	cutoff, err := a.revoker.UserCutoff(ctx, userID)
	if err != nil {
		return unauthenticated(msgUnableValidate)
	}
	if cutoff.IsZero() {
		return nil
	}
	issued, ok := usertoken.IssuedAt(token)
	if !ok || !issued.After(cutoff) {
		return unauthenticated(msgTokenRevoked)
	}
	return nil
}

func (a *App) provision(ctx context.Context, identity domain.Identity) (domain.User, error) {
	logger := util.LoggerFromContext(ctx)
	user, err := a.store.UpdateLastLogin(ctx, identity.ID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		logger.Error("update last login failed", "user_id", identity.ID, "error", err)
		return domain.User{}, fmt.Errorf("update last login: %w", err)
	}

	profile := ExtractProfile(identity)
	now := a.now()
	user, err = a.store.CreateUser(ctx, domain.User{
		ID:          profile.ID,
		Email:       profile.Email,
		FullName:    profile.FullName,
		AvatarURL:   profile.AvatarURL,
		LastLoginAt: &now,
	})
	if errors.Is(err, store.ErrConflict) {
		user, err = a.store.GetUserByID(ctx, identity.ID)
	}
	if err != nil {
		logger.Error("provision user failed", "user_id", identity.ID, "error", err)
		return domain.User{}, fmt.Errorf("provision user: %w", err)
	}
	logger.Info("user provisioned", "user_id", user.ID)
	return user, nil
}

// tokenTTL is the remaining lifetime of token, used to bound revocation entries.
// Tokens past exp are still accepted inside the verifier leeway, so the entry
// lives at least that long.
func (a *App) tokenTTL(token string) time.Duration {
	exp, ok := usertoken.ExpiresAt(token)
	if !ok {
		return time.Hour
	}
	return max(exp.Sub(a.now())+usertoken.DefaultLeeway, usertoken.DefaultLeeway)
}
