// Package usertoken verifies Supabase access tokens without calling the
// identity provider: HS256 against the project secret, or RS256/ES256
// against the project's published JWKS.
package usertoken

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// DefaultLeeway is the clock skew tolerated on exp, nbf and iat.
const DefaultLeeway = 30 * time.Second

var (
	// ErrExpired is returned when the token signature is valid but its exp has passed.
	ErrExpired = errors.New("token has expired")
	// ErrNotConfigured is returned when neither a secret nor a JWKS URL is set.
	ErrNotConfigured = errors.New("token verifier not configured")
)

// Claims are the Supabase access-token claims Mirage relies on.
type Claims struct {
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
	AppMetadata  map[string]any `json:"app_metadata"`
	jwt.RegisteredClaims
}

// Config configures user access-token verification.
type Config struct {
	// Secret is the project's HS256 JWT secret. Surrounding quotes and
	// whitespace are stripped.
	Secret     string
	JWKSURL    string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Verifier validates access tokens locally. Audience is not enforced.
type Verifier struct {
	secret []byte
	keys   *keySet
	parser *jwt.Parser
}

// NewVerifier creates a token verifier. The JWKS is fetched on first use.
func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.Trim(strings.TrimSpace(cfg.Secret), `"'`)
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if secret == "" && jwksURL == "" {
		return nil, ErrNotConfigured
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	v := &Verifier{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "RS256", "ES256"}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(leeway),
		),
	}
	if secret != "" {
		v.secret = []byte(secret)
	}
	if jwksURL != "" {
		client := cfg.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: 5 * time.Second}
		}
		v.keys = newKeySet(jwksURL, client)
	}
	return v, nil
}

// Verify validates the token and returns its claims.
func (v *Verifier) Verify(token string) (Claims, error) {
	if v == nil {
		return Claims{}, ErrNotConfigured
	}
	var claims Claims
	_, err := v.parser.ParseWithClaims(token, &claims, v.key)
	if errors.Is(err, errUnknownKey) && v.keys != nil {
		// The signing key may have rotated since the last fetch.
		if rerr := v.keys.refresh(); rerr != nil {
			return Claims{}, rerr
		}
		claims = Claims{}
		_, err = v.parser.ParseWithClaims(token, &claims, v.key)
	}
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return claims, ErrExpired
	default:
		return claims, err
	}
}

func (v *Verifier) key(t *jwt.Token) (any, error) {
	if t.Method.Alg() == jwt.SigningMethodHS256.Alg() {
		if v.secret == nil {
			return nil, errors.New("hs256 tokens are not accepted")
		}
		return v.secret, nil
	}
	if v.keys == nil {
		return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
	}
	kid, _ := t.Header["kid"].(string)
	return v.keys.lookup(strings.TrimSpace(kid), t.Method.Alg())
}

// IssuedAt reads iat without verifying the signature. Callers must only use
// it on tokens another path has already accepted.
func IssuedAt(token string) (time.Time, bool) {
	return unverifiedTime(token, func(c jwt.RegisteredClaims) *jwt.NumericDate { return c.IssuedAt })
}

// ExpiresAt reads exp without verifying the signature.
func ExpiresAt(token string) (time.Time, bool) {
	return unverifiedTime(token, func(c jwt.RegisteredClaims) *jwt.NumericDate { return c.ExpiresAt })
}

func unverifiedTime(token string, pick func(jwt.RegisteredClaims) *jwt.NumericDate) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	d := pick(claims)
	if d == nil {
		return time.Time{}, false
	}
	return d.Time, true
}
