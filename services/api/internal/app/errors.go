package app

import "errors"

var (
	// ErrUnauthenticated wraps every authentication failure. The AuthError
	// message is safe to return to the client.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrValidation wraps request validation failures.
	ErrValidation = errors.New("validation failed")
	// ErrSessionNotFound is returned for absent and not-owned sessions alike.
	ErrSessionNotFound = errors.New("Session not found")
	// ErrAgentNotFound is returned for unknown personality ids.
	ErrAgentNotFound = errors.New("Agent type not found")
	// ErrUserNotFound is returned when the caller's local record is gone.
	ErrUserNotFound = errors.New("User not found")
	// ErrServiceUnavailable wraps missing or down integrations.
	ErrServiceUnavailable = errors.New("service unavailable")
)

const (
	msgHeaderRequired = "Authorization header required"
	msgHeaderFormat   = "Invalid authorization header format. Use 'Bearer <token>'"
	msgTokenExpired   = "Token has expired"
	msgTokenRevoked   = "Token has been revoked"
	msgInvalidToken   = "Invalid JWT token: "
	msgUnableValidate = "Unable to validate token"
)

// AuthError is an authentication failure with a client-facing message.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

func (e *AuthError) Unwrap() error { return ErrUnauthenticated }

func unauthenticated(msg string) error {
	return &AuthError{Message: msg}
}

// ValidationError is a rejected request with a client-facing message.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}

// UnavailableError names an integration that is not configured.
type UnavailableError struct {
	Service string
}

func (e *UnavailableError) Error() string { return e.Service + " is not configured" }

func (e *UnavailableError) Unwrap() error { return ErrServiceUnavailable }
