package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"mirage/pkg/domain"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("identity provider unavailable")

// Client calls the Supabase GoTrue API over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[domain.Identity]
}

// APIError represents an identity-provider error response.
type APIError struct {
	Status  int
	Message string
	Code    string
}

func (e *APIError) Error() string {
	return e.Message
}

// Options tunes the client. Zero values use the defaults.
type Options struct {
	HTTPClient *http.Client
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before a probe.
	OpenTimeout time.Duration
}

// NewClient constructs an identity-provider client. apiKey is sent as the
// apikey header (anon key or service key).
func NewClient(baseURL, apiKey string, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	threshold := opts.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[domain.Identity](gobreaker.Settings{
		Name:        "supabase-auth",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: isSuccessful,
	})
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: opts.HTTPClient,
		breaker:    breaker,
	}
}

// GetUser resolves a bearer token to the provider's user record.
func (c *Client) GetUser(ctx context.Context, token string) (domain.Identity, error) {
	identity, err := c.breaker.Execute(func() (domain.Identity, error) {
		var resp userResponse
		if err := c.doJSON(ctx, http.MethodGet, "/auth/v1/user", token, &resp); err != nil {
			return domain.Identity{}, err
		}
		return resp.identity()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return identity, err
}

// isSuccessful treats a 4xx answer as a healthy provider rejecting the token.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status < http.StatusInternalServerError
	}
	return false
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Msg              string `json:"msg"`
			Message          string `json:"message"`
			ErrorDescription string `json:"error_description"`
			ErrorCode        string `json:"error_code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := firstNonEmpty(errResp.Msg, errResp.Message, errResp.ErrorDescription, resp.Status)
		return &APIError{Status: resp.StatusCode, Message: msg, Code: strings.TrimSpace(errResp.ErrorCode)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type userResponse struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at"`
	CreatedAt        *time.Time     `json:"created_at"`
	UpdatedAt        *time.Time     `json:"updated_at"`
	UserMetadata     map[string]any `json:"user_metadata"`
	AppMetadata      map[string]any `json:"app_metadata"`
}

func (u userResponse) identity() (domain.Identity, error) {
	if strings.TrimSpace(u.ID) == "" {
		return domain.Identity{}, errors.New("identity provider returned no user id")
	}
	if u.UserMetadata == nil {
		u.UserMetadata = map[string]any{}
	}
	if u.AppMetadata == nil {
		u.AppMetadata = map[string]any{}
	}
	return domain.Identity{
		ID:               u.ID,
		Email:            u.Email,
		EmailConfirmedAt: u.EmailConfirmedAt,
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
		UserMetadata:     u.UserMetadata,
		AppMetadata:      u.AppMetadata,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
