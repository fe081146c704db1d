package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"mirage/internal/metrics"
	"mirage/internal/ratelimit"
	"mirage/internal/util"
	"mirage/pkg/domain"
	"mirage/services/api/internal/app"
	"mirage/services/api/internal/config"
)

// ServiceName labels logs and metrics.
const ServiceName = "mirage-api"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Settings config.Config
	// Limiters default to ratelimit.Unlimited.
	TokenLimiter   ratelimit.Limiter
	SessionLimiter ratelimit.Limiter
	TrustedProxies *util.TrustedProxies
}

// Server exposes the HTTP API.
type Server struct {
	app            *app.App
	settings       config.Config
	mux            *http.ServeMux
	tokenLimiter   ratelimit.Limiter
	sessionLimiter ratelimit.Limiter
	trustedProxies *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.TokenLimiter == nil {
		cfg.TokenLimiter = ratelimit.Unlimited{}
	}
	if cfg.SessionLimiter == nil {
		cfg.SessionLimiter = ratelimit.Unlimited{}
	}
	s := &Server{
		app:            cfg.App,
		settings:       cfg.Settings,
		mux:            http.NewServeMux(),
		tokenLimiter:   cfg.TokenLimiter,
		sessionLimiter: cfg.SessionLimiter,
		trustedProxies: cfg.TrustedProxies,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.settings.CORSOrigins, h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRecover(h)
	h = util.WithRequestLog(ServiceName, h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.Handle("GET /metrics", metrics.Handler())

	const v1 = "/api/v1"

	// health
	s.mux.HandleFunc("GET "+v1+"/health/ping", s.handleHealthPing)
	s.mux.HandleFunc("GET "+v1+"/health", s.handleHealth)
	s.mux.HandleFunc("GET "+v1+"/health/{$}", s.handleHealth)
	s.mux.HandleFunc("GET "+v1+"/health/detailed", s.handleHealthDetailed)

	// auth
	s.mux.Handle("GET "+v1+"/auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("POST "+v1+"/auth/validate", s.authenticated(s.handleValidate))

	// users
	s.mux.Handle("GET "+v1+"/users/profile", s.authenticated(s.handleGetProfile))
	s.mux.Handle("PUT "+v1+"/users/profile", s.authenticated(s.handleUpdateProfile))
	s.mux.Handle("PUT "+v1+"/users/preferences", s.authenticated(s.handleUpdatePreferences))
	s.mux.Handle("PUT "+v1+"/users/avatar", s.authenticated(s.handleUploadAvatar))
	s.mux.Handle("DELETE "+v1+"/users/account", s.authenticated(s.handleDeleteAccount))

	// sessions
	s.mux.Handle("POST "+v1+"/sessions/create", s.authenticated(s.handleCreateSession))
	s.mux.Handle("GET "+v1+"/sessions", s.authenticated(s.handleListSessions))
	s.mux.Handle("GET "+v1+"/sessions/{$}", s.authenticated(s.handleListSessions))
	s.mux.Handle("GET "+v1+"/sessions/{id}", s.authenticated(s.handleGetSession))
	s.mux.Handle("PUT "+v1+"/sessions/{id}", s.authenticated(s.handleUpdateSession))
	s.mux.Handle("DELETE "+v1+"/sessions/{id}", s.authenticated(s.handleDeleteSession))
	s.mux.Handle("POST "+v1+"/sessions/{id}/end", s.authenticated(s.handleEndSession))
	s.mux.Handle("GET "+v1+"/sessions/{id}/messages", s.authenticated(s.handleListMessages))

	// livekit
	s.mux.Handle("POST "+v1+"/livekit/token", s.authenticated(s.handleRoomToken))
	s.mux.Handle("GET "+v1+"/livekit/rooms", s.authenticated(s.handleListRooms))

	// agents
	s.mux.Handle("GET "+v1+"/agents", s.optionalAuth(s.handleListAgents))
	s.mux.Handle("GET "+v1+"/agents/{$}", s.optionalAuth(s.handleListAgents))
	s.mux.HandleFunc("GET "+v1+"/agents/{id}", s.handleGetAgent)
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

type optionalAuthHandler func(http.ResponseWriter, *http.Request, *domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.app.Authorize(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.audit(r, "api.authorize", "fail", "reason", err.Error())
			s.writeAppError(w, r, err)
			return
		}
		s.audit(r, "api.authorize", "success", "user_id", user.ID)
		next(w, r, user)
	})
}

func (s *Server) optionalAuth(next optionalAuthHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			next(w, r, nil)
			return
		}
		user, err := s.app.Authorize(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.audit(r, "api.authorize.optional", "fail", "reason", err.Error())
			next(w, r, nil)
			return
		}
		next(w, r, &user)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"name":    "Mirage API",
		"version": config.Version,
		"status":  "running",
	}
	if s.settings.Debug {
		resp["docs"] = "/docs"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": timestamp()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// writeAppError maps application errors to HTTP responses. Unexpected errors
// are logged and answered with an opaque 500.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		authErr     *app.AuthError
		invalidErr  *app.ValidationError
		unavailable *app.UnavailableError
	)
	switch {
	case errors.As(err, &authErr):
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, authErr.Message)
	case errors.As(err, &invalidErr):
		writeError(w, http.StatusBadRequest, invalidErr.Message)
	case errors.Is(err, app.ErrSessionNotFound),
		errors.Is(err, app.ErrUserNotFound),
		errors.Is(err, app.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &unavailable):
		writeError(w, http.StatusServiceUnavailable, unavailable.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed",
			"path", r.URL.Path, "method", r.Method, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

// allowRate applies limiter to the caller. key scopes the bucket, usually a
// user id.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, key string) bool {
	d := limiter.Allow(r.Context(), r.URL.Path+"|"+key)
	if d.Allowed {
		return true
	}
	s.audit(r, "api.ratelimit", "fail", "key", key)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
	writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
	return false
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	return max(secs, 1)
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
