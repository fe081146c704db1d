package app

import (
	"errors"
	"time"

	"mirage/pkg/personality"
	"mirage/pkg/storage"
	"mirage/pkg/store"
)

// LiveKitConfig holds the credentials used to sign room tokens.
type LiveKitConfig struct {
	URL       string
	APIKey    string
	APISecret string
}

func (c LiveKitConfig) configured() bool {
	return c.URL != "" && c.APIKey != "" && c.APISecret != ""
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store   store.Store
	Revoker store.TokenRevoker
	// Auth validates bearer tokens. Required.
	Auth *Authenticator
	// Objects is optional; avatar uploads return 503 without it.
	Objects          storage.ObjectStore
	LiveKit          LiveKitConfig
	DefaultAgentType string
	// RoomTokenTTL defaults to 6h.
	RoomTokenTTL time.Duration
}

// App is the core application service wiring together storage and domain logic.
type App struct {
	store            store.Store
	revoker          store.TokenRevoker
	auth             *Authenticator
	objects          storage.ObjectStore
	livekit          LiveKitConfig
	defaultAgentType string
	roomTokenTTL     time.Duration
	now              func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("authenticator required")
	}
	if cfg.Revoker == nil {
		cfg.Revoker = store.NewMemoryTokenRevoker()
	}
	if !personality.Valid(cfg.DefaultAgentType) {
		cfg.DefaultAgentType = personality.Default
	}
	if cfg.RoomTokenTTL <= 0 {
		cfg.RoomTokenTTL = 6 * time.Hour
	}
	return &App{
		store:            cfg.Store,
		revoker:          cfg.Revoker,
		auth:             cfg.Auth,
		objects:          cfg.Objects,
		livekit:          cfg.LiveKit,
		defaultAgentType: cfg.DefaultAgentType,
		roomTokenTTL:     cfg.RoomTokenTTL,
		now:              func() time.Time { return time.Now().UTC() },
	}, nil
}

// DefaultAgentType is the configured fallback personality.
func (a *App) DefaultAgentType() string {
	return a.defaultAgentType
}

// LiveKitURL is returned to clients alongside room tokens.
func (a *App) LiveKitURL() string {
	return a.livekit.URL
}
