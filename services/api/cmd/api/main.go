package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"mirage/internal/ratelimit"
	"mirage/internal/usertoken"
	"mirage/internal/util"
	"mirage/pkg/storage"
	"mirage/pkg/store"
	"mirage/services/api/internal/app"
	"mirage/services/api/internal/authclient"
	"mirage/services/api/internal/config"
	"mirage/services/api/internal/server"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(server.ServiceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	var (
		tokenLimiter   ratelimit.Limiter = ratelimit.Unlimited{}
		sessionLimiter ratelimit.Limiter = ratelimit.Unlimited{}
		revoker        store.TokenRevoker
	)
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		if cfg.TokenRateLimitPerMinute > 0 {
			tokenLimiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "mirage:api:ratelimit:token", cfg.TokenRateLimitPerMinute, time.Minute)
			if err != nil {
				log.Fatalf("failed to init token limiter: %v", err)
			}
		}
		if cfg.SessionRateLimitPerMinute > 0 {
			sessionLimiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "mirage:api:ratelimit:session", cfg.SessionRateLimitPerMinute, time.Minute)
			if err != nil {
				log.Fatalf("failed to init session limiter: %v", err)
			}
		}
		revoker = store.NewRedisTokenRevoker(redisClient, "mirage:api:revoked")
	} else {
		logger.Warn("REDIS_ADDR not set; rate limiting disabled and token revocation is process-local")
		revoker = store.NewMemoryTokenRevoker()
	}

	var objects storage.ObjectStore
	if cfg.StorageConfigured() {
		minioStore, err := storage.NewMinioStore(ctx, storage.Options{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			UseSSL:    cfg.Storage.UseSSL,
			PublicURL: cfg.Storage.PublicURL,
		})
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
		objects = minioStore
	}

	var provider app.IdentityProvider
	if cfg.SupabaseConfigured() {
		apiKey := cfg.SupabaseAnonKey
		if apiKey == "" {
			apiKey = cfg.SupabaseServiceKey
		}
		provider = authclient.NewClient(cfg.SupabaseURL, apiKey, authclient.Options{})
	}
	var verifier app.TokenVerifier
	if cfg.LocalJWTConfigured() {
		v, err := usertoken.NewVerifier(usertoken.Config{
			Secret:  cfg.SupabaseJWTSecret,
			JWKSURL: cfg.SupabaseJWKSURL,
		})
		if err != nil {
			log.Fatalf("failed to init token verifier: %v", err)
		}
		verifier = v
	}
	if provider == nil && verifier == nil {
		logger.Warn("no token validator configured; every authenticated request will be rejected")
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("invalid trusted proxy cidrs: %v", err)
	}

	appCore, err := app.New(app.Config{
		Store:   dataStore,
		Revoker: revoker,
		Auth:    app.NewAuthenticator(provider, verifier),
		Objects: objects,
		LiveKit: app.LiveKitConfig{
			URL:       cfg.LiveKitURL,
			APIKey:    cfg.LiveKitAPIKey,
			APISecret: cfg.LiveKitAPISecret,
		},
		DefaultAgentType: cfg.DefaultAgentType,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:            appCore,
		Settings:       cfg,
		TokenLimiter:   tokenLimiter,
		SessionLimiter: sessionLimiter,
		TrustedProxies: trusted,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := cfg.Addr()
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting Mirage API",
		"environment", cfg.Environment,
		"supabase", cfg.SupabaseConfigured(),
		"local_jwt", cfg.LocalJWTConfigured(),
		"livekit", cfg.LiveKitConfigured(),
		"storage", cfg.StorageConfigured(),
		"redis", cfg.RedisAddr != "",
		"database", cfg.DatabaseURL != "",
	)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "err", err)
		}
	}()

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set; using in-memory store")
		return store.NewMemoryStore(), nil
	}
	return store.NewGormStore(cfg.DatabaseURL)
}
