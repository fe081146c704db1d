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

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"mirage/internal/util"
	"mirage/pkg/ai"
	"mirage/pkg/avatar"
	"mirage/pkg/queue"
	"mirage/pkg/store"
	"mirage/services/agent/internal/config"
	"mirage/services/agent/internal/dispatch"
	"mirage/services/agent/internal/room"
	"mirage/services/agent/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(dispatch.ServiceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:       cfg.RedisAddr,
		Password:   cfg.RedisPassword,
		Stream:     cfg.Queue.Stream,
		Group:      cfg.Queue.Group,
		Consumer:   cfg.Queue.Consumer,
		MaxRetries: cfg.Queue.MaxRetries,
		ClaimIdle:  claimIdle(cfg.MaxSessionDuration()),
	})
	if err != nil {
		log.Fatalf("failed to init job queue: %v", err)
	}
	defer jobs.Close()

	live, err := ai.NewLiveClient(ctx, cfg.GoogleAPIKey, cfg.Model)
	if err != nil {
		log.Fatalf("failed to init realtime client: %v", err)
	}

	var (
		avatars  worker.AvatarStarter
		attacher room.AvatarAttacher
	)
	if cfg.SimliConfigured() {
		simli, err := avatar.NewSimliClient(avatar.Config{APIKey: cfg.SimliAPIKey, FaceID: cfg.SimliFaceID})
		if err != nil {
			log.Fatalf("failed to init avatar client: %v", err)
		}
		avatars, attacher = simli, simli
	}

	rooms, err := room.NewConnector(room.Config{
		URL:       cfg.LiveKitURL,
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
		Avatars:   attacher,
	})
	if err != nil {
		log.Fatalf("failed to init room connector: %v", err)
	}

	var recorder worker.Recorder
	if cfg.DatabaseURL != "" {
		db, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to init store: %v", err)
		}
		recorder = db
	} else {
		logger.Warn("DATABASE_URL not set; voice transcripts will not be recorded")
	}

	var screen worker.FrameSource
	if cfg.Capture.Enabled {
		src, err := worker.NewScreenSource(cfg.Capture.Display, cfg.Capture.Width, cfg.Capture.Height)
		if err != nil {
			logger.Warn("screen capture disabled", "err", err)
		} else {
			screen = src
		}
	}

	agents, err := worker.New(worker.Config{
		Realtime:   live,
		Rooms:      rooms,
		Model:      cfg.Model,
		Avatar:     avatars,
		Recorder:   recorder,
		Screen:     screen,
		CaptureFPS: cfg.Capture.FPS,
		MaxSession: cfg.MaxSessionDuration(),
	})
	if err != nil {
		log.Fatalf("failed to init worker: %v", err)
	}

	hooks, err := dispatch.New(dispatch.Config{
		APIKey:    cfg.LiveKitAPIKey,
		APISecret: cfg.LiveKitAPISecret,
		Queue:     jobs,
		Rooms:     agents,
	})
	if err != nil {
		log.Fatalf("failed to init webhook handler: %v", err)
	}

	srv := &http.Server{
		Addr:         cfg.WebhookAddr,
		Handler:      hooks.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	root := suture.New("mirage-agent", suture.Spec{
		EventHook: (&sutureslog.Handler{Logger: logger}).MustHook(),
		Timeout:   15 * time.Second,
	})
	root.Add(dispatch.NewHTTPService(srv, 10*time.Second))
	root.Add(dispatch.NewConsumerService(jobs, cfg.Queue.Concurrency, agents.Handle))

	slog.Info("starting Mirage agent worker",
		"webhook_addr", cfg.WebhookAddr,
		"livekit_url", cfg.LiveKitURL,
		"model", cfg.Model,
		"concurrency", cfg.Queue.Concurrency,
		"simli", avatars != nil,
		"capture", screen != nil,
		"transcripts", recorder != nil,
	)
	if err := root.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor stopped", "err", err)
	}
}

// claimIdle keeps a running job's pending entry from being reclaimed by
// another consumer while the job can still be attached to its room.
func claimIdle(maxSession time.Duration) time.Duration {
	if maxSession > 0 {
		return maxSession + 5*time.Minute
	}
	return 2 * time.Hour
}
