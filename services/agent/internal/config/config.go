package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mirage/pkg/ai"
)

// ConfigPath is the YAML file read when CONFIG_PATH is unset.
const ConfigPath = "agent.yaml"

// QueueConfig configures the Redis stream agent jobs arrive on.
type QueueConfig struct {
	Stream      string `yaml:"stream"`
	Group       string `yaml:"group"`
	Consumer    string `yaml:"consumer"`
	Concurrency int    `yaml:"concurrency"`
	MaxRetries  int    `yaml:"maxRetries"`
}

// CaptureConfig configures the screen-share loop.
type CaptureConfig struct {
	Enabled bool `yaml:"enabled"`
	FPS     int  `yaml:"fps"`
	Width   int  `yaml:"width"`
	Height  int  `yaml:"height"`
	Display int  `yaml:"display"`
}

// Config holds agent worker settings.
type Config struct {
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"logLevel"`
	WebhookAddr string `yaml:"webhookAddr"`

	LiveKitURL       string `yaml:"livekitURL"`
	LiveKitAPIKey    string `yaml:"livekitAPIKey"`
	LiveKitAPISecret string `yaml:"livekitAPISecret"`

	GoogleAPIKey string `yaml:"googleAPIKey"`
	Model        string `yaml:"model"`

	SimliAPIKey string `yaml:"simliAPIKey"`
	SimliFaceID string `yaml:"simliFaceID"`

	DatabaseURL   string      `yaml:"databaseURL"`
	RedisAddr     string      `yaml:"redisAddr"`
	RedisPassword string      `yaml:"redisPassword"`
	Queue         QueueConfig `yaml:"queue"`

	Capture CaptureConfig `yaml:"capture"`
	// MaxSessionSeconds bounds one job; zero means no limit.
	MaxSessionSeconds int `yaml:"maxSessionSeconds"`
}

// MaxSessionDuration returns the per-job limit, zero when unlimited.
func (c Config) MaxSessionDuration() time.Duration {
	return time.Duration(c.MaxSessionSeconds) * time.Second
}

// SimliConfigured reports whether avatar sessions can be started.
func (c Config) SimliConfigured() bool {
	return c.SimliAPIKey != "" && c.SimliFaceID != ""
}

// Load reads .env, then the YAML file at path, then environment overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	normalize(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Environment: "development",
		LogLevel:    "info",
		WebhookAddr: ":8081",
		Model:       ai.DefaultLiveModel,
		SimliFaceID: "tmp9i8bbq7c",
		Queue: QueueConfig{
			Stream:      "mirage:agent:jobs",
			Group:       "agent-workers",
			Concurrency: 4,
			MaxRetries:  3,
		},
		Capture: CaptureConfig{
			FPS:    15,
			Width:  1920,
			Height: 1080,
		},
	}
}

func applyEnv(cfg *Config) {
	str := map[string]*string{
		"ENVIRONMENT":        &cfg.Environment,
		"LOG_LEVEL":          &cfg.LogLevel,
		"AGENT_WEBHOOK_ADDR": &cfg.WebhookAddr,
		"LIVEKIT_URL":        &cfg.LiveKitURL,
		"LIVEKIT_API_KEY":    &cfg.LiveKitAPIKey,
		"LIVEKIT_API_SECRET": &cfg.LiveKitAPISecret,
		"GOOGLE_API_KEY":     &cfg.GoogleAPIKey,
		"GEMINI_MODEL":       &cfg.Model,
		"SIMLI_API_KEY":      &cfg.SimliAPIKey,
		"SIMLI_FACE_ID":      &cfg.SimliFaceID,
		"DATABASE_URL":       &cfg.DatabaseURL,
		"REDIS_ADDR":         &cfg.RedisAddr,
		"REDIS_PASSWORD":     &cfg.RedisPassword,
		"AGENT_QUEUE_STREAM": &cfg.Queue.Stream,
		"AGENT_QUEUE_GROUP":  &cfg.Queue.Group,
		"AGENT_CONSUMER":     &cfg.Queue.Consumer,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"AGENT_CONCURRENCY":         &cfg.Queue.Concurrency,
		"AGENT_MAX_RETRIES":         &cfg.Queue.MaxRetries,
		"CAPTURE_FPS":               &cfg.Capture.FPS,
		"CAPTURE_WIDTH":             &cfg.Capture.Width,
		"CAPTURE_HEIGHT":            &cfg.Capture.Height,
		"CAPTURE_DISPLAY":           &cfg.Capture.Display,
		"AGENT_MAX_SESSION_SECONDS": &cfg.MaxSessionSeconds,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	if v := os.Getenv("CAPTURE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Capture.Enabled = b
		}
	}
}

func normalize(cfg *Config) {
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.LiveKitURL = strings.TrimSpace(cfg.LiveKitURL)
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		cfg.Model = ai.DefaultLiveModel
	}
	cfg.Queue.Stream = strings.TrimSpace(cfg.Queue.Stream)
}

func validateConfig(cfg Config) error {
	if cfg.GoogleAPIKey == "" {
		return errors.New("config: GOOGLE_API_KEY is required")
	}
	if cfg.RedisAddr == "" {
		return errors.New("config: REDIS_ADDR is required for the agent job queue")
	}
	if cfg.LiveKitAPIKey == "" || cfg.LiveKitAPISecret == "" {
		return errors.New("config: LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required to verify webhooks")
	}
	if cfg.LiveKitURL == "" {
		return errors.New("config: LIVEKIT_URL is required to join rooms")
	}
	if cfg.Queue.Stream == "" {
		return errors.New("config: queue stream is required")
	}
	if cfg.Queue.Concurrency <= 0 {
		return errors.New("config: queue concurrency must be > 0")
	}
	if cfg.Capture.Enabled {
		if cfg.Capture.FPS <= 0 {
			return errors.New("config: capture fps must be > 0")
		}
		if cfg.Capture.Width <= 0 || cfg.Capture.Height <= 0 {
			return errors.New("config: capture size must be positive")
		}
	}
	if cfg.MaxSessionSeconds < 0 {
		return errors.New("config: max session seconds must be >= 0")
	}
	return nil
}
