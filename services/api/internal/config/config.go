package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mirage/pkg/personality"
)

// ConfigPath is the YAML file read when CONFIG_PATH is unset.
const ConfigPath = "config.yaml"

// Version is reported by the root endpoint.
const Version = "1.0.0"

// StorageConfig configures S3-compatible avatar storage.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
	PublicURL string `yaml:"publicURL"`
}

// Config holds API settings. It is built once in main and passed down.
type Config struct {
	Environment string   `yaml:"environment"`
	Debug       bool     `yaml:"debug"`
	LogLevel    string   `yaml:"logLevel"`
	Host        string   `yaml:"host"`
	Port        string   `yaml:"port"`
	CORSOrigins []string `yaml:"corsOrigins"`

	SupabaseURL        string `yaml:"supabaseURL"`
	SupabaseAnonKey    string `yaml:"supabaseAnonKey"`
	SupabaseServiceKey string `yaml:"supabaseServiceKey"`
	SupabaseJWTSecret  string `yaml:"supabaseJWTSecret"`
	SupabaseJWKSURL    string `yaml:"supabaseJWKSURL"`

	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	LiveKitURL       string `yaml:"livekitURL"`
	LiveKitAPIKey    string `yaml:"livekitAPIKey"`
	LiveKitAPISecret string `yaml:"livekitAPISecret"`

	GoogleAPIKey string `yaml:"googleAPIKey"`
	SimliAPIKey  string `yaml:"simliAPIKey"`
	SimliFaceID  string `yaml:"simliFaceID"`

	DefaultAgentType string        `yaml:"defaultAgentType"`
	Storage          StorageConfig `yaml:"storage"`

	TrustedProxyCIDRs         []string `yaml:"trustedProxyCidrs"`
	TokenRateLimitPerMinute   int      `yaml:"tokenRateLimitPerMinute"`
	SessionRateLimitPerMinute int      `yaml:"sessionRateLimitPerMinute"`
}

// IsProduction reports whether the service runs in production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// SupabaseConfigured reports whether the live identity-provider path is usable.
func (c Config) SupabaseConfigured() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

// LocalJWTConfigured reports whether tokens can be verified without a network call.
func (c Config) LocalJWTConfigured() bool {
	return c.SupabaseJWTSecret != "" || c.SupabaseJWKSURL != ""
}

// LiveKitConfigured reports whether room tokens can be minted.
func (c Config) LiveKitConfigured() bool {
	return c.LiveKitURL != "" && c.LiveKitAPIKey != "" && c.LiveKitAPISecret != ""
}

// GeminiConfigured reports whether the realtime model key is set.
func (c Config) GeminiConfigured() bool {
	return c.GoogleAPIKey != ""
}

// SimliConfigured reports whether avatar sessions can be started.
func (c Config) SimliConfigured() bool {
	return c.SimliAPIKey != "" && c.SimliFaceID != ""
}

// StorageConfigured reports whether avatar uploads are available.
func (c Config) StorageConfigured() bool {
	return c.Storage.Endpoint != "" && c.Storage.AccessKey != "" && c.Storage.SecretKey != ""
}

// Addr is the listen address.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

// Load reads .env, then the YAML file at path, then environment overrides.
// Missing .env and YAML files are not errors.
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
		Environment:      "development",
		Debug:            true,
		LogLevel:         "info",
		Host:             "0.0.0.0",
		Port:             "8000",
		CORSOrigins:      []string{"http://localhost:5173", "http://localhost:3000"},
		SimliFaceID:      "tmp9i8bbq7c",
		DefaultAgentType: personality.Default,
		Storage: StorageConfig{
			Bucket: "avatars",
			UseSSL: true,
		},
		TokenRateLimitPerMinute:   20,
		SessionRateLimitPerMinute: 30,
	}
}

func applyEnv(cfg *Config) {
	str := map[string]*string{
		"ENVIRONMENT":          &cfg.Environment,
		"LOG_LEVEL":            &cfg.LogLevel,
		"HOST":                 &cfg.Host,
		"PORT":                 &cfg.Port,
		"SUPABASE_URL":         &cfg.SupabaseURL,
		"SUPABASE_ANON_KEY":    &cfg.SupabaseAnonKey,
		"SUPABASE_SERVICE_KEY": &cfg.SupabaseServiceKey,
		"SUPABASE_JWT_SECRET":  &cfg.SupabaseJWTSecret,
		"SUPABASE_JWKS_URL":    &cfg.SupabaseJWKSURL,
		"DATABASE_URL":         &cfg.DatabaseURL,
		"REDIS_ADDR":           &cfg.RedisAddr,
		"REDIS_PASSWORD":       &cfg.RedisPassword,
		"LIVEKIT_URL":          &cfg.LiveKitURL,
		"LIVEKIT_API_KEY":      &cfg.LiveKitAPIKey,
		"LIVEKIT_API_SECRET":   &cfg.LiveKitAPISecret,
		"GOOGLE_API_KEY":       &cfg.GoogleAPIKey,
		"SIMLI_API_KEY":        &cfg.SimliAPIKey,
		"SIMLI_FACE_ID":        &cfg.SimliFaceID,
		"DEFAULT_AGENT_TYPE":   &cfg.DefaultAgentType,
		"STORAGE_ENDPOINT":     &cfg.Storage.Endpoint,
		"STORAGE_ACCESS_KEY":   &cfg.Storage.AccessKey,
		"STORAGE_SECRET_KEY":   &cfg.Storage.SecretKey,
		"STORAGE_BUCKET":       &cfg.Storage.Bucket,
		"STORAGE_PUBLIC_URL":   &cfg.Storage.PublicURL,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("DEBUG"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Debug = b
		}
	}
	if v := os.Getenv("STORAGE_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.Storage.UseSSL = b
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("TOKEN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.TokenRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SESSION_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.SessionRateLimitPerMinute = n
		}
	}
}

func normalize(cfg *Config) {
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	cfg.SupabaseURL = strings.TrimRight(strings.TrimSpace(cfg.SupabaseURL), "/")
	cfg.LiveKitURL = strings.TrimSpace(cfg.LiveKitURL)
	cfg.DefaultAgentType = strings.TrimSpace(cfg.DefaultAgentType)
	cfg.Storage.Endpoint = strings.TrimSpace(cfg.Storage.Endpoint)
}

func validateConfig(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.IsProduction() {
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("config: DATABASE_URL is required in production")
		}
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: REDIS_ADDR is required in production for rate limiting and token revocation")
		}
	}
	if cfg.TokenRateLimitPerMinute < 0 || cfg.SessionRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if !personality.Valid(cfg.DefaultAgentType) {
		return fmt.Errorf("config: unknown default agent type %q (available: %s)",
			cfg.DefaultAgentType, strings.Join(personality.IDs(), ", "))
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
