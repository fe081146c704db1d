package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "development" || !cfg.Debug || cfg.Port != "8000" || cfg.Host != "0.0.0.0" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.DefaultAgentType != "teacher" || cfg.SimliFaceID != "tmp9i8bbq7c" {
		t.Fatalf("unexpected agent defaults: %+v", cfg)
	}
	if strings.Join(cfg.CORSOrigins, ",") != "http://localhost:5173,http://localhost:3000" {
		t.Fatalf("unexpected cors default: %v", cfg.CORSOrigins)
	}
	if cfg.SupabaseConfigured() || cfg.LiveKitConfigured() || cfg.StorageConfigured() {
		t.Fatalf("expected integrations unconfigured by default")
	}
}

func TestLoadYAMLThenEnvOverrides(t *testing.T) {
	path := writeYAML(t, `
port: "9000"
supabaseURL: https://project.supabase.co/
supabaseServiceKey: service
livekitURL: wss://example.livekit.cloud
livekitAPIKey: key
livekitAPISecret: secret
corsOrigins: [https://app.example.com]
`)
	t.Setenv("PORT", "9100")
	t.Setenv("DEBUG", "false")
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("DEFAULT_AGENT_TYPE", "coach")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9100" || cfg.Debug {
		t.Fatalf("expected env to override yaml, got port=%s debug=%v", cfg.Port, cfg.Debug)
	}
	if cfg.SupabaseURL != "https://project.supabase.co" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.SupabaseURL)
	}
	if !cfg.SupabaseConfigured() || !cfg.LiveKitConfigured() {
		t.Fatalf("expected supabase and livekit configured")
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected cors origins: %v", cfg.CORSOrigins)
	}
	if cfg.DefaultAgentType != "coach" {
		t.Fatalf("expected coach default agent, got %q", cfg.DefaultAgentType)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]struct {
		env  map[string]string
		want string
	}{
		"production needs database": {
			env:  map[string]string{"ENVIRONMENT": "production"},
			want: "DATABASE_URL",
		},
		"production needs redis": {
			env:  map[string]string{"ENVIRONMENT": "Production", "DATABASE_URL": "postgres://x"},
			want: "REDIS_ADDR",
		},
		"negative rate limit": {
			env:  map[string]string{"TOKEN_RATE_LIMIT_PER_MINUTE": "-1"},
			want: "rate limits",
		},
		"unknown agent": {
			env:  map[string]string{"DEFAULT_AGENT_TYPE": "pirate"},
			want: "unknown default agent type",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeYAML(t, "port: [unterminated")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
