package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("GOOGLE_API_KEY", "google")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("LIVEKIT_API_KEY", "key")
	t.Setenv("LIVEKIT_API_SECRET", "secret")
	t.Setenv("LIVEKIT_URL", "wss://mirage.livekit.cloud")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model != "gemini-2.0-flash-exp" || cfg.SimliFaceID != "tmp9i8bbq7c" {
		t.Fatalf("unexpected model defaults: %+v", cfg)
	}
	if cfg.Capture.Enabled || cfg.Capture.FPS != 15 || cfg.Capture.Width != 1920 || cfg.Capture.Height != 1080 {
		t.Fatalf("unexpected capture defaults: %+v", cfg.Capture)
	}
	if cfg.Queue.Concurrency != 4 || cfg.Queue.MaxRetries != 3 || cfg.Queue.Stream == "" {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.SimliConfigured() {
		t.Fatalf("expected simli unconfigured without api key")
	}
	if cfg.MaxSessionDuration() != 0 {
		t.Fatalf("expected unlimited session duration")
	}
}

func TestLoadYAMLThenEnvOverrides(t *testing.T) {
	setRequired(t)
	path := writeYAML(t, `
model: models/gemini-live
capture:
  enabled: true
  fps: 5
queue:
  concurrency: 2
maxSessionSeconds: 600
`)
	t.Setenv("CAPTURE_FPS", "10")
	t.Setenv("SIMLI_API_KEY", "simli")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Capture.Enabled || cfg.Capture.FPS != 10 {
		t.Fatalf("expected env fps override, got %+v", cfg.Capture)
	}
	if cfg.Queue.Concurrency != 2 || cfg.Model != "models/gemini-live" {
		t.Fatalf("unexpected yaml values: %+v", cfg)
	}
	if cfg.MaxSessionDuration() != 10*time.Minute {
		t.Fatalf("unexpected max session: %s", cfg.MaxSessionDuration())
	}
	if !cfg.SimliConfigured() {
		t.Fatalf("expected simli configured")
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{name: "missing google key", env: map[string]string{"GOOGLE_API_KEY": ""}, want: "GOOGLE_API_KEY"},
		{name: "missing redis", env: map[string]string{"REDIS_ADDR": ""}, want: "REDIS_ADDR"},
		{name: "missing livekit secret", env: map[string]string{"LIVEKIT_API_SECRET": ""}, want: "LIVEKIT_API_KEY"},
		{name: "missing livekit url", env: map[string]string{"LIVEKIT_URL": ""}, want: "LIVEKIT_URL"},
		{name: "zero concurrency", env: map[string]string{"AGENT_CONCURRENCY": "0"}, want: "concurrency"},
		{name: "bad capture fps", env: map[string]string{"CAPTURE_ENABLED": "true", "CAPTURE_FPS": "0"}, want: "fps"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequired(t)
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
