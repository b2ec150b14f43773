package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

// clearEnv unsets keys for the duration of the test.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_NoFile(t *testing.T) {
	t.Parallel()

	log := slog.Default()
	path, err := Load("/nonexistent/path/config.yaml", log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte(`
model:
  provider: ollama
  max_tokens: 2048
  temperature: 0.2
  ollama:
    host: http://ollama.plant.local:11434
    model: llama3.1
    vision_model: llava
embedding:
  provider: ollama
  model: nomic-embed-text
vector_store:
  qdrant:
    host: qdrant.internal
    port: 6334
    collection: plant-docs
server:
  port: 8080
  env: development
upload:
  max_bytes: 10485760
  allowed_types: [application/pdf, text/plain, image/png]
rate_limit:
  window: 15m
  max_requests: 100
  upload_max_requests: 5
chat:
  history_window: 5
  retrieval_timeout: 8s
session:
  store: redis
  redis:
    addr: redis.internal:6379
logging:
  level: debug
  format: text
`)

	if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	clearEnv(t,
		"MODEL_PROVIDER", "MODEL_MAX_TOKENS", "MODEL_TEMPERATURE",
		"OLLAMA_HOST", "OLLAMA_MODEL", "OLLAMA_VISION_MODEL",
		"EMBEDDING_PROVIDER", "EMBEDDING_MODEL",
		"QDRANT_HOST", "QDRANT_PORT", "QDRANT_COLLECTION",
		"PPTA_PORT", "PPTA_ENV",
		"UPLOAD_MAX_BYTES", "UPLOAD_ALLOWED_TYPES",
		"RATE_LIMIT_WINDOW", "RATE_LIMIT_MAX_REQUESTS", "UPLOAD_RATE_LIMIT_MAX_REQUESTS",
		"CHAT_HISTORY_WINDOW", "RETRIEVAL_TIMEOUT",
		"SESSION_STORE", "REDIS_ADDR",
		"LOG_LEVEL", "LOG_FORMAT",
	)

	log := slog.Default()
	loaded, err := Load(cfgPath, log)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != cfgPath {
		t.Errorf("loaded path: got %q, want %q", loaded, cfgPath)
	}

	checks := map[string]string{
		"MODEL_PROVIDER":                 "ollama",
		"MODEL_MAX_TOKENS":               "2048",
		"MODEL_TEMPERATURE":              "0.2",
		"OLLAMA_HOST":                    "http://ollama.plant.local:11434",
		"OLLAMA_MODEL":                   "llama3.1",
		"OLLAMA_VISION_MODEL":            "llava",
		"EMBEDDING_PROVIDER":             "ollama",
		"EMBEDDING_MODEL":                "nomic-embed-text",
		"QDRANT_HOST":                    "qdrant.internal",
		"QDRANT_PORT":                    "6334",
		"QDRANT_COLLECTION":              "plant-docs",
		"PPTA_PORT":                      "8080",
		"PPTA_ENV":                       "development",
		"UPLOAD_MAX_BYTES":               "10485760",
		"UPLOAD_ALLOWED_TYPES":           "application/pdf,text/plain,image/png",
		"RATE_LIMIT_WINDOW":              "15m",
		"RATE_LIMIT_MAX_REQUESTS":        "100",
		"UPLOAD_RATE_LIMIT_MAX_REQUESTS": "5",
		"CHAT_HISTORY_WINDOW":            "5",
		"RETRIEVAL_TIMEOUT":              "8s",
		"SESSION_STORE":                  "redis",
		"REDIS_ADDR":                     "redis.internal:6379",
		"LOG_LEVEL":                      "debug",
		"LOG_FORMAT":                     "text",
	}
	for k, want := range checks {
		got := os.Getenv(k)
		if got != want {
			t.Errorf("%s: got %q, want %q", k, got, want)
		}
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte(`
model:
  provider: ollama
server:
  port: 9000
`)
	if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MODEL_PROVIDER", "azure")
	t.Setenv("PPTA_PORT", "8080")

	log := slog.Default()
	if _, err := Load(cfgPath, log); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := os.Getenv("MODEL_PROVIDER"); got != "azure" {
		t.Errorf("MODEL_PROVIDER: expected env override %q, got %q", "azure", got)
	}
	if got := os.Getenv("PPTA_PORT"); got != "8080" {
		t.Errorf("PPTA_PORT: expected env override %q, got %q", "8080", got)
	}
}

func TestLoad_ConfigEnvVar(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(cfgPath, []byte("logging:\n  level: warn\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PPTA_CONFIG", cfgPath)
	clearEnv(t, "LOG_LEVEL")

	loaded, err := Load("", slog.Default())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != cfgPath {
		t.Errorf("loaded path: got %q, want %q", loaded, cfgPath)
	}
	if got := os.Getenv("LOG_LEVEL"); got != "warn" {
		t.Errorf("LOG_LEVEL: got %q, want warn", got)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(cfgPath, []byte("{{invalid yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	log := slog.Default()
	_, err := Load(cfgPath, log)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestFloat32Str(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   float32
		want string
	}{
		{0.0, ""},
		{0.2, "0.2"},
		{0.3, "0.3"},
		{1.0, "1"},
	}
	for _, tt := range tests {
		if got := float32Str(tt.in); got != tt.want {
			t.Errorf("float32Str(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
