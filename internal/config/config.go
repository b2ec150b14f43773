// Package config provides layered configuration for ppta.
// Precedence, lowest to highest: built-in defaults, YAML file, environment.
// A YAML file is only a convenient way of populating environment variables:
// every field maps onto one env var and an env var that is already set is
// never overwritten.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. PPTA_CONFIG environment variable
//  3. ~/.ppta/config.yaml
//  4. ./ppta.yaml
//
// After loading, [Resolve] turns the environment into a typed [Settings]
// and fails when mandatory keys are absent.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
type Config struct {
	// Model configures the LLM chat model provider.
	Model ModelConfig `yaml:"model"`

	// Embedding configures the embedding provider for retrieval.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// VectorStore selects and configures the retrieval store.
	VectorStore VectorStoreConfig `yaml:"vector_store"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Upload configures document upload limits.
	Upload UploadConfig `yaml:"upload"`

	// RateLimit configures the per-client request budgets.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Chat configures the session coordinator.
	Chat ChatConfig `yaml:"chat"`

	// Ingest configures the ingestion pipeline.
	Ingest IngestConfig `yaml:"ingest"`

	// Session configures server-side conversation persistence.
	Session SessionConfig `yaml:"session"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures Langfuse tracing integration.
	Tracing TracingConfig `yaml:"tracing"`
}

// ModelConfig holds LLM chat model settings.
type ModelConfig struct {
	// Provider selects the backend: ollama, openai, azure, bedrock, gemini.
	Provider string `yaml:"provider"`
	// MaxTokens is the maximum number of tokens in a response.
	MaxTokens int `yaml:"max_tokens"`
	// Temperature controls response randomness (0.0–1.0).
	Temperature float32 `yaml:"temperature"`

	Ollama  OllamaConfig  `yaml:"ollama"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	Azure   AzureConfig   `yaml:"azure"`
	Bedrock BedrockConfig `yaml:"bedrock"`
	Gemini  GeminiConfig  `yaml:"gemini"`
}

// OllamaConfig holds Ollama provider settings.
type OllamaConfig struct {
	// Host is the Ollama API base URL (e.g. http://localhost:11434).
	Host string `yaml:"host"`
	// Model is the chat model name.
	Model string `yaml:"model"`
	// VisionModel is the model used to describe uploaded images.
	VisionModel string `yaml:"vision_model"`
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. Prefer env var OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// AzureConfig holds Azure OpenAI provider settings.
type AzureConfig struct {
	// APIKey is the Azure OpenAI API key. Prefer env var AZURE_OPENAI_API_KEY.
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
}

// BedrockConfig holds AWS Bedrock provider settings.
type BedrockConfig struct {
	Region  string `yaml:"region"`
	ModelID string `yaml:"model_id"`
	// Endpoint is the Bedrock-compatible runtime endpoint.
	Endpoint string `yaml:"endpoint"`
}

// GeminiConfig holds Google Gemini provider settings.
type GeminiConfig struct {
	// APIKey is the Google API key. Prefer env var GOOGLE_API_KEY.
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
}

// VectorStoreConfig selects the retrieval store and holds Qdrant settings.
type VectorStoreConfig struct {
	// Kind is "qdrant" (default) or "memory".
	Kind   string       `yaml:"kind"`
	Qdrant QdrantConfig `yaml:"qdrant"`
}

// QdrantConfig holds Qdrant vector store settings.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Collection string `yaml:"collection"`
	// APIKey is the Qdrant API key. Prefer env var QDRANT_API_KEY.
	APIKey string `yaml:"api_key"`
	TLS    bool   `yaml:"tls"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var PPTA_API_KEY.
	APIKey string `yaml:"api_key"`
	// Env is "production" or "development".
	Env string `yaml:"env"`
	// DBPath is the SQLite database path. "disabled" keeps state in memory.
	DBPath string `yaml:"db_path"`
}

// UploadConfig holds upload validation limits.
type UploadConfig struct {
	MaxBytes     int64    `yaml:"max_bytes"`
	AllowedTypes []string `yaml:"allowed_types"`
}

// RateLimitConfig holds the general and upload request budgets.
type RateLimitConfig struct {
	Window            string `yaml:"window"`
	MaxRequests       int    `yaml:"max_requests"`
	UploadWindow      string `yaml:"upload_window"`
	UploadMaxRequests int    `yaml:"upload_max_requests"`
}

// ChatConfig holds session coordinator tuning.
type ChatConfig struct {
	HistoryWindow    int    `yaml:"history_window"`
	TopK             int    `yaml:"top_k"`
	RetrievalTimeout string `yaml:"retrieval_timeout"`
	MaxContextTokens int    `yaml:"max_context_tokens"`
	Timeout          string `yaml:"timeout"`
}

// IngestConfig holds ingestion pipeline tuning.
type IngestConfig struct {
	ChunkSize    int    `yaml:"chunk_size"`
	ChunkOverlap int    `yaml:"chunk_overlap"`
	Concurrency  int    `yaml:"concurrency"`
	BatchSize    int    `yaml:"batch_size"`
	WatchDir     string `yaml:"watch_dir"`
}

// SessionConfig holds server-side session store settings.
type SessionConfig struct {
	// Store is sqlite, redis, or disabled.
	Store string      `yaml:"store"`
	TTL   string      `yaml:"ttl"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig holds Langfuse tracing settings.
type TracingConfig struct {
	PublicKey string `yaml:"public_key"`
	SecretKey string `yaml:"secret_key"`
	Host      string `yaml:"host"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"MODEL_PROVIDER", func(c *Config) string { return c.Model.Provider }},
	{"MODEL_MAX_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"MODEL_TEMPERATURE", func(c *Config) string { return float32Str(c.Model.Temperature) }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Model.Ollama.Host }},
	{"OLLAMA_MODEL", func(c *Config) string { return c.Model.Ollama.Model }},
	{"OLLAMA_VISION_MODEL", func(c *Config) string { return c.Model.Ollama.VisionModel }},
	{"OPENAI_API_KEY", func(c *Config) string { return c.Model.OpenAI.APIKey }},
	{"OPENAI_MODEL", func(c *Config) string { return c.Model.OpenAI.Model }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Model.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Model.Azure.Endpoint }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.Deployment }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Model.Azure.APIVersion }},
	{"AWS_REGION", func(c *Config) string { return c.Model.Bedrock.Region }},
	{"BEDROCK_MODEL_ID", func(c *Config) string { return c.Model.Bedrock.ModelID }},
	{"BEDROCK_ENDPOINT", func(c *Config) string { return c.Model.Bedrock.Endpoint }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Model.Gemini.APIKey }},
	{"GEMINI_MODEL", func(c *Config) string { return c.Model.Gemini.Model }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"VECTOR_STORE", func(c *Config) string { return c.VectorStore.Kind }},
	{"QDRANT_HOST", func(c *Config) string { return c.VectorStore.Qdrant.Host }},
	{"QDRANT_PORT", func(c *Config) string { return intStr(c.VectorStore.Qdrant.Port) }},
	{"QDRANT_COLLECTION", func(c *Config) string { return c.VectorStore.Qdrant.Collection }},
	{"QDRANT_API_KEY", func(c *Config) string { return c.VectorStore.Qdrant.APIKey }},
	{"QDRANT_TLS", func(c *Config) string { return boolStr(c.VectorStore.Qdrant.TLS) }},
	{"PPTA_HOST", func(c *Config) string { return c.Server.Host }},
	{"PPTA_PORT", func(c *Config) string { return intStr(c.Server.Port) }},
	{"PPTA_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"PPTA_ENV", func(c *Config) string { return c.Server.Env }},
	{"PPTA_DB", func(c *Config) string { return c.Server.DBPath }},
	{"UPLOAD_MAX_BYTES", func(c *Config) string { return int64Str(c.Upload.MaxBytes) }},
	{"UPLOAD_ALLOWED_TYPES", func(c *Config) string { return strings.Join(c.Upload.AllowedTypes, ",") }},
	{"RATE_LIMIT_WINDOW", func(c *Config) string { return c.RateLimit.Window }},
	{"RATE_LIMIT_MAX_REQUESTS", func(c *Config) string { return intStr(c.RateLimit.MaxRequests) }},
	{"UPLOAD_RATE_LIMIT_WINDOW", func(c *Config) string { return c.RateLimit.UploadWindow }},
	{"UPLOAD_RATE_LIMIT_MAX_REQUESTS", func(c *Config) string { return intStr(c.RateLimit.UploadMaxRequests) }},
	{"CHAT_HISTORY_WINDOW", func(c *Config) string { return intStr(c.Chat.HistoryWindow) }},
	{"RETRIEVAL_TOP_K", func(c *Config) string { return intStr(c.Chat.TopK) }},
	{"RETRIEVAL_TIMEOUT", func(c *Config) string { return c.Chat.RetrievalTimeout }},
	{"MAX_CONTEXT_TOKENS", func(c *Config) string { return intStr(c.Chat.MaxContextTokens) }},
	{"CHAT_TIMEOUT", func(c *Config) string { return c.Chat.Timeout }},
	{"INGEST_CHUNK_SIZE", func(c *Config) string { return intStr(c.Ingest.ChunkSize) }},
	{"INGEST_CHUNK_OVERLAP", func(c *Config) string { return intStr(c.Ingest.ChunkOverlap) }},
	{"INGEST_CONCURRENCY", func(c *Config) string { return intStr(c.Ingest.Concurrency) }},
	{"INGEST_BATCH_SIZE", func(c *Config) string { return intStr(c.Ingest.BatchSize) }},
	{"INGEST_WATCH_DIR", func(c *Config) string { return c.Ingest.WatchDir }},
	{"SESSION_STORE", func(c *Config) string { return c.Session.Store }},
	{"SESSION_TTL", func(c *Config) string { return c.Session.TTL }},
	{"REDIS_ADDR", func(c *Config) string { return c.Session.Redis.Addr }},
	{"REDIS_PASSWORD", func(c *Config) string { return c.Session.Redis.Password }},
	{"REDIS_DB", func(c *Config) string { return intStr(c.Session.Redis.DB) }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" || yamlVal == "0" || yamlVal == "false" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set, do not override
		}
		if err := os.Setenv(m.envKey, yamlVal); err != nil {
			return "", fmt.Errorf("config: set %s: %w", m.envKey, err)
		}
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("PPTA_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".ppta", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("ppta.yaml"); err == nil {
		return "ppta.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// int64Str converts an int64 to string, returning "" for zero values.
func int64Str(v int64) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// float32Str converts a float32 to string, returning "" for zero values.
func float32Str(v float32) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
