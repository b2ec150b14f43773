// Package audit emits structured audit records for CLI command invocations
// and accepted document uploads. Secrets are logged as presence only, never
// their values.
package audit

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// auditEntry defines an env var to include in the command audit record.
type auditEntry struct {
	key string
	// secret redacts the value to "set" or "unset".
	secret bool
}

// auditKeys is the ordered list of env vars included in every command record.
var auditKeys = []auditEntry{
	{"MODEL_PROVIDER", false},
	{"OLLAMA_HOST", false},
	{"OLLAMA_MODEL", false},
	{"OLLAMA_VISION_MODEL", false},
	{"OPENAI_API_KEY", true},
	{"OPENAI_MODEL", false},
	{"AZURE_OPENAI_API_KEY", true},
	{"AZURE_OPENAI_ENDPOINT", false},
	{"AZURE_OPENAI_DEPLOYMENT", false},
	{"GOOGLE_API_KEY", true},
	{"GEMINI_MODEL", false},
	{"AWS_REGION", false},
	{"BEDROCK_MODEL_ID", false},
	{"AWS_BEARER_TOKEN_BEDROCK", true},
	{"EMBEDDING_PROVIDER", false},
	{"EMBEDDING_MODEL", false},
	{"EMBEDDING_API_KEY", true},
	{"VECTOR_STORE", false},
	{"QDRANT_HOST", false},
	{"QDRANT_PORT", false},
	{"QDRANT_COLLECTION", false},
	{"QDRANT_API_KEY", true},
	{"PPTA_ENV", false},
	{"PPTA_API_KEY", true},
	{"PPTA_DB", false},
	{"UPLOAD_MAX_BYTES", false},
	{"UPLOAD_ALLOWED_TYPES", false},
	{"RATE_LIMIT_WINDOW", false},
	{"RATE_LIMIT_MAX_REQUESTS", false},
	{"SESSION_STORE", false},
	{"REDIS_ADDR", false},
	{"REDIS_PASSWORD", true},
	{"LOG_LEVEL", false},
	{"LOG_FORMAT", false},
	{"LANGFUSE_PUBLIC_KEY", true},
	{"LANGFUSE_SECRET_KEY", true},
}

// extraSecrets are never audited by default but must still be redacted if
// passed to SanitiseKey.
var extraSecrets = []string{"AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN"}

var secretEnvKeys = func() map[string]bool {
	m := make(map[string]bool, len(auditKeys))
	for _, e := range auditKeys {
		if e.secret {
			m[e.key] = true
		}
	}
	for _, k := range extraSecrets {
		m[k] = true
	}
	return m
}()

// LogCommandStart emits a structured audit record when a CLI command begins.
// It records the command name, config file source, and sanitised environment.
func LogCommandStart(log *slog.Logger, command string, configPath string) {
	attrs := make([]slog.Attr, 0, len(auditKeys)+2)
	attrs = append(attrs,
		slog.String("command", command),
		slog.String("config_file", sanitisePath(configPath)),
	)
	for _, entry := range auditKeys {
		attrs = append(attrs, slog.String(entry.key, SanitiseKey(entry.key, os.Getenv(entry.key))))
	}
	log.LogAttrs(context.Background(), slog.LevelInfo, "audit: command start", attrs...)
}

// Upload describes an accepted document upload.
type Upload struct {
	DocumentID string
	Filename   string
	MediaType  string
	Size       int64
	Client     string
}

// LogUpload emits an audit record for a document accepted for ingestion.
// Only the base name of the file is recorded.
func LogUpload(ctx context.Context, log *slog.Logger, u Upload) {
	log.LogAttrs(ctx, slog.LevelInfo, "audit: document accepted",
		slog.String("document_id", u.DocumentID),
		slog.String("filename", filepath.Base(u.Filename)),
		slog.String("media_type", u.MediaType),
		slog.Int64("size", u.Size),
		slog.String("client", valOrUnset(u.Client)),
	)
}

// SanitiseKey returns "set" or "unset" for known secret keys, or the actual
// value for non-secret keys. This is safe to use in log messages.
func SanitiseKey(key, value string) string {
	if secretEnvKeys[key] {
		return presence(value)
	}
	return valOrUnset(value)
}

func presence(v string) string {
	if v != "" {
		return "set"
	}
	return "unset"
}

func valOrUnset(v string) string {
	if v != "" {
		return v
	}
	return "unset"
}

// sanitisePath returns p with the home directory collapsed to "~", or "none"
// if p is empty.
func sanitisePath(p string) string {
	if p == "" {
		return "none"
	}
	home, err := os.UserHomeDir()
	if err == nil && home != "" && strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}
