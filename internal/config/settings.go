package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Deployment environments accepted by PPTA_ENV.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Vector store kinds accepted by VECTOR_STORE.
const (
	VectorStoreQdrant = "qdrant"
	VectorStoreMemory = "memory"
)

// Session store kinds accepted by SESSION_STORE.
const (
	SessionStoreSQLite   = "sqlite"
	SessionStoreRedis    = "redis"
	SessionStoreDisabled = "disabled"
)

// DBDisabled is the PPTA_DB value that keeps all state in memory.
const DBDisabled = "disabled"

// baseRequiredKeys must be present for the server to start.
var baseRequiredKeys = []string{
	"PPTA_PORT",
	"MODEL_PROVIDER",
	"UPLOAD_MAX_BYTES",
	"UPLOAD_ALLOWED_TYPES",
	"RATE_LIMIT_WINDOW",
	"RATE_LIMIT_MAX_REQUESTS",
}

// qdrantRequiredKeys are additionally required unless VECTOR_STORE=memory.
var qdrantRequiredKeys = []string{
	"QDRANT_HOST",
	"QDRANT_PORT",
	"QDRANT_COLLECTION",
}

// MissingError reports every mandatory setting absent from the environment.
type MissingError struct {
	// Keys lists the missing env var names in declaration order.
	Keys []string
}

// Error implements error.
func (e *MissingError) Error() string {
	return "config: missing required settings: " + strings.Join(e.Keys, ", ")
}

// Settings is the typed, validated view of the environment used by the
// serve command.
type Settings struct {
	Host   string
	Port   int
	APIKey string
	Env    string
	// DBPath is the SQLite path, or [DBDisabled].
	DBPath string

	VectorStore string
	Qdrant      QdrantSettings

	Upload          UploadSettings
	RateLimit       LimitSettings
	UploadRateLimit LimitSettings

	Chat    ChatSettings
	Ingest  IngestSettings
	Session SessionSettings
}

// QdrantSettings holds the Qdrant connection parameters.
type QdrantSettings struct {
	Host       string
	Port       int
	Collection string
	APIKey     string
	TLS        bool
}

// UploadSettings holds the upload validation policy.
type UploadSettings struct {
	MaxBytes     int64
	AllowedTypes []string
}

// LimitSettings is a quota of MaxRequests per Window for one client key.
type LimitSettings struct {
	Window      time.Duration
	MaxRequests int
}

// ChatSettings tunes the session coordinator.
type ChatSettings struct {
	HistoryWindow    int
	TopK             int
	RetrievalTimeout time.Duration
	MaxContextTokens int
	Timeout          time.Duration
}

// IngestSettings tunes the ingestion pipeline.
type IngestSettings struct {
	ChunkSize    int
	ChunkOverlap int
	Concurrency  int
	BatchSize    int
	WatchDir     string
}

// SessionSettings selects and configures the server-side session store.
type SessionSettings struct {
	Store         string
	TTL           time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Production reports whether error responses must be sanitised.
func (s *Settings) Production() bool { return s.Env != EnvDevelopment }

// Addr returns the host:port listen address.
func (s *Settings) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// Resolve reads the environment into Settings. It returns a *MissingError
// when any mandatory key is absent, and a joined error describing every
// malformed value otherwise.
func Resolve() (*Settings, error) {
	if missing := missingKeys(); len(missing) > 0 {
		return nil, &MissingError{Keys: missing}
	}

	r := &envReader{}
	s := &Settings{
		Host:        r.str("PPTA_HOST", "127.0.0.1"),
		Port:        r.integer("PPTA_PORT", 0),
		APIKey:      os.Getenv("PPTA_API_KEY"),
		Env:         strings.ToLower(r.str("PPTA_ENV", EnvProduction)),
		DBPath:      os.Getenv("PPTA_DB"),
		VectorStore: strings.ToLower(r.str("VECTOR_STORE", VectorStoreQdrant)),
		Qdrant: QdrantSettings{
			Host:       os.Getenv("QDRANT_HOST"),
			Port:       r.integer("QDRANT_PORT", 6334),
			Collection: os.Getenv("QDRANT_COLLECTION"),
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			TLS:        os.Getenv("QDRANT_TLS") == "true",
		},
		Upload: UploadSettings{
			MaxBytes:     r.integer64("UPLOAD_MAX_BYTES", 0),
			AllowedTypes: splitList(os.Getenv("UPLOAD_ALLOWED_TYPES")),
		},
		RateLimit: LimitSettings{
			Window:      r.duration("RATE_LIMIT_WINDOW", 0),
			MaxRequests: r.integer("RATE_LIMIT_MAX_REQUESTS", 0),
		},
		UploadRateLimit: LimitSettings{
			Window:      r.duration("UPLOAD_RATE_LIMIT_WINDOW", 15*time.Minute),
			MaxRequests: r.integer("UPLOAD_RATE_LIMIT_MAX_REQUESTS", 10),
		},
		Chat: ChatSettings{
			HistoryWindow:    r.integer("CHAT_HISTORY_WINDOW", 5),
			TopK:             r.integer("RETRIEVAL_TOP_K", 5),
			RetrievalTimeout: r.duration("RETRIEVAL_TIMEOUT", 10*time.Second),
			MaxContextTokens: r.integer("MAX_CONTEXT_TOKENS", 6000),
			Timeout:          r.duration("CHAT_TIMEOUT", 2*time.Minute),
		},
		Ingest: IngestSettings{
			ChunkSize:    r.integer("INGEST_CHUNK_SIZE", 1000),
			ChunkOverlap: r.integer("INGEST_CHUNK_OVERLAP", 100),
			Concurrency:  r.integer("INGEST_CONCURRENCY", 4),
			BatchSize:    r.integer("INGEST_BATCH_SIZE", 32),
			WatchDir:     os.Getenv("INGEST_WATCH_DIR"),
		},
		Session: SessionSettings{
			Store:         strings.ToLower(r.str("SESSION_STORE", SessionStoreSQLite)),
			TTL:           r.duration("SESSION_TTL", 24*time.Hour),
			RedisAddr:     os.Getenv("REDIS_ADDR"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       r.integer("REDIS_DB", 0),
		},
	}

	r.check(s.Port > 0 && s.Port <= 65535, "PPTA_PORT must be between 1 and 65535")
	r.check(s.Env == EnvProduction || s.Env == EnvDevelopment, "PPTA_ENV must be production or development")
	r.check(s.VectorStore == VectorStoreQdrant || s.VectorStore == VectorStoreMemory, "VECTOR_STORE must be qdrant or memory")
	r.check(s.Upload.MaxBytes > 0, "UPLOAD_MAX_BYTES must be positive")
	r.check(len(s.Upload.AllowedTypes) > 0, "UPLOAD_ALLOWED_TYPES must list at least one type")
	r.check(s.RateLimit.Window > 0 && s.RateLimit.MaxRequests > 0, "RATE_LIMIT_WINDOW and RATE_LIMIT_MAX_REQUESTS must be positive")
	r.check(s.UploadRateLimit.Window > 0 && s.UploadRateLimit.MaxRequests > 0, "UPLOAD_RATE_LIMIT_WINDOW and UPLOAD_RATE_LIMIT_MAX_REQUESTS must be positive")
	r.check(s.Chat.HistoryWindow >= 0, "CHAT_HISTORY_WINDOW must not be negative")
	r.check(s.Ingest.ChunkSize > 0, "INGEST_CHUNK_SIZE must be positive")
	r.check(s.Ingest.ChunkOverlap >= 0 && s.Ingest.ChunkOverlap < s.Ingest.ChunkSize, "INGEST_CHUNK_OVERLAP must be in [0, INGEST_CHUNK_SIZE)")
	switch s.Session.Store {
	case SessionStoreSQLite, SessionStoreDisabled:
	case SessionStoreRedis:
		r.check(s.Session.RedisAddr != "", "REDIS_ADDR is required when SESSION_STORE=redis")
	default:
		r.check(false, "SESSION_STORE must be sqlite, redis, or disabled")
	}

	if len(r.errs) > 0 {
		return nil, fmt.Errorf("config: invalid settings: %w", errors.Join(r.errs...))
	}
	return s, nil
}

// missingKeys returns the mandatory keys that are unset or empty.
func missingKeys() []string {
	keys := append([]string{}, baseRequiredKeys...)
	if !strings.EqualFold(os.Getenv("VECTOR_STORE"), VectorStoreMemory) {
		keys = append(keys, qdrantRequiredKeys...)
	}
	var missing []string
	for _, k := range keys {
		if strings.TrimSpace(os.Getenv(k)) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

// splitList splits a comma-separated list, trimming and lowercasing entries
// and dropping empties.
func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envReader accumulates parse errors while reading typed env values.
type envReader struct {
	errs []error
}

func (r *envReader) str(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (r *envReader) integer(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return fallback
	}
	return i
}

func (r *envReader) integer64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return fallback
	}
	return i
}

// duration accepts Go duration strings ("15m") or a bare number of seconds.
func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %q is not a duration", key, v))
		return fallback
	}
	return d
}

func (r *envReader) check(ok bool, msg string) {
	if !ok {
		r.errs = append(r.errs, errors.New(msg))
	}
}
