package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/54b3r/ppta-go/internal/session"
)

// RedisConfig holds the connection settings for RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL is the session lifetime after its last append; zero never expires.
	TTL time.Duration
}

// RedisStore implements session.Store on a Redis list per session. Each
// append refreshes the key expiry so idle sessions age out on their own.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ session.Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection with a PING.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis ping %s: %w", cfg.Addr, err)
	}
	return NewRedisStoreFromClient(client, cfg.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes ownership
// and closes it on Close.
func NewRedisStoreFromClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func turnsKey(sessionID string) string {
	return fmt.Sprintf("session:%s:turns", sessionID)
}

// Append implements session.Store.
func (s *RedisStore) Append(ctx context.Context, sessionID string, turns ...session.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]any, 0, len(turns))
	now := time.Now().UTC()
	for _, t := range turns {
		if !t.Role.Valid() {
			return fmt.Errorf("store: append: invalid role %q", t.Role)
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("store: append: encode turn: %w", err)
		}
		values = append(values, b)
	}

	key := turnsKey(sessionID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: redis append %s: %w", sessionID, err)
	}
	return nil
}

// Recent implements session.Store.
func (s *RedisStore) Recent(ctx context.Context, sessionID string, n int) ([]session.Turn, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, turnsKey(sessionID), int64(-n), -1).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis recent %s: %w", sessionID, err)
	}
	turns := make([]session.Turn, 0, len(raw))
	for _, r := range raw {
		var t session.Turn
		if err := json.Unmarshal([]byte(r), &t); err != nil {
			return nil, fmt.Errorf("store: redis decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

// Ping verifies the Redis server is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: redis ping: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
