package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tierflow/tierflow/core"
)

// Store persists cache entries across process restarts. Implementations
// are best-effort: the in-memory cache keeps serving when a store
// misbehaves.
type Store interface {
	Get(ctx context.Context, fingerprint string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	Close() error
}

const redisKeyPrefix = "tierflow:cache:"

// RedisStore is a Redis-backed Store with per-entry TTL
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger core.Logger
}

// storedEntry is the Redis wire format for a cache entry
type storedEntry struct {
	Fingerprint  string    `json:"fingerprint"`
	Content      string    `json:"content"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	Tier         core.Tier `json:"tier"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostMicros   int64     `json:"cost_micros"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewRedisStore connects to Redis and verifies the connection.
// A zero ttl stores entries without expiry.
func NewRedisStore(redisURL string, ttl time.Duration, logger core.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis cache store connected", map[string]interface{}{
		"operation": "cache_store_connect",
		"ttl":       ttl.String(),
	})

	return &RedisStore{client: client, ttl: ttl, logger: logger}, nil
}

// Get fetches an entry by fingerprint; a miss returns (nil, nil)
func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+fingerprint).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %v: %w", err, core.ErrCacheDegraded)
	}

	var stored storedEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		// a corrupt value is a miss, not an outage
		s.logger.Warn("Discarding corrupt cache store entry", map[string]interface{}{
			"operation":   "cache_store_corrupt",
			"fingerprint": fingerprint,
			"error":       err.Error(),
		})
		return nil, nil
	}

	return &Entry{
		Fingerprint:  stored.Fingerprint,
		Content:      stored.Content,
		Model:        stored.Model,
		Provider:     stored.Provider,
		Tier:         stored.Tier,
		InputTokens:  stored.InputTokens,
		OutputTokens: stored.OutputTokens,
		CostMicros:   stored.CostMicros,
		CreatedAt:    stored.CreatedAt,
	}, nil
}

// Put writes an entry under its fingerprint
func (s *RedisStore) Put(ctx context.Context, entry *Entry) error {
	stored := storedEntry{
		Fingerprint:  entry.Fingerprint,
		Content:      entry.Content,
		Model:        entry.Model,
		Provider:     entry.Provider,
		Tier:         entry.Tier,
		InputTokens:  entry.InputTokens,
		OutputTokens: entry.OutputTokens,
		CostMicros:   entry.CostMicros,
		CreatedAt:    entry.CreatedAt,
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+entry.Fingerprint, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %v: %w", err, core.ErrCacheDegraded)
	}
	return nil
}

// Close releases the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
