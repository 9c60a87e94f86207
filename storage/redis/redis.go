// Package redis provides a Redis implementation of billing.Claimer. Claims
// are plain keys written with SET NX, so every process sharing the Redis
// instance sees the same once-only markers.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Storage implements billing.Claimer using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis claimer configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "memberbilling:claim:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "memberbilling:claim:",
	}
}

// New creates a new Redis claimer.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	return &Storage{client: client, config: config}, nil
}

// NewFromURL parses a redis:// URL and returns a claimer using a fresh client.
func NewFromURL(url string, config Config) (*Storage, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return New(redis.NewClient(opts), config)
}

// Claim implements billing.Claimer. A zero ttl never expires.
func (s *Storage) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.SetNX(ctx, s.key(key), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", key, err)
	}
	return ok, nil
}

// Release implements billing.Claimer
func (s *Storage) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) key(k string) string {
	return s.config.KeyPrefix + k
}
