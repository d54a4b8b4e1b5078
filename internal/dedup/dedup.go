// Package dedup remembers webhook event keys for a bounded window so replayed
// deliveries become no-ops.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Set records event keys for the dedup window.
type Set interface {
	// Claim marks key as seen. It returns false when key was already claimed
	// within the window.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a later delivery is processed again. Used when
	// processing fails before anything durable happened.
	Release(ctx context.Context, key string) error
}

// Key builds the dedup key for one event of one conversation.
func Key(eventType, conversationID string) string {
	return eventType + ":" + conversationID
}

type RedisSet struct {
	client *redis.Client
	window time.Duration
	prefix string
}

func NewRedisSet(client *redis.Client, window time.Duration) *RedisSet {
	return &RedisSet{client: client, window: window, prefix: "callbridge:webhook:seen:"}
}

func (s *RedisSet) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, time.Now().Unix(), s.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedup claim %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisSet) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("dedup release %s: %w", key, err)
	}
	return nil
}

// MemorySet is the single-instance fallback when Redis is not configured.
type MemorySet struct {
	cache *cache.Cache
}

func NewMemorySet(window time.Duration) *MemorySet {
	cleanup := window / 2
	if cleanup < time.Minute {
		cleanup = time.Minute
	}
	return &MemorySet{cache: cache.New(window, cleanup)}
}

func (s *MemorySet) Claim(ctx context.Context, key string) (bool, error) {
	// Add fails when an unexpired entry exists, which makes it the atomic check-and-set.
	if err := s.cache.Add(key, time.Now(), cache.DefaultExpiration); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *MemorySet) Release(ctx context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}
