package receiver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/infodancer/mxd/internal/config"
)

// StallTracker remembers when each message first failed to process.
type StallTracker interface {
	// Fail records a failure for path and returns the time of its first
	// failure. The first call for a path stores now.
	Fail(ctx context.Context, path string, now time.Time) (time.Time, error)

	// Clear forgets path. Clearing an unknown path is not an error.
	Clear(ctx context.Context, path string) error

	// Count returns the number of stalled messages.
	Count(ctx context.Context) (int, error)
}

// MemoryStalls keeps stall records in process. They are lost on restart,
// which restarts the escalation window.
type MemoryStalls struct {
	mu    sync.Mutex
	first map[string]time.Time
}

// NewMemoryStalls creates an empty in-process tracker.
func NewMemoryStalls() *MemoryStalls {
	return &MemoryStalls{first: make(map[string]time.Time)}
}

// Fail implements StallTracker.
func (m *MemoryStalls) Fail(ctx context.Context, path string, now time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.first[path]; ok {
		return t, nil
	}
	m.first[path] = now
	return now, nil
}

// Clear implements StallTracker.
func (m *MemoryStalls) Clear(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.first, path)
	return nil
}

// Count implements StallTracker.
func (m *MemoryStalls) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.first), nil
}

// RedisStalls keeps stall records in a redis hash so the escalation window
// survives restarts.
type RedisStalls struct {
	client *redis.Client
	key    string
}

// NewRedisStalls stores records in the hash <prefix>stalled.
func NewRedisStalls(client *redis.Client, prefix string) *RedisStalls {
	return &RedisStalls{client: client, key: prefix + "stalled"}
}

// Fail implements StallTracker.
func (r *RedisStalls) Fail(ctx context.Context, path string, now time.Time) (time.Time, error) {
	stamp := strconv.FormatInt(now.UnixNano(), 10)
	if _, err := r.client.HSetNX(ctx, r.key, path, stamp).Result(); err != nil {
		return time.Time{}, fmt.Errorf("recording stall: %w", err)
	}

	v, err := r.client.HGet(ctx, r.key, path).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("reading stall: %w", err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt stall record for %s: %w", path, err)
	}
	return time.Unix(0, n), nil
}

// Clear implements StallTracker.
func (r *RedisStalls) Clear(ctx context.Context, path string) error {
	if err := r.client.HDel(ctx, r.key, path).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("clearing stall: %w", err)
	}
	return nil
}

// Count implements StallTracker.
func (r *RedisStalls) Count(ctx context.Context) (int, error) {
	n, err := r.client.HLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("counting stalls: %w", err)
	}
	return int(n), nil
}

// Close closes the redis client.
func (r *RedisStalls) Close() error {
	return r.client.Close()
}

// OpenStalls builds the tracker described by cfg.
func OpenStalls(cfg config.StallConfig) (StallTracker, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStalls(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisStalls(client, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown stall backend: %s", cfg.Backend)
	}
}
