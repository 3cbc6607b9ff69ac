package directory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a read-through redis cache in front of another Directory.
// Only answered lookups are cached; errors always reach the caller
// uncached. A redis failure falls back to the backend.
type Cache struct {
	next   Directory
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// NewCache wraps next with a redis cache.
func NewCache(next Directory, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		next:   next,
		client: client,
		ttl:    ttl,
		prefix: "mxd:dir:",
		logger: logger,
	}
}

// LookupAddress implements Directory.
func (c *Cache) LookupAddress(ctx context.Context, address string) (Result, error) {
	return c.cached(ctx, "addr:"+address, func() (Result, error) {
		return c.next.LookupAddress(ctx, address)
	})
}

// LookupUser implements Directory.
func (c *Cache) LookupUser(ctx context.Context, userID string) (Result, error) {
	return c.cached(ctx, "user:"+userID, func() (Result, error) {
		return c.next.LookupUser(ctx, userID)
	})
}

// CertificateExpiry implements Directory.
func (c *Cache) CertificateExpiry(ctx context.Context, fingerprint string) (Result, error) {
	return c.cached(ctx, "cert:"+fingerprint, func() (Result, error) {
		return c.next.CertificateExpiry(ctx, fingerprint)
	})
}

func (c *Cache) cached(ctx context.Context, key string, load func() (Result, error)) (Result, error) {
	key = c.prefix + key

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var res Result
		if jerr := json.Unmarshal(data, &res); jerr == nil {
			return res, nil
		}
		c.logger.Warn("discarding corrupt cache entry", slog.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("directory cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}

	res, err := load()
	if err != nil {
		return res, err
	}

	if data, err := json.Marshal(res); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("directory cache write failed", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	return res, nil
}

// Close closes the redis client and the wrapped directory.
func (c *Cache) Close() error {
	err := c.client.Close()
	if cerr := Close(c.next); err == nil {
		err = cerr
	}
	return err
}

var _ Directory = (*Cache)(nil)
