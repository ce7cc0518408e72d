package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/warp/allocation-ledger/ledger"
)

// DefaultCacheTTL applies when CacheConfig.TTL is zero.
const DefaultCacheTTL = 10 * time.Minute

// Cached is a read-through Redis cache in front of another resolver.
// Only successful resolutions are cached. When Redis is unavailable the
// cache is bypassed, never fatal.
type Cached struct {
	next   ledger.Resolver
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ ledger.Resolver = (*Cached)(nil)

func NewCached(next ledger.Resolver, client *redis.Client, ttl time.Duration, logger *zap.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cached{next: next, client: client, ttl: ttl, logger: logger}
}

func (c *Cached) ProjectID(ctx context.Context, name string) (string, error) {
	return c.resolve(ctx, "project", name, c.next.ProjectID)
}

func (c *Cached) ResourceID(ctx context.Context, name string) (string, error) {
	return c.resolve(ctx, "resource", name, c.next.ResourceID)
}

func (c *Cached) UserID(ctx context.Context, name string) (string, error) {
	return c.resolve(ctx, "user", name, c.next.UserID)
}

// cacheKey namespaces entries, e.g. "ledger:upstream:user:alice".
func cacheKey(kind, name string) string {
	return "ledger:upstream:" + kind + ":" + name
}

func (c *Cached) resolve(ctx context.Context, kind, name string, next func(context.Context, string) (string, error)) (string, error) {
	key := cacheKey(kind, name)

	id, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return id, nil
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("upstream cache read failed", zap.String("key", key), zap.Error(err))
	}

	id, err = next(ctx, name)
	if err != nil {
		return "", err
	}

	if err := c.client.Set(ctx, key, id, c.ttl).Err(); err != nil {
		c.logger.Warn("upstream cache write failed", zap.String("key", key), zap.Error(err))
	}
	return id, nil
}
