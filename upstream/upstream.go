/*
Package upstream resolves project, resource and user names to the
canonical IDs of the systems that own them.

VARIANTS:
  Memory: Static name -> ID tables. Tests and development.
  System: Local system accounts. Users are login names, projects are
          groups (the GID is the ID), resources come from configuration.
  Cached: Wraps any resolver with a Redis read-through cache.

  The variant is chosen once, at startup, by New. The ledger only sees
  the ledger.Resolver interface.

SEE ALSO:
  - ledger/resolver.go: The interface
  - config: Where Config is loaded from
*/
package upstream

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/warp/allocation-ledger/ledger"
)

// Kinds accepted in Config.Kind.
const (
	KindMemory = "memory"
	KindSystem = "system"
)

// Config selects and parameterizes a resolver.
type Config struct {
	Kind      string            `mapstructure:"kind"`
	Projects  map[string]string `mapstructure:"projects"`
	Resources map[string]string `mapstructure:"resources"`
	Users     map[string]string `mapstructure:"users"`
	Cache     CacheConfig       `mapstructure:"cache"`
}

// CacheConfig enables the Redis cache in front of the resolver.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Addr    string        `mapstructure:"addr"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// New builds the resolver described by cfg. The returned close function
// releases the cache connection, if any.
func New(cfg Config, logger *zap.Logger) (ledger.Resolver, func() error, error) {
	var base ledger.Resolver
	switch cfg.Kind {
	case KindMemory, "":
		base = NewMemory(cfg.Projects, cfg.Resources, cfg.Users)
	case KindSystem:
		base = NewSystem(cfg.Resources)
	default:
		return nil, nil, fmt.Errorf("upstream: unknown kind %q", cfg.Kind)
	}

	if !cfg.Cache.Enabled {
		return base, func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Cache.Addr})
	return NewCached(base, client, cfg.Cache.TTL, logger), client.Close, nil
}
