/*
Package config loads server configuration.

SOURCES (later wins):
  1. Defaults (below)
  2. Config file, if one is given (YAML, TOML, JSON: anything viper reads)
  3. Environment, prefixed LEDGER_ with dots as underscores:
       LEDGER_DATABASE_DRIVER=postgres
       LEDGER_DATABASE_DSN=postgres://ledger@db/ledger?sslmode=disable
       LEDGER_UPSTREAM_CACHE_ENABLED=true

EXAMPLE FILE:
  server:
    port: 8080
  database:
    driver: sqlite3
    dsn: ./data/ledger.db
  upstream:
    kind: memory
    projects: {grant-1: p-001}
    resources: {cluster: r-001}
    users: {alice: u-001}
  display:
    unit_factor: 1/3600
    unit_label: core-hours
  logging:
    level: info
    format: json
*/
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/warp/allocation-ledger/upstream"
)

type Config struct {
	Server   Server          `mapstructure:"server"`
	Database Database        `mapstructure:"database"`
	Upstream upstream.Config `mapstructure:"upstream"`
	Display  Display         `mapstructure:"display"`
	Logging  Logging         `mapstructure:"logging"`
}

type Server struct {
	Port int `mapstructure:"port"`
}

type Database struct {
	Driver string `mapstructure:"driver"` // sqlite3 | postgres
	DSN    string `mapstructure:"dsn"`
}

// Display controls how amounts cross the API. Stored amounts are integer
// resource units; API amounts are units * UnitFactor.
type Display struct {
	UnitFactor string `mapstructure:"unit_factor"` // decimal or a/b fraction
	UnitLabel  string `mapstructure:"unit_label"`
}

type Logging struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // json | console
}

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "LEDGER"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "ledger.db")
	v.SetDefault("upstream.kind", upstream.KindMemory)
	v.SetDefault("upstream.cache.enabled", false)
	v.SetDefault("upstream.cache.addr", "localhost:6379")
	v.SetDefault("upstream.cache.ttl", upstream.DefaultCacheTTL)
	v.SetDefault("display.unit_factor", "1")
	v.SetDefault("display.unit_label", "units")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("config: unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Upstream.Kind {
	case upstream.KindMemory, upstream.KindSystem:
	default:
		return fmt.Errorf("config: unsupported upstream.kind %q", c.Upstream.Kind)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port out of range: %d", c.Server.Port)
	}
	return nil
}
