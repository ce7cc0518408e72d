package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/warp/allocation-ledger/config"
	"github.com/warp/allocation-ledger/upstream"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, upstream.KindMemory, cfg.Upstream.Kind)
	assert.False(t, cfg.Upstream.Cache.Enabled)
	assert.Equal(t, upstream.DefaultCacheTTL, cfg.Upstream.Cache.TTL)
	assert.Equal(t, "1", cfg.Display.UnitFactor)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LEDGER_DATABASE_DRIVER", "postgres")
	t.Setenv("LEDGER_DATABASE_DSN", "postgres://ledger@db/ledger?sslmode=disable")
	t.Setenv("LEDGER_SERVER_PORT", "9090")
	t.Setenv("LEDGER_UPSTREAM_CACHE_ENABLED", "true")
	t.Setenv("LEDGER_UPSTREAM_CACHE_TTL", "30s")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://ledger@db/ledger?sslmode=disable", cfg.Database.DSN)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Upstream.Cache.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Upstream.Cache.TTL)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
upstream:
  kind: memory
  projects:
    grant-1: p-001
  resources:
    cluster: r-001
display:
  unit_factor: 1/3600
  unit_label: core-hours
logging:
  format: console
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, map[string]string{"grant-1": "p-001"}, cfg.Upstream.Projects)
	assert.Equal(t, map[string]string{"cluster": "r-001"}, cfg.Upstream.Resources)
	assert.Equal(t, "1/3600", cfg.Display.UnitFactor)
	assert.Equal(t, "core-hours", cfg.Display.UnitLabel)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, "sqlite3", cfg.Database.Driver, "defaults fill the rest")
}

func TestLoad_MixedCaseUpstreamNames(t *testing.T) {
	// GIVEN: A project name with capitals, which viper lowercases
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
upstream:
  projects:
    Grant-1: p-001
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	// THEN: The memory resolver still finds it under its configured spelling
	r := upstream.NewMemory(cfg.Upstream.Projects, nil, nil)
	id, err := r.ProjectID(context.Background(), "Grant-1")
	require.NoError(t, err)
	assert.Equal(t, "p-001", id)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"driver", map[string]string{"LEDGER_DATABASE_DRIVER": "mysql"}},
		{"upstream kind", map[string]string{"LEDGER_UPSTREAM_KIND": "ldap"}},
		{"port", map[string]string{"LEDGER_SERVER_PORT": "70000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	logger, err := config.NewLogger(config.Logging{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = config.NewLogger(config.Logging{Level: "warn", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = config.NewLogger(config.Logging{Level: "loud"})
	assert.Error(t, err)
	_, err = config.NewLogger(config.Logging{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
