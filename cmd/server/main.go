/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the allocation ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load configuration
  2. Build the logger
  3. Open (and migrate) the SQL store
  4. Build the identity resolver (optionally Redis-cached)
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Config file path (optional)
  -port    HTTP server port, overrides server.port
  -db      Database DSN, overrides database.dsn

ENVIRONMENT:
  Every config key can be set as LEDGER_<KEY> with dots as underscores,
  e.g. LEDGER_DATABASE_DRIVER=postgres. See package config.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close the cache and database connections
  4. Exit

EXAMPLES:
  # SQLite file database
  ./server -db="./data/ledger.db"

  # In-memory database
  ./server -db=":memory:"

  # PostgreSQL
  LEDGER_DATABASE_DRIVER=postgres \
  LEDGER_DATABASE_DSN="postgres://ledger@localhost/ledger?sslmode=disable" ./server

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/allocation-ledger/api"
	"github.com/warp/allocation-ledger/config"
	"github.com/warp/allocation-ledger/store/sqlstore"
	"github.com/warp/allocation-ledger/upstream"
)

func main() {
	configPath := flag.String("config", "", "Config file path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dsn := flag.String("db", "", "Database DSN (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	store, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	resolver, closeResolver, err := upstream.New(cfg.Upstream, logger)
	if err != nil {
		return fmt.Errorf("initialize resolver: %w", err)
	}
	defer closeResolver()

	units, err := api.ParseUnits(cfg.Display.UnitFactor, cfg.Display.UnitLabel)
	if err != nil {
		return fmt.Errorf("display units: %w", err)
	}

	handler := api.NewHandler(store, resolver,
		api.WithUnits(units),
		api.WithLogger(logger),
	)
	router := api.NewRouter(handler, api.RouterOptions{})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("driver", cfg.Database.Driver),
			zap.String("upstream", cfg.Upstream.Kind),
			zap.Bool("upstream_cache", cfg.Upstream.Cache.Enabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
