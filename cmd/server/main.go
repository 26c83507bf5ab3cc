/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the batch engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (env, .env, config.env), then apply flags
  2. Initialize logger and tracing
  3. Open the primary store (sqlite or postgres)
  4. Open the idempotency store (memory or redis)
  5. Create the event publisher (kafka or none) and package catalog
  6. Wire the engine, HTTP router and balance auditor
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides HTTP_PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the auditor, flush events and spans
  4. Close stores and exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/batches.db"

  # Run against Postgres and Redis
  STORE_DRIVER=postgres DATABASE_URL=postgres://... IDEMPOTENCY_DRIVER=redis ./server

SEE ALSO:
  - config/config.go: Environment keys and defaults
  - api/server.go: Router configuration
  - brewing/service.go: Engine wiring
*/
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/warp/batch-engine/api"
	"github.com/warp/batch-engine/brewing"
	"github.com/warp/batch-engine/config"
	"github.com/warp/batch-engine/events"
	"github.com/warp/batch-engine/factory"
	"github.com/warp/batch-engine/generic"
	"github.com/warp/batch-engine/generic/store"
	"github.com/warp/batch-engine/logger"
	"github.com/warp/batch-engine/observability"
	"github.com/warp/batch-engine/store/postgres"
	"github.com/warp/batch-engine/store/redis"
	"github.com/warp/batch-engine/store/sqlite"
)

type primaryStore interface {
	generic.Store
	io.Closer
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New(logger.Config{Env: "development", Level: "info"})
		bootLog.Fatal().Err(err).Msg("load config")
	}

	// Flags
	port := flag.Int("port", cfg.HTTP.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Store.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.HTTP.Port = *port
	cfg.Store.SQLitePath = *dbPath

	log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel})
	ctx := context.Background()

	shutdownTracing, err := observability.SetupTracing(ctx, observability.Config{
		Endpoint: cfg.OTel.Endpoint,
		Insecure: cfg.OTel.Insecure,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("setup tracing")
	}

	primary, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("open store")
	}
	defer primary.Close()

	fast, closeFast, err := openIdempotency(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Idempotency.Driver).Msg("open idempotency store")
	}
	defer closeFast()

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafka(events.KafkaConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
	}

	catalog, err := factory.LoadCatalog(cfg.Packaging.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Packaging.CatalogPath).Msg("load packaging catalog")
	}

	engine := brewing.New(brewing.Config{
		Store:   primary,
		Guard:   generic.NewGuard(fast, cfg.Idempotency.TTL, cfg.Idempotency.Wait, generic.SystemClock, log),
		Catalog: catalog,
		Events:  publisher,
		Logger:  log,
		Clock:   generic.SystemClock,
		Tracer:  observability.Tracer(),
	})

	handler := api.NewHandler(engine, catalog, log)
	router := api.NewRouter(handler, cfg.JWT.Secret)

	tenants := make([]generic.TenantID, len(cfg.Audit.Tenants))
	for i, t := range cfg.Audit.Tenants {
		tenants[i] = generic.TenantID(t)
	}
	auditor := api.NewBalanceAuditor(engine.Inventory, tenants, log)
	auditor.CheckInterval = cfg.Audit.Interval
	auditor.Start()

	// Create server
	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", server.Addr).Str("store", cfg.Store.Driver).
			Str("idempotency", cfg.Idempotency.Driver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	auditor.Stop()
	if err := publisher.Close(); err != nil {
		log.Error().Err(err).Msg("close event publisher")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("flush traces")
	}

	log.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg config.StoreConfig) (primaryStore, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.DatabaseURL,
			postgres.WithTxTimeout(cfg.TxTimeout),
			postgres.WithMaxConns(int32(cfg.MaxConns)))
	default:
		if !strings.Contains(cfg.SQLitePath, ":memory:") {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, err
			}
		}
		return sqlite.New(cfg.SQLitePath, sqlite.WithTxTimeout(cfg.TxTimeout))
	}
}

func openIdempotency(ctx context.Context, cfg *config.Config) (generic.FastStore, func(), error) {
	if cfg.Idempotency.Driver == "redis" {
		rs, err := redis.Connect(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	}
	return store.NewMemory(), func() {}, nil
}
