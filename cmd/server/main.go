/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the tutoring ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment
  2. Initialize logging
  3. Open the store (SQLite or PostgreSQL, migrations applied)
  4. Create the student locker (local or Redis)
  5. Create billing service, API handler and router
  6. Start server with graceful shutdown

ENVIRONMENT:
  PORT, LOG_LEVEL, APP_ENV             Server and logging
  DB_DRIVER=sqlite|postgres            Store backend
  SQLITE_PATH                          SQLite file (":memory:" allowed)
  DATABASE_URL, DB_MAX_*               PostgreSQL connection and pool
  LOCK_BACKEND=local|redis             Per-student locking
  REDIS_ADDR, REDIS_PASSWORD, REDIS_DB Redis locker connection
  LOCK_TTL                             Redis lock expiry
  RETRY_MAX_ATTEMPTS                   Attempts per unit of work
  CORS_ORIGINS                         Comma separated allowed origins

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close Redis and database connections
  4. Exit

EXAMPLES:
  # Local SQLite file
  SQLITE_PATH=./data/tutor.db ./server

  # PostgreSQL with Redis locks, several instances
  DB_DRIVER=postgres DATABASE_URL=postgres://... LOCK_BACKEND=redis ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - billing/service.go: Unit of work
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/warp/tutor-ledger/api"
	"github.com/warp/tutor-ledger/billing"
	"github.com/warp/tutor-ledger/config"
	"github.com/warp/tutor-ledger/lock/redislock"
	"github.com/warp/tutor-ledger/logging"
	"github.com/warp/tutor-ledger/store/postgres"
	"github.com/warp/tutor-ledger/store/sqlite"
)

type store interface {
	billing.TxStore
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := logging.Init("tutor-ledger", cfg.LogLevel, cfg.AppEnv)
	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := logging.WithLogger(context.Background(), logger)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer st.Close()

	opts := []billing.Option{}
	if cfg.LockBackend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		opts = append(opts, billing.WithLocker(redislock.New(client, cfg.LockTTL)))
		logger.Info("using redis locks", "addr", cfg.RedisAddr, "ttl", cfg.LockTTL)
	}

	svc := billing.NewService(st, opts...)

	retry := api.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	router := api.NewRouter(api.NewHandler(svc, retry), cfg.CORSOrigins)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db_driver", cfg.DBDriver, "lock_backend", cfg.LockBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store, error) {
	switch cfg.DBDriver {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:     cfg.DBMaxOpenConns,
			MaxIdleConns:     cfg.DBMaxIdleConns,
			ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
			ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
		})
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	default:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, err
			}
		}
		return sqlite.New(cfg.SQLitePath)
	}
}
