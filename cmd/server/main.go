package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rowforge/importer/internal/config"
	"github.com/rowforge/importer/internal/core"
	"github.com/rowforge/importer/internal/logging"
	"github.com/rowforge/importer/internal/schema"
	"github.com/rowforge/importer/internal/store/memory"
	"github.com/rowforge/importer/internal/store/postgres"
	"github.com/rowforge/importer/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"store_driver", cfg.Store.Driver,
		"upload_max_concurrent", cfg.Upload.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	sch, err := loadSchema(cfg.Import.SchemaFile)
	if err != nil {
		slog.Error("failed to load schema file", "path", cfg.Import.SchemaFile, "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	stores, cleanup, err := buildStores(ctx, cfg, sch)
	if err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	service := core.NewService(stores, core.Options{
		PageSize:       cfg.Import.PageSize,
		DefaultCountry: cfg.Import.DefaultCountry,
	})

	server := web.NewServer(service, cfg)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(cfg.Server.Addr()); err != nil {
		slog.Info("server stopped", "error", err)
	}
}

// loadSchema reads the initial target schema from path, or returns an
// empty schema when no path is configured.
func loadSchema(path string) (schema.Schema, error) {
	if path == "" {
		return schema.Schema{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return schema.Schema{}, err
	}

	var sch schema.Schema
	if err := json.Unmarshal(raw, &sch); err != nil {
		return schema.Schema{}, err
	}
	if err := sch.Validate(); err != nil {
		return schema.Schema{}, err
	}
	return sch, nil
}

// buildStores creates the configured storage backend. The returned
// cleanup releases any held connections.
func buildStores(ctx context.Context, cfg *config.Config, sch schema.Schema) (core.Stores, func(), error) {
	if cfg.Store.Driver == config.DriverMemory {
		slog.Info("using in-memory store, state is not durable")
		return memory.New(sch).Stores(), func() {}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return core.Stores{}, nil, err
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return core.Stores{}, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return core.Stores{}, nil, err
	}

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}

	db := postgres.New(pool, cfg.Import.ImporterID)
	if err := db.Migrate(ctx); err != nil {
		pool.Close()
		return core.Stores{}, nil, err
	}
	if err := db.Ensure(ctx, sch); err != nil {
		pool.Close()
		return core.Stores{}, nil, err
	}

	return db.Stores(), pool.Close, nil
}
