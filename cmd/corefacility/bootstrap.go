package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/corefacility/corefacility/pkg/access"
	"github.com/corefacility/corefacility/pkg/authorization"
	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/imaging"
	"github.com/corefacility/corefacility/pkg/modules"
	"github.com/corefacility/corefacility/pkg/observability"
	"github.com/corefacility/corefacility/pkg/posix"
	"github.com/corefacility/corefacility/pkg/storage"
	"github.com/corefacility/corefacility/pkg/synchronization"
)

const (
	registryCacheTTL    = time.Minute
	providerHTTPTimeout = 30 * time.Second
)

// loadSettings reads the configuration and builds the process logger
func loadSettings() (*config.Config, *observability.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("profile", string(cfg.Profile.Name))
	return cfg, logger, nil
}

// app holds the services shared by the commands that touch the database
type app struct {
	cfg    *config.Config
	logger *observability.Logger

	db       *sql.DB
	redis    *redis.Client
	blobs    storage.BlobStore
	executor *posix.Executor
	tx       *posix.Transactor
	access   *access.Service
	registry *modules.Registry
	tokens   *authorization.TokenStore

	prometheus *prometheus.Registry
	metrics    *observability.Metrics
}

// openApp connects to the stores, applies the migrations and registers
// every module class. The caller closes the app.
func openApp(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if cfg.Observability.MetricsEnabled {
		a.prometheus = prometheus.NewRegistry()
		a.metrics = observability.NewMetrics(a.prometheus)
	}

	db, dialect, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.db = db
	if err := storage.RunMigrations(ctx, db, dialect, storage.CoreMigrations(), imaging.Migrations()); err != nil {
		a.Close()
		return nil, err
	}
	logger.WithField("driver", string(dialect)).Info("Database schema is up to date")

	if a.redis, err = storage.NewRedisClient(ctx, cfg.Redis); err != nil {
		a.Close()
		return nil, err
	}
	if a.blobs, err = storage.NewBlobStore(ctx, cfg.Media); err != nil {
		a.Close()
		return nil, err
	}

	a.executor = posix.NewExecutor(nil, a.metrics)
	a.tx = posix.NewTransactor(db, cfg.Profile.PosixMode(), a.executor)
	a.access = access.NewService(db, a.tx, cfg.Profile, a.blobs)
	a.registry = modules.NewRegistry(db, cfg.Profile, registryCacheTTL)
	if a.metrics != nil {
		a.registry.SetMetrics(a.metrics)
	}
	a.tokens = authorization.NewTokenStore(db, a.access, cfg.Security.SigningKey, cfg.Security.TokenTTL)

	client := &http.Client{
		Timeout:   providerHTTPTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	classes := []modules.App{modules.Core()}
	classes = append(classes, authorization.Apps(authorization.Deps{
		Access:     a.access,
		Tokens:     a.tokens,
		Registry:   a.registry,
		Security:   cfg.Security,
		BaseURL:    cfg.Server.BaseURL,
		HTTPClient: client,
	})...)
	classes = append(classes, imaging.Apps()...)
	classes = append(classes, synchronization.Apps(a.access, client)...)
	if err := a.registry.Register(classes...); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to register modules: %w", err)
	}
	return a, nil
}

// install seeds the access level lattices and writes the module rows
func (a *app) install(ctx context.Context) error {
	if err := a.access.Levels().Seed(ctx); err != nil {
		return fmt.Errorf("failed to seed access levels: %w", err)
	}
	if err := a.registry.Install(ctx); err != nil {
		return fmt.Errorf("failed to install modules: %w", err)
	}
	return nil
}

// Close releases the connections
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close Redis client")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close database")
		}
	}
}
