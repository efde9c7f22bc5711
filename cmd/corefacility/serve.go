package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/corefacility/corefacility/pkg/api"
	"github.com/corefacility/corefacility/pkg/authorization"
	"github.com/corefacility/corefacility/pkg/external"
	"github.com/corefacility/corefacility/pkg/health"
	"github.com/corefacility/corefacility/pkg/imaging"
	"github.com/corefacility/corefacility/pkg/logs"
	"github.com/corefacility/corefacility/pkg/middleware"
	"github.com/corefacility/corefacility/pkg/observability"
	"github.com/corefacility/corefacility/pkg/synchronization"
)

var version = "dev"

type serveOptions struct {
	logRetention   time.Duration
	purgeSchedule  string
	allowedOrigins []string
	sampleMaxAge   time.Duration
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().DurationVar(&opts.logRetention, "log-retention", 30*24*time.Hour, "how long request logs are kept")
	cmd.Flags().StringVar(&opts.purgeSchedule, "purge-schedule", "@every 1h", "cron schedule of the expired credential and log purge")
	cmd.Flags().DurationVar(&opts.sampleMaxAge, "sample-max-age", 10*time.Minute, "readiness degrades when the latest health sample is older; zero disables the check")
	cmd.Flags().StringSliceVar(&opts.allowedOrigins, "allowed-origin", nil, "browser origin allowed to call the API (repeatable)")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, logger, err := loadSettings()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(observability.WithLogger(ctx, logger))
	defer cancel()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.install(ctx); err != nil {
		a.Close()
		return err
	}

	providers, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		a.Close()
		return err
	}

	logService := logs.NewService(a.db)
	logger.AddHook(logs.NewHook(logService))

	var sessions external.SessionStore
	sqlSessions := external.NewSQLSessions(a.db, cfg.Security.SigningKey)
	sessions = sqlSessions
	if a.redis != nil && cfg.Redis.SessionStore {
		sessions = external.NewRedisSessions(a.redis, cfg.Security.SigningKey)
	}

	limits := middleware.RateLimitConfig{Limit: cfg.Redis.LoginLimit, Window: cfg.Redis.LoginWindow}
	var limiter middleware.Limiter
	if a.redis != nil {
		limiter = middleware.NewRedisLimiter(a.redis, limits, "corefacility:login:")
	} else {
		memory := middleware.NewMemoryLimiter(limits)
		memory.StartCleanup(ctx, limits.Window)
		limiter = memory
	}

	healthStore := health.NewStore(a.db)
	checker := observability.NewHealthChecker(a.db, a.redis, version)
	if opts.sampleMaxAge > 0 {
		checker.AddCheck("health_sampler", health.FreshnessCheck(healthStore, opts.sampleMaxAge))
	}

	accounts := external.NewAccounts(a.db)
	srv := api.NewServer(api.Deps{
		DB:       a.db,
		Access:   a.access,
		Registry: a.registry,
		Pipeline: authorization.NewPipeline(authorization.PipelineConfig{
			Registry:       a.registry,
			Tokens:         a.tokens,
			Accounts:       accounts,
			ExternalTokens: external.NewTokens(a.db),
			Sessions:       sessions,
			Security:       cfg.Security,
		}),
		Accounts:       accounts,
		Logs:           logService,
		Health:         healthStore,
		Imaging:        imaging.NewService(a.db, a.blobs, a.access, a.registry),
		Sync:           synchronization.NewDriver(a.registry),
		Logger:         logger,
		Limiter:        limiter,
		Checker:        checker,
		Metrics:        a.metrics,
		Prometheus:     a.prometheus,
		RequestTimeout: cfg.Server.RequestTimeout,
		UIURL:          cfg.Server.UIURL,
		MaxUploadSize:  cfg.Media.MaxUploadSize,
		AllowedOrigins: opts.allowedOrigins,
	})

	c := cron.New()
	_, err = c.AddFunc(opts.purgeSchedule, func() {
		purge(ctx, logger, "tokens", a.tokens.PurgeExpired)
		purge(ctx, logger, "external sessions", sqlSessions.PurgeExpired)
		purge(ctx, logger, "request logs", func(ctx context.Context) (int64, error) {
			return logService.Purge(ctx, time.Now().Add(-opts.logRetention))
		})
	})
	if err != nil {
		a.Close()
		return fmt.Errorf("invalid purge schedule %q: %w", opts.purgeSchedule, err)
	}
	c.Start()

	handler := http.Handler(srv)
	if providers != nil {
		handler = otelhttp.NewHandler(srv, "corefacility",
			otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/metrics" }))
	}
	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		a.Close()
		return nil
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		select {
		case <-c.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Starting corefacility %s on %s", version, server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	if err := shutdown.WaitForShutdown(ctx); err != nil {
		return err
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	default:
		return nil
	}
}

func purge(ctx context.Context, logger *observability.Logger, what string, fn func(context.Context) (int64, error)) {
	n, err := fn(ctx)
	if err != nil {
		logger.WithError(err).Errorf("Failed to purge %s", what)
		return
	}
	if n > 0 {
		logger.Infof("Purged %d %s", n, what)
	}
}
