// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, readiness probes and graceful shutdown.
//
// # Structured Logging
//
// The logger writes JSON through logrus:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("module", "standard").Info("login succeeded")
//
// Inside a request use FromContext so request and user ids are attached and
// hooks (such as the request log hook) see the request context:
//
//	observability.FromContext(r.Context()).Warnf("group %d has no governor", id)
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(registry)
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	observability.RegisterMetricsEndpoint(router, registry)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, otelConfig, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
