// Package middleware provides the HTTP middleware shared by the API router.
//
// # Middleware Components
//
// RequestID: tags a request with a UUID (or the X-Request-ID a proxy sent)
// so that every log line of the request carries it
//
//	router.Use(middleware.RequestID)
//
// Timeout: answers 504 gateway_timeout once a request outlives its deadline
//
//	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))
//
// Throttle: sliding-window limit on login attempts per client address,
// shared through Redis when it is configured
//
//	limiter := middleware.NewRedisLimiter(redisClient, middleware.RateLimitConfig{Limit: 10, Window: time.Minute}, "login")
//	login.Use(middleware.Throttle(limiter))
//
// Without Redis a MemoryLimiter keeps the window of a single worker.
package middleware
