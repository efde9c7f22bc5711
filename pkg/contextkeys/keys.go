// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/corefacility/corefacility/pkg/contextkeys"
//	ctx = contextkeys.WithUser(ctx, user)
//	user, _ := contextkeys.User(ctx).(*access.User)
package contextkeys

import (
	"context"
	"time"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// TxKey contains *storage.Tx
	// Set by: storage.BeginTx / posix.Transactor.Atomic
	// Used by: every SQL provider and reader through storage.Querier
	TxKey Key = "db_transaction"

	// QueueKey contains *posix.Queue
	// Set by: posix.Transactor.Atomic
	// Used by: POSIX providers enqueuing OS commands
	QueueKey Key = "posix_queue"

	// UserKey contains the authenticated *access.User
	// Set by: authorization.Middleware
	// Used by: API handlers and the permission checker
	UserKey Key = "user"

	// AuthenticationKey contains the *authorization.Authentication the request was authorized with
	// Set by: authorization.Middleware (token path only)
	// Used by: logout
	AuthenticationKey Key = "authentication"

	// LogKey contains the *logs.Log of the current request
	// Set by: logs.Middleware
	// Used by: logs hook, handlers adding log records
	LogKey Key = "request_log"

	// RegistryKey contains *modules.Registry
	// Set by: api.Server
	// Used by: handlers resolving modules from a context only
	RegistryKey Key = "module_registry"

	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: Logger, request log, distributed tracing
	RequestIDKey Key = "request_id"

	// UserIDKey contains user ID string
	// Set by: authorization.Middleware after user authentication
	// Used by: Logger
	UserIDKey Key = "user_id"

	// LoggerKey contains *observability.Logger
	// Set by: observability middleware
	// Used by: Handlers that need structured logging with request context
	LoggerKey Key = "logger"

	// RequestStartTimeKey contains request start timestamp
	// Set by: logs.Middleware
	// Type: time.Time
	RequestStartTimeKey Key = "request_start_time"

	// CookieLessKey marks a response that must not set the session cookie
	// Set by: password recovery activation
	// Type: bool
	CookieLessKey Key = "cookie_less"
)

// WithTx adds the current database transaction to the context
func WithTx(ctx context.Context, tx interface{}) context.Context {
	return context.WithValue(ctx, TxKey, tx)
}

// Tx retrieves the current database transaction, nil when none is open
func Tx(ctx context.Context) interface{} {
	return ctx.Value(TxKey)
}

// WithQueue adds the POSIX command queue to the context
func WithQueue(ctx context.Context, queue interface{}) context.Context {
	return context.WithValue(ctx, QueueKey, queue)
}

// Queue retrieves the POSIX command queue
func Queue(ctx context.Context) interface{} {
	return ctx.Value(QueueKey)
}

// WithUser adds the authenticated user to the context
func WithUser(ctx context.Context, user interface{}) context.Context {
	return context.WithValue(ctx, UserKey, user)
}

// User retrieves the authenticated user
func User(ctx context.Context) interface{} {
	return ctx.Value(UserKey)
}

// WithAuthentication adds the token authentication to the context
func WithAuthentication(ctx context.Context, auth interface{}) context.Context {
	return context.WithValue(ctx, AuthenticationKey, auth)
}

// Authentication retrieves the token authentication
func Authentication(ctx context.Context) interface{} {
	return ctx.Value(AuthenticationKey)
}

// WithLog adds the request log to the context
func WithLog(ctx context.Context, log interface{}) context.Context {
	return context.WithValue(ctx, LogKey, log)
}

// Log retrieves the request log
func Log(ctx context.Context) interface{} {
	return ctx.Value(LogKey)
}

// WithRegistry adds the module registry to the context
func WithRegistry(ctx context.Context, registry interface{}) context.Context {
	return context.WithValue(ctx, RegistryKey, registry)
}

// Registry retrieves the module registry
func Registry(ctx context.Context) interface{} {
	return ctx.Value(RegistryKey)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithRequestStartTime adds request start time to the context
func WithRequestStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, startTime)
}

// RequestStartTime retrieves the request start time, zero when unset
func RequestStartTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(RequestStartTimeKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}

// WithCookieLess marks the response as cookie-less
func WithCookieLess(ctx context.Context) context.Context {
	return context.WithValue(ctx, CookieLessKey, true)
}

// IsCookieLess reports whether the response must not carry the session cookie
func IsCookieLess(ctx context.Context) bool {
	v, _ := ctx.Value(CookieLessKey).(bool)
	return v
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}
