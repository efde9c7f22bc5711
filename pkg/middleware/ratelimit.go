package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/httputil"
	"github.com/corefacility/corefacility/pkg/observability"
)

// RateLimitConfig defines a sliding window
type RateLimitConfig struct {
	// Limit is the number of attempts allowed within Window
	Limit int
	// Window is the length of the sliding window
	Window time.Duration
}

// DefaultRateLimitConfig allows ten login attempts a minute
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Limit: 10, Window: time.Minute}
}

func (c RateLimitConfig) normalize() RateLimitConfig {
	d := DefaultRateLimitConfig()
	if c.Limit <= 0 {
		c.Limit = d.Limit
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	return c
}

// Limiter counts attempts per key. retryAfter is set when an attempt is
// refused.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// MemoryLimiter keeps the attempts of every key in process. It serves a
// single worker when no Redis is configured.
type MemoryLimiter struct {
	config RateLimitConfig
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewMemoryLimiter creates an in-process limiter
func NewMemoryLimiter(config RateLimitConfig) *MemoryLimiter {
	return &MemoryLimiter{
		config: config.normalize(),
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

// recent drops the attempts of key that left the window
func (rl *MemoryLimiter) recent(key string, now time.Time) []time.Time {
	hits := rl.hits[key]
	cut := 0
	for cut < len(hits) && !hits[cut].After(now.Add(-rl.config.Window)) {
		cut++
	}
	hits = hits[cut:]
	if len(hits) == 0 {
		delete(rl.hits, key)
	} else {
		rl.hits[key] = hits
	}
	return hits
}

// Allow records an attempt unless the window of key is full
func (rl *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	hits := rl.recent(key, now)
	if len(hits) >= rl.config.Limit {
		return false, hits[0].Add(rl.config.Window).Sub(now), nil
	}
	rl.hits[key] = append(hits, now)
	return true, 0, nil
}

// Remaining returns the number of attempts key has left
func (rl *MemoryLimiter) Remaining(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := rl.config.Limit - len(rl.recent(key, rl.now()))
	if n < 0 {
		return 0
	}
	return n
}

// Cleanup forgets keys without attempts in the window
func (rl *MemoryLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key := range rl.hits {
		rl.recent(key, now)
	}
}

// StartCleanup runs Cleanup every interval until ctx is done
func (rl *MemoryLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RedisLimiter shares the window between workers. Every key is a sorted
// set of attempts scored by their time in milliseconds.
type RedisLimiter struct {
	redis  *redis.Client
	config RateLimitConfig
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter
func NewRedisLimiter(client *redis.Client, config RateLimitConfig, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{
		redis:  client,
		config: config.normalize(),
		prefix: prefix,
		now:    time.Now,
	}
}

func (rl *RedisLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow records an attempt and takes it back when the window overflows
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	redisKey := rl.key(key)
	now := rl.now().UnixMilli()
	member := uuid.NewString()
	window := rl.config.Window

	var card *redis.IntCmd
	_, err := rl.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(now-window.Milliseconds(), 10))
		pipe.ZAdd(ctx, redisKey, &redis.Z{Score: float64(now), Member: member})
		card = pipe.ZCard(ctx, redisKey)
		pipe.PExpire(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("redis error: %w", err)
	}
	if card.Val() <= int64(rl.config.Limit) {
		return true, 0, nil
	}

	if err := rl.redis.ZRem(ctx, redisKey, member).Err(); err != nil {
		return false, 0, fmt.Errorf("redis error: %w", err)
	}
	oldest, err := rl.redis.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return false, window, nil
	}
	retry := time.Duration(int64(oldest[0].Score)+window.Milliseconds()-now) * time.Millisecond
	return false, retry, nil
}

// Reset clears the attempts of a key
func (rl *RedisLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

// Throttle refuses requests of a client whose window is full with 429.
// Limiter failures let the request through.
func Throttle(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := httputil.ClientIP(r)
			allowed, retryAfter, err := limiter.Allow(ctx, "ip:"+ip)
			if err != nil {
				observability.FromContext(ctx).WithError(err).Warn("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				seconds := int(math.Ceil(retryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				observability.FromContext(ctx).WithField("ip", ip).Warn("too many login attempts")
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				httputil.WriteAPIError(w, r, errdefs.Throttled("too many attempts, retry in %d seconds", seconds))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
