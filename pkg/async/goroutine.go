package async

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/corefacility/corefacility/pkg/observability"
)

// SafeGo executes fn in a goroutine with panic recovery and error logging.
// A zero timeout leaves the deadline to parentCtx, which suits long-running
// loops such as the administration daemon.
//
// Example:
//
//	async.SafeGo(ctx, 0, "token purge", logger, func(ctx context.Context) error {
//	    _, err := tokens.PurgeExpired(ctx)
//	    return err
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) <-chan error {
	done := make(chan error, 1)

	go func() {
		ctx := parentCtx
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(parentCtx, timeout)
			defer cancel()
		}

		defer func() {
			if r := recover(); r != nil {
				logger.WithField("task", taskName).
					WithField("panic", r).
					WithField("stack", string(debug.Stack())).
					Error("PANIC in background task")
				done <- observability.PanicError(r)
			}
			close(done)
		}()

		err := fn(ctx)
		if err != nil && ctx.Err() == nil {
			logger.WithField("task", taskName).WithError(err).Error("background task failed")
		}
		done <- err
	}()

	return done
}

// Every runs fn immediately and then on every tick until ctx is cancelled
func Every(ctx context.Context, interval time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) <-chan error {
	return SafeGo(ctx, 0, taskName, logger, func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.WithField("task", taskName).WithError(err).Warn("iteration failed")
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}
