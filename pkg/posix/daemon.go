package posix

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/corefacility/corefacility/pkg/async"
	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/errdefs"
	"github.com/corefacility/corefacility/pkg/observability"
)

// Daemon drains deferred commands. It must run with the privileges needed
// by the commands, normally as root.
type Daemon struct {
	store    *CommandStore
	executor *Executor
	cfg      config.DaemonConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewDaemon creates an administration daemon; metrics may be nil
func NewDaemon(store *CommandStore, executor *Executor, cfg config.DaemonConfig, logger *observability.Logger, metrics *observability.Metrics) *Daemon {
	return &Daemon{store: store, executor: executor, cfg: cfg, logger: logger, metrics: metrics}
}

// Run polls for commands and collects abandoned ones until ctx is done
func (d *Daemon) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(d.cfg.GCSchedule, func() {
		if _, err := d.CollectGarbage(ctx); err != nil {
			d.logger.WithError(err).Error("Deferred command garbage collection failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid garbage collection schedule %q: %w", d.cfg.GCSchedule, err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	d.logger.Infof("Administration daemon started, polling every %s", d.cfg.PollInterval)
	<-async.Every(ctx, d.cfg.PollInterval, "deferred commands", d.logger, func(ctx context.Context) error {
		_, err := d.Drain(ctx)
		return err
	})
	d.logger.Info("Administration daemon stopped")
	return nil
}

// Drain executes every initialized command in creation order and returns
// how many ran
func (d *Daemon) Drain(ctx context.Context) (int, error) {
	n := 0
	for ctx.Err() == nil {
		dc, err := d.store.Claim(ctx)
		if errdefs.IsNotFound(err) {
			break
		}
		if err != nil {
			return n, err
		}
		if err := d.run(ctx, dc); err != nil {
			return n, err
		}
		n++
	}
	d.updateGauge(ctx)
	return n, nil
}

func (d *Daemon) run(ctx context.Context, dc DeferredCommand) error {
	logger := d.logger.WithField("deferred_command", dc.ID())
	cmd, runErr := dc.Command()
	if runErr == nil {
		logger = logger.WithField("command", cmd.String())
		ctx = observability.WithLogger(ctx, logger)
		runErr = d.executor.Execute(ctx, cmd)
	}
	if runErr != nil {
		logger.WithError(runErr).Error("Deferred command failed")
	} else {
		logger.Info("Deferred command confirmed")
	}
	return d.store.Confirm(context.WithoutCancel(ctx), dc.ID(), runErr)
}

// CollectGarbage deletes commands that stayed unconfirmed for longer than
// the abandon cut-off
func (d *Daemon) CollectGarbage(ctx context.Context) (int, error) {
	abandoned, err := d.store.DeleteAbandoned(ctx, d.store.now().Add(-d.cfg.AbandonAfter))
	if err != nil {
		return 0, err
	}
	for _, cmd := range abandoned {
		d.logger.WithField("command", cmd.String()).Warn("Abandoned deferred command removed")
	}
	d.updateGauge(ctx)
	return len(abandoned), nil
}

func (d *Daemon) updateGauge(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	if n, err := d.store.Pending(ctx); err == nil {
		d.metrics.DeferredQueueLength.Set(float64(n))
	}
}

// Wait blocks until no command is pending, for callers that need the OS
// state in place. It gives up when ctx is done.
func (s *CommandStore) Wait(ctx context.Context, poll time.Duration) error {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		n, err := s.Pending(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errdefs.Unavailable("administration daemon did not process %d pending commands", n)
		case <-ticker.C:
		}
	}
}
