package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/observability"
)

// Restart reasons
const (
	ReasonExit   = "exit"
	ReasonMemory = "memory"
	ReasonReload = "reload"
)

// Child is a process kept alive by the supervisor
type Child struct {
	Name string
	Path string
	Args []string
	// Env is appended to the environment of the supervisor
	Env []string
}

// Supervisor runs children and restarts them when needed
type Supervisor struct {
	children   []Child
	cfg        config.SupervisorConfig
	configFile string
	logger     *observability.Logger
	metrics    *observability.Metrics

	// StopTimeout is how long a child may take to exit after a signal
	// before it is killed
	StopTimeout time.Duration

	vm func(ctx context.Context, pid int32) (uint64, error)
}

// New creates a supervisor. configFile, when set, is watched for changes;
// metrics may be nil.
func New(children []Child, cfg config.SupervisorConfig, configFile string, logger *observability.Logger, metrics *observability.Metrics) *Supervisor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	return &Supervisor{
		children:    children,
		cfg:         cfg,
		configFile:  configFile,
		logger:      logger,
		metrics:     metrics,
		StopTimeout: 10 * time.Second,
		vm:          virtualMemory,
	}
}

func virtualMemory(ctx context.Context, pid int32) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.VMS, nil
}

// Run supervises the children until a terminating signal arrives, ctx is
// done or every child has exited cleanly
func (s *Supervisor) Run(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer signal.Stop(sigs)

	var reload <-chan struct{}
	if s.configFile != "" {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		events, err := WatchFile(watchCtx, s.configFile, s.logger)
		if err != nil {
			return err
		}
		reload = events
	}
	return s.run(ctx, sigs, reload)
}

// stopCause carries the signal to pass on to the children
type stopCause struct {
	sig os.Signal
}

func (c stopCause) Error() string {
	return "stopped by " + c.sig.String()
}

func (s *Supervisor) run(ctx context.Context, sigs <-chan os.Signal, reload <-chan struct{}) error {
	for {
		genCtx, stop := context.WithCancelCause(ctx)
		g, gctx := errgroup.WithContext(genCtx)
		for _, c := range s.children {
			c := c
			g.Go(func() error { return s.keep(gctx, c) })
		}
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()

		restart := false
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				s.logger.Info("SIGHUP received, restarting children")
				stop(stopCause{syscall.SIGTERM})
				restart = true
			} else {
				s.logger.Infof("Received signal %s, stopping children", sig)
				stop(stopCause{sig})
			}
		case <-reload:
			s.logger.WithField("file", s.configFile).Info("Configuration changed, restarting children")
			stop(stopCause{syscall.SIGTERM})
			restart = true
		case <-ctx.Done():
			stop(stopCause{syscall.SIGTERM})
		case err := <-done:
			stop(nil)
			return err
		}

		err := <-done
		if err != nil {
			return err
		}
		if !restart {
			s.logger.Info("Supervisor stopped")
			return nil
		}
		for _, c := range s.children {
			s.countRestart(c.Name, ReasonReload)
		}
	}
}

// keep runs a child until it exits cleanly or ctx is done
func (s *Supervisor) keep(ctx context.Context, c Child) error {
	logger := s.logger.WithField("child", c.Name)
	for {
		cmd := exec.Command(c.Path, c.Args...)
		cmd.Env = append(os.Environ(), c.Env...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", c.Name, err)
		}
		logger.WithField("pid", cmd.Process.Pid).Info("Child started")

		reason, err := s.watch(ctx, c, cmd)
		if reason == "" {
			return nil
		}
		s.countRestart(c.Name, reason)
		logger.WithField("reason", reason).WithError(err).Warnf("Child will restart in %s", s.cfg.RestartBackoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.RestartBackoff):
		}
	}
}

// watch waits for the child to end and returns why it must restart, or an
// empty reason when it must not
func (s *Supervisor) watch(ctx context.Context, c Child, cmd *exec.Cmd) (string, error) {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	pid := int32(cmd.Process.Pid)
	for {
		select {
		case err := <-exited:
			if err == nil {
				s.logger.WithField("child", c.Name).Info("Child exited")
				return "", nil
			}
			return ReasonExit, err

		case <-ticker.C:
			if s.cfg.VMCeiling == 0 {
				continue
			}
			vm, err := s.vm(ctx, pid)
			if err != nil {
				s.logger.WithField("child", c.Name).WithError(err).Debug("Failed to read child memory")
				continue
			}
			if vm > s.cfg.VMCeiling {
				s.stop(cmd, syscall.SIGTERM, exited)
				return ReasonMemory, fmt.Errorf("virtual memory %d exceeds %d", vm, s.cfg.VMCeiling)
			}

		case <-ctx.Done():
			sig := os.Signal(syscall.SIGTERM)
			var cause stopCause
			if errors.As(context.Cause(ctx), &cause) {
				sig = cause.sig
			}
			s.stop(cmd, sig, exited)
			return "", nil
		}
	}
}

func (s *Supervisor) stop(cmd *exec.Cmd, sig os.Signal, exited <-chan error) {
	if err := cmd.Process.Signal(sig); err != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-exited:
	case <-time.After(s.StopTimeout):
		_ = cmd.Process.Kill()
		<-exited
	}
}

func (s *Supervisor) countRestart(child, reason string) {
	if s.metrics != nil {
		s.metrics.ChildRestarts.WithLabelValues(child, reason).Inc()
	}
}
