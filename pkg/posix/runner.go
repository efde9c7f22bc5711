package posix

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/corefacility/corefacility/pkg/observability"
)

// Runner runs one program
type Runner interface {
	Run(ctx context.Context, step Step) error
}

// ExecRunner runs programs with os/exec
type ExecRunner struct{}

// Run executes the step and includes its combined output in the error
func (ExecRunner) Run(ctx context.Context, step Step) error {
	out, err := exec.CommandContext(ctx, step[0], step[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(step, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Executor runs commands step by step
type Executor struct {
	runner  Runner
	metrics *observability.Metrics
}

// NewExecutor creates an executor; metrics may be nil
func NewExecutor(runner Runner, metrics *observability.Metrics) *Executor {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Executor{runner: runner, metrics: metrics}
}

// Execute plans and runs one command, stopping at the first failing step
func (x *Executor) Execute(ctx context.Context, cmd Command) (err error) {
	defer func() {
		if x.metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = "failed"
			}
			x.metrics.PosixCommandsTotal.WithLabelValues(cmd.Action, cmd.Method, outcome).Inc()
		}
	}()

	steps, err := Plan(cmd)
	if err != nil {
		return err
	}
	logger := observability.FromContext(ctx).WithField("command", cmd.String())
	for _, step := range steps {
		logger.Debugf("running %s", strings.Join(step, " "))
		if err := x.runner.Run(ctx, step); err != nil {
			return fmt.Errorf("posix command %s failed: %w", cmd, err)
		}
	}
	return nil
}
