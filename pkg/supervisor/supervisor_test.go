package supervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corefacility/corefacility/pkg/config"
	"github.com/corefacility/corefacility/pkg/observability"
)

// shellChild runs script with $OUT pointing at a file the test reads
func shellChild(t *testing.T, name, script string) (Child, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	out := filepath.Join(t.TempDir(), name+".out")
	return Child{Name: name, Path: "/bin/sh", Args: []string{"-c", script}, Env: []string{"OUT=" + out}}, out
}

func lines(path string) []string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return strings.Fields(string(raw))
}

func count(path, word string) int {
	n := 0
	for _, l := range lines(path) {
		if l == word {
			n++
		}
	}
	return n
}

type harness struct {
	sup     *Supervisor
	metrics *observability.Metrics
	sigs    chan os.Signal
	reload  chan struct{}
	cancel  context.CancelFunc
	result  chan error
}

func start(t *testing.T, cfg config.SupervisorConfig, children ...Child) *harness {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	logger := observability.NewLogger(observability.InfoLevel, io.Discard)
	h := &harness{
		sup:     New(children, cfg, "", logger, metrics),
		metrics: metrics,
		sigs:    make(chan os.Signal, 1),
		reload:  make(chan struct{}, 1),
		result:  make(chan error, 1),
	}
	h.sup.StopTimeout = 2 * time.Second
	return h
}

func (h *harness) run() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.result <- h.sup.run(ctx, h.sigs, h.reload) }()
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func (h *harness) restarts(child, reason string) float64 {
	return testutil.ToFloat64(h.metrics.ChildRestarts.WithLabelValues(child, reason))
}

var fast = config.SupervisorConfig{RestartBackoff: 10 * time.Millisecond, CheckInterval: 10 * time.Millisecond}

func TestFailingChildIsRestarted(t *testing.T) {
	child, out := shellChild(t, "daemon", `echo start >> "$OUT"; exit 3`)
	h := start(t, fast, child)
	h.run()

	require.Eventually(t, func() bool { return count(out, "start") >= 3 }, 5*time.Second, 10*time.Millisecond)
	h.cancel()
	require.NoError(t, h.wait(t))
	assert.GreaterOrEqual(t, h.restarts("daemon", ReasonExit), 2.0)
}

func TestCleanExitEndsSupervision(t *testing.T) {
	child, out := shellChild(t, "once", `echo start >> "$OUT"`)
	h := start(t, fast, child)
	h.run()

	require.NoError(t, h.wait(t))
	assert.Equal(t, 1, count(out, "start"))
	assert.Zero(t, h.restarts("once", ReasonExit))
}

func TestMemoryCeiling(t *testing.T) {
	child, out := shellChild(t, "sampler", `echo start >> "$OUT"; exec sleep 30`)
	cfg := fast
	cfg.VMCeiling = 1 << 30
	h := start(t, cfg, child)

	var mu sync.Mutex
	seen := map[int32]bool{}
	h.sup.vm = func(ctx context.Context, pid int32) (uint64, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 || seen[pid] {
			seen[pid] = true
			return 2 << 30, nil
		}
		return 1 << 20, nil
	}
	h.run()

	require.Eventually(t, func() bool { return count(out, "start") == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, h.restarts("sampler", ReasonMemory))
	h.cancel()
	require.NoError(t, h.wait(t))
}

func TestHangupRestartsChildren(t *testing.T) {
	daemon, daemonOut := shellChild(t, "daemon", `echo start >> "$OUT"; exec sleep 30`)
	sampler, samplerOut := shellChild(t, "sampler", `echo start >> "$OUT"; exec sleep 30`)
	h := start(t, fast, daemon, sampler)
	h.run()

	require.Eventually(t, func() bool {
		return count(daemonOut, "start") == 1 && count(samplerOut, "start") == 1
	}, 5*time.Second, 10*time.Millisecond)

	h.sigs <- syscall.SIGHUP
	require.Eventually(t, func() bool {
		return count(daemonOut, "start") == 2 && count(samplerOut, "start") == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, h.restarts("daemon", ReasonReload))

	h.reload <- struct{}{}
	require.Eventually(t, func() bool { return count(daemonOut, "start") == 3 }, 5*time.Second, 10*time.Millisecond)

	h.sigs <- syscall.SIGTERM
	require.NoError(t, h.wait(t))
	assert.Zero(t, h.restarts("daemon", ReasonExit))
}

func TestTerminatingSignalIsPropagated(t *testing.T) {
	child, out := shellChild(t, "daemon",
		`trap 'echo int >> "$OUT"; exit 0' INT; trap 'echo term >> "$OUT"; exit 0' TERM; echo start >> "$OUT"; while :; do sleep 0.05; done`)
	h := start(t, fast, child)
	h.run()

	require.Eventually(t, func() bool { return count(out, "start") == 1 }, 5*time.Second, 10*time.Millisecond)
	h.sigs <- syscall.SIGINT
	require.NoError(t, h.wait(t))
	assert.Equal(t, 1, count(out, "int"))
	assert.Zero(t, count(out, "term"))
}

func TestStartFailure(t *testing.T) {
	h := start(t, fast, Child{Name: "missing", Path: filepath.Join(t.TempDir(), "nothing")})
	h.run()
	assert.Error(t, h.wait(t))
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corefacility.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: {}\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, err := WatchFile(ctx, path, observability.NewLogger(observability.InfoLevel, io.Discard))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))
	select {
	case <-changes:
		t.Fatal("change of another file reported")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("server: {port: 8001}\n"), 0o600))
	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("change not reported")
	}
}
