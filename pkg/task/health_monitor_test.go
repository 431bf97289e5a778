package task

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-replica-controller/pkg/config"
)

const healthTestDocument = `{
  "params": {
    "health/worker-response-timeout-sec": "1",
    "health/worker-evict-timeout-sec": "2",
    "health/probe-interval-sec": "1"
  },
  "workers": [{"name": "worker01", "is_enabled": true}, {"name": "worker02", "is_enabled": true}],
  "database_families": [],
  "databases": [],
  "tables": []
}`

func newHealthTestConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "qserv.json")
	require.NoError(t, os.WriteFile(path, []byte(healthTestDocument), 0o644))
	cfg, err := config.NewJSONConfig(path)
	require.NoError(t, err)
	return cfg
}

func TestHealthMonitorLeavesCountersZeroWhenAllReachable(t *testing.T) {
	cfg := newHealthTestConfig(t)
	issuer := newFakeIssuer()

	var evicted string
	h := NewHealthMonitorTask(issuer, cfg, func(w string) { evicted = w })

	require.NoError(t, h.onRun(context.Background()))
	for _, counters := range h.NoResponseSec() {
		require.Equal(t, [2]int{0, 0}, counters)
	}
	require.Empty(t, evicted)
}

func TestHealthMonitorAccumulatesAndEvictsSingleOfflineWorker(t *testing.T) {
	cfg := newHealthTestConfig(t)
	issuer := newFakeIssuer()
	issuer.unreachable = map[string]bool{"worker02": true}

	var evicted string
	h := NewHealthMonitorTask(issuer, cfg, func(w string) { evicted = w })

	// worker-response-timeout-sec=1, worker-evict-timeout-sec=2: two
	// consecutive misses cross the evict threshold.
	require.NoError(t, h.onRun(context.Background()))
	require.Empty(t, evicted)
	require.NoError(t, h.onRun(context.Background()))

	require.Equal(t, "worker02", evicted)
	counters := h.NoResponseSec()
	if c, ok := counters["worker02"]; ok {
		require.Equal(t, [2]int{0, 0}, c)
	}
}

func TestHealthMonitorRefusesToEvictWhenMultipleWorkersOffline(t *testing.T) {
	cfg := newHealthTestConfig(t)
	issuer := newFakeIssuer()
	issuer.unreachable = map[string]bool{"worker01": true, "worker02": true}

	var evictions int
	h := NewHealthMonitorTask(issuer, cfg, func(w string) { evictions++ })

	// Both workers cross the evict threshold together; the monitor must log
	// and leave the decision to an operator rather than evict either.
	require.NoError(t, h.onRun(context.Background()))
	require.NoError(t, h.onRun(context.Background()))
	require.NoError(t, h.onRun(context.Background()))

	require.Zero(t, evictions)
	counters := h.NoResponseSec()
	require.Equal(t, [2]int{3, 3}, counters["worker01"])
	require.Equal(t, [2]int{3, 3}, counters["worker02"])
}
