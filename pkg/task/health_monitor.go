package task

import (
	"context"
	"sync"
	"time"

	"github.com/lsst-dm/qserv-replica-controller/pkg/config"
	"github.com/lsst-dm/qserv-replica-controller/pkg/job"
	"github.com/lsst-dm/qserv-replica-controller/pkg/log"
	"github.com/lsst-dm/qserv-replica-controller/pkg/metrics"
	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

// probe indexes the two independent no-response counters kept per worker:
// its replication service and its Qserv query-engine endpoint.
const (
	probeReplication = 0
	probeQserv       = 1
)

// HealthMonitorTask watches worker liveness and drives eviction: each round
// probes every enabled worker and accumulates misses into per-worker
// counters, evicting a worker only once both counters cross
// worker-evict-timeout-sec and no other worker is simultaneously
// unresponsive.
//
// The probe stands in for both signals with a single ECHO-based
// ClusterHealthJob: the XRootD/SSI transport to the Qserv query engine
// lives outside this process, so there is no second, independent wire
// probe to drive the qserv counter from and both counters move together.
type HealthMonitorTask struct {
	*Task

	issuer  job.Issuer
	cfg     config.Config
	onEvict func(worker string)

	mu            sync.Mutex
	noResponseSec map[string][2]int
}

// NewHealthMonitorTask constructs the task; onEvict is invoked exactly
// once per eviction decision.
func NewHealthMonitorTask(issuer job.Issuer, cfg config.Config, onEvict func(worker string)) *HealthMonitorTask {
	h := &HealthMonitorTask{
		issuer:        issuer,
		cfg:           cfg,
		onEvict:       onEvict,
		noResponseSec: make(map[string][2]int),
	}
	h.Task = New("health-monitor", nil, h.onRun, nil, nil)
	return h
}

func isFailureStatus(ext wire.ExtendedStatus) bool {
	switch ext {
	case wire.ExtServerError, wire.ExtClientError, wire.ExtTimeoutExpired:
		return true
	default:
		return false
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (h *HealthMonitorTask) onRun(ctx context.Context) error {
	enabled := true
	workers := h.cfg.Workers(&enabled, nil)
	names := make([]string, 0, len(workers))
	for _, w := range workers {
		names = append(names, w.Name)
	}

	responseTimeoutSec, _ := h.cfg.GetUint("health", "worker-response-timeout-sec")
	if responseTimeoutSec == 0 {
		responseTimeoutSec = 20
	}
	evictTimeoutSec, _ := h.cfg.GetUint("health", "worker-evict-timeout-sec")
	if evictTimeoutSec == 0 {
		evictTimeoutSec = 60
	}
	probeIntervalSec, _ := h.cfg.GetUint("health", "probe-interval-sec")
	if probeIntervalSec == 0 {
		probeIntervalSec = 30
	}
	responseTimeout := time.Duration(responseTimeoutSec) * time.Second

	hj := job.NewClusterHealthJob(h.issuer, "*", names, responseTimeout, nil)
	hj.Start(ctx)

	reachable := make(map[string]bool, len(names))
	for _, r := range hj.Results() {
		reachable[r.Name] = r.Err == nil && !isFailureStatus(r.ExtendedStatus)
	}

	current := make(map[string]bool, len(names))
	for _, n := range names {
		current[n] = true
	}

	h.mu.Lock()
	for name := range h.noResponseSec {
		if !current[name] {
			delete(h.noResponseSec, name)
		}
	}
	var candidates, offlineNow []string
	for _, name := range names {
		counters := h.noResponseSec[name]
		if reachable[name] {
			counters = [2]int{0, 0}
		} else {
			counters[probeReplication] += int(responseTimeoutSec)
			counters[probeQserv] += int(responseTimeoutSec)
			offlineNow = append(offlineNow, name)
		}
		h.noResponseSec[name] = counters
		metrics.WorkersOffline.WithLabelValues(name).Set(boolToFloat(!reachable[name]))
		if counters[probeReplication] >= int(evictTimeoutSec) && counters[probeQserv] >= int(evictTimeoutSec) {
			candidates = append(candidates, name)
		}
	}
	h.mu.Unlock()

	logger := log.WithTask(h.Name)
	switch {
	case len(candidates) == 0 && len(offlineNow) == 0:
		select {
		case <-time.After(time.Duration(probeIntervalSec) * time.Second):
		case <-ctx.Done():
		}
	case len(candidates) == 0:
		// Workers are offline but none has crossed the evict threshold yet;
		// re-probe immediately so the counters keep honest time.
	case len(candidates) == 1 && len(offlineNow) == 1:
		worker := candidates[0]
		logger.Warn().Str("worker", worker).Msg("evicting unresponsive worker")
		metrics.WorkerEvictionsTotal.Inc()
		if h.onEvict != nil {
			h.onEvict(worker)
		}
		h.resetAfterEviction(names, worker)
	default:
		logger.Error().Strs("candidates", candidates).Strs("offline", offlineNow).
			Msg("multiple workers offline, manual intervention required")
	}
	return nil
}

// resetAfterEviction rebuilds the counter map from the current worker set,
// excluding the just-evicted worker.
func (h *HealthMonitorTask) resetAfterEviction(names []string, evicted string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fresh := make(map[string][2]int, len(names))
	for _, n := range names {
		if n == evicted {
			continue
		}
		fresh[n] = [2]int{0, 0}
	}
	h.noResponseSec = fresh
}

// NoResponseSec returns a snapshot of the current per-worker counters,
// exported for tests and the HTTP status surface.
func (h *HealthMonitorTask) NoResponseSec() map[string][2]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][2]int, len(h.noResponseSec))
	for k, v := range h.noResponseSec {
		out[k] = v
	}
	return out
}
