package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lsst-dm/qserv-replica-controller/pkg/config"
	"github.com/lsst-dm/qserv-replica-controller/pkg/job"
	"github.com/lsst-dm/qserv-replica-controller/pkg/log"
)

// Supervisor wires the long-running control tasks together: it starts
// ReplicationTask and HealthMonitorTask in parallel, and on an eviction
// callback stops ReplicationTask, runs a DeleteWorkerTask to completion,
// then restarts ReplicationTask unless a terminal failure was reported by
// any Task's onTerminated. It owns no HTTP/CLI surface of its own; an
// embedding application starts it alongside HTTPTask.
type Supervisor struct {
	issuer    job.Issuer
	cfg       config.Config
	permanent bool

	mu         sync.Mutex
	parent     context.Context
	repl       *ReplicationTask
	replCancel context.CancelFunc
	health     *HealthMonitorTask
	failed     atomic.Bool
}

// NewSupervisor builds the task set. numReplicasOverride and purge are
// forwarded to ReplicationTask; permanent controls whether an evicted
// worker is removed from Configuration outright or merely stripped of its
// replicas.
func NewSupervisor(issuer job.Issuer, cfg config.Config, numReplicasOverride int, purge, permanent bool) *Supervisor {
	s := &Supervisor{issuer: issuer, cfg: cfg, permanent: permanent}
	s.repl = NewReplicationTask(issuer, cfg, numReplicasOverride, purge)
	s.health = NewHealthMonitorTask(issuer, cfg, s.onEvict)
	s.onTerminatedGuard(s.repl.Task)
	s.onTerminatedGuard(s.health.Task)
	return s
}

// onTerminatedGuard marks the supervisor permanently failed if the given
// task terminates on anything other than ErrStopped, so a subsequent
// eviction never resurrects a ReplicationTask past a genuine failure.
func (s *Supervisor) onTerminatedGuard(t *Task) {
	t.onTerminated = func(_ *Task, _ error) { s.failed.Store(true) }
}

// Start launches both tasks against ctx. Call Stop to shut the whole
// supervisor down.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	s.parent = ctx
	replCtx, cancel := context.WithCancel(ctx)
	s.replCancel = cancel
	s.mu.Unlock()

	s.repl.Start(replCtx)
	s.health.Start(ctx)
}

// Stop requests both tasks exit; ReplicationTask's own sleep between
// passes only observes context cancellation, so Stop cancels its context
// rather than relying solely on the cooperative stop flag.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repl.Stop()
	if s.replCancel != nil {
		s.replCancel()
	}
	s.health.Stop()
}

// onEvict is the health monitor's eviction callback: stop ReplicationTask,
// run DeleteWorkerTask to completion, then restart ReplicationTask unless
// a terminal failure flag was set meanwhile.
func (s *Supervisor) onEvict(worker string) {
	logger := log.WithTask("supervisor")

	s.mu.Lock()
	s.repl.Stop()
	if s.replCancel != nil {
		s.replCancel()
	}
	parent := s.parent
	s.mu.Unlock()

	for s.repl.Running() {
		time.Sleep(loopInterval)
	}

	dw := NewDeleteWorkerTask(s.issuer, s.cfg, worker, s.permanent)
	dw.StartAndWait(parent, func(*Task) bool { return false })

	if s.failed.Load() {
		logger.Error().Str("worker", worker).Msg("not restarting replication: a task reported a terminal failure")
		return
	}

	s.mu.Lock()
	replCtx, cancel := context.WithCancel(parent)
	s.replCancel = cancel
	s.mu.Unlock()
	s.repl.Start(replCtx)
	logger.Info().Str("worker", worker).Msg("replication restarted after eviction")
}
