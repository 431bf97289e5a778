package task

import (
	"context"

	"github.com/lsst-dm/qserv-replica-controller/pkg/config"
	"github.com/lsst-dm/qserv-replica-controller/pkg/job"
	"github.com/lsst-dm/qserv-replica-controller/pkg/log"
)

// DeleteWorkerTask is the one-shot eviction action run once
// HealthMonitorTask decides a worker is gone: it purges every replica the
// worker is known to hold and, when Permanent is set, removes it from
// Configuration outright. It runs a single onRun pass and stops itself.
type DeleteWorkerTask struct {
	*Task

	issuer    job.Issuer
	cfg       config.Config
	Worker    string
	Permanent bool
}

// NewDeleteWorkerTask builds the task for worker. Permanent distinguishes
// a transient outage (keep the worker record, just drop its replicas so
// replication can rebuild elsewhere) from a confirmed decommission.
func NewDeleteWorkerTask(issuer job.Issuer, cfg config.Config, worker string, permanent bool) *DeleteWorkerTask {
	d := &DeleteWorkerTask{issuer: issuer, cfg: cfg, Worker: worker, Permanent: permanent}
	d.Task = New("delete-worker/"+worker, nil, d.onRun, nil, nil)
	return d
}

func (d *DeleteWorkerTask) onRun(ctx context.Context) error {
	logger := log.WithTask(d.Name)

	var databases []string
	for _, family := range d.cfg.DatabaseFamilies() {
		for _, db := range d.cfg.DatabasesForFamily(family.Name) {
			databases = append(databases, db.Name)
		}
	}

	dist := gatherReplicas(ctx, d.issuer, []string{d.Worker}, databases)
	var drops []job.ReplicaDrop
	for db, chunks := range dist {
		for chunk, holders := range chunks {
			for _, h := range holders {
				if h == d.Worker {
					drops = append(drops, job.ReplicaDrop{Worker: d.Worker, Database: db, Chunk: chunk})
				}
			}
		}
	}
	sortDrops(drops)

	dwj := job.NewDeleteWorkerJob(d.issuer, "*", d.Worker, drops, nil)
	dwj.Start(ctx)

	if d.Permanent {
		if err := d.cfg.DeleteWorker(d.Worker); err != nil {
			logger.Warn().Err(err).Str("worker", d.Worker).Msg("failed to remove worker from configuration")
		}
	}

	logger.Info().Str("worker", d.Worker).Int("replicas_purged", len(drops)).Msg("worker deleted")
	return ErrStopped
}
