package job

import (
	"context"
	"fmt"
	"time"

	"github.com/lsst-dm/qserv-replica-controller/pkg/request"
	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

// Issuer is the narrow slice of the Controller's request factories a Job
// needs; Jobs depend on this rather than the concrete Controller type.
type Issuer interface {
	Echo(worker, data string) (*request.Request, error)
	FindAllReplicas(worker, database string) (*request.Request, error)
	Replicate(worker, database string, chunk uint32, sourceWorker string) (*request.Request, error)
	DeleteReplica(worker, database string, chunk uint32) (*request.Request, error)
}

func waitChild(ctx context.Context, req *request.Request) (wire.ExtendedStatus, error) {
	if err := req.Wait(ctx); err != nil {
		req.Cancel()
		return wire.ExtTimeoutExpired, err
	}
	return req.ExtendedStatus(), nil
}

// NewClusterHealthJob probes replication-service liveness (ECHO) on every
// worker with a single shared deadline.
func NewClusterHealthJob(issuer Issuer, family string, workers []string, timeout time.Duration, onFinish func(*Job)) *Job {
	children := make([]Child, 0, len(workers))
	for _, w := range workers {
		w := w
		children = append(children, Child{
			Name: w,
			Run: func(ctx context.Context) (wire.ExtendedStatus, error) {
				ctx, cancel := Deadline(ctx, timeout)
				defer cancel()
				req, err := issuer.Echo(w, "health")
				if err != nil {
					return wire.ExtServerError, err
				}
				return waitChild(ctx, req)
			},
		})
	}
	return New("CLUSTER_HEALTH", family, children, onFinish)
}

// ReplicaMove is one chunk replica that needs to move/appear/disappear.
type ReplicaMove struct {
	Worker       string
	Database     string
	Chunk        uint32
	SourceWorker string
	// Fatal marks moves whose failure should fail the whole job (e.g. the
	// single authoritative copy of a chunk).
	Fatal bool
}

// NewReplicateJob brings under-replicated chunks up to the family's
// effective replication level by issuing one REPLICATE request per move.
func NewReplicateJob(issuer Issuer, family string, moves []ReplicaMove, onFinish func(*Job)) *Job {
	children := make([]Child, 0, len(moves))
	for _, m := range moves {
		m := m
		children = append(children, Child{
			Name:  fmt.Sprintf("%s/%s/%d", m.Worker, m.Database, m.Chunk),
			Fatal: m.Fatal,
			Run: func(ctx context.Context) (wire.ExtendedStatus, error) {
				req, err := issuer.Replicate(m.Worker, m.Database, m.Chunk, m.SourceWorker)
				if err != nil {
					return wire.ExtServerError, err
				}
				return waitChild(ctx, req)
			},
		})
	}
	return New("REPLICATE", family, children, onFinish)
}

// NewFixUpJob restores co-location across a family: conceptually the same
// fan-out shape as ReplicateJob over a caller-computed move list, named
// distinctly because it targets co-location gaps rather than under-
// replication.
func NewFixUpJob(issuer Issuer, family string, moves []ReplicaMove, onFinish func(*Job)) *Job {
	j := NewReplicateJob(issuer, family, moves, onFinish)
	j.Type = "FIXUP"
	return j
}

// NewRebalanceJob evens out chunk distribution across workers by issuing
// the caller-computed move list (REPLICATE to the destination, DELETE from
// the source once it lands — the delete side is represented by a second,
// independent move in purges).
func NewRebalanceJob(issuer Issuer, family string, moves []ReplicaMove, onFinish func(*Job)) *Job {
	j := NewReplicateJob(issuer, family, moves, onFinish)
	j.Type = "REBALANCE"
	return j
}

// ReplicaDrop is one chunk replica to remove, e.g. surplus copies found by
// PurgeJob or replicas stranded on an evicted worker.
type ReplicaDrop struct {
	Worker   string
	Database string
	Chunk    uint32
}

// NewPurgeJob removes surplus replicas beyond the family's effective
// replication level.
func NewPurgeJob(issuer Issuer, family string, drops []ReplicaDrop, onFinish func(*Job)) *Job {
	children := make([]Child, 0, len(drops))
	for _, d := range drops {
		d := d
		children = append(children, Child{
			Name: fmt.Sprintf("%s/%s/%d", d.Worker, d.Database, d.Chunk),
			Run: func(ctx context.Context) (wire.ExtendedStatus, error) {
				req, err := issuer.DeleteReplica(d.Worker, d.Database, d.Chunk)
				if err != nil {
					return wire.ExtServerError, err
				}
				return waitChild(ctx, req)
			},
		})
	}
	return New("PURGE", family, children, onFinish)
}

// NewQservSyncJob issues one FIND_ALL per (worker, database) pair and
// reports each reply's status. It only reads: no replica set is sent to the
// workers.
func NewQservSyncJob(issuer Issuer, family string, workers []string, databases []string, onFinish func(*Job)) *Job {
	children := make([]Child, 0, len(workers)*len(databases))
	for _, w := range workers {
		for _, db := range databases {
			w, db := w, db
			children = append(children, Child{
				Name: fmt.Sprintf("%s/%s", w, db),
				Run: func(ctx context.Context) (wire.ExtendedStatus, error) {
					req, err := issuer.FindAllReplicas(w, db)
					if err != nil {
						return wire.ExtServerError, err
					}
					return waitChild(ctx, req)
				},
			})
		}
	}
	return New("QSERV_SYNC", family, children, onFinish)
}

// NewDeleteWorkerJob evicts worker by purging every replica it holds
// (supplied by the caller, typically from the last known FIND_ALL
// snapshot) without replacing them on any other worker — that is left to a
// follow-up ReplicateJob.
func NewDeleteWorkerJob(issuer Issuer, family, worker string, drops []ReplicaDrop, onFinish func(*Job)) *Job {
	j := NewPurgeJob(issuer, family, drops, onFinish)
	j.Type = "DELETE_WORKER"
	return j
}
