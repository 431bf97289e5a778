package task

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/lsst-dm/qserv-replica-controller/pkg/clustertypes"
	"github.com/lsst-dm/qserv-replica-controller/pkg/config"
	"github.com/lsst-dm/qserv-replica-controller/pkg/job"
	"github.com/lsst-dm/qserv-replica-controller/pkg/log"
)

// replicaDist is the per-database, per-chunk worker placement a planning
// pass reasons over: database -> chunk -> workers currently holding a
// replica, as reported by FIND_ALL.
type replicaDist map[string]map[uint32][]string

// placement is one (database, chunk, worker) replica occurrence flattened
// out of a replicaDist for the rebalance planner.
type placement struct {
	db, worker string
	chunk      uint32
}

// ReplicationTask runs the periodic "check -> fix-up -> replicate ->
// rebalance -> [purge]" pass, one Job per family per stage.
type ReplicationTask struct {
	*Task

	issuer job.Issuer
	cfg    config.Config

	// NumReplicasOverride, when non-zero, is passed as `desired` to
	// EffectiveReplicationLevel instead of the family's configured level.
	NumReplicasOverride int
	// Purge enables the final surplus-removal stage.
	Purge bool
}

// NewReplicationTask constructs the task over issuer/cfg.
func NewReplicationTask(issuer job.Issuer, cfg config.Config, numReplicasOverride int, purge bool) *ReplicationTask {
	r := &ReplicationTask{
		issuer:              issuer,
		cfg:                 cfg,
		NumReplicasOverride: numReplicasOverride,
		Purge:               purge,
	}
	r.Task = New("replication", nil, r.onRun, nil, nil)
	return r
}

func (r *ReplicationTask) onRun(ctx context.Context) error {
	families := r.cfg.DatabaseFamilies()
	logger := log.WithTask(r.Name)

	for _, family := range families {
		if r.stopRequested() {
			return ErrStopped
		}
		if err := r.runFamily(ctx, family); err != nil {
			logger.Error().Err(err).Str("family", family.Name).Msg("replication pass failed")
		}
	}

	intervalSec, _ := r.cfg.GetUint("replication", "interval-sec")
	if intervalSec == 0 {
		intervalSec = 3600
	}
	select {
	case <-time.After(time.Duration(intervalSec) * time.Second):
	case <-ctx.Done():
	}
	return nil
}

func (r *ReplicationTask) runFamily(ctx context.Context, family clustertypes.DatabaseFamily) error {
	enabled := true
	allEnabled := r.cfg.Workers(&enabled, nil)
	workerNames := make([]string, 0, len(allEnabled))
	for _, w := range allEnabled {
		workerNames = append(workerNames, w.Name)
	}
	databases := r.cfg.DatabasesForFamily(family.Name)
	dbNames := make([]string, 0, len(databases))
	for _, db := range databases {
		dbNames = append(dbNames, db.Name)
	}
	if len(workerNames) == 0 || len(dbNames) == 0 {
		return nil
	}

	// check: cluster health probe, same shape HealthMonitorTask uses; a
	// worker that doesn't answer ECHO is dropped from this pass rather
	// than targeted with REPLICATE/FIND_ALL traffic that would only time
	// out.
	hj := job.NewClusterHealthJob(r.issuer, family.Name, workerNames, 30*time.Second, nil)
	hj.Start(ctx)
	reachable := make(map[string]bool, len(workerNames))
	for _, res := range hj.Results() {
		reachable[res.Name] = res.Err == nil && !isFailureStatus(res.ExtendedStatus)
	}
	workerNames = filterReachable(workerNames, reachable)
	if len(workerNames) == 0 {
		return nil
	}

	dist := gatherReplicas(ctx, r.issuer, workerNames, dbNames)
	effLevel, err := r.cfg.EffectiveReplicationLevel(family.Name, r.NumReplicasOverride, true, false)
	if err != nil {
		return fmt.Errorf("replication: %s: %w", family.Name, err)
	}
	writable := r.cfg.Workers(&enabled, boolPtr(false))
	writableNames := make([]string, 0, len(writable))
	for _, w := range writable {
		writableNames = append(writableNames, w.Name)
	}
	writableNames = filterReachable(writableNames, reachable)

	// fix-up: at this abstraction (whole-chunk replica placement, not
	// per-table co-location) restoring co-location and curing
	// under-replication reduce to the same corrective move; a true
	// per-table fix-up needs the chunk data layout, which lives behind the
	// file-transfer server. The replicate stage re-plans from a fresh
	// distribution, so it only issues moves the fix-up stage left behind.
	fixups := planReplicate(dist, effLevel, writableNames)
	if len(fixups) > 0 {
		fj := job.NewFixUpJob(r.issuer, family.Name, fixups, nil)
		fj.Start(ctx)
		dist = gatherReplicas(ctx, r.issuer, workerNames, dbNames)
	}

	moves := planReplicate(dist, effLevel, writableNames)
	if len(moves) > 0 {
		rj := job.NewReplicateJob(r.issuer, family.Name, moves, nil)
		rj.Start(ctx)
		dist = gatherReplicas(ctx, r.issuer, workerNames, dbNames)
	}

	rebalanceMoves := planRebalance(dist, workerNames)
	if len(rebalanceMoves) > 0 {
		rbj := job.NewRebalanceJob(r.issuer, family.Name, rebalanceMoves, nil)
		rbj.Start(ctx)
	}

	if r.Purge {
		drops := planPurge(dist, effLevel)
		if len(drops) > 0 {
			pj := job.NewPurgeJob(r.issuer, family.Name, drops, nil)
			pj.Start(ctx)
		}
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

func filterReachable(names []string, reachable map[string]bool) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if reachable[n] {
			out = append(out, n)
		}
	}
	return out
}

// gatherReplicas issues FIND_ALL against every worker/database pair and
// assembles the current placement map.
func gatherReplicas(ctx context.Context, issuer job.Issuer, workers, databases []string) replicaDist {
	dist := make(replicaDist, len(databases))
	for _, db := range databases {
		dist[db] = make(map[uint32][]string)
	}
	for _, w := range workers {
		for _, db := range databases {
			req, err := issuer.FindAllReplicas(w, db)
			if err != nil {
				continue
			}
			if err := req.Wait(ctx); err != nil {
				continue
			}
			resp := req.Response()
			if resp == nil {
				continue
			}
			for _, rep := range resp.Replicas {
				dist[db][rep.Chunk] = append(dist[db][rep.Chunk], w)
			}
		}
	}
	return dist
}

// planReplicate brings every chunk up to effLevel copies, sourcing from an
// existing holder and placing new copies on writable workers that don't
// already hold the chunk.
func planReplicate(dist replicaDist, effLevel int, writable []string) []job.ReplicaMove {
	var moves []job.ReplicaMove
	for db, chunks := range dist {
		for chunk, holders := range chunks {
			need := effLevel - len(holders)
			if need <= 0 {
				continue
			}
			if len(holders) == 0 {
				// An orphan chunk has no source to replicate from; left
				// for an operator to re-seed.
				continue
			}
			source := holders[0]
			held := make(map[string]bool, len(holders))
			for _, h := range holders {
				held[h] = true
			}
			candidates := make([]string, 0, len(writable))
			for _, w := range writable {
				if !held[w] {
					candidates = append(candidates, w)
				}
			}
			slices.Sort(candidates)
			for i := 0; i < need && i < len(candidates); i++ {
				moves = append(moves, job.ReplicaMove{
					Worker:       candidates[i],
					Database:     db,
					Chunk:        chunk,
					SourceWorker: source,
				})
			}
		}
	}
	sortMoves(moves)
	return moves
}

// planRebalance shifts one replica per overloaded chunk from the busiest
// worker to the least busy worker that doesn't already hold it, bounded to
// half the current count imbalance so a single pass never thrashes the
// cluster.
func planRebalance(dist replicaDist, workers []string) []job.ReplicaMove {
	load := make(map[string]int, len(workers))
	for _, w := range workers {
		load[w] = 0
	}
	var placements []placement
	for db, chunks := range dist {
		for chunk, holders := range chunks {
			for _, w := range holders {
				load[w]++
				placements = append(placements, placement{db: db, worker: w, chunk: chunk})
			}
		}
	}
	if len(workers) < 2 {
		return nil
	}
	maxW, minW := workers[0], workers[0]
	for _, w := range workers {
		if load[w] > load[maxW] {
			maxW = w
		}
		if load[w] < load[minW] {
			minW = w
		}
	}
	budget := (load[maxW] - load[minW]) / 2
	if budget <= 0 {
		return nil
	}

	heldByMin := make(map[string]bool)
	for _, p := range placements {
		if p.worker == minW {
			heldByMin[p.db+"/"+fmt.Sprint(p.chunk)] = true
		}
	}

	var moves []job.ReplicaMove
	sortPlacements(placements)
	for _, p := range placements {
		if len(moves) >= budget {
			break
		}
		if p.worker != maxW {
			continue
		}
		key := p.db + "/" + fmt.Sprint(p.chunk)
		if heldByMin[key] {
			continue
		}
		moves = append(moves, job.ReplicaMove{Worker: minW, Database: p.db, Chunk: p.chunk, SourceWorker: maxW})
		heldByMin[key] = true
	}
	return moves
}

// planPurge drops surplus replicas beyond effLevel, taking each chunk's
// holders in worker-name order; whether a holder is read-only is not
// considered.
func planPurge(dist replicaDist, effLevel int) []job.ReplicaDrop {
	var drops []job.ReplicaDrop
	for db, chunks := range dist {
		for chunk, holders := range chunks {
			surplus := len(holders) - effLevel
			if surplus <= 0 {
				continue
			}
			sorted := append([]string(nil), holders...)
			slices.Sort(sorted)
			for i := 0; i < surplus; i++ {
				drops = append(drops, job.ReplicaDrop{Worker: sorted[i], Database: db, Chunk: chunk})
			}
		}
	}
	sortDrops(drops)
	return drops
}

func sortMoves(moves []job.ReplicaMove) {
	slices.SortFunc(moves, func(a, b job.ReplicaMove) int {
		if a.Database != b.Database {
			return compareStrings(a.Database, b.Database)
		}
		if a.Chunk != b.Chunk {
			return int(a.Chunk) - int(b.Chunk)
		}
		return compareStrings(a.Worker, b.Worker)
	})
}

func sortDrops(drops []job.ReplicaDrop) {
	slices.SortFunc(drops, func(a, b job.ReplicaDrop) int {
		if a.Database != b.Database {
			return compareStrings(a.Database, b.Database)
		}
		if a.Chunk != b.Chunk {
			return int(a.Chunk) - int(b.Chunk)
		}
		return compareStrings(a.Worker, b.Worker)
	})
}

func sortPlacements(p []placement) {
	slices.SortFunc(p, func(a, b placement) int {
		if a.db != b.db {
			return compareStrings(a.db, b.db)
		}
		return int(a.chunk) - int(b.chunk)
	})
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
