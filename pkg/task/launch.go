package task

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lsst-dm/qserv-replica-controller/pkg/job"
)

// Launch builds one Job per family via newJob.
func Launch(families []string, newJob func(family string) *job.Job) []*job.Job {
	jobs := make([]*job.Job, len(families))
	for i, f := range families {
		jobs[i] = newJob(f)
	}
	return jobs
}

// Track runs every job concurrently and blocks until all finish, polling
// once a second so stopRequested can interrupt the wait: when it fires,
// every still-running job is cancelled and Track returns ErrStopped.
func Track(ctx context.Context, jobs []*job.Job, stopRequested func() bool) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			j.Start(gctx)
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if stopRequested != nil && stopRequested() {
				for _, j := range jobs {
					j.Cancel()
				}
				<-done
				return ErrStopped
			}
		}
	}
}

// LaunchAndTrack composes Launch and Track: one Job per family, run to
// completion or interrupted by stopRequested.
func LaunchAndTrack(ctx context.Context, families []string, newJob func(family string) *job.Job, stopRequested func() bool) ([]*job.Job, error) {
	jobs := Launch(families, newJob)
	err := Track(ctx, jobs, stopRequested)
	return jobs, err
}

// Sync launches one QservSyncJob per family, which issues FIND_ALL to every
// worker for each of the family's databases; no replica set is sent.
func Sync(ctx context.Context, issuer job.Issuer, families []string, workersOf, databasesOf func(family string) []string, stopRequested func() bool) error {
	_, err := LaunchAndTrack(ctx, families, func(family string) *job.Job {
		return job.NewQservSyncJob(issuer, family, workersOf(family), databasesOf(family), nil)
	}, stopRequested)
	return err
}
