package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-replica-controller/pkg/job"
	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

func TestLaunchAndTrackRunsOneJobPerFamily(t *testing.T) {
	issuer := newFakeIssuer()
	families := []string{"f1", "f2"}

	jobs, err := LaunchAndTrack(context.Background(), families, func(family string) *job.Job {
		return job.NewClusterHealthJob(issuer, family, []string{"worker01"}, time.Second, nil)
	}, func() bool { return false })

	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, job.Finished, j.State())
	}
}

func TestTrackStopsEarlyWhenStopRequested(t *testing.T) {
	release := make(chan struct{})
	j := job.New("SLOW", "f1", []job.Child{
		{Name: "w1", Run: func(ctx context.Context) (wire.ExtendedStatus, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return wire.ExtTimeoutExpired, ctx.Err()
		}},
	}, nil)

	stopped := false
	stopRequested := func() bool { return stopped }

	done := make(chan error, 1)
	go func() { done <- Track(context.Background(), []*job.Job{j}, stopRequested) }()

	// Give Track a moment to enter its polling loop before requesting stop.
	time.Sleep(10 * time.Millisecond)
	stopped = true

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(3 * time.Second):
		t.Fatal("Track did not honor stopRequested")
	}
	close(release)
}
