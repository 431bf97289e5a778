// Package job implements family-scoped compound operations: a Job fans out
// many controller-side requests, waits for all of them to reach a terminal
// state, and reduces their outcomes into its own extended state.
package job

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lsst-dm/qserv-replica-controller/pkg/log"
	"github.com/lsst-dm/qserv-replica-controller/pkg/metrics"
	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

// State is the Job's own lifecycle, independent of its children's.
type State string

const (
	Created    State = "CREATED"
	InProgress State = "IN_PROGRESS"
	Finished   State = "FINISHED"
)

// ExtendedState refines a FINISHED Job, mirroring the request-level
// extended status vocabulary.
type ExtendedState string

const (
	Success        ExtendedState = "SUCCESS"
	PartialFailure ExtendedState = "PARTIAL_FAILURE"
	Failed         ExtendedState = "FAILED"
	Cancelled      ExtendedState = "CANCELLED"
)

// Child is one unit of work a Job fans out, abstracted behind Run/Cancel so
// a Job never depends on the concrete *request.Request type.
type Child struct {
	// Name identifies this child in the Job's result breakdown (typically
	// "worker/chunk" or similar).
	Name string
	// Run performs the child operation and blocks until it reaches a
	// terminal state, returning the worker's extended status.
	Run func(ctx context.Context) (wire.ExtendedStatus, error)
	// Cancel best-effort cancels an in-flight child.
	Cancel func()
	// Fatal marks a dependency invariant: if this child fails, the whole
	// Job is FAILED regardless of how the rest of its siblings finish.
	Fatal bool
}

// ChildResult records one child's outcome.
type ChildResult struct {
	Name           string
	ExtendedStatus wire.ExtendedStatus
	Err            error
}

// Job runs a fixed set of Children concurrently and reduces their outcomes.
type Job struct {
	Type   string
	Family string

	children []Child

	mu       sync.Mutex
	state    State
	extended ExtendedState
	results  []ChildResult

	cancel  context.CancelFunc
	onFinish func(j *Job)
}

// New constructs a Job over children, not yet started.
func New(jobType, family string, children []Child, onFinish func(j *Job)) *Job {
	return &Job{
		Type:     jobType,
		Family:   family,
		children: children,
		state:    Created,
		onFinish: onFinish,
	}
}

// Start fans out every child and blocks until all have finished, then
// computes the Job's extended state and invokes onFinish.
func (j *Job) Start(ctx context.Context) ExtendedState {
	j.mu.Lock()
	j.state = InProgress
	j.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()
	defer cancel()

	timer := metrics.NewTimer()

	g, gctx := errgroup.WithContext(ctx)
	results := make([]ChildResult, len(j.children))
	for i, child := range j.children {
		i, child := i, child
		g.Go(func() error {
			ext, err := child.Run(gctx)
			results[i] = ChildResult{Name: child.Name, ExtendedStatus: ext, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	extended := j.reduce(results)

	j.mu.Lock()
	j.state = Finished
	j.extended = extended
	j.results = results
	j.mu.Unlock()

	timer.ObserveDuration(metrics.JobDuration, j.Type)
	metrics.JobsTotal.WithLabelValues(j.Type, string(extended)).Inc()
	log.WithComponent("job").Info().Str("type", j.Type).Str("family", j.Family).Str("extended_state", string(extended)).Msg("job finished")

	if j.onFinish != nil {
		j.onFinish(j)
	}
	return extended
}

func (j *Job) reduce(results []ChildResult) ExtendedState {
	anyFailed := false
	anyFatalFailed := false
	anyCancelled := false
	for i, r := range results {
		if r.Err != nil || r.ExtendedStatus == wire.ExtServerError || r.ExtendedStatus == wire.ExtClientError {
			anyFailed = true
			if j.children[i].Fatal {
				anyFatalFailed = true
			}
		}
		if r.ExtendedStatus == wire.ExtTimeoutExpired {
			anyCancelled = true
		}
	}
	switch {
	case anyFatalFailed:
		return Failed
	case anyFailed:
		return PartialFailure
	case anyCancelled:
		return PartialFailure
	default:
		return Success
	}
}

// Cancel cancels every outstanding child.
func (j *Job) Cancel() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	for _, c := range j.children {
		if c.Cancel != nil {
			c.Cancel()
		}
	}
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) ExtendedState() ExtendedState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.extended
}

// Results returns each child's terminal outcome; empty until FINISHED.
func (j *Job) Results() []ChildResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]ChildResult, len(j.results))
	copy(out, j.results)
	return out
}

// Deadline is a convenience for jobs that bound every child to a single
// per-attempt timeout (e.g. ClusterHealthJob's worker probes).
func Deadline(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}
