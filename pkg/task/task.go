// Package task implements the supervised-loop primitive behind the
// controller's background work: a Task runs onStart, then repeatedly calls
// onRun with a fixed wait between iterations until stopped, then runs
// onStop. Cancellation propagates as the distinguished ErrStopped value.
package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lsst-dm/qserv-replica-controller/pkg/log"
	"github.com/lsst-dm/qserv-replica-controller/pkg/metrics"
)

// ErrStopped is returned by onRun/onStart/onStop to request a clean stop
// without it being logged as a failure.
var ErrStopped = errors.New("task: stopped")

// loopInterval is the wait between onRun iterations.
const loopInterval = time.Second

// Task wraps a named supervised loop.
type Task struct {
	Name string

	onStart func(ctx context.Context) error
	onRun   func(ctx context.Context) error
	onStop  func(ctx context.Context) error

	onTerminated func(t *Task, err error)

	running atomic.Bool
	stopReq atomic.Bool

	mu   sync.Mutex
	done chan struct{}
}

// New constructs a Task. onRun is required; onStart/onStop/onTerminated may
// be nil.
func New(name string, onStart, onRun, onStop func(ctx context.Context) error, onTerminated func(t *Task, err error)) *Task {
	return &Task{
		Name:         name,
		onStart:      onStart,
		onRun:        onRun,
		onStop:       onStop,
		onTerminated: onTerminated,
	}
}

// Start launches the supervised loop if it is not already running, and
// returns immediately. A second Start while running is a no-op.
func (t *Task) Start(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	t.stopReq.Store(false)

	t.mu.Lock()
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	metrics.TasksRunning.WithLabelValues(t.Name).Set(1)
	go t.loop(ctx, done)
}

func (t *Task) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer t.running.Store(false)
	defer metrics.TasksRunning.WithLabelValues(t.Name).Set(0)

	if t.onStart != nil {
		if err := t.onStart(ctx); err != nil {
			t.terminate(err)
			return
		}
	}

loop:
	for !t.stopRequested() {
		err := t.onRun(ctx)
		if err != nil {
			if errors.Is(err, ErrStopped) {
				break loop
			}
			// Abnormal termination: onStop is never called in this case;
			// the task simply stays down until restarted.
			t.terminate(err)
			return
		}
		if t.stopRequested() {
			break
		}
		select {
		case <-time.After(loopInterval):
		case <-ctx.Done():
			break loop
		}
	}

	if t.onStop != nil {
		if err := t.onStop(ctx); err != nil {
			t.terminate(err)
			return
		}
	}
}

func (t *Task) terminate(err error) {
	if errors.Is(err, ErrStopped) {
		return
	}
	log.WithTask(t.Name).Error().Err(err).Msg("terminated")
	if t.onTerminated != nil {
		t.onTerminated(t, err)
	}
}

func (t *Task) stopRequested() bool { return t.stopReq.Load() }

// Stop requests the loop exit cooperatively; it does not block.
func (t *Task) Stop() { t.stopReq.Store(true) }

// Running reports whether the loop is currently active.
func (t *Task) Running() bool { return t.running.Load() }

// StartAndWait starts the task, then polls every second until it is no
// longer running or abort returns true.
func (t *Task) StartAndWait(ctx context.Context, abort func(*Task) bool) {
	t.Start(ctx)
	for t.Running() {
		if abort != nil && abort(t) {
			return
		}
		time.Sleep(loopInterval)
	}
}
