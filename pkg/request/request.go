// Package request implements the controller-side half of a worker
// operation: a Request builds its wire message, hands it to the Messenger,
// and tracks the worker's reply through to a terminal state, polling
// STATUS in between when the worker reports the work as still in flight.
package request

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lsst-dm/qserv-replica-controller/pkg/log"
	"github.com/lsst-dm/qserv-replica-controller/pkg/messenger"
	"github.com/lsst-dm/qserv-replica-controller/pkg/metrics"
	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

// Sender is the subset of *messenger.Messenger a Request needs, narrowed so
// tests can supply a fake.
type Sender interface {
	Send(workerName, requestID string, reqType wire.RequestType, payload []byte, onFinish messenger.OnFinish) error
	Cancel(workerName, requestID string)
}

// OnFinish is invoked exactly once, when the request reaches a terminal
// status (SUCCESS, FAILED, CANCELLED).
type OnFinish func(req *Request)

// Request is the controller-side handle for one in-flight worker operation.
type Request struct {
	mu sync.Mutex

	ID       string
	Worker   string
	Type     wire.RequestType
	Priority int

	status         wire.ReqStatus
	extendedStatus wire.ExtendedStatus
	performance    wire.Performance
	response       *wire.Response

	// KeepTracking, when true, re-arms a STATUS poll after a non-terminal
	// worker reply instead of treating it as done.
	KeepTracking bool

	sender   Sender
	payload  []byte
	registry *Registry

	pollBackoff backoff.BackOff
	expiryTimer *time.Timer
	onFinish    OnFinish
	cancelOnce  sync.Once
	done        chan struct{}
}

// New constructs a Request bound to sender, not yet submitted.
func New(worker string, reqType wire.RequestType, id string, priority int, payload []byte, sender Sender, registry *Registry, onFinish OnFinish) *Request {
	return &Request{
		ID:       id,
		Worker:   worker,
		Type:     reqType,
		Priority: priority,
		status:   wire.StatusCreated,
		performance: wire.Performance{
			CreateTime: time.Now(),
		},
		sender:   sender,
		payload:  payload,
		registry: registry,
		onFinish: onFinish,
		done:     make(chan struct{}),
	}
}

func (r *Request) Status() wire.ReqStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Request) ExtendedStatus() wire.ExtendedStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.extendedStatus
}

func (r *Request) Response() *wire.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

func (r *Request) Performance() wire.Performance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.performance
}

// Submit dispatches the request to its worker and, when expiration > 0,
// arms the client-side expiration timer. The worker arms its own timer
// independently; both sides may expire concurrently.
func (r *Request) Submit(expiration time.Duration) error {
	r.mu.Lock()
	r.status = wire.StatusInProgress
	r.performance.StartTime = time.Now()
	r.mu.Unlock()

	if expiration > 0 {
		r.expiryTimer = time.AfterFunc(expiration, r.expire)
	}

	return r.sender.Send(r.Worker, r.ID, r.Type, r.payload, r.handleResponse)
}

func (r *Request) expire() {
	r.finish(wire.StatusFailed, wire.ExtTimeoutExpired, nil)
}

// handleResponse is the Messenger's OnFinish callback. A transport failure
// (success=false) is reported as CLIENT_ERROR; a worker response that is
// itself still non-terminal re-arms a STATUS poll when KeepTracking is set.
func (r *Request) handleResponse(id string, success bool, resp *wire.Response) {
	if !success {
		r.finish(wire.StatusFailed, wire.ExtClientError, nil)
		return
	}

	switch resp.Status {
	case wire.StatusSuccess, wire.StatusFailed, wire.StatusCancelled:
		r.finish(resp.Status, resp.ExtendedStatus, resp)
	default:
		r.mu.Lock()
		keepTracking := r.KeepTracking
		r.mu.Unlock()
		if keepTracking {
			r.armStatusPoll()
			return
		}
		r.finish(resp.Status, resp.ExtendedStatus, resp)
	}
}

// armStatusPoll schedules a STATUS re-send using a bounded exponential
// backoff, reusing the same request id so the worker's Processor finds the
// existing entry rather than treating it as a duplicate submission.
func (r *Request) armStatusPoll() {
	r.mu.Lock()
	if r.pollBackoff == nil {
		r.pollBackoff = backoff.NewExponentialBackOff()
	}
	b := r.pollBackoff
	r.mu.Unlock()

	next := b.NextBackOff()
	if next == backoff.Stop {
		r.finish(wire.StatusFailed, wire.ExtTimeoutExpired, nil)
		return
	}
	time.AfterFunc(next, func() {
		if err := r.sender.Send(r.Worker, r.ID, wire.Status, nil, r.handleResponse); err != nil {
			r.finish(wire.StatusFailed, wire.ExtClientError, nil)
		}
	})
}

// Cancel transitions CREATED straight to CANCELLED; any other non-terminal
// status sends a STOP to the worker and waits for its reply to carry the
// terminal transition.
func (r *Request) Cancel() {
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()

	if isTerminal(status) {
		return
	}
	if status == wire.StatusCreated {
		r.finish(wire.StatusCancelled, wire.ExtNone, nil)
		return
	}

	r.cancelOnce.Do(func() {
		r.sender.Cancel(r.Worker, r.ID)
		if err := r.sender.Send(r.Worker, r.ID, wire.Stop, nil, r.handleResponse); err != nil {
			r.finish(wire.StatusFailed, wire.ExtClientError, nil)
		}
	})
}

// Wait blocks until the request reaches a terminal state or ctx is done.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Request) finish(status wire.ReqStatus, extended wire.ExtendedStatus, resp *wire.Response) {
	r.mu.Lock()
	if isTerminal(r.status) {
		r.mu.Unlock()
		return
	}
	r.status = status
	r.extendedStatus = extended
	r.response = resp
	r.performance.FinishTime = time.Now()
	if r.expiryTimer != nil {
		r.expiryTimer.Stop()
	}
	r.mu.Unlock()

	close(r.done)
	if r.registry != nil {
		r.registry.unregister(r.ID)
	}

	metrics.RequestsTotal.WithLabelValues(string(r.Type), string(extended)).Inc()
	r.mu.Lock()
	elapsed := r.performance.FinishTime.Sub(r.performance.CreateTime)
	r.mu.Unlock()
	metrics.RequestDuration.WithLabelValues(string(r.Type)).Observe(elapsed.Seconds())

	if r.onFinish != nil {
		r.onFinish(r)
	}
	log.WithRequestID(r.ID).Info().Str("status", string(status)).Msg("request finished")
}

func isTerminal(s wire.ReqStatus) bool {
	switch s {
	case wire.StatusSuccess, wire.StatusFailed, wire.StatusCancelled:
		return true
	default:
		return false
	}
}
