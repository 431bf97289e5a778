package workerproc

import (
	"fmt"
	"sync"
	"time"

	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

// State is the WorkerProcessor's own lifecycle, independent of any single
// request's state.
type State string

const (
	Running  State = "RUNNING"
	Stopping State = "STOPPING"
	Stopped  State = "STOPPED"
)

// Processor owns the three request queues (new, inProgress, finished) and
// serializes access to them behind a single mutex, released before any
// blocking wait so it never stalls every worker thread for the wait's
// entire duration.
type Processor struct {
	mu sync.Mutex

	state State

	newQueue   *requestHeap
	inProgress map[string]*Request
	finished   []*Request

	cond *sync.Cond
}

// NewProcessor returns a processor in the RUNNING state.
func NewProcessor() *Processor {
	p := &Processor{
		state:      Running,
		newQueue:   newRequestHeap(),
		inProgress: make(map[string]*Request),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// EnqueueResult is one of the three admission outcomes: QUEUED/NONE,
// BAD/DUPLICATE (with the offending id), or BAD/INVALID_PARAM.
type EnqueueResult struct {
	Status         wire.ReqStatus
	ExtendedStatus wire.ExtendedStatus
	DuplicateOf    string
	Performance    wire.Performance
}

// Enqueue admits req unless a structural duplicate is already new or
// in-progress.
func (p *Processor) Enqueue(req *Request) EnqueueResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := req.DuplicateKey()
	if key != "" {
		if dup := p.newQueue.findDuplicate(key); dup != nil {
			return EnqueueResult{Status: wire.StatusBad, ExtendedStatus: wire.ExtDuplicate, DuplicateOf: dup.ID}
		}
		for _, ip := range p.inProgress {
			if ip.DuplicateKey() == key {
				return EnqueueResult{Status: wire.StatusBad, ExtendedStatus: wire.ExtDuplicate, DuplicateOf: ip.ID}
			}
		}
	}

	req.mu.Lock()
	req.status = wire.StatusQueued
	perf := req.performance
	req.mu.Unlock()

	p.newQueue.push(req)
	p.cond.Signal()
	return EnqueueResult{Status: wire.StatusQueued, ExtendedStatus: wire.ExtNone, Performance: perf}
}

// FetchNextForProcessing pops the highest-priority new request and moves it
// to in-progress. It blocks up to timeout for a request to arrive,
// releasing the processor lock between polls via sync.Cond.Wait, and
// returns (nil, false) on timeout.
func (p *Processor) FetchNextForProcessing(timeout time.Duration) (*Request, bool) {
	deadline := time.Now().Add(timeout)

	p.mu.Lock()
	defer p.mu.Unlock()

	for p.newQueue.Len() == 0 {
		if p.state != Running {
			return nil, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		waitWithTimeout(p.cond, remaining)
		if time.Now().After(deadline) {
			if p.newQueue.Len() == 0 {
				return nil, false
			}
		}
	}

	req := p.newQueue.pop()
	if err := req.start(); err != nil {
		// Already transitioned out from under us (e.g. cancelled while
		// queued); drop it from consideration rather than process it.
		p.finished = append(p.finished, req)
		return nil, false
	}
	p.inProgress[req.ID] = req
	return req, true
}

// waitWithTimeout wakes cond.Wait() after d even with no Signal, by racing
// a timer goroutine against the condvar.
func waitWithTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, cond.Signal)
	defer timer.Stop()
	cond.Wait()
}

// Execute runs req's injected work to completion. Call this after
// FetchNextForProcessing returns a request, off the processor lock.
func (p *Processor) Execute(req *Request) {
	req.execOnce()
}

// ProcessingFinished moves req from in-progress to finished.
func (p *Processor) ProcessingFinished(req *Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inProgress, req.ID)
	p.finished = append(p.finished, req)
}

// ProcessingRefused resets req to CREATED and pushes it back onto new,
// used when a worker thread cannot actually run it, e.g. at shutdown.
func (p *Processor) ProcessingRefused(req *Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inProgress, req.ID)
	req.requeue()
	p.newQueue.push(req)
	p.cond.Signal()
}

// DequeueOrCancel scans all three queues for id: if new, cancels and
// relocates it to finished; if in-progress, calls cancel (the worker thread
// completes the transition); if finished, returns it as-is.
func (p *Processor) DequeueOrCancel(id string) (*Request, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req := p.newQueue.find(id); req != nil {
		p.newQueue.remove(req)
		req.cancel()
		p.finished = append(p.finished, req)
		return req, nil
	}
	if req, ok := p.inProgress[id]; ok {
		req.cancel()
		return req, nil
	}
	for _, req := range p.finished {
		if req.ID == id {
			return req, nil
		}
	}
	return nil, fmt.Errorf("workerproc: unknown request id %s", id)
}

// CheckStatus reports a request's status from whichever queue holds it.
func (p *Processor) CheckStatus(id string) (*Request, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if req := p.newQueue.find(id); req != nil {
		return req, nil
	}
	if req, ok := p.inProgress[id]; ok {
		return req, nil
	}
	for _, req := range p.finished {
		if req.ID == id {
			return req, nil
		}
	}
	return nil, fmt.Errorf("workerproc: unknown request id %s", id)
}

// Drain dequeues every request currently in new or in-progress. The id
// snapshot is taken under lock; the dequeues themselves run lock-free
// per-id through DequeueOrCancel to avoid self-deadlock.
func (p *Processor) Drain() {
	p.mu.Lock()
	ids := p.newQueue.snapshotIDs()
	for id := range p.inProgress {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		_, _ = p.DequeueOrCancel(id)
	}
}

// Stop transitions RUNNING -> STOPPING -> STOPPED once every pending
// request has been accounted for, and wakes any blocked fetchers.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.state = Stopping
	p.mu.Unlock()

	p.Drain()

	p.mu.Lock()
	p.state = Stopped
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Start transitions STOPPED -> RUNNING.
func (p *Processor) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = Running
}

func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// serviceState maps the processor's RUNNING/STOPPING/STOPPED to the
// caller-visible RUNNING/SUSPEND_IN_PROGRESS/SUSPENDED.
func serviceState(s State) wire.ServiceState {
	switch s {
	case Stopping:
		return wire.ServiceSuspendInProgress
	case Stopped:
		return wire.ServiceSuspended
	default:
		return wire.ServiceRunning
	}
}

// SetServiceResponse fills the service-state and queue-size summary; with
// extended=true it also emits a per-request breakdown.
func (p *Processor) SetServiceResponse(extended bool) wire.ServiceStatusResponse {
	p.mu.Lock()
	defer p.mu.Unlock()

	resp := wire.ServiceStatusResponse{
		State:         serviceState(p.state),
		NumNew:        p.newQueue.Len(),
		NumInProgress: len(p.inProgress),
		NumFinished:   len(p.finished),
	}
	if !extended {
		return resp
	}

	addInfo := func(r *Request) {
		resp.Requests = append(resp.Requests, RequestInfo(r))
	}
	for _, r := range p.newQueue.items {
		addInfo(r)
	}
	for _, r := range p.inProgress {
		addInfo(r)
	}
	for _, r := range p.finished {
		addInfo(r)
	}
	return resp
}

// RequestInfo projects a Request into its wire representation.
func RequestInfo(r *Request) wire.RequestInfo {
	return wire.RequestInfo{
		ID:             r.ID,
		Type:           r.Type,
		Status:         r.Status(),
		ExtendedStatus: r.ExtendedStatus(),
		Priority:       r.Priority,
	}
}
