// Package workerproc implements the worker-side request state machine and
// processor: a priority queue of incoming requests, a pool of worker
// threads that drain it, and the CREATED/IN_PROGRESS/.../CANCELLED
// lifecycle each request goes through.
package workerproc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

// ErrCancelled is the distinguished signal execute() raises when a request
// was asked to cancel while IN_PROGRESS; the processor treats it as a clean
// transition to CANCELLED, not a failure.
var ErrCancelled = errors.New("workerproc: request cancelled")

// ErrInvalidTransition reports an operation attempted against a request
// already in a terminal or incompatible state.
var ErrInvalidTransition = errors.New("workerproc: invalid state transition")

// ExecuteFunc performs the type-specific work for one request. It is
// called synchronously from a worker thread; the concrete chunk/file/SQL
// operations it wraps are supplied by the embedding worker process, not
// implemented here.
type ExecuteFunc func() (*wire.Response, error)

// DuplicateKey returns the key used for the duplicate-rejection scan in
// Enqueue, or "" if requests of this type are never considered duplicates
// of one another (ECHO, SQL). FIND keys on {database, chunk, computeCs}:
// two probes of the same chunk that differ only in whether a checksum is
// computed are distinct requests.
func DuplicateKey(reqType wire.RequestType, database string, chunk uint32, computeCs bool) string {
	switch reqType {
	case wire.Replicate, wire.Delete:
		return fmt.Sprintf("%s/%s/%d", reqType, database, chunk)
	case wire.Find:
		return fmt.Sprintf("%s/%s/%d/%t", reqType, database, chunk, computeCs)
	case wire.FindAll:
		return fmt.Sprintf("%s/%s", reqType, database)
	default:
		return ""
	}
}

// Request is one worker-side unit of work with its own lifecycle state
// machine.
type Request struct {
	mu sync.Mutex

	Worker   string
	Type     wire.RequestType
	ID       string
	Priority int
	Database string
	Chunk    uint32

	// ComputeCheckSum carries FIND's checksum flag; it participates in the
	// duplicate key so checksummed and plain probes of a chunk coexist.
	ComputeCheckSum bool

	status         wire.ReqStatus
	extendedStatus wire.ExtendedStatus
	performance    wire.Performance
	response       *wire.Response

	onExpired      func(id string)
	expirationIval time.Duration
	expiryTimer    *time.Timer

	execute ExecuteFunc

	// heapIndex is maintained by the priority queue; do not set directly.
	heapIndex int
}

// NewRequest constructs a request in the CREATED state. computeCs is only
// meaningful for FIND requests and is ignored by every other type.
func NewRequest(worker string, reqType wire.RequestType, id string, priority int, database string, chunk uint32, computeCs bool, execute ExecuteFunc) *Request {
	return &Request{
		Worker:          worker,
		Type:            reqType,
		ID:              id,
		Priority:        priority,
		Database:        database,
		Chunk:           chunk,
		ComputeCheckSum: computeCs,
		status:          wire.StatusCreated,
		performance:     wire.Performance{CreateTime: time.Now()},
		execute:         execute,
		heapIndex:       -1,
	}
}

// DuplicateKey is this request's own key for the Enqueue duplicate scan.
func (r *Request) DuplicateKey() string {
	return DuplicateKey(r.Type, r.Database, r.Chunk, r.ComputeCheckSum)
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

func (r *Request) Performance() wire.Performance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.performance
}

func (r *Request) Response() *wire.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.response
}

// Init arms the expiration timer. An interval of 0 disables expiration.
func (r *Request) Init(expirationIval time.Duration, onExpired func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpired = onExpired
	r.expirationIval = expirationIval
	if expirationIval > 0 {
		r.expiryTimer = time.AfterFunc(expirationIval, func() {
			if r.onExpired != nil {
				r.onExpired(r.ID)
			}
		})
	}
}

func (r *Request) stopTimer() {
	if r.expiryTimer != nil {
		r.expiryTimer.Stop()
	}
}

// start transitions CREATED or QUEUED -> IN_PROGRESS.
func (r *Request) start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != wire.StatusCreated && r.status != wire.StatusQueued {
		return fmt.Errorf("%w: start on %s", ErrInvalidTransition, r.status)
	}
	r.status = wire.StatusInProgress
	r.performance.StartTime = time.Now()
	return nil
}

// execOnce runs the injected ExecuteFunc once and applies its outcome to
// the state machine. It returns true once the request has reached a
// terminal status (SUCCESS, FAILED, or CANCELLED).
func (r *Request) execOnce() bool {
	r.mu.Lock()
	status := r.status
	r.mu.Unlock()

	if status == wire.StatusIsCancelling {
		r.mu.Lock()
		r.status = wire.StatusCancelled
		r.performance.FinishTime = time.Now()
		r.mu.Unlock()
		r.stopTimer()
		return true
	}
	if status != wire.StatusInProgress {
		return true
	}

	resp, err := r.execute()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == wire.StatusIsCancelling {
		r.status = wire.StatusCancelled
		r.performance.FinishTime = time.Now()
		r.stopTimer()
		return true
	}
	r.performance.FinishTime = time.Now()
	r.stopTimer()
	if errors.Is(err, ErrCancelled) {
		r.status = wire.StatusCancelled
		return true
	}
	if err != nil {
		r.status = wire.StatusFailed
		r.extendedStatus = wire.ExtServerError
		return true
	}
	r.status = wire.StatusSuccess
	r.extendedStatus = wire.ExtNone
	r.response = resp
	return true
}

// cancel transitions CREATED or QUEUED -> CANCELLED directly, or IN_PROGRESS ->
// IS_CANCELLING (the in-flight execOnce call completes the transition to
// CANCELLED).
func (r *Request) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case wire.StatusCreated, wire.StatusQueued:
		r.status = wire.StatusCancelled
		r.performance.FinishTime = time.Now()
		r.stopTimer()
	case wire.StatusInProgress:
		r.status = wire.StatusIsCancelling
	}
}

// requeue resets an in-flight request back to CREATED so the processor can
// push it onto the new queue again.
func (r *Request) requeue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = wire.StatusCreated
	r.performance.StartTime = time.Time{}
	r.extendedStatus = ""
	r.response = nil
}
