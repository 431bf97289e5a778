// Package controller implements the Controller façade: it owns the request
// registry, an I/O goroutine pool, the Messenger, and the typed
// request-factory methods every Task and Job composes its work from.
package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lsst-dm/qserv-replica-controller/pkg/config"
	"github.com/lsst-dm/qserv-replica-controller/pkg/log"
	"github.com/lsst-dm/qserv-replica-controller/pkg/registryclient"
	"github.com/lsst-dm/qserv-replica-controller/pkg/request"
	"github.com/lsst-dm/qserv-replica-controller/pkg/storage"
	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

// ErrUnknownWorker is returned by a request factory when the worker name is
// not present in the Configuration's worker registry.
var ErrUnknownWorker = errors.New("controller: unknown worker")

// ErrUnknownDatabase is returned by a request factory when the database
// name does not resolve against any configured family.
var ErrUnknownDatabase = errors.New("controller: unknown database")

// ErrUnknownRequest is returned by StopReplication/StatusOfReplication when
// the request id no longer appears in the registry (already FINISHED, or
// never existed).
var ErrUnknownRequest = errors.New("controller: unknown request id")

// Identity uniquely names one Controller process instance.
type Identity struct {
	ID          string
	Host        string
	PID         int
	StartTimeMS int64
}

// NewIdentity mints a fresh Identity for a process starting on host.
func NewIdentity(host string) Identity {
	return Identity{
		ID:          uuid.NewString(),
		Host:        host,
		PID:         os.Getpid(),
		StartTimeMS: time.Now().UnixMilli(),
	}
}

// Sender is the transport surface a Controller needs from a Messenger; it
// is satisfied by *messenger.Messenger and by fakes in tests.
type Sender interface {
	request.Sender
	Stop()
}

// Controller owns the request registry and the request-factory methods. It
// holds no transport knowledge of its own beyond Sender, and no topology
// knowledge beyond Config.
type Controller struct {
	Identity Identity

	cfg       config.Config
	msgr      Sender
	reg       *request.Registry
	db        *storage.DatabaseServices
	regClient *registryclient.Client

	ioJobs chan func()
	ioWG   sync.WaitGroup

	livenessStop chan struct{}
	livenessDone chan struct{}
}

// New constructs a Controller, persists its identity via db, and starts its
// I/O thread pool (size controller/num-threads). regClient may be nil, in
// which case the Liveness Tracker is not started.
func New(cfg config.Config, msgr Sender, db *storage.DatabaseServices, regClient *registryclient.Client, host string) (*Controller, error) {
	id := NewIdentity(host)
	if err := db.SaveIdentity(storage.Identity{ID: id.ID, Host: id.Host, StartTime: time.UnixMilli(id.StartTimeMS)}); err != nil {
		return nil, fmt.Errorf("controller: persist identity: %w", err)
	}

	numThreads, err := cfg.GetUint("controller", "num-threads")
	if err != nil || numThreads == 0 {
		numThreads = 4
	}

	c := &Controller{
		Identity:  id,
		cfg:       cfg,
		msgr:      msgr,
		reg:       request.NewRegistry(),
		db:        db,
		regClient: regClient,
		ioJobs:    make(chan func(), 1024),
	}

	for i := uint64(0); i < numThreads; i++ {
		c.ioWG.Add(1)
		go c.ioWorker()
	}

	if regClient != nil {
		c.startLivenessTracker()
	}

	log.WithComponent("controller").Info().Str("id", id.ID).Str("host", host).Msg("controller started")
	return c, nil
}

func (c *Controller) ioWorker() {
	defer c.ioWG.Done()
	for fn := range c.ioJobs {
		fn()
	}
}

// Post schedules fn to run on the Controller's I/O thread pool. Background
// threads use this to notify the rest of the system off their own stacks.
func (c *Controller) Post(fn func()) {
	c.ioJobs <- fn
}

// Config returns the Configuration instance this Controller was built on.
func (c *Controller) Config() config.Config { return c.cfg }

// Registry returns the live request registry. Only CREATED/IN_PROGRESS
// requests are ever observable through it; a finished request unregisters
// itself before its callback runs.
func (c *Controller) Registry() *request.Registry { return c.reg }

// Stop drains the Messenger, stops the Liveness Tracker, and shuts down the
// I/O pool. It does not close db; the caller owns that lifetime.
func (c *Controller) Stop() {
	c.msgr.Stop()
	if c.livenessStop != nil {
		close(c.livenessStop)
		<-c.livenessDone
	}
	close(c.ioJobs)
	c.ioWG.Wait()
}

func (c *Controller) requestTimeout() time.Duration {
	sec, err := c.cfg.GetUint("controller", "request-timeout-sec")
	if err != nil || sec == 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}

func (c *Controller) workerKnown(name string) bool {
	for _, w := range c.cfg.AllWorkers() {
		if w.Name == name {
			return true
		}
	}
	return false
}

func (c *Controller) databaseKnown(name string) bool {
	for _, f := range c.cfg.DatabaseFamilies() {
		for _, db := range c.cfg.DatabasesForFamily(f.Name) {
			if db.Name == name {
				return true
			}
		}
	}
	return false
}

// newRequest validates worker against Configuration, mints a fresh id,
// registers the Request, and submits it — the common preamble every
// factory method shares.
func (c *Controller) newRequest(worker string, reqType wire.RequestType, payload []byte, keepTracking bool, onFinish request.OnFinish) (*request.Request, error) {
	if !c.workerKnown(worker) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, worker)
	}
	id := uuid.NewString()
	req := request.New(worker, reqType, id, 0, payload, c.msgr, c.reg, onFinish)
	req.KeepTracking = keepTracking
	c.reg.Register(req)
	if err := req.Submit(c.requestTimeout()); err != nil {
		return nil, fmt.Errorf("controller: submit %s to %s: %w", reqType, worker, err)
	}
	return req, nil
}

// Replicate asks worker to pull chunk of database from sourceWorker.
func (c *Controller) Replicate(worker, database string, chunk uint32, sourceWorker string) (*request.Request, error) {
	if !c.databaseKnown(database) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDatabase, database)
	}
	payload, err := json.Marshal(wire.ReplicateRequest{Database: database, Chunk: chunk, SourceWorker: sourceWorker})
	if err != nil {
		return nil, err
	}
	return c.newRequest(worker, wire.Replicate, payload, true, nil)
}

// DeleteReplica asks worker to drop its local replica of chunk.
func (c *Controller) DeleteReplica(worker, database string, chunk uint32) (*request.Request, error) {
	if !c.databaseKnown(database) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDatabase, database)
	}
	payload, err := json.Marshal(wire.DeleteRequest{Database: database, Chunk: chunk})
	if err != nil {
		return nil, err
	}
	return c.newRequest(worker, wire.Delete, payload, true, nil)
}

// FindReplica asks worker to report on one chunk replica, optionally
// computing its checksum.
func (c *Controller) FindReplica(worker, database string, chunk uint32, computeChecksum bool) (*request.Request, error) {
	if !c.databaseKnown(database) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDatabase, database)
	}
	payload, err := json.Marshal(wire.FindRequest{Database: database, Chunk: chunk, ComputeCheckSum: computeChecksum})
	if err != nil {
		return nil, err
	}
	return c.newRequest(worker, wire.Find, payload, false, nil)
}

// FindAllReplicas asks worker to enumerate every replica it holds for
// database (or every database, when database is empty).
func (c *Controller) FindAllReplicas(worker, database string) (*request.Request, error) {
	if database != "" && !c.databaseKnown(database) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDatabase, database)
	}
	payload, err := json.Marshal(wire.FindAllRequest{Database: database})
	if err != nil {
		return nil, err
	}
	return c.newRequest(worker, wire.FindAll, payload, false, nil)
}

// Echo is a liveness/round-trip probe against worker.
func (c *Controller) Echo(worker, data string) (*request.Request, error) {
	payload, err := json.Marshal(wire.EchoRequest{Data: data})
	if err != nil {
		return nil, err
	}
	return c.newRequest(worker, wire.Echo, payload, false, nil)
}

// SQL asks worker to run query against its local chunk database.
func (c *Controller) SQL(worker, query string, maxRows uint32) (*request.Request, error) {
	payload, err := json.Marshal(wire.SQLRequest{Query: query, MaxRows: maxRows})
	if err != nil {
		return nil, err
	}
	return c.newRequest(worker, wire.SQL, payload, false, nil)
}

// StopReplication cancels the still-tracked request requestID.
func (c *Controller) StopReplication(requestID string) error {
	req := c.reg.Get(requestID)
	if req == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	req.Cancel()
	return nil
}

// StatusOfReplication returns the still-tracked request requestID, so a
// caller can read its current status/extended status.
func (c *Controller) StatusOfReplication(requestID string) (*request.Request, error) {
	req := c.reg.Get(requestID)
	if req == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return req, nil
}

// SuspendWorkerService asks worker's Processor to stop accepting new work.
func (c *Controller) SuspendWorkerService(worker string) (*request.Request, error) {
	return c.newRequest(worker, wire.ServiceSuspend, nil, false, nil)
}

// ResumeWorkerService asks worker's Processor to resume accepting new work.
func (c *Controller) ResumeWorkerService(worker string) (*request.Request, error) {
	return c.newRequest(worker, wire.ServiceResume, nil, false, nil)
}

// StatusOfWorkerService asks worker for its Processor's current service
// state and queue sizes.
func (c *Controller) StatusOfWorkerService(worker string) (*request.Request, error) {
	return c.newRequest(worker, wire.ServiceStatus, nil, false, nil)
}

// RequestsOfWorkerService asks worker for the extended per-request
// breakdown of its Processor's queues.
func (c *Controller) RequestsOfWorkerService(worker string) (*request.Request, error) {
	return c.newRequest(worker, wire.ServiceReqs, nil, false, nil)
}

// DrainWorkerService asks worker to cancel everything in its new and
// in-progress queues.
func (c *Controller) DrainWorkerService(worker string) (*request.Request, error) {
	return c.newRequest(worker, wire.ServiceDrain, nil, false, nil)
}

// RequestsOfType returns every currently-registered request of reqType.
func (c *Controller) RequestsOfType(reqType wire.RequestType) []*request.Request {
	out := make([]*request.Request, 0)
	for _, r := range c.reg.Snapshot() {
		if r.Type == reqType {
			out = append(out, r)
		}
	}
	return out
}

// NumRequestsOfType counts RequestsOfType(reqType) without allocating the
// slice.
func (c *Controller) NumRequestsOfType(reqType wire.RequestType) int {
	n := 0
	for _, r := range c.reg.Snapshot() {
		if r.Type == reqType {
			n++
		}
	}
	return n
}
