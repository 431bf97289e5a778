package task

import (
	"sync"

	"github.com/lsst-dm/qserv-replica-controller/pkg/job"
	"github.com/lsst-dm/qserv-replica-controller/pkg/messenger"
	"github.com/lsst-dm/qserv-replica-controller/pkg/request"
	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

// syncSender finishes every request synchronously via onFinish, built
// fresh per call so concurrent fakeIssuer methods never share state.
type syncSender struct {
	respond func(worker string, reqType wire.RequestType) (*wire.Response, bool)
}

func (s *syncSender) Send(workerName, requestID string, reqType wire.RequestType, payload []byte, onFinish messenger.OnFinish) error {
	resp, success := s.respond(workerName, reqType)
	onFinish(requestID, success, resp)
	return nil
}

func (s *syncSender) Cancel(workerName, requestID string) {}

func newFinishedRequest(worker string, reqType wire.RequestType, respond func(worker string, reqType wire.RequestType) (*wire.Response, bool)) (*request.Request, error) {
	sender := &syncSender{respond: respond}
	req := request.New(worker, reqType, worker+"-"+string(reqType), 0, nil, sender, nil, nil)
	if err := req.Submit(0); err != nil {
		return nil, err
	}
	return req, nil
}

// fakeIssuer is a scriptable job.Issuer for task-package tests: FindAll
// answers from a fixed per-database, per-worker chunk table; Replicate and
// DeleteReplica mutate that table so a later FindAll reflects the move.
type fakeIssuer struct {
	mu sync.Mutex

	// placement[database][worker] is the set of chunks worker holds for
	// database.
	placement   map[string]map[string]map[uint32]bool
	unreachable map[string]bool

	replicated []job.ReplicaMove
	deleted    []job.ReplicaDrop
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{placement: make(map[string]map[string]map[uint32]bool)}
}

func (f *fakeIssuer) place(database, worker string, chunks ...uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placement[database] == nil {
		f.placement[database] = make(map[string]map[uint32]bool)
	}
	if f.placement[database][worker] == nil {
		f.placement[database][worker] = make(map[uint32]bool)
	}
	for _, c := range chunks {
		f.placement[database][worker][c] = true
	}
}

func (f *fakeIssuer) Echo(worker, data string) (*request.Request, error) {
	f.mu.Lock()
	down := f.unreachable[worker]
	f.mu.Unlock()
	return newFinishedRequest(worker, wire.Echo, func(w string, rt wire.RequestType) (*wire.Response, bool) {
		if down {
			return nil, false
		}
		return &wire.Response{Status: wire.StatusSuccess, ExtendedStatus: wire.ExtNone}, true
	})
}

func (f *fakeIssuer) FindAllReplicas(worker, database string) (*request.Request, error) {
	f.mu.Lock()
	var infos []wire.ReplicaInfo
	for chunk := range f.placement[database][worker] {
		infos = append(infos, wire.ReplicaInfo{Database: database, Chunk: chunk, Worker: worker})
	}
	f.mu.Unlock()
	return newFinishedRequest(worker, wire.FindAll, func(w string, rt wire.RequestType) (*wire.Response, bool) {
		return &wire.Response{Status: wire.StatusSuccess, ExtendedStatus: wire.ExtNone, Replicas: infos}, true
	})
}

func (f *fakeIssuer) Replicate(worker, database string, chunk uint32, sourceWorker string) (*request.Request, error) {
	f.mu.Lock()
	f.replicated = append(f.replicated, job.ReplicaMove{Worker: worker, Database: database, Chunk: chunk, SourceWorker: sourceWorker})
	f.mu.Unlock()
	f.place(database, worker, chunk)
	return newFinishedRequest(worker, wire.Replicate, func(w string, rt wire.RequestType) (*wire.Response, bool) {
		return &wire.Response{Status: wire.StatusSuccess, ExtendedStatus: wire.ExtNone}, true
	})
}

func (f *fakeIssuer) DeleteReplica(worker, database string, chunk uint32) (*request.Request, error) {
	f.mu.Lock()
	f.deleted = append(f.deleted, job.ReplicaDrop{Worker: worker, Database: database, Chunk: chunk})
	if f.placement[database] != nil && f.placement[database][worker] != nil {
		delete(f.placement[database][worker], chunk)
	}
	f.mu.Unlock()
	return newFinishedRequest(worker, wire.Delete, func(w string, rt wire.RequestType) (*wire.Response, bool) {
		return &wire.Response{Status: wire.StatusSuccess, ExtendedStatus: wire.ExtNone}, true
	})
}
