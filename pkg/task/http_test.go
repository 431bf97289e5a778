package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-replica-controller/pkg/config"
	"github.com/lsst-dm/qserv-replica-controller/pkg/request"
	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

const httpTestDocument = `{
  "params": {},
  "workers": [{"name": "worker01", "is_enabled": true}],
  "database_families": [],
  "databases": [],
  "tables": []
}`

// fakeHTTPController is a scriptable httpController for router-level tests.
type fakeHTTPController struct {
	cfg config.Config
	reg map[string]*request.Request
}

func newFakeHTTPController(t *testing.T) *fakeHTTPController {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "qserv.json")
	require.NoError(t, os.WriteFile(path, []byte(httpTestDocument), 0o644))
	cfg, err := config.NewJSONConfig(path)
	require.NoError(t, err)
	return &fakeHTTPController{cfg: cfg, reg: make(map[string]*request.Request)}
}

func successResponder(worker string, reqType wire.RequestType) (*wire.Response, bool) {
	return &wire.Response{Status: wire.StatusSuccess, ExtendedStatus: wire.ExtNone}, true
}

func (f *fakeHTTPController) Config() config.Config { return f.cfg }

func (f *fakeHTTPController) Replicate(worker, database string, chunk uint32, sourceWorker string) (*request.Request, error) {
	req, err := newFinishedRequest(worker, wire.Replicate, successResponder)
	if err != nil {
		return nil, err
	}
	f.reg[req.ID] = req
	return req, nil
}

func (f *fakeHTTPController) DeleteReplica(worker, database string, chunk uint32) (*request.Request, error) {
	req, err := newFinishedRequest(worker, wire.Delete, successResponder)
	if err != nil {
		return nil, err
	}
	f.reg[req.ID] = req
	return req, nil
}

func (f *fakeHTTPController) FindReplica(worker, database string, chunk uint32, computeChecksum bool) (*request.Request, error) {
	req, err := newFinishedRequest(worker, wire.Find, successResponder)
	if err != nil {
		return nil, err
	}
	f.reg[req.ID] = req
	return req, nil
}

func (f *fakeHTTPController) FindAllReplicas(worker, database string) (*request.Request, error) {
	req, err := newFinishedRequest(worker, wire.FindAll, successResponder)
	if err != nil {
		return nil, err
	}
	f.reg[req.ID] = req
	return req, nil
}

func (f *fakeHTTPController) StopReplication(requestID string) error {
	if _, ok := f.reg[requestID]; !ok {
		return fmt.Errorf("unknown request: %s", requestID)
	}
	delete(f.reg, requestID)
	return nil
}

func (f *fakeHTTPController) StatusOfReplication(requestID string) (*request.Request, error) {
	req, ok := f.reg[requestID]
	if !ok {
		return nil, fmt.Errorf("unknown request: %s", requestID)
	}
	return req, nil
}

func (f *fakeHTTPController) RequestsOfType(reqType wire.RequestType) []*request.Request {
	var out []*request.Request
	for _, r := range f.reg {
		if r.Type == reqType {
			out = append(out, r)
		}
	}
	return out
}

func TestHTTPTaskListsAndGetsWorker(t *testing.T) {
	h := NewHTTPTask(newFakeHTTPController(t), nil)
	router := h.router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/replication/v1/worker/worker01", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	assert.Equal(t, 1, env.Success)
}

func TestHTTPTaskGetUnknownWorkerIs404(t *testing.T) {
	h := NewHTTPTask(newFakeHTTPController(t), nil)
	router := h.router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/replication/v1/worker/ghost", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHTTPTaskReplicateThenStatusThenStop(t *testing.T) {
	h := NewHTTPTask(newFakeHTTPController(t), nil)
	router := h.router()

	body, _ := json.Marshal(replicaRequestBody{Worker: "worker01", Database: "db1", Chunk: 7, SourceWorker: "worker02"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/replication/v1/replicate", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rr.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	data := env.Data.(map[string]any)
	id := data["request_id"].(string)
	require.NotEmpty(t, id)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/replication/v1/request/"+id, nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/replication/v1/request/"+id, nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/replication/v1/request/"+id, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHTTPTaskMetricsEndpointIsServed(t *testing.T) {
	h := NewHTTPTask(newFakeHTTPController(t), nil)
	router := h.router()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}
