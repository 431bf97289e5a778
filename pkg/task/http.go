package task

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lsst-dm/qserv-replica-controller/pkg/clustertypes"
	"github.com/lsst-dm/qserv-replica-controller/pkg/config"
	"github.com/lsst-dm/qserv-replica-controller/pkg/log"
	"github.com/lsst-dm/qserv-replica-controller/pkg/request"
	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

// httpController is the narrow slice of *controller.Controller the REST
// front-end needs, named the same way job.Issuer narrows Controller for
// Jobs — HTTPTask never depends on the concrete type.
type httpController interface {
	Config() config.Config
	Replicate(worker, database string, chunk uint32, sourceWorker string) (*request.Request, error)
	DeleteReplica(worker, database string, chunk uint32) (*request.Request, error)
	FindReplica(worker, database string, chunk uint32, computeChecksum bool) (*request.Request, error)
	FindAllReplicas(worker, database string) (*request.Request, error)
	StopReplication(requestID string) error
	StatusOfReplication(requestID string) (*request.Request, error)
	RequestsOfType(reqType wire.RequestType) []*request.Request
}

// HTTPTask is the Controller REST front-end, exposing `/replication/v1/...`
// CRUD/trigger endpoints plus `/metrics`, with its lifecycle managed as a
// Task.
type HTTPTask struct {
	*Task

	ctrl httpController
	cfg  config.Config
	srv  *http.Server
}

// NewHTTPTask builds the task; it listens on http/port (default 25080) once
// started.
func NewHTTPTask(ctrl httpController, cfg config.Config) *HTTPTask {
	h := &HTTPTask{ctrl: ctrl, cfg: cfg}
	h.Task = New("http", h.onStart, h.onRun, h.onStop, nil)
	return h
}

func (h *HTTPTask) onStart(ctx context.Context) error {
	port, err := h.cfg.GetUint("http", "port")
	if err != nil || port == 0 {
		port = 25080
	}
	h.srv = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: h.router()}

	logger := log.WithTask(h.Name)
	go func() {
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server exited")
		}
	}()
	return nil
}

func (h *HTTPTask) onRun(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrStopped
	case <-time.After(time.Second):
		return nil
	}
}

func (h *HTTPTask) onStop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.srv.Shutdown(shutdownCtx)
}

func (h *HTTPTask) router() *chi.Mux {
	r := chi.NewRouter()
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/replication/v1", func(r chi.Router) {
		r.Get("/worker", h.listWorkers)
		r.Post("/worker", h.addWorker)
		r.Get("/worker/{name}", h.getWorker)
		r.Delete("/worker/{name}", h.deleteWorker)

		r.Post("/replicate", h.postReplicate)
		r.Post("/delete", h.postDelete)
		r.Post("/find", h.postFind)
		r.Get("/find-all", h.getFindAll)

		r.Get("/request", h.listRequests)
		r.Get("/request/{id}", h.getRequestStatus)
		r.Delete("/request/{id}", h.stopRequest)
	})
	return r
}

type envelope struct {
	Success int    `json:"success"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelope{Success: 1, Data: data})
}

func writeErr(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: 0, Error: err.Error()})
}

func (h *HTTPTask) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeOK(w, h.ctrl.Config().AllWorkers())
}

func (h *HTTPTask) addWorker(w http.ResponseWriter, r *http.Request) {
	var worker clustertypes.Worker
	if err := json.NewDecoder(r.Body).Decode(&worker); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := h.ctrl.Config().AddWorker(worker); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, worker)
}

func (h *HTTPTask) getWorker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, wk := range h.ctrl.Config().AllWorkers() {
		if wk.Name == name {
			writeOK(w, wk)
			return
		}
	}
	writeErr(w, http.StatusNotFound, fmt.Errorf("unknown worker: %s", name))
}

func (h *HTTPTask) deleteWorker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.ctrl.Config().DeleteWorker(name); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, nil)
}

type replicaRequestBody struct {
	Worker          string `json:"worker"`
	Database        string `json:"database"`
	Chunk           uint32 `json:"chunk"`
	SourceWorker    string `json:"source_worker,omitempty"`
	ComputeChecksum bool   `json:"compute_checksum,omitempty"`
}

func (h *HTTPTask) postReplicate(w http.ResponseWriter, r *http.Request) {
	var body replicaRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	req, err := h.ctrl.Replicate(body.Worker, body.Database, body.Chunk, body.SourceWorker)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, map[string]string{"request_id": req.ID})
}

func (h *HTTPTask) postDelete(w http.ResponseWriter, r *http.Request) {
	var body replicaRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	req, err := h.ctrl.DeleteReplica(body.Worker, body.Database, body.Chunk)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, map[string]string{"request_id": req.ID})
}

func (h *HTTPTask) postFind(w http.ResponseWriter, r *http.Request) {
	var body replicaRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	req, err := h.ctrl.FindReplica(body.Worker, body.Database, body.Chunk, body.ComputeChecksum)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, map[string]string{"request_id": req.ID})
}

func (h *HTTPTask) getFindAll(w http.ResponseWriter, r *http.Request) {
	worker := r.URL.Query().Get("worker")
	database := r.URL.Query().Get("database")
	req, err := h.ctrl.FindAllReplicas(worker, database)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, map[string]string{"request_id": req.ID})
}

func (h *HTTPTask) listRequests(w http.ResponseWriter, r *http.Request) {
	reqType := wire.RequestType(r.URL.Query().Get("type"))
	if reqType == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing type query parameter"))
		return
	}
	reqs := h.ctrl.RequestsOfType(reqType)
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		ids = append(ids, req.ID)
	}
	writeOK(w, ids)
}

func (h *HTTPTask) getRequestStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := h.ctrl.StatusOfReplication(id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeOK(w, map[string]any{
		"id":              req.ID,
		"status":          req.Status(),
		"extended_status": req.ExtendedStatus(),
	})
}

func (h *HTTPTask) stopRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.ctrl.StopReplication(id); err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeOK(w, nil)
}
