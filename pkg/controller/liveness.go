package controller

import (
	"context"
	"reflect"
	"time"

	"github.com/lsst-dm/qserv-replica-controller/pkg/clustertypes"
	"github.com/lsst-dm/qserv-replica-controller/pkg/log"
	"github.com/lsst-dm/qserv-replica-controller/pkg/registryclient"
)

// startLivenessTracker launches the background reconciliation loop: every
// registry/heartbeat-ival-sec seconds it pulls the current {workers,
// czars} snapshot from the Registry service and reconciles it into
// Configuration.
func (c *Controller) startLivenessTracker() {
	c.livenessStop = make(chan struct{})
	c.livenessDone = make(chan struct{})
	go c.livenessLoop()
}

func (c *Controller) livenessLoop() {
	defer close(c.livenessDone)

	ivalSec, err := c.cfg.GetUint("registry", "heartbeat-ival-sec")
	if err != nil || ivalSec == 0 {
		ivalSec = 10
	}
	ticker := time.NewTicker(time.Duration(ivalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.livenessStop:
			return
		case <-ticker.C:
			c.reconcileOnce()
		}
	}
}

func (c *Controller) reconcileOnce() {
	logger := log.WithComponent("controller/liveness")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	view, err := c.regClient.Services(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("registry fetch failed")
		return
	}

	autoWorkers, _ := c.cfg.GetUint("controller", "auto-register-workers")
	autoCzars, _ := c.cfg.GetUint("controller", "auto-register-czars")

	known := make(map[string]clustertypes.Worker)
	for _, w := range c.cfg.AllWorkers() {
		known[w.Name] = w
	}
	for name, ep := range view.Workers {
		existing, ok := known[name]
		var w clustertypes.Worker
		if ok {
			w = workerFromEndpoints(name, ep, &existing)
			if reflect.DeepEqual(existing, w) {
				continue
			}
			if err := c.cfg.UpdateWorker(w); err != nil {
				logger.Warn().Err(err).Str("worker", name).Msg("update failed")
			}
			continue
		}
		if autoWorkers == 0 {
			logger.Debug().Str("worker", name).Msg("unknown worker, auto-register disabled")
			continue
		}
		w = workerFromEndpoints(name, ep, nil)
		if err := c.cfg.AddWorker(w); err != nil {
			logger.Warn().Err(err).Str("worker", name).Msg("add failed")
		}
	}

	knownCzars := make(map[string]bool)
	for _, z := range c.cfg.Czars() {
		knownCzars[z.Name] = true
	}
	for name, ep := range view.Czars {
		if knownCzars[name] {
			continue
		}
		if autoCzars == 0 {
			logger.Debug().Str("czar", name).Msg("unknown czar, auto-register disabled")
			continue
		}
		z := clustertypes.Czar{Name: name, ID: name, Host: ep.Service}
		if err := c.cfg.AddCzar(z); err != nil {
			logger.Warn().Err(err).Str("czar", name).Msg("add failed")
		}
	}
}

// workerFromEndpoints builds the Worker record the Registry's flat
// endpoint strings map onto. Everything the Registry does not report —
// ports, directories, and in particular the administrative
// IsEnabled/IsReadOnly decision this tracker never overrides — is
// preserved from the existing record; a brand-new worker defaults to
// enabled.
func workerFromEndpoints(name string, ep registryclient.Endpoints, existing *clustertypes.Worker) clustertypes.Worker {
	w := clustertypes.Worker{Name: name, IsEnabled: true}
	if existing != nil {
		w = *existing
	}
	w.SvcHost = clustertypes.Host{Addr: ep.Service}
	w.FSHost = clustertypes.Host{Addr: ep.FileServer}
	w.LoaderHost = clustertypes.Host{Addr: ep.Loader}
	w.ExporterHost = clustertypes.Host{Addr: ep.Exporter}
	w.HTTPLoaderHost = clustertypes.Host{Addr: ep.HTTPLoader}
	w.QservWorker = clustertypes.Host{Addr: ep.QservWorker}
	return w
}
