package controller

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-replica-controller/pkg/config"
	"github.com/lsst-dm/qserv-replica-controller/pkg/messenger"
	"github.com/lsst-dm/qserv-replica-controller/pkg/storage"
	"github.com/lsst-dm/qserv-replica-controller/pkg/wire"
)

const testDocument = `{
  "params": {},
  "workers": [{"name": "worker01", "is_enabled": true}],
  "database_families": [{"name": "f1", "replication_level": 3, "num_stripes": 1, "num_sub_stripes": 1, "overlap": 0.01}],
  "databases": [{"name": "db1", "family": "f1"}],
  "tables": []
}`

// fakeSender is a scriptable stand-in for *messenger.Messenger, mirroring
// pkg/request's own fakeSender.
type fakeSender struct {
	mu        sync.Mutex
	sendCalls []wire.RequestType
	onSend    func(reqType wire.RequestType, onFinish messenger.OnFinish)
	stopped   bool
}

func (f *fakeSender) Send(workerName, requestID string, reqType wire.RequestType, payload []byte, onFinish messenger.OnFinish) error {
	f.mu.Lock()
	f.sendCalls = append(f.sendCalls, reqType)
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(reqType, onFinish)
	}
	return nil
}

func (f *fakeSender) Cancel(workerName, requestID string) {}
func (f *fakeSender) Stop()                               { f.stopped = true }

func newTestController(t *testing.T) (*Controller, *fakeSender, config.Config) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "qserv.json")
	require.NoError(t, os.WriteFile(path, []byte(testDocument), 0o644))
	cfg, err := config.NewJSONConfig(path)
	require.NoError(t, err)

	db, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sender := &fakeSender{}
	c, err := New(cfg, sender, db, nil, "localhost")
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	return c, sender, cfg
}

func TestNewPersistsIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qserv.json")
	require.NoError(t, os.WriteFile(path, []byte(testDocument), 0o644))
	cfg, err := config.NewJSONConfig(path)
	require.NoError(t, err)

	db, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := New(cfg, &fakeSender{}, db, nil, "localhost")
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	assert.NotEmpty(t, c.Identity.ID)
	assert.Equal(t, "localhost", c.Identity.Host)

	saved, found, err := db.LoadIdentity()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, c.Identity.ID, saved.ID)
}

func TestReplicateRejectsUnknownWorker(t *testing.T) {
	c, _, _ := newTestController(t)
	_, err := c.Replicate("ghost", "db1", 7, "worker01")
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestReplicateRejectsUnknownDatabase(t *testing.T) {
	c, _, _ := newTestController(t)
	_, err := c.Replicate("worker01", "ghost-db", 7, "worker01")
	assert.ErrorIs(t, err, ErrUnknownDatabase)
}

func TestReplicateSubmitsAndTracksUntilFinished(t *testing.T) {
	c, sender, _ := newTestController(t)
	sender.onSend = func(reqType wire.RequestType, onFinish messenger.OnFinish) {
		onFinish("ignored", true, &wire.Response{Status: wire.StatusSuccess, ExtendedStatus: wire.ExtNone})
	}

	req, err := c.Replicate("worker01", "db1", 7, "worker02")
	require.NoError(t, err)
	assert.Equal(t, wire.StatusSuccess, req.Status())
	assert.Nil(t, c.Registry().Get(req.ID))
}

func TestStatusOfReplicationUnknownID(t *testing.T) {
	c, _, _ := newTestController(t)
	_, err := c.StatusOfReplication("nope")
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestRequestsOfTypeFiltersRegistry(t *testing.T) {
	c, sender, _ := newTestController(t)
	sender.onSend = func(reqType wire.RequestType, onFinish messenger.OnFinish) {
		// leave non-terminal so the request stays registered
	}

	_, err := c.Echo("worker01", "ping")
	require.NoError(t, err)
	_, err = c.FindAllReplicas("worker01", "")
	require.NoError(t, err)

	assert.Equal(t, 1, c.NumRequestsOfType(wire.Echo))
	assert.Equal(t, 1, c.NumRequestsOfType(wire.FindAll))
	assert.Equal(t, 0, c.NumRequestsOfType(wire.Replicate))
}

func TestWorkerServiceFactoriesDoNotRequireDatabase(t *testing.T) {
	c, sender, _ := newTestController(t)
	sender.onSend = func(reqType wire.RequestType, onFinish messenger.OnFinish) {
		onFinish("ignored", true, &wire.Response{Status: wire.StatusSuccess})
	}

	_, err := c.SuspendWorkerService("worker01")
	require.NoError(t, err)
	_, err = c.ResumeWorkerService("worker01")
	require.NoError(t, err)
	_, err = c.StatusOfWorkerService("worker01")
	require.NoError(t, err)
	_, err = c.DrainWorkerService("worker01")
	require.NoError(t, err)
}
