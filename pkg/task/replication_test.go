package task

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/qserv-replica-controller/pkg/config"
)

const replicationTestDocument = `{
  "params": {"controller/max-repl-level": "3"},
  "workers": [
    {"name": "worker01", "is_enabled": true},
    {"name": "worker02", "is_enabled": true},
    {"name": "worker03", "is_enabled": true}
  ],
  "database_families": [{"name": "f1", "replication_level": 2, "num_stripes": 1, "num_sub_stripes": 1, "overlap": 0.01}],
  "databases": [{"name": "db1", "family": "f1"}],
  "tables": []
}`

func newReplicationTestConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "qserv.json")
	require.NoError(t, os.WriteFile(path, []byte(replicationTestDocument), 0o644))
	cfg, err := config.NewJSONConfig(path)
	require.NoError(t, err)
	return cfg
}

func TestReplicationTaskBringsUnderReplicatedChunkUpToLevel(t *testing.T) {
	cfg := newReplicationTestConfig(t)
	issuer := newFakeIssuer()
	issuer.place("db1", "worker01", 7)

	r := NewReplicationTask(issuer, cfg, 0, false)
	require.NoError(t, r.runFamily(context.Background(), cfg.DatabaseFamilies()[0]))

	issuer.mu.Lock()
	defer issuer.mu.Unlock()
	assert.Len(t, issuer.replicated, 1)
	assert.Equal(t, uint32(7), issuer.replicated[0].Chunk)
	assert.Equal(t, "worker01", issuer.replicated[0].SourceWorker)
}

func TestReplicationTaskPurgesSurplusReplicasWhenEnabled(t *testing.T) {
	cfg := newReplicationTestConfig(t)
	issuer := newFakeIssuer()
	issuer.place("db1", "worker01", 7)
	issuer.place("db1", "worker02", 7)
	issuer.place("db1", "worker03", 7)

	r := NewReplicationTask(issuer, cfg, 0, true)
	require.NoError(t, r.runFamily(context.Background(), cfg.DatabaseFamilies()[0]))

	issuer.mu.Lock()
	defer issuer.mu.Unlock()
	assert.Len(t, issuer.deleted, 1)
}

func TestReplicationTaskSkipsUnreachableWorkers(t *testing.T) {
	cfg := newReplicationTestConfig(t)
	issuer := newFakeIssuer()
	issuer.place("db1", "worker01", 7)
	issuer.unreachable = map[string]bool{"worker02": true, "worker03": true}

	r := NewReplicationTask(issuer, cfg, 0, false)
	require.NoError(t, r.runFamily(context.Background(), cfg.DatabaseFamilies()[0]))

	issuer.mu.Lock()
	defer issuer.mu.Unlock()
	assert.Empty(t, issuer.replicated)
}
