package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocument = `{
  "params": {"controller/max-repl-level": "2"},
  "workers": [{"name": "worker01", "is_enabled": true}],
  "database_families": [{"name": "f1", "replication_level": 3, "num_stripes": 1, "num_sub_stripes": 1, "overlap": 0.01}],
  "databases": [{"name": "db1", "family": "f1"}],
  "tables": []
}`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "qserv.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestJSONConfigLoadsDocument(t *testing.T) {
	path := writeTempConfig(t, sampleDocument)
	cfg, err := NewJSONConfig(path)
	require.NoError(t, err)

	assert.Len(t, cfg.AllWorkers(), 1)
	v, err := cfg.GetUint("controller", "max-repl-level")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v)

	level, err := cfg.EffectiveReplicationLevel("f1", 0, true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, level) // min(3, 2, 1 worker)
}

func TestJSONConfigRejectsMutation(t *testing.T) {
	path := writeTempConfig(t, sampleDocument)
	cfg, err := NewJSONConfig(path)
	require.NoError(t, err)

	assert.ErrorIs(t, cfg.SetFromString("controller", "max-repl-level", "5"), ErrReadOnlyBackend)
	assert.ErrorIs(t, cfg.DeleteWorker("worker01"), ErrReadOnlyBackend)
}

func TestJSONConfigHotReload(t *testing.T) {
	path := writeTempConfig(t, sampleDocument)
	cfg, err := NewJSONConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.AllWorkers(), 1)

	updated := `{
  "params": {},
  "workers": [{"name": "worker01"}, {"name": "worker02"}],
  "database_families": [],
  "databases": [],
  "tables": []
}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return len(cfg.AllWorkers()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
