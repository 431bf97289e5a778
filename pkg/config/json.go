package config

import (
	"encoding/json"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/lsst-dm/qserv-replica-controller/pkg/clustertypes"
	"github.com/lsst-dm/qserv-replica-controller/pkg/log"
)

// document is the on-disk shape loaded and re-loaded whole by jsonConfig.
type document struct {
	Params    map[string]string             `json:"params"`
	Workers   []clustertypes.Worker         `json:"workers"`
	Czars     []clustertypes.Czar           `json:"czars"`
	Families  []clustertypes.DatabaseFamily `json:"database_families"`
	Databases []clustertypes.Database       `json:"databases"`
	Tables    []clustertypes.Table          `json:"tables"`
}

// jsonConfig is a whole-document, load/reload-only backend: no mutating call
// writes through to disk. A fsnotify watcher reloads the document whenever
// the file changes underneath it.
type jsonConfig struct {
	path  string
	state atomic.Pointer[state]
}

// NewJSONConfig loads path and starts watching it for changes. The returned
// Config rejects every mutating call with ErrReadOnlyBackend.
func NewJSONConfig(path string) (Config, error) {
	c := &jsonConfig{path: path}
	if err := c.reload(); err != nil {
		return nil, err
	}
	if err := c.watch(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *jsonConfig) current() *state { return c.state.Load() }

func (c *jsonConfig) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	s := newState()
	for k, v := range doc.Params {
		s.params[k] = v
	}
	for _, w := range doc.Workers {
		s.workers[w.Name] = w
	}
	for _, z := range doc.Czars {
		s.czars[z.Name] = z
	}
	for _, f := range doc.Families {
		s.families[f.Name] = f
	}
	for _, d := range doc.Databases {
		s.databases[d.Name] = d
	}
	for _, t := range doc.Tables {
		s.tables[tableKey(t.Database, t.Name)] = t
	}
	s.loadParamDefaults()
	c.state.Store(s)
	return nil
}

func (c *jsonConfig) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(c.path); err != nil {
		w.Close()
		return err
	}
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.reload(); err != nil {
					log.Errorf("config: reload failed", err)
				} else {
					log.Info("config: reloaded from " + c.path)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Errorf("config: watcher error", err)
			}
		}
	}()
	return nil
}

func (c *jsonConfig) GetString(category, param string) (string, error) {
	return c.current().getString(category, param)
}
func (c *jsonConfig) GetInt(category, param string) (int64, error) {
	return c.current().getInt(category, param)
}
func (c *jsonConfig) GetUint(category, param string) (uint64, error) {
	return c.current().getUint(category, param)
}
func (c *jsonConfig) GetDouble(category, param string) (float64, error) {
	return c.current().getDouble(category, param)
}

func (c *jsonConfig) SetFromString(category, param, v string) error {
	return ErrReadOnlyBackend
}

func (c *jsonConfig) Workers(isEnabled, isReadOnly *bool) []clustertypes.Worker {
	return c.current().workersSnapshot(isEnabled, isReadOnly)
}
func (c *jsonConfig) AllWorkers() []clustertypes.Worker { return c.current().workersSnapshot(nil, nil) }
func (c *jsonConfig) NumWorkers(isEnabled, isReadOnly *bool) int {
	return len(c.current().workersSnapshot(isEnabled, isReadOnly))
}
func (c *jsonConfig) AddWorker(w clustertypes.Worker) error    { return ErrReadOnlyBackend }
func (c *jsonConfig) UpdateWorker(w clustertypes.Worker) error { return ErrReadOnlyBackend }
func (c *jsonConfig) DisableWorker(name string) error          { return ErrReadOnlyBackend }
func (c *jsonConfig) DeleteWorker(name string) error           { return ErrReadOnlyBackend }

func (c *jsonConfig) DatabaseFamilies() []clustertypes.DatabaseFamily {
	return c.current().databaseFamiliesSnapshot()
}
func (c *jsonConfig) AddDatabaseFamily(f clustertypes.DatabaseFamily) error { return ErrReadOnlyBackend }
func (c *jsonConfig) DeleteDatabaseFamily(name string, force bool) error    { return ErrReadOnlyBackend }

func (c *jsonConfig) EffectiveReplicationLevel(family string, desired int, wEnabled, wReadOnly bool) (int, error) {
	return c.current().effectiveReplicationLevel(family, desired, wEnabled, wReadOnly)
}

func (c *jsonConfig) AddDatabase(name, family string) error { return ErrReadOnlyBackend }
func (c *jsonConfig) PublishDatabase(name string) error     { return ErrReadOnlyBackend }
func (c *jsonConfig) UnPublishDatabase(name string) error   { return ErrReadOnlyBackend }
func (c *jsonConfig) DeleteDatabase(name string) error      { return ErrReadOnlyBackend }
func (c *jsonConfig) AddTable(t clustertypes.Table) error   { return ErrReadOnlyBackend }

func (c *jsonConfig) DatabasesForFamily(family string) []clustertypes.Database {
	return c.current().databasesForFamily(family)
}

func (c *jsonConfig) AddCzar(z clustertypes.Czar) error    { return ErrReadOnlyBackend }
func (c *jsonConfig) UpdateCzar(z clustertypes.Czar) error { return ErrReadOnlyBackend }
func (c *jsonConfig) DeleteCzar(name string) error         { return ErrReadOnlyBackend }
func (c *jsonConfig) CzarIDs() []string                    { return c.current().czarIDs() }
func (c *jsonConfig) Czars() []clustertypes.Czar           { return c.current().czarsSnapshot() }
