// Package config implements the Configuration service: the single source of
// truth for cluster topology (workers, Czars, database families, databases,
// tables) and tuning parameters, backed by either a JSON document or a SQL
// store.
package config

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/lsst-dm/qserv-replica-controller/pkg/clustertypes"
)

// Config is the full public contract of the Configuration service. All
// methods are safe for concurrent use.
type Config interface {
	// GetString, GetInt, GetUint and GetDouble read a general parameter,
	// validated against the embedded schema at startup.
	GetString(category, param string) (string, error)
	GetInt(category, param string) (int64, error)
	GetUint(category, param string) (uint64, error)
	GetDouble(category, param string) (float64, error)

	// SetFromString validates v against the parameter's declared type and
	// read-only bit, then commits it. Backends that do not support mutation
	// (jsonConfig) return ErrReadOnlyBackend.
	SetFromString(category, param, v string) error

	Workers(isEnabled, isReadOnly *bool) []clustertypes.Worker
	AllWorkers() []clustertypes.Worker
	NumWorkers(isEnabled, isReadOnly *bool) int
	AddWorker(w clustertypes.Worker) error
	UpdateWorker(w clustertypes.Worker) error
	DisableWorker(name string) error
	DeleteWorker(name string) error

	DatabaseFamilies() []clustertypes.DatabaseFamily
	AddDatabaseFamily(f clustertypes.DatabaseFamily) error
	DeleteDatabaseFamily(name string, force bool) error

	// EffectiveReplicationLevel is the canonical rule every replication
	// planner must use: min(desired-or-configured, hardLimit, numWorkers).
	// desired=0 means "use the family's configured ReplicationLevel".
	EffectiveReplicationLevel(family string, desired int, wEnabled, wReadOnly bool) (int, error)

	AddDatabase(name, family string) error
	PublishDatabase(name string) error
	UnPublishDatabase(name string) error
	DeleteDatabase(name string) error
	AddTable(t clustertypes.Table) error

	// DatabasesForFamily lists every database belonging to family, published
	// or not; callers needing a family's replica scope (QservSyncJob,
	// ReplicateJob planners) use this rather than walking AllWorkers.
	DatabasesForFamily(family string) []clustertypes.Database

	AddCzar(c clustertypes.Czar) error
	UpdateCzar(c clustertypes.Czar) error
	DeleteCzar(name string) error
	CzarIDs() []string
	Czars() []clustertypes.Czar
}

// state is the in-memory snapshot shared by both backends. A single mutex
// guards all of it.
type state struct {
	mu sync.RWMutex

	params map[string]string // "category/param" -> string-encoded value

	workers   map[string]clustertypes.Worker
	czars     map[string]clustertypes.Czar
	families  map[string]clustertypes.DatabaseFamily
	databases map[string]clustertypes.Database
	tables    map[string]clustertypes.Table // "database/table" -> Table
}

func newState() *state {
	return &state{
		params:    make(map[string]string),
		workers:   make(map[string]clustertypes.Worker),
		czars:     make(map[string]clustertypes.Czar),
		families:  make(map[string]clustertypes.DatabaseFamily),
		databases: make(map[string]clustertypes.Database),
		tables:    make(map[string]clustertypes.Table),
	}
}

func tableKey(database, table string) string { return database + "/" + table }

func (s *state) workerExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workers[name]
	return ok
}

func (s *state) familyExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.families[name]
	return ok
}

func (s *state) databaseExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.databases[name]
	return ok
}

func (s *state) databasePublished(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.databases[name].IsPublished
}

func (s *state) czarExists(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.czars[name]
	return ok
}

func (s *state) resolveTable(database, table string) (*clustertypes.Table, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[tableKey(database, table)]
	if !ok {
		return nil, false
	}
	return &t, true
}

// loadParamDefaults seeds every schema entry with its declared default, so
// a freshly loaded document that is silent on a parameter still answers Get
// calls the way the static C++ defaults table did.
func (s *state) loadParamDefaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, def := range schema {
		if _, ok := s.params[key]; !ok {
			s.params[key] = def.Default
		}
	}
}

func (s *state) getString(category, param string) (string, error) {
	def, ok := lookupParam(category, param)
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrTypeMismatch, category, param)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.params[category+"/"+param]
	if !ok {
		v = def.Default
	}
	return v, nil
}

func (s *state) setFromString(category, param, v string) error {
	def, ok := lookupParam(category, param)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrTypeMismatch, category, param)
	}
	if def.ReadOnly {
		return fmt.Errorf("%w: %s/%s", ErrReadOnlyParam, category, param)
	}
	if err := validateValue(def, v); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[category+"/"+param] = v
	return nil
}

func (s *state) getInt(category, param string) (int64, error) {
	v, err := s.getString(category, param)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s/%s", ErrTypeMismatch, category, param)
	}
	return n, nil
}

func (s *state) getUint(category, param string) (uint64, error) {
	v, err := s.getString(category, param)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s/%s", ErrTypeMismatch, category, param)
	}
	return n, nil
}

func (s *state) getDouble(category, param string) (float64, error) {
	v, err := s.getString(category, param)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s/%s", ErrTypeMismatch, category, param)
	}
	return n, nil
}

func (s *state) workersSnapshot(isEnabled, isReadOnly *bool) []clustertypes.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]clustertypes.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		if isEnabled != nil && w.IsEnabled != *isEnabled {
			continue
		}
		if isReadOnly != nil && w.IsReadOnly != *isReadOnly {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (s *state) effectiveReplicationLevel(family string, desired int, wEnabled, wReadOnly bool) (int, error) {
	s.mu.RLock()
	f, ok := s.families[family]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	if desired == 0 {
		desired = f.ReplicationLevel
	}
	hardLimitStr, err := s.getString("controller", "max-repl-level")
	if err != nil {
		return 0, err
	}
	hardLimit, err := parseUintOrZero(hardLimitStr)
	if err != nil {
		return 0, err
	}
	enabled, readOnly := wEnabled, wReadOnly
	numWorkers := len(s.workersSnapshot(&enabled, &readOnly))

	level := desired
	if hardLimit > 0 && int(hardLimit) < level {
		level = int(hardLimit)
	}
	if numWorkers < level {
		level = numWorkers
	}
	return level, nil
}

func (s *state) databasesForFamily(family string) []clustertypes.Database {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]clustertypes.Database, 0)
	for _, db := range s.databases {
		if db.Family == family {
			out = append(out, db)
		}
	}
	return out
}

func (s *state) czarsSnapshot() []clustertypes.Czar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]clustertypes.Czar, 0, len(s.czars))
	for _, c := range s.czars {
		out = append(out, c)
	}
	return out
}

func parseUintOrZero(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
