package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lsst-dm/qserv-replica-controller/pkg/clustertypes"
)

// validate enforces the struct tags on clustertypes entities (required
// fields, stripe/overlap bounds) before an entity is admitted to the state.
var validate = validator.New(validator.WithRequiredStructEnabled())

// The methods in this file mutate the in-memory state only. sqlConfig calls
// them after committing to the database, so the in-memory maps are always
// the last thing touched and never diverge from a committed transaction.
// jsonConfig does not call them: its mutators return ErrReadOnlyBackend and
// a reload fills the maps directly.

func (s *state) addWorker(w clustertypes.Worker) error {
	if err := validate.Struct(w); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[w.Name]; ok {
		return fmt.Errorf("%w: worker %s", ErrDuplicateEntity, w.Name)
	}
	s.workers[w.Name] = w
	return nil
}

func (s *state) updateWorker(w clustertypes.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[w.Name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, w.Name)
	}
	s.workers[w.Name] = w
	return nil
}

func (s *state) disableWorker(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	w.IsEnabled = false
	s.workers[name] = w
	return nil
}

func (s *state) deleteWorker(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	delete(s.workers, name)
	return nil
}

func (s *state) addDatabaseFamily(f clustertypes.DatabaseFamily) error {
	if err := validate.Struct(f); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.families[f.Name]; ok {
		return fmt.Errorf("%w: family %s", ErrDuplicateEntity, f.Name)
	}
	s.families[f.Name] = f
	return nil
}

func (s *state) deleteDatabaseFamily(name string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.families[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFamily, name)
	}
	if !force {
		for _, db := range s.databases {
			if db.Family == name {
				return fmt.Errorf("%w: family %s has dependent database %s", ErrNotEmpty, name, db.Name)
			}
		}
	}
	delete(s.families, name)
	return nil
}

func (s *state) addDatabase(name, family string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.families[family]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	if _, ok := s.databases[name]; ok {
		return fmt.Errorf("%w: database %s", ErrDuplicateEntity, name)
	}
	s.databases[name] = clustertypes.Database{
		Name:       name,
		Family:     family,
		CreateTime: time.Now(),
	}
	return nil
}

func (s *state) publishDatabase(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.databases[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDatabase, name)
	}
	if db.IsPublished {
		return fmt.Errorf("%w: database %s", ErrAlreadyPublished, name)
	}
	now := time.Now()
	for _, tn := range db.Tables {
		key := tableKey(name, tn)
		tbl := s.tables[key]
		if !tbl.IsPublished {
			tbl.IsPublished = true
			tbl.PublishTime = now
			s.tables[key] = tbl
		}
	}
	db.IsPublished = true
	db.PublishTime = now
	s.databases[name] = db
	return nil
}

func (s *state) unPublishDatabase(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.databases[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDatabase, name)
	}
	db.IsPublished = false
	db.PublishTime = time.Time{}
	s.databases[name] = db
	return nil
}

func (s *state) deleteDatabase(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.databases[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDatabase, name)
	}
	for _, tn := range db.Tables {
		delete(s.tables, tableKey(name, tn))
	}
	delete(s.databases, name)
	return nil
}

func (s *state) addTable(t clustertypes.Table) error {
	t.Sanitize()

	if err := validate.Struct(t); err != nil {
		return err
	}

	s.mu.RLock()
	db, dbOK := s.databases[t.Database]
	s.mu.RUnlock()
	if !dbOK {
		return fmt.Errorf("%w: %s", ErrUnknownDatabase, t.Database)
	}
	if db.IsPublished {
		return fmt.Errorf("%w: %s", ErrDatabasePublished, t.Database)
	}

	if err := t.Validate(s.resolveTable); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := tableKey(t.Database, t.Name)
	if _, ok := s.tables[key]; ok {
		return fmt.Errorf("%w: table %s", ErrDuplicateEntity, key)
	}
	s.tables[key] = t
	db = s.databases[t.Database]
	db.Tables = append(db.Tables, t.Name)
	s.databases[t.Database] = db
	return nil
}

func (s *state) addCzar(c clustertypes.Czar) error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.czars[c.Name]; ok {
		return fmt.Errorf("%w: czar %s", ErrDuplicateEntity, c.Name)
	}
	s.czars[c.Name] = c
	return nil
}

func (s *state) updateCzar(c clustertypes.Czar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.czars[c.Name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCzar, c.Name)
	}
	s.czars[c.Name] = c
	return nil
}

func (s *state) deleteCzar(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.czars[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCzar, name)
	}
	delete(s.czars, name)
	return nil
}

func (s *state) czarIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.czars))
	for _, c := range s.czars {
		out = append(out, c.ID)
	}
	return out
}

func (s *state) databaseFamiliesSnapshot() []clustertypes.DatabaseFamily {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]clustertypes.DatabaseFamily, 0, len(s.families))
	for _, f := range s.families {
		out = append(out, f)
	}
	return out
}
