package clustertypes

import (
	"fmt"
	"time"
)

// Sanitize fills in derived flags and timestamps before a new table is
// committed: it classifies the table into exactly one of the four flavors
// and stamps CreateTime when the caller left it unset.
func (t *Table) Sanitize() {
	switch {
	case t.DirectorTable2 != "" || t.DirectorKey2 != "":
		t.IsRefMatch = true
		t.IsPartitioned = true
	case t.DirectorTable != "":
		t.IsDirector = false
		t.IsPartitioned = true
	case t.HasLatLon():
		t.IsDirector = true
		t.IsPartitioned = true
	}

	if !t.IsPartitioned {
		t.IsDirector = false
		t.IsRefMatch = false
	}

	if t.CreateTime.IsZero() {
		t.CreateTime = sanitizeNow()
	}
}

// sanitizeNow is a seam so tests can pin the creation timestamp; production
// code always uses the wall clock.
var sanitizeNow = func() time.Time { return time.Now() }

// Validate enforces the type-specific table invariants:
//   - exactly one of {regular, director, dependent, ref-match} applies
//   - director: no DirectorTable, has lat/lon, may not depend on other directors
//   - dependent: DirectorTable names an existing director in the same database
//   - ref-match: two distinct directors, both director keys as FKs, FlagColName,
//     AngSep>0, no lat/lon of its own
//   - regular: no director refs, no director keys, no lat/lon, no flag
//
// resolve resolves a director-table name within the same database (or,
// for ref-match, within the database registry passed by the caller) to its
// Table definition.
func (t *Table) Validate(resolve func(database, table string) (*Table, bool)) error {
	if !t.IsPartitioned {
		return t.validateRegular()
	}
	switch {
	case t.IsRefMatch:
		return t.validateRefMatch(resolve)
	case t.DirectorTable != "":
		return t.validateDependent(resolve)
	default:
		return t.validateDirector()
	}
}

func (t *Table) validateRegular() error {
	if t.DirectorTable != "" || t.DirectorKey != "" || t.HasAnyLatLon() || t.FlagColName != "" {
		return fmt.Errorf("table %s.%s: regular table must not carry director references, a director key, lat/lon, or a flag column", t.Database, t.Name)
	}
	return nil
}

func (t *Table) validateDirector() error {
	if t.DirectorTable != "" {
		return fmt.Errorf("table %s.%s: director table must not name a director of its own", t.Database, t.Name)
	}
	if !t.HasLatLon() {
		return fmt.Errorf("table %s.%s: director table requires both latitude and longitude columns", t.Database, t.Name)
	}
	if !t.hasColumn("subChunkId") {
		return fmt.Errorf("table %s.%s: director table requires a subChunkId column", t.Database, t.Name)
	}
	return nil
}

func (t *Table) validateDependent(resolve func(database, table string) (*Table, bool)) error {
	director, ok := resolve(t.Database, t.DirectorTable)
	if !ok {
		return fmt.Errorf("table %s.%s: director table %q not found in database %s", t.Database, t.Name, t.DirectorTable, t.Database)
	}
	if !director.IsDirector {
		return fmt.Errorf("table %s.%s: %q is not a director table", t.Database, t.Name, t.DirectorTable)
	}
	if t.DirectorKey == "" || !t.hasColumn(t.DirectorKey) {
		return fmt.Errorf("table %s.%s: must carry the director's primary key %q as a foreign key", t.Database, t.Name, director.DirectorKey)
	}
	if t.HasAnyLatLon() && !t.HasLatLon() {
		return fmt.Errorf("table %s.%s: latitude and longitude columns must both be present or both absent", t.Database, t.Name)
	}
	return nil
}

func (t *Table) validateRefMatch(resolve func(database, table string) (*Table, bool)) error {
	if t.DirectorTable == "" || t.DirectorTable2 == "" {
		return fmt.Errorf("table %s.%s: ref-match table must name two director tables", t.Database, t.Name)
	}
	if t.DirectorTable == t.DirectorTable2 {
		return fmt.Errorf("table %s.%s: ref-match directors must be distinct", t.Database, t.Name)
	}
	d1, ok := resolve(t.Database, t.DirectorTable)
	if !ok || !d1.IsDirector {
		return fmt.Errorf("table %s.%s: %q is not a valid director table", t.Database, t.Name, t.DirectorTable)
	}
	d2, ok := resolve(t.Database, t.DirectorTable2)
	if !ok || !d2.IsDirector {
		return fmt.Errorf("table %s.%s: %q is not a valid director table", t.Database, t.Name, t.DirectorTable2)
	}
	if t.DirectorKey == "" || !t.hasColumn(t.DirectorKey) || t.DirectorKey2 == "" || !t.hasColumn(t.DirectorKey2) {
		return fmt.Errorf("table %s.%s: ref-match table must carry both directors' keys as foreign keys", t.Database, t.Name)
	}
	if t.FlagColName == "" {
		return fmt.Errorf("table %s.%s: ref-match table requires a flag column", t.Database, t.Name)
	}
	if t.AngSep <= 0 {
		return fmt.Errorf("table %s.%s: ref-match table requires angSep > 0, got %v", t.Database, t.Name, t.AngSep)
	}
	if t.HasAnyLatLon() {
		return fmt.Errorf("table %s.%s: ref-match table must not carry its own lat/lon columns", t.Database, t.Name)
	}
	return nil
}
