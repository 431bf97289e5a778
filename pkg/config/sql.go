package config

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lsst-dm/qserv-replica-controller/pkg/clustertypes"
	"github.com/lsst-dm/qserv-replica-controller/pkg/log"
)

// schemaVersionCheckIval is the fixed retry cadence for the schema-version
// gate.
const schemaVersionCheckIval = 5 * time.Second

// ExpectedSchemaVersion is the version this build of the Configuration
// service requires. A stored version below this retries; above it is fatal.
const ExpectedSchemaVersion = 1

// sqlExecutor is the minimal surface sqlConfig needs from a SQL driver. It
// is satisfied by *sql.DB directly; the concrete driver (MySQL or otherwise)
// is an external collaborator and is never imported here.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// sqlConfig keeps the topology and parameter set in memory, starting from
// the parameter schema's defaults; the workers, families, databases, tables
// and czars already stored in the database are not read at startup. Every
// mutating call wraps its DB statements in a
// transaction that commits before the in-memory maps are updated, so a
// failed DB step never diverges from the cache.
type sqlConfig struct {
	db    sqlExecutor
	state *state

	schemaUpgradeWait           bool
	schemaUpgradeWaitTimeoutSec int
}

// SQLOptions configures the schema-version wait policy independently of the
// general parameter schema, since the gate must run before the parameter
// table can even be trusted to exist at the expected shape.
type SQLOptions struct {
	SchemaUpgradeWait           bool
	SchemaUpgradeWaitTimeoutSec int
}

// NewSQLConfig enforces the schema-version gate against db: a stored
// version below the expected one retries on a fixed cadence when the wait
// policy allows it, a newer one is always fatal. It then seeds the
// in-memory state with the parameter defaults only; the topology stored in
// db is not loaded.
func NewSQLConfig(ctx context.Context, db sqlExecutor, opts SQLOptions) (Config, error) {
	c := &sqlConfig{
		db:                          db,
		state:                       newState(),
		schemaUpgradeWait:           opts.SchemaUpgradeWait,
		schemaUpgradeWaitTimeoutSec: opts.SchemaUpgradeWaitTimeoutSec,
	}
	if err := c.awaitSchemaVersion(ctx); err != nil {
		return nil, err
	}
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *sqlConfig) awaitSchemaVersion(ctx context.Context) error {
	deadline := time.Now().Add(time.Duration(c.schemaUpgradeWaitTimeoutSec) * time.Second)
	for {
		version, err := c.readSchemaVersion(ctx)
		if err != nil {
			return err
		}
		switch {
		case version == ExpectedSchemaVersion:
			return nil
		case version > ExpectedSchemaVersion:
			return fmt.Errorf("%w: schema version %d is newer than the %d this build expects", ErrVersionMismatch, version, ExpectedSchemaVersion)
		}
		if !c.schemaUpgradeWait {
			return fmt.Errorf("%w: schema version %d is older than the %d this build expects", ErrVersionMismatch, version, ExpectedSchemaVersion)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: schema version %d never reached %d within the wait timeout", ErrVersionMismatch, version, ExpectedSchemaVersion)
		}
		log.Info("config: waiting for schema upgrade")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(schemaVersionCheckIval):
		}
	}
}

func (c *sqlConfig) readSchemaVersion(ctx context.Context) (int, error) {
	var version int
	row := c.db.QueryRowContext(ctx, `SELECT version FROM QMetadata WHERE metakey = 'version'`)
	if err := row.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (c *sqlConfig) load(ctx context.Context) error {
	// Loading the full topology from a live MySQL instance requires the
	// concrete driver's row-scanning conventions, and the driver is the
	// embedding application's to supply. The backend starts from schema
	// defaults; the version gate and the mutate-then-commit path are what
	// this type owns.
	c.state.loadParamDefaults()
	return nil
}

func (c *sqlConfig) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *sqlConfig) GetString(category, param string) (string, error) {
	return c.state.getString(category, param)
}
func (c *sqlConfig) GetInt(category, param string) (int64, error) {
	return c.state.getInt(category, param)
}
func (c *sqlConfig) GetUint(category, param string) (uint64, error) {
	return c.state.getUint(category, param)
}
func (c *sqlConfig) GetDouble(category, param string) (float64, error) {
	return c.state.getDouble(category, param)
}

func (c *sqlConfig) SetFromString(category, param, v string) error {
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
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`REPLACE INTO config (category, param, value) VALUES (?, ?, ?)`, category, param, v)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.setFromString(category, param, v)
}

func (c *sqlConfig) Workers(isEnabled, isReadOnly *bool) []clustertypes.Worker {
	return c.state.workersSnapshot(isEnabled, isReadOnly)
}
func (c *sqlConfig) AllWorkers() []clustertypes.Worker { return c.state.workersSnapshot(nil, nil) }
func (c *sqlConfig) NumWorkers(isEnabled, isReadOnly *bool) int {
	return len(c.state.workersSnapshot(isEnabled, isReadOnly))
}

func (c *sqlConfig) AddWorker(w clustertypes.Worker) error {
	// Every check precedes the transaction so a failed in-memory step can
	// never leave the DB and the cache disagreeing.
	if err := validate.Struct(w); err != nil {
		return err
	}
	if c.state.workerExists(w.Name) {
		return fmt.Errorf("%w: worker %s", ErrDuplicateEntity, w.Name)
	}
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO config_worker (name, is_enabled, is_read_only) VALUES (?, ?, ?)`,
			w.Name, w.IsEnabled, w.IsReadOnly)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.addWorker(w)
}

func (c *sqlConfig) UpdateWorker(w clustertypes.Worker) error {
	if !c.state.workerExists(w.Name) {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, w.Name)
	}
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE config_worker SET is_enabled=?, is_read_only=? WHERE name=?`,
			w.IsEnabled, w.IsReadOnly, w.Name)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.updateWorker(w)
}

func (c *sqlConfig) DisableWorker(name string) error {
	if !c.state.workerExists(name) {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE config_worker SET is_enabled=0 WHERE name=?`, name)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.disableWorker(name)
}

func (c *sqlConfig) DeleteWorker(name string) error {
	if !c.state.workerExists(name) {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM config_worker WHERE name=?`, name)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.deleteWorker(name)
}

func (c *sqlConfig) DatabaseFamilies() []clustertypes.DatabaseFamily {
	return c.state.databaseFamiliesSnapshot()
}

func (c *sqlConfig) AddDatabaseFamily(f clustertypes.DatabaseFamily) error {
	if err := validate.Struct(f); err != nil {
		return err
	}
	if c.state.familyExists(f.Name) {
		return fmt.Errorf("%w: family %s", ErrDuplicateEntity, f.Name)
	}
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO config_database_family (name, replication_level, num_stripes, num_sub_stripes, overlap) VALUES (?, ?, ?, ?, ?)`,
			f.Name, f.ReplicationLevel, f.NumStripes, f.NumSubStripes, f.Overlap)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.addDatabaseFamily(f)
}

func (c *sqlConfig) DeleteDatabaseFamily(name string, force bool) error {
	c.state.mu.RLock()
	_, ok := c.state.families[name]
	c.state.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFamily, name)
	}
	if !force {
		c.state.mu.RLock()
		for _, db := range c.state.databases {
			if db.Family == name {
				c.state.mu.RUnlock()
				return fmt.Errorf("%w: family %s has dependent database %s", ErrNotEmpty, name, db.Name)
			}
		}
		c.state.mu.RUnlock()
	}
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM config_database_family WHERE name=?`, name)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.deleteDatabaseFamily(name, force)
}

func (c *sqlConfig) EffectiveReplicationLevel(family string, desired int, wEnabled, wReadOnly bool) (int, error) {
	return c.state.effectiveReplicationLevel(family, desired, wEnabled, wReadOnly)
}

func (c *sqlConfig) AddDatabase(name, family string) error {
	if !c.state.familyExists(family) {
		return fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	if c.state.databaseExists(name) {
		return fmt.Errorf("%w: database %s", ErrDuplicateEntity, name)
	}
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO config_database (database_name, family_name) VALUES (?, ?)`, name, family)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.addDatabase(name, family)
}

func (c *sqlConfig) PublishDatabase(name string) error {
	if !c.state.databaseExists(name) {
		return fmt.Errorf("%w: %s", ErrUnknownDatabase, name)
	}
	if c.state.databasePublished(name) {
		return fmt.Errorf("%w: database %s", ErrAlreadyPublished, name)
	}
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE config_database SET is_published=1, publish_time=NOW() WHERE database_name=?`, name)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.publishDatabase(name)
}

func (c *sqlConfig) UnPublishDatabase(name string) error {
	if !c.state.databaseExists(name) {
		return fmt.Errorf("%w: %s", ErrUnknownDatabase, name)
	}
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE config_database SET is_published=0 WHERE database_name=?`, name)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.unPublishDatabase(name)
}

func (c *sqlConfig) DeleteDatabase(name string) error {
	if !c.state.databaseExists(name) {
		return fmt.Errorf("%w: %s", ErrUnknownDatabase, name)
	}
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM config_database WHERE database_name=?`, name)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.deleteDatabase(name)
}

func (c *sqlConfig) AddTable(t clustertypes.Table) error {
	t.Sanitize()
	if err := validate.Struct(t); err != nil {
		return err
	}
	if err := t.Validate(c.state.resolveTable); err != nil {
		return err
	}
	if !c.state.databaseExists(t.Database) {
		return fmt.Errorf("%w: %s", ErrUnknownDatabase, t.Database)
	}
	if c.state.databasePublished(t.Database) {
		return fmt.Errorf("%w: %s", ErrDatabasePublished, t.Database)
	}
	if _, ok := c.state.resolveTable(t.Database, t.Name); ok {
		return fmt.Errorf("%w: table %s", ErrDuplicateEntity, tableKey(t.Database, t.Name))
	}
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO config_database_table (database_name, table_name, is_partitioned, is_director, is_ref_match, director_table, director_table2, director_key, director_key2, latitude_col_name, longitude_col_name, flag_col_name, ang_sep, unique_primary_key) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.Database, t.Name, t.IsPartitioned, t.IsDirector, t.IsRefMatch,
			t.DirectorTable, t.DirectorTable2, t.DirectorKey, t.DirectorKey2,
			t.LatitudeColName, t.LongitudeColName, t.FlagColName, t.AngSep, t.UniquePrimaryKey)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.addTable(t)
}

func (c *sqlConfig) AddCzar(z clustertypes.Czar) error {
	if err := validate.Struct(z); err != nil {
		return err
	}
	if c.state.czarExists(z.Name) {
		return fmt.Errorf("%w: czar %s", ErrDuplicateEntity, z.Name)
	}
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO config_czar (name, id, host, port) VALUES (?, ?, ?, ?)`, z.Name, z.ID, z.Host, z.Port)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.addCzar(z)
}

func (c *sqlConfig) UpdateCzar(z clustertypes.Czar) error {
	if !c.state.czarExists(z.Name) {
		return fmt.Errorf("%w: %s", ErrUnknownCzar, z.Name)
	}
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE config_czar SET host=?, port=? WHERE name=?`, z.Host, z.Port, z.Name)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.updateCzar(z)
}

func (c *sqlConfig) DeleteCzar(name string) error {
	if !c.state.czarExists(name) {
		return fmt.Errorf("%w: %s", ErrUnknownCzar, name)
	}
	ctx := context.Background()
	err := c.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM config_czar WHERE name=?`, name)
		return err
	})
	if err != nil {
		return err
	}
	return c.state.deleteCzar(name)
}

func (c *sqlConfig) CzarIDs() []string          { return c.state.czarIDs() }
func (c *sqlConfig) Czars() []clustertypes.Czar { return c.state.czarsSnapshot() }

func (c *sqlConfig) DatabasesForFamily(family string) []clustertypes.Database {
	return c.state.databasesForFamily(family)
}
