package metrics

import (
	"database/sql"
	"fmt"
	"io"

	"github.com/golang-migrate/migrate/v4/database"
)

// sqliteMigrateDriver adapts an already-open *sql.DB into the minimal
// surface golang-migrate/migrate/v4's database.Driver interface expects,
// since ncruces/go-sqlite3 has no ready-made migrate driver the way the
// cgo mattn/go-sqlite3 one does. Open/WithInstance are collapsed into one
// step because the caller already owns the *sql.DB's lifecycle.
type sqliteMigrateDriver struct {
	db *sql.DB
}

func newSQLiteMigrateDriver(db *sql.DB) (*sqliteMigrateDriver, error) {
	d := &sqliteMigrateDriver{db: db}
	if err := d.ensureVersionTable(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *sqliteMigrateDriver) ensureVersionTable() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER NOT NULL,
		dirty BOOLEAN NOT NULL
	)`)
	return err
}

var _ database.Driver = (*sqliteMigrateDriver)(nil)

// Open is unused: WHS always constructs this driver via
// newSQLiteMigrateDriver against an already-open *sql.DB and hands it to
// migrate.NewWithInstance, never through migrate's URL-based registry.
func (d *sqliteMigrateDriver) Open(url string) (database.Driver, error) {
	return nil, fmt.Errorf("sqliteMigrateDriver: Open by URL is not supported, use newSQLiteMigrateDriver")
}

// Close is a no-op: the caller owns the *sql.DB and closes it themselves.
func (d *sqliteMigrateDriver) Close() error { return nil }

// Lock/Unlock are no-ops: WHS runs migrations from a single dispatcher
// process under the cross-process dispatcher lock (internal/state),
// which already serializes startup.
func (d *sqliteMigrateDriver) Lock() error   { return nil }
func (d *sqliteMigrateDriver) Unlock() error { return nil }

func (d *sqliteMigrateDriver) Run(migration io.Reader) error {
	data, err := io.ReadAll(migration)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(string(data))
	return err
}

func (d *sqliteMigrateDriver) SetVersion(version int, dirty bool) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations"); err != nil {
		_ = tx.Rollback()
		return err
	}
	if version >= 0 {
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)", version, dirty); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (d *sqliteMigrateDriver) Version() (int, bool, error) {
	row := d.db.QueryRow("SELECT version, dirty FROM schema_migrations LIMIT 1")
	var version int
	var dirty bool
	if err := row.Scan(&version, &dirty); err != nil {
		if err == sql.ErrNoRows {
			return -1, false, nil
		}
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return version, dirty, nil
}

func (d *sqliteMigrateDriver) Drop() error {
	_, err := d.db.Exec("DROP TABLE IF EXISTS metrics_entries; DROP TABLE IF EXISTS schema_migrations;")
	return err
}
