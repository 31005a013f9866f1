// Package migrate runs versioned SQL migrations against the telemetry
// schema and lets services fail fast when the schema has drifted from
// what they were built for.
package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// Migration is a single versioned schema change.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrator executes migrations and tracks the applied version in a
// schema_migrations table.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

func NewMigrator(db *sql.DB, migrations []Migration) *Migrator {
	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return &Migrator{db: db, migrations: sorted}
}

// fileName matches NNN_description.up.sql / NNN_description.down.sql.
var fileName = regexp.MustCompile(`^(\d+)_(.+)\.(up|down)\.sql$`)

// LoadFS reads migrations from a filesystem, pairing up/down files by
// version.
func LoadFS(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, e := range entries {
		m := fileName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("migration %s: bad version", e.Name())
		}
		body, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, err
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &Migration{Version: version, Name: m[2]}
			byVersion[version] = mig
		}
		if m[3] == "up" {
			mig.Up = string(body)
		} else {
			mig.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.Up == "" {
			return nil, fmt.Errorf("migration %d (%s) has no up file", mig.Version, mig.Name)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL
)`

func (m *Migrator) ensureTable() error {
	_, err := m.db.Exec(createTableSQL)
	return err
}

// CurrentVersion returns the highest applied version, 0 when none.
func (m *Migrator) CurrentVersion() (int, error) {
	if err := m.ensureTable(); err != nil {
		return 0, err
	}
	var version sql.NullInt64
	err := m.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

// LatestVersion is the highest version this build knows about.
func (m *Migrator) LatestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// Up applies all pending migrations, each in its own transaction.
func (m *Migrator) Up() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("applying migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

// Down rolls back to targetVersion.
func (m *Migrator) Down(targetVersion int) error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if targetVersion >= current {
		return fmt.Errorf("target version %d must be below current %d", targetVersion, current)
	}
	for i := len(m.migrations) - 1; i >= 0; i-- {
		mig := m.migrations[i]
		if mig.Version <= targetVersion || mig.Version > current {
			continue
		}
		if mig.Down == "" {
			return fmt.Errorf("migration %d (%s) is irreversible", mig.Version, mig.Name)
		}
		if err := m.rollback(mig); err != nil {
			return fmt.Errorf("rolling back migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

func (m *Migrator) apply(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.Up); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES ($1, $2, $3)`,
		mig.Version, mig.Name, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Migrator) rollback(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.Down); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = $1`, mig.Version); err != nil {
		return err
	}
	return tx.Commit()
}

// VerifyVersion fails when the database schema does not match this
// build. Services call it at boot and refuse to start on drift.
func (m *Migrator) VerifyVersion() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	latest := m.LatestVersion()
	if current != latest {
		return fmt.Errorf("schema version %d does not match expected %d: run migrations first", current, latest)
	}
	return nil
}
