package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// migrationLockID serialises migrators running in several instances.
const migrationLockID = 7_391_452_001

// Migration is one versioned schema change.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt *time.Time
}

// MigrationRecord is a row of schema_migrations.
type MigrationRecord struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// Migrator applies migrations to one pool.
type Migrator struct {
	pool       *Pool
	migrations []Migration
}

// NewSchemaMigrator returns a migrator for the built-in rate_limits schema.
func NewSchemaMigrator(pool *Pool) (*Migrator, error) {
	return NewMigrator(pool, schemaFS, "migrations")
}

// NewMigrator creates a Migrator from the .sql files in dir.
func NewMigrator(pool *Pool, fsys fs.FS, dir string) (*Migrator, error) {
	migrations, err := loadMigrations(fsys, dir)
	if err != nil {
		return nil, errors.WithMessage(err, "load migrations")
	}
	return NewMigratorWithMigrations(pool, migrations), nil
}

// NewMigratorWithMigrations creates a Migrator with provided migrations.
func NewMigratorWithMigrations(pool *Pool, migrations []Migration) *Migrator {
	return &Migrator{
		pool:       pool,
		migrations: migrations,
	}
}

// Migrations returns the known migrations in version order.
func (m *Migrator) Migrations() []Migration {
	return m.migrations
}

// loadMigrations reads files named <version>_<name>.<up|down>.sql.
func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		prefix, rest, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		base := strings.TrimSuffix(rest, ".sql")
		dot := strings.LastIndex(base, ".")
		if dot < 0 {
			continue
		}
		direction := base[dot+1:]
		if direction != "up" && direction != "down" {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, errors.WithMessagef(err, "read migration %s", name)
		}

		mig, exists := byVersion[version]
		if !exists {
			mig = &Migration{Version: version, Name: base[:dot]}
			byVersion[version] = mig
		}
		if direction == "up" {
			mig.UpSQL = string(content)
		} else {
			mig.DownSQL = string(content)
		}
	}

	migrations := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.UpSQL == "" {
			return nil, fmt.Errorf("migration %d (%s) has no up script", mig.Version, mig.Name)
		}
		migrations = append(migrations, *mig)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// EnsureMigrationsTable creates schema_migrations if it does not exist.
func (m *Migrator) EnsureMigrationsTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       VARCHAR(255) NOT NULL,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	return errors.WithMessage(err, "create schema_migrations")
}

// AppliedMigrations returns applied migrations in version order.
func (m *Migrator) AppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := m.pool.Query(ctx, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, errors.WithMessage(err, "query schema_migrations")
	}
	defer rows.Close()

	var records []MigrationRecord
	for rows.Next() {
		var r MigrationRecord
		if err := rows.Scan(&r.Version, &r.Name, &r.AppliedAt); err != nil {
			return nil, errors.WithMessage(err, "scan schema_migrations")
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PendingMigrations returns migrations not yet applied.
func (m *Migrator) PendingMigrations(ctx context.Context) ([]Migration, error) {
	applied, err := m.AppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	done := make(map[int]struct{}, len(applied))
	for _, r := range applied {
		done[r.Version] = struct{}{}
	}

	var pending []Migration
	for _, mig := range m.migrations {
		if _, ok := done[mig.Version]; !ok {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// Up applies all pending migrations and returns how many ran.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	if err := m.EnsureMigrationsTable(ctx); err != nil {
		return 0, err
	}

	pending, err := m.PendingMigrations(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, mig := range pending {
		ran, err := m.applyMigration(ctx, mig)
		if err != nil {
			return applied, errors.WithMessagef(err, "apply migration %d (%s)", mig.Version, mig.Name)
		}
		if ran {
			applied++
		}
	}
	return applied, nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	applied, err := m.AppliedMigrations(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return nil
	}

	last := applied[len(applied)-1]
	for _, mig := range m.migrations {
		if mig.Version == last.Version {
			return m.rollbackMigration(ctx, mig)
		}
	}
	return fmt.Errorf("migration %d not found", last.Version)
}

// applyMigration runs one migration under a transaction-scoped advisory
// lock. It reports false when another instance applied it first.
func (m *Migrator) applyMigration(ctx context.Context, mig Migration) (bool, error) {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return false, errors.WithMessage(err, "acquire migration lock")
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`,
		mig.Version).Scan(&exists); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
		return false, errors.WithMessage(err, "execute up SQL")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`,
		mig.Version, mig.Name); err != nil {
		return false, errors.WithMessage(err, "record migration")
	}

	return true, tx.Commit(ctx)
}

func (m *Migrator) rollbackMigration(ctx context.Context, mig Migration) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if mig.DownSQL != "" {
		if _, err := tx.Exec(ctx, mig.DownSQL); err != nil {
			return errors.WithMessage(err, "execute down SQL")
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, mig.Version); err != nil {
		return errors.WithMessage(err, "remove migration record")
	}

	return tx.Commit(ctx)
}

// CurrentVersion returns the highest applied version, or 0.
func (m *Migrator) CurrentVersion(ctx context.Context) (int, error) {
	applied, err := m.AppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}
	if len(applied) == 0 {
		return 0, nil
	}
	return applied[len(applied)-1].Version, nil
}
