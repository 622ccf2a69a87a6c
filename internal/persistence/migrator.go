package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// migrationLockKey serialises migrators of several vault processes
// starting against one database.
const migrationLockKey = 0x7065727076 // "perpv"

// Migration is one versioned schema step read from the migrations source.
// File names follow {version}_{name}.up.sql / .down.sql.
type Migration struct {
	Version string
	Up      string // file name
	Down    string // file name, empty when the step cannot be rolled back
}

// Migrator applies migrations from an fs.FS and records them in
// public.schema_migrations.
type Migrator struct {
	db     *sql.DB
	src    fs.FS
	logger zerolog.Logger
}

// NewMigrator reads migrations from a directory on disk.
func NewMigrator(db *sql.DB, migrationsDir string, logger zerolog.Logger) *Migrator {
	return NewMigratorFS(db, os.DirFS(migrationsDir), logger)
}

func NewMigratorFS(db *sql.DB, src fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, src: src, logger: logger}
}

// Pending lists the up files not yet applied, oldest first.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}
	migrations, err := LoadMigrations(m.src)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, mg := range pending(migrations, applied) {
		files = append(files, mg.Up)
	}
	return files, nil
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}
	migrations, err := LoadMigrations(m.src)
	if err != nil {
		return err
	}

	for {
		applied, err := m.appliedVersions(ctx)
		if err != nil {
			return err
		}
		todo := pending(migrations, applied)
		if len(todo) == 0 {
			return nil
		}
		mg := todo[0]
		done, err := m.apply(ctx, mg.Version, mg.Up, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				mg.Version, mg.Up)
			return err
		})
		if err != nil {
			return err
		}
		if done {
			m.logger.Info().Str("version", mg.Version).Str("file", mg.Up).Msg("applied migration")
		}
	}
}

// Down rolls back the most recently applied migration, if any.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return err
	}

	var version string
	err := m.db.QueryRowContext(ctx,
		`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		m.logger.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest migration: %w", err)
	}

	migrations, err := LoadMigrations(m.src)
	if err != nil {
		return err
	}
	var mg *Migration
	for i := range migrations {
		if migrations[i].Version == version {
			mg = &migrations[i]
		}
	}
	if mg == nil || mg.Down == "" {
		return fmt.Errorf("no down migration for version %s", version)
	}

	_, err = m.apply(ctx, version, mg.Down, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM public.schema_migrations WHERE version = $1`, version)
		return err
	})
	if err != nil {
		return err
	}
	m.logger.Info().Str("version", version).Str("file", mg.Down).Msg("rolled back migration")
	return nil
}

// apply runs file and record in one transaction under the migration lock.
// It reports false when another process changed the version first.
func (m *Migrator) apply(ctx context.Context, version, file string, record func(*sql.Tx) error) (bool, error) {
	body, err := fs.ReadFile(m.src, file)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("migration lock: %w", err)
	}

	// Re-check under the lock.
	var present bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM public.schema_migrations WHERE version = $1)`, version,
	).Scan(&present); err != nil {
		return false, fmt.Errorf("check version %s: %w", version, err)
	}
	if present == strings.HasSuffix(file, ".up.sql") {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, string(body)); err != nil {
		return false, fmt.Errorf("exec %s: %w", file, err)
	}
	if err := record(tx); err != nil {
		return false, fmt.Errorf("record %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit %s: %w", file, err)
	}
	return true, nil
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("applied versions: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// LoadMigrations pairs the up and down files of src by version. Every
// version needs an up file; versions must be unique.
func LoadMigrations(src fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(src, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, _, ok := strings.Cut(name, "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("migration %s: missing version prefix", name)
		}
		mg := byVersion[version]
		if mg == nil {
			mg = &Migration{Version: version}
			byVersion[version] = mg
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			if mg.Up != "" {
				return nil, fmt.Errorf("version %s: duplicate up files %s and %s", version, mg.Up, name)
			}
			mg.Up = name
		case strings.HasSuffix(name, ".down.sql"):
			if mg.Down != "" {
				return nil, fmt.Errorf("version %s: duplicate down files %s and %s", version, mg.Down, name)
			}
			mg.Down = name
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mg := range byVersion {
		if mg.Up == "" {
			return nil, fmt.Errorf("version %s has no up migration", mg.Version)
		}
		out = append(out, *mg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func pending(migrations []Migration, applied map[string]bool) []Migration {
	var out []Migration
	for _, mg := range migrations {
		if !applied[mg.Version] {
			out = append(out, mg)
		}
	}
	return out
}
