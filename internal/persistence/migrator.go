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

	"LendLedger/internal/observability"
	"LendLedger/migrations"

	"github.com/rs/zerolog"
)

// migrationLockKey is the pg_advisory_lock key held while migrating, so
// replicas starting together apply each file once.
const migrationLockKey = 0x6c656e64 // "lend"

// Migrator applies {version}_{name}.up.sql / .down.sql files, the
// golang-migrate naming, from a file system.
type Migrator struct {
	db     *sql.DB
	source fs.FS
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, source fs.FS) *Migrator {
	return &Migrator{db: db, source: source, logger: observability.NewLogger("migrator")}
}

// MigrationSource returns dir as a file system, or the schema embedded in
// the binary when dir is empty.
func MigrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

// MigrationStatus is one migration file and whether it is applied.
type MigrationStatus struct {
	Version  string
	Filename string
	Applied  bool
}

// Status lists every up-migration in order with its applied flag.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationTable(ctx, m.db); err != nil {
		return nil, err
	}
	applied, err := m.appliedVersions(ctx, m.db)
	if err != nil {
		return nil, err
	}
	files, err := m.files(".up.sql")
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(files))
	for _, f := range files {
		v := migrationVersion(f)
		out = append(out, MigrationStatus{Version: v, Filename: f, Applied: applied[v]})
	}
	return out, nil
}

// Up applies all pending up-migrations in order.
func (m *Migrator) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.appliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		files, err := m.files(".up.sql")
		if err != nil {
			return err
		}

		for _, f := range files {
			version := migrationVersion(f)
			if applied[version] {
				continue
			}
			err := m.apply(ctx, conn, f,
				`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
				version, f)
			if err != nil {
				return err
			}
			m.logger.Info().Str("file", f).Msg("applied migration")
		}
		return nil
	})
}

// Down rolls back the last applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		var version, filename string
		err := conn.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &filename)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}

		down := strings.TrimSuffix(filename, ".up.sql") + ".down.sql"
		if err := m.apply(ctx, conn, down,
			`DELETE FROM public.schema_migrations WHERE version = $1`, version); err != nil {
			return err
		}
		m.logger.Info().Str("file", down).Msg("rolled back migration")
		return nil
	})
}

// locked runs fn on one connection holding the migration lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("migration conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", err)
	}
	defer conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)

	if err := m.ensureMigrationTable(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

// apply runs one migration file and its bookkeeping statement in a single
// transaction.
func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, file, record string, args ...any) error {
	content, err := fs.ReadFile(m.source, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", file, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, record, args...); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func (m *Migrator) ensureMigrationTable(ctx context.Context, e execer) error {
	_, err := e.ExecContext(ctx, `
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

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (m *Migrator) appliedVersions(ctx context.Context, q queryer) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
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

func (m *Migrator) files(suffix string) ([]string, error) {
	names, err := fs.Glob(m.source, "*"+suffix)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// migrationVersion returns the numeric prefix of a migration file name:
// "000002_event_log.up.sql" -> "000002".
func migrationVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
