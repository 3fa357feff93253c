// Package migrations applies the embedded flowbase schema scripts to
// Postgres and to the legacy SQLite database.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql/*.sql sqlite/*.sql
var embeddedMigrations embed.FS

// HistoryTable records applied scripts on both engines.
const HistoryTable = "_fb_migrations"

const (
	postgresDir = "sql"
	sqliteDir   = "sqlite"
)

// AppliedMigration is one row of the history table.
type AppliedMigration struct {
	Name      string
	AppliedAt time.Time
}

// Runner applies Postgres schema scripts.
type Runner struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	fsys   fs.FS
}

// NewRunner returns a Runner over the embedded Postgres scripts.
func NewRunner(pool *pgxpool.Pool, logger *slog.Logger) *Runner {
	return NewRunnerWithFS(pool, logger, embeddedMigrations)
}

// NewRunnerWithFS reads scripts from fsys under sql/.
func NewRunnerWithFS(pool *pgxpool.Pool, logger *slog.Logger, fsys fs.FS) *Runner {
	return &Runner{pool: pool, logger: logger, fsys: fsys}
}

// Bootstrap creates the history table if needed.
func (r *Runner) Bootstrap(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+HistoryTable+` (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating %s: %w", HistoryTable, err)
	}
	return nil
}

// Run applies every pending script in name order, each in its own
// transaction, and returns how many were applied. It stops at the first
// failing script.
func (r *Runner) Run(ctx context.Context) (int, error) {
	applied, err := r.appliedSet(ctx)
	if err != nil {
		return 0, err
	}
	pending, err := pendingScripts(r.fsys, postgresDir, applied)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, name := range pending {
		body, err := fs.ReadFile(r.fsys, path.Join(postgresDir, name))
		if err != nil {
			return count, fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := r.apply(ctx, name, string(body)); err != nil {
			return count, err
		}
		r.logger.Info("applied migration", "engine", "postgres", "name", name)
		count++
	}
	return count, nil
}

func (r *Runner) apply(ctx context.Context, name, body string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, body); err != nil {
			return fmt.Errorf("applying migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO `+HistoryTable+` (name) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		return nil
	})
}

// GetApplied lists applied scripts in name order.
func (r *Runner) GetApplied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, applied_at FROM `+HistoryTable+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", HistoryTable, err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.Name, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", HistoryTable, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Runner) appliedSet(ctx context.Context) (map[string]bool, error) {
	applied, err := r.GetApplied(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(applied))
	for _, m := range applied {
		set[m.Name] = true
	}
	return set, nil
}

// pendingScripts lists .sql files in dir that are not in applied, sorted by name.
func pendingScripts(fsys fs.FS, dir string, applied map[string]bool) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("listing migrations in %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") || applied[e.Name()] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
