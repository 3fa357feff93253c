package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"
)

// SQLiteRunner applies SQLite schema scripts.
type SQLiteRunner struct {
	db     *sql.DB
	logger *slog.Logger
	fsys   fs.FS
}

// NewSQLiteRunner returns a runner over the embedded SQLite scripts.
func NewSQLiteRunner(db *sql.DB, logger *slog.Logger) *SQLiteRunner {
	return NewSQLiteRunnerWithFS(db, logger, embeddedMigrations)
}

// NewSQLiteRunnerWithFS reads scripts from fsys under sqlite/.
func NewSQLiteRunnerWithFS(db *sql.DB, logger *slog.Logger, fsys fs.FS) *SQLiteRunner {
	return &SQLiteRunner{db: db, logger: logger, fsys: fsys}
}

// Bootstrap creates the history table if needed.
func (r *SQLiteRunner) Bootstrap(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+HistoryTable+` (
		name       TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating %s: %w", HistoryTable, err)
	}
	return nil
}

// Run applies pending scripts in name order, one transaction each.
func (r *SQLiteRunner) Run(ctx context.Context) (int, error) {
	applied, err := r.GetApplied(ctx)
	if err != nil {
		return 0, err
	}
	set := make(map[string]bool, len(applied))
	for _, m := range applied {
		set[m.Name] = true
	}
	pending, err := pendingScripts(r.fsys, sqliteDir, set)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, name := range pending {
		body, err := fs.ReadFile(r.fsys, path.Join(sqliteDir, name))
		if err != nil {
			return count, fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := r.apply(ctx, name, string(body)); err != nil {
			return count, err
		}
		r.logger.Info("applied migration", "engine", "sqlite", "name", name)
		count++
	}
	return count, nil
}

func (r *SQLiteRunner) apply(ctx context.Context, name, body string) (err error) {
	stmts := splitStatements(body)
	if len(stmts) == 0 {
		return fmt.Errorf("migration %s contains no statements", name)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration %s: %w", name, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range stmts {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying migration %s (statement %d): %w", name, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO `+HistoryTable+` (name, applied_at) VALUES (?, ?)`,
		name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("recording migration %s: %w", name, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %s: %w", name, err)
	}
	return nil
}

// GetApplied lists applied scripts in name order.
func (r *SQLiteRunner) GetApplied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, applied_at FROM `+HistoryTable+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", HistoryTable, err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		var at string
		if err := rows.Scan(&m.Name, &at); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", HistoryTable, err)
		}
		m.AppliedAt, _ = time.Parse(time.RFC3339, at)
		out = append(out, m)
	}
	return out, rows.Err()
}

// splitStatements splits a script on semicolons and drops comment-only
// lines. Scripts must not put semicolons inside string literals.
func splitStatements(body string) []string {
	var out []string
	for _, chunk := range strings.Split(body, ";") {
		var lines []string
		for _, line := range strings.Split(chunk, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
