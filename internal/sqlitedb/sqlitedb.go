// Package sqlitedb reads the legacy flowbase SQLite database.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNoSuchTable is returned by reads of a table the database does not have.
	ErrNoSuchTable = errors.New("no such table")
	// ErrNotFound is returned by Open when the database file does not exist.
	ErrNotFound = errors.New("sqlite database not found")
)

// HistoryTable records applied schema migrations on both engines. It is
// never part of the data copy.
const HistoryTable = "_fb_migrations"

// DB is an open SQLite database.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens an existing database file. It never creates one.
func Open(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("checking %s: %w", path, err)
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// A single connection keeps pragmas and schema changes consistent.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &DB{db: db, path: path}, nil
}

func dsn(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)"
}

// SQL returns the underlying *sql.DB.
func (d *DB) SQL() *sql.DB { return d.db }

// Path returns the file the database was opened from.
func (d *DB) Path() string { return d.path }

// Close closes the database connection.
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// TableNames lists user tables in name order, excluding SQLite internals and
// the migration history table.
func (d *DB) TableNames(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND name <> ?
		 ORDER BY name`, HistoryTable)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CountRows returns the number of rows in table.
func (d *DB) CountRows(ctx context.Context, table string) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+QuoteIdent(table)).Scan(&n)
	if err != nil {
		return 0, classify(table, err)
	}
	return n, nil
}

// ReadRows reads every row of table keyed by column name.
// Values are whatever the driver produces: int64, float64, string, []byte,
// time.Time, bool or nil.
func (d *DB) ReadRows(ctx context.Context, table string) ([]map[string]any, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT * FROM "+QuoteIdent(table))
	if err != nil {
		return nil, classify(table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row of %s: %w", table, err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s: %w", table, err)
	}
	return out, nil
}

// IsNoSuchTable reports whether err came from reading a table the database
// does not have.
func IsNoSuchTable(err error) bool {
	return errors.Is(err, ErrNoSuchTable)
}

// missingTable reports whether err is SQLite failing to resolve table itself.
// A missing table referenced from a view or trigger body names a different
// table and does not match.
func missingTable(table string, err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) || se.Code()&0xff != sqlite3.SQLITE_ERROR {
		return false
	}
	msg := se.Error()
	for _, name := range []string{table, "main." + table} {
		needle := "no such table: " + name
		if strings.HasSuffix(msg, needle) || strings.Contains(msg, needle+" (") {
			return true
		}
	}
	return false
}

func classify(table string, err error) error {
	if missingTable(table, err) {
		return fmt.Errorf("%w: %s", ErrNoSuchTable, table)
	}
	return fmt.Errorf("querying %s: %w", table, err)
}

// QuoteIdent double-quotes a SQLite identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
