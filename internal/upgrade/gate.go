package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/flowbase/flowbase/internal/config"
	"github.com/flowbase/flowbase/internal/migrations"
	"github.com/flowbase/flowbase/internal/schema"
)

// DefaultProbeTable is created by the first destination schema script.
// It is probed first; the rest of the destination schema follows.
const DefaultProbeTable = "users"

// Gate decides whether an upgrade still has to run.
type Gate struct {
	Engine      string // configured destination engine
	DatabaseURL string
	SQLitePath  string
	Schema      string // destination schema; empty means public
	ProbeTable  string
	Testing     bool
	// Force skips the destination probe. A missing source is then an
	// error instead of a quiet no.
	Force bool
}

// Gate decisions reported alongside a false answer.
const (
	ReasonTesting   = "testing environment"
	ReasonEngine    = "destination engine is not postgres"
	ReasonNoSource  = "no sqlite database to upgrade"
	ReasonPopulated = "destination already has data"
	reasonForced    = "forced"
	reasonNoTables  = "destination tables not created yet"
	reasonEmpty     = "destination is empty"
)

// ShouldMigrate reports whether the destination still needs the copy.
// Connection and probe failures are returned as *GateError and must be
// treated as fatal.
func (g *Gate) ShouldMigrate(ctx context.Context) (bool, error) {
	ok, _, err := g.decide(ctx)
	return ok, err
}

func (g *Gate) decide(ctx context.Context) (bool, string, error) {
	if g.Testing {
		return false, ReasonTesting, nil
	}
	if g.Engine != config.EnginePostgres {
		return false, ReasonEngine, nil
	}
	if _, err := os.Stat(g.SQLitePath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, "", &GateError{Err: fmt.Errorf("checking %s: %w", g.SQLitePath, err)}
		}
		if g.Force {
			return false, "", fmt.Errorf("%w: %s", ErrSourceMissing, g.SQLitePath)
		}
		return false, ReasonNoSource, nil
	}
	if g.Force {
		return true, reasonForced, nil
	}
	if g.DatabaseURL == "" {
		return false, "", &GateError{Err: errors.New("database URL is required")}
	}

	conn, err := pgx.Connect(ctx, g.DatabaseURL)
	if err != nil {
		return false, "", &GateError{Err: err}
	}
	defer conn.Close(context.WithoutCancel(ctx))

	probe := g.ProbeTable
	if probe == "" {
		probe = DefaultProbeTable
	}
	schemaName := g.Schema
	if schemaName == "" {
		schemaName = DefaultSchema
	}
	tables, err := destinationTables(ctx, conn, schemaName, probe)
	if err != nil {
		return false, "", &GateError{Err: fmt.Errorf("listing destination tables: %w", err)}
	}
	if len(tables) == 0 {
		return true, reasonNoTables, nil
	}
	for _, name := range tables {
		populated, err := hasRows(ctx, conn, schemaName, name)
		if err != nil {
			return false, "", &GateError{Err: fmt.Errorf("probing %s: %w", name, err)}
		}
		if populated {
			return false, ReasonPopulated, nil
		}
	}
	return true, reasonEmpty, nil
}

// destinationTables lists the ordinary and partitioned tables of schemaName,
// probe first, leaving out the schema history table.
func destinationTables(ctx context.Context, conn *pgx.Conn, schemaName, probe string) ([]string, error) {
	rows, err := conn.Query(ctx, `
		SELECT c.relname
		FROM pg_catalog.pg_class c
		JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1
		  AND c.relkind IN ('r', 'p')
		  AND c.relname <> $2
		ORDER BY c.relname = $3 DESC, c.relname`,
		schemaName, migrations.HistoryTable, probe)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// hasRows reports whether the table holds at least one row. A table dropped
// since it was listed counts as empty.
func hasRows(ctx context.Context, conn *pgx.Conn, schemaName, table string) (bool, error) {
	var populated bool
	err := conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+
		schema.QuoteIdent(schemaName)+"."+schema.QuoteIdent(table)+" LIMIT 1)").Scan(&populated)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			return false, nil
		}
		return false, err
	}
	return populated, nil
}
