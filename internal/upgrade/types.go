// Package upgrade moves a flowbase installation from its legacy SQLite
// database to Postgres. Tables are copied in foreign-key order, one
// transaction per table, with batched primary-key upserts so a run can be
// repeated safely.
package upgrade

import (
	"errors"
	"fmt"
	"time"

	"github.com/flowbase/flowbase/internal/migrate"
)

// DefaultBatchSize is the number of rows sent per upsert batch.
const DefaultBatchSize = 100

// ErrSourceMissing is returned by a forced run when the SQLite file is absent.
var ErrSourceMissing = errors.New("sqlite source not found")

// Row is one source or destination row keyed by column name.
type Row = map[string]any

// ConstraintMode selects how a table transaction relaxes constraint checks.
type ConstraintMode string

const (
	// ModeReplica disables triggers, including foreign-key enforcement, for
	// the transaction. Requires superuser or replication privileges.
	ModeReplica ConstraintMode = "replica"
	// ModeDeferred defers DEFERRABLE constraints to the restore statement.
	ModeDeferred ConstraintMode = "deferred"
)

// ParseConstraintMode validates s. An empty string selects ModeReplica.
func ParseConstraintMode(s string) (ConstraintMode, error) {
	switch ConstraintMode(s) {
	case "", ModeReplica:
		return ModeReplica, nil
	case ModeDeferred:
		return ModeDeferred, nil
	default:
		return "", fmt.Errorf("unknown constraint mode %q (want %q or %q)", s, ModeReplica, ModeDeferred)
	}
}

func (m ConstraintMode) relaxSQL() string {
	if m == ModeDeferred {
		return "SET CONSTRAINTS ALL DEFERRED"
	}
	return "SET LOCAL session_replication_role = replica"
}

func (m ConstraintMode) restoreSQL() string {
	if m == ModeDeferred {
		return "SET CONSTRAINTS ALL IMMEDIATE"
	}
	return "SET LOCAL session_replication_role = origin"
}

// Outcome is the result of copying one table.
type Outcome struct {
	Table       string        `json:"table"`
	RowsRead    int           `json:"rowsRead"`
	RowsWritten int           `json:"rowsWritten"`
	Skipped     bool          `json:"skipped"`
	SkipReason  string        `json:"skipReason,omitempty"`
	Err         error         `json:"-"`
	Error       string        `json:"error,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Skip reasons recorded on Outcome.
const (
	SkipNotInSource = "not in source"
	SkipEmpty       = "empty"
	SkipNoColumns   = "no matching columns"
)

// Report describes one Migrate call.
type Report struct {
	RunID                 string                     `json:"runId"`
	Performed             bool                       `json:"performed"`
	Reason                string                     `json:"reason,omitempty"`
	Plan                  []string                   `json:"plan,omitempty"`
	Outcomes              []Outcome                  `json:"outcomes,omitempty"`
	SourceMigrations      int                        `json:"sourceMigrations"`
	DestinationMigrations int                        `json:"destinationMigrations"`
	StartedAt             time.Time                  `json:"startedAt"`
	FinishedAt            time.Time                  `json:"finishedAt"`
	Validation            *migrate.ValidationSummary `json:"validation,omitempty"`
	Error                 string                     `json:"error,omitempty"`
}

// Migrated counts tables whose rows were written.
func (r *Report) Migrated() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Skipped && o.Err == nil && o.Error == "" {
			n++
		}
	}
	return n
}

// Skipped counts tables that were absent or empty in the source.
func (r *Report) Skipped() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Skipped {
			n++
		}
	}
	return n
}

// TotalRows sums rows written across all tables.
func (r *Report) TotalRows() int {
	n := 0
	for _, o := range r.Outcomes {
		n += o.RowsWritten
	}
	return n
}

// Failed returns the outcome of the table that aborted the run, if any.
func (r *Report) Failed() *Outcome {
	for i := range r.Outcomes {
		if r.Outcomes[i].Err != nil || r.Outcomes[i].Error != "" {
			return &r.Outcomes[i]
		}
	}
	return nil
}

// Elapsed is the wall time of the run.
func (r *Report) Elapsed() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// TableError marks a failure copying one table.
type TableError struct {
	Table string
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("copying table %s: %v", e.Table, e.Err)
}

func (e *TableError) Unwrap() error { return e.Err }

// GateError marks a failure connecting to or probing the destination
// before any data was touched.
type GateError struct {
	Err error
}

func (e *GateError) Error() string {
	return fmt.Sprintf("checking destination: %v", e.Err)
}

func (e *GateError) Unwrap() error { return e.Err }

// SchemaError marks a failed schema migration on one engine.
type SchemaError struct {
	Engine string
	Err    error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("migrating %s schema: %v", e.Engine, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }
