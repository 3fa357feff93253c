package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flowbase/flowbase/internal/schema"
	"github.com/flowbase/flowbase/internal/sqlitedb"
)

// Source reads every row of a table. A missing table must be reported with
// an error matching sqlitedb.ErrNoSuchTable.
type Source interface {
	ReadRows(ctx context.Context, table string) ([]map[string]any, error)
}

// TxBeginner opens destination transactions. *pgxpool.Pool satisfies it.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// CopierOptions tunes a Copier.
type CopierOptions struct {
	BatchSize int
	Mode      ConstraintMode
	Logger    *slog.Logger
	// OnBatch is called after each batch is accepted by the destination.
	OnBatch func(table string, written, total int)
}

// Copier copies tables from a Source into Postgres.
type Copier struct {
	src    Source
	dst    TxBeginner
	opts   CopierOptions
	logger *slog.Logger
}

// NewCopier returns a Copier. Zero options select batches of
// DefaultBatchSize and ModeReplica.
func NewCopier(src Source, dst TxBeginner, opts CopierOptions) *Copier {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Mode == "" {
		opts.Mode = ModeReplica
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Copier{src: src, dst: dst, opts: opts, logger: logger}
}

// CopyTable copies every source row of table in one destination
// transaction. A table missing from the source, or empty, is skipped
// without error. Any other failure rolls the transaction back and is
// returned as *TableError.
func (c *Copier) CopyTable(ctx context.Context, table *schema.Table) (out Outcome, err error) {
	start := time.Now()
	out.Table = table.Name
	defer func() {
		out.Elapsed = time.Since(start)
		if err != nil {
			out.Err = err
			out.Error = err.Error()
		}
	}()

	rows, err := c.src.ReadRows(ctx, table.Name)
	if err != nil {
		if sqlitedb.IsNoSuchTable(err) {
			out.Skipped, out.SkipReason = true, SkipNotInSource
			return out, nil
		}
		return out, &TableError{Table: table.Name, Err: fmt.Errorf("reading source: %w", err)}
	}
	out.RowsRead = len(rows)
	if len(rows) == 0 {
		out.Skipped, out.SkipReason = true, SkipEmpty
		return out, nil
	}

	coerced := make([]Row, 0, len(rows))
	for _, r := range rows {
		if cr := CoerceRow(r, table); len(cr) > 0 {
			coerced = append(coerced, cr)
		}
	}
	if len(coerced) == 0 {
		out.Skipped, out.SkipReason = true, SkipNoColumns
		return out, nil
	}

	written, err := c.write(ctx, table, coerced)
	if err != nil {
		return out, &TableError{Table: table.Name, Err: err}
	}
	out.RowsWritten = written
	return out, nil
}

func (c *Copier) write(ctx context.Context, table *schema.Table, rows []Row) (int, error) {
	tx, err := c.dst.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	// Rollback after Commit is a no-op. A cancelled ctx must not prevent it.
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if _, err := tx.Exec(ctx, c.opts.Mode.relaxSQL()); err != nil {
		return 0, fmt.Errorf("relaxing constraints: %w", err)
	}

	stmts := map[string]string{}
	written := 0
	for batchStart := 0; batchStart < len(rows); batchStart += c.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batchEnd := min(batchStart+c.opts.BatchSize, len(rows))

		batch := &pgx.Batch{}
		for _, row := range rows[batchStart:batchEnd] {
			cols, args, err := bindRow(table, row)
			if err != nil {
				return 0, err
			}
			key := strings.Join(cols, "\x00")
			sql, ok := stmts[key]
			if !ok {
				sql = upsertSQL(table, cols)
				stmts[key] = sql
			}
			batch.Queue(sql, args...)
		}
		if err := sendBatch(ctx, tx, batch); err != nil {
			return 0, fmt.Errorf("batch at row %d: %w", batchStart, err)
		}

		written += batch.Len()
		c.logger.Debug("batch written", "table", table.Name, "batch", batchStart/c.opts.BatchSize+1, "rows", written)
		if c.opts.OnBatch != nil {
			c.opts.OnBatch(table.Name, written, len(rows))
		}
	}

	if err := resetSequences(ctx, tx, table); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, c.opts.Mode.restoreSQL()); err != nil {
		return 0, fmt.Errorf("restoring constraints: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}
	return written, nil
}

func sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	return br.Close()
}

// bindRow lists row's columns in table order with their wire values.
// JSON values are sent as encoded text.
func bindRow(table *schema.Table, row Row) ([]string, []any, error) {
	cols := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for _, col := range table.Columns {
		v, ok := row[col.Name]
		if !ok {
			continue
		}
		if col.IsJSON && v != nil {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, nil, fmt.Errorf("encoding %s: %w", col.Name, err)
			}
			v = string(b)
		}
		cols = append(cols, col.Name)
		args = append(args, v)
	}
	return cols, args, nil
}

// upsertSQL builds an INSERT that overwrites the existing row with the same
// primary key. Tables without a primary key, or rows carrying only key
// columns, fall back to DO NOTHING.
func upsertSQL(table *schema.Table, cols []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table.QualifiedName())
	b.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(schema.QuoteIdent(col))
	}
	b.WriteString(")")
	if table.HasIdentityAlways() {
		b.WriteString(" OVERRIDING SYSTEM VALUE")
	}
	b.WriteString(" VALUES (")
	for i := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("$" + strconv.Itoa(i+1))
	}
	b.WriteString(")")

	if len(table.PrimaryKey) == 0 {
		b.WriteString(" ON CONFLICT DO NOTHING")
		return b.String()
	}

	pk := make(map[string]bool, len(table.PrimaryKey))
	quotedPK := make([]string, len(table.PrimaryKey))
	for i, name := range table.PrimaryKey {
		pk[name] = true
		quotedPK[i] = schema.QuoteIdent(name)
	}
	var sets []string
	for _, col := range cols {
		if pk[col] {
			continue
		}
		q := schema.QuoteIdent(col)
		sets = append(sets, q+" = EXCLUDED."+q)
	}

	b.WriteString(" ON CONFLICT (")
	b.WriteString(strings.Join(quotedPK, ", "))
	b.WriteString(")")
	if len(sets) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}
	return b.String()
}

// resetSequences moves serial and identity sequences past the copied keys
// so later inserts do not collide.
func resetSequences(ctx context.Context, tx pgx.Tx, table *schema.Table) error {
	for _, col := range table.SequenceColumns() {
		q := schema.QuoteIdent(col.Name)
		sql := "SELECT setval(pg_get_serial_sequence($1, $2), COALESCE(MAX(" + q + "), 0) + 1, false) FROM " + table.QualifiedName()
		if _, err := tx.Exec(ctx, sql, table.QualifiedName(), col.Name); err != nil {
			return fmt.Errorf("resetting sequence for %s: %w", col.Name, err)
		}
	}
	return nil
}
