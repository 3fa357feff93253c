package upgrade_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbase/flowbase/internal/schema"
	"github.com/flowbase/flowbase/internal/sqlitedb"
	"github.com/flowbase/flowbase/internal/upgrade"
)

type fakeSource struct {
	tables map[string][]map[string]any
	err    error
}

func (s *fakeSource) ReadRows(_ context.Context, table string) ([]map[string]any, error) {
	if s.err != nil {
		return nil, s.err
	}
	rows, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sqlitedb.ErrNoSuchTable, table)
	}
	return rows, nil
}

// fakeTx records statements. Methods it does not override panic through
// the nil embedded interface.
type fakeTx struct {
	pgx.Tx
	execs        []string
	execArgs     [][]any
	batches      [][]*pgx.QueuedQuery
	failBatch    int
	failExec     string
	commitErr    error
	committed    bool
	rolledBack   bool
	rollbackErrs []error
}

func (f *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	f.execArgs = append(f.execArgs, args)
	if f.failExec != "" && strings.Contains(sql, f.failExec) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}
	return pgconn.NewCommandTag("SET"), nil
}

func (f *fakeTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.batches = append(f.batches, b.QueuedQueries)
	return &fakeResults{fail: len(f.batches) == f.failBatch}
}

func (f *fakeTx) Commit(context.Context) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	if f.committed {
		return pgx.ErrTxClosed
	}
	f.rolledBack = true
	f.rollbackErrs = append(f.rollbackErrs, ctx.Err())
	return nil
}

func (f *fakeTx) rowsSent() int {
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type fakeResults struct {
	pgx.BatchResults
	fail bool
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.fail {
		return pgconn.CommandTag{}, errors.New(`duplicate key value violates unique constraint "flows_endpoint_name_key"`)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Close() error { return nil }

type fakeDB struct {
	tx       *fakeTx
	beginErr error
	begins   int
}

func (d *fakeDB) BeginTx(context.Context, pgx.TxOptions) (pgx.Tx, error) {
	d.begins++
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	return d.tx, nil
}

func flowRows(n int) []map[string]any {
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = map[string]any{
			"id":           fmt.Sprintf("flow-%03d", i),
			"name":         fmt.Sprintf("Flow %d", i),
			"data":         `{"x":1}`,
			"tags":         "a,b",
			"is_component": int64(i % 2),
		}
	}
	return rows
}

func TestCopyTableSkipsTableMissingFromSource(t *testing.T) {
	t.Parallel()
	db := &fakeDB{tx: &fakeTx{}}
	c := upgrade.NewCopier(&fakeSource{}, db, upgrade.CopierOptions{})

	out, err := c.CopyTable(t.Context(), flowsTable())
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, upgrade.SkipNotInSource, out.SkipReason)
	assert.Equal(t, "flows", out.Table)
	assert.Zero(t, db.begins, "no transaction for a skipped table")
}

func TestCopyTableSkipsEmptyTable(t *testing.T) {
	t.Parallel()
	db := &fakeDB{tx: &fakeTx{}}
	src := &fakeSource{tables: map[string][]map[string]any{"flows": {}}}
	c := upgrade.NewCopier(src, db, upgrade.CopierOptions{})

	out, err := c.CopyTable(t.Context(), flowsTable())
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, upgrade.SkipEmpty, out.SkipReason)
	assert.Zero(t, db.begins)
}

func TestCopyTableSkipsRowsWithoutDestinationColumns(t *testing.T) {
	t.Parallel()
	db := &fakeDB{tx: &fakeTx{}}
	src := &fakeSource{tables: map[string][]map[string]any{"flows": {{"legacy": 1}}}}
	c := upgrade.NewCopier(src, db, upgrade.CopierOptions{})

	out, err := c.CopyTable(t.Context(), flowsTable())
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, upgrade.SkipNoColumns, out.SkipReason)
	assert.Equal(t, 1, out.RowsRead)
	assert.Zero(t, db.begins)
}

func TestCopyTableReadErrorIsFatal(t *testing.T) {
	t.Parallel()
	db := &fakeDB{tx: &fakeTx{}}
	src := &fakeSource{err: errors.New("database is locked")}
	c := upgrade.NewCopier(src, db, upgrade.CopierOptions{})

	out, err := c.CopyTable(t.Context(), flowsTable())
	require.Error(t, err)
	var te *upgrade.TableError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "flows", te.Table)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Equal(t, err, out.Err)
	assert.Zero(t, db.begins)
}

func TestCopyTableBatchesRowsInOneTransaction(t *testing.T) {
	t.Parallel()
	tx := &fakeTx{}
	src := &fakeSource{tables: map[string][]map[string]any{"flows": flowRows(250)}}
	var progress []int
	c := upgrade.NewCopier(src, &fakeDB{tx: tx}, upgrade.CopierOptions{
		OnBatch: func(table string, written, total int) {
			assert.Equal(t, "flows", table)
			assert.Equal(t, 250, total)
			progress = append(progress, written)
		},
	})

	out, err := c.CopyTable(t.Context(), flowsTable())
	require.NoError(t, err)
	assert.False(t, out.Skipped)
	assert.Equal(t, 250, out.RowsRead)
	assert.Equal(t, 250, out.RowsWritten)
	assert.Empty(t, out.Error)

	require.Len(t, tx.batches, 3)
	assert.Len(t, tx.batches[0], 100)
	assert.Len(t, tx.batches[1], 100)
	assert.Len(t, tx.batches[2], 50)
	assert.Equal(t, []int{100, 200, 250}, progress)

	assert.Equal(t, []string{
		"SET LOCAL session_replication_role = replica",
		"SET LOCAL session_replication_role = origin",
	}, tx.execs)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
}

func TestCopyTablePreservesSourceOrder(t *testing.T) {
	t.Parallel()
	tx := &fakeTx{}
	src := &fakeSource{tables: map[string][]map[string]any{"flows": flowRows(5)}}
	c := upgrade.NewCopier(src, &fakeDB{tx: tx}, upgrade.CopierOptions{BatchSize: 2})

	_, err := c.CopyTable(t.Context(), flowsTable())
	require.NoError(t, err)

	var ids []any
	for _, b := range tx.batches {
		for _, q := range b {
			ids = append(ids, q.Arguments[0])
		}
	}
	assert.Equal(t, []any{"flow-000", "flow-001", "flow-002", "flow-003", "flow-004"}, ids)
}

func TestCopyTableUpsertStatement(t *testing.T) {
	t.Parallel()
	tx := &fakeTx{}
	src := &fakeSource{tables: map[string][]map[string]any{"flows": flowRows(1)}}
	c := upgrade.NewCopier(src, &fakeDB{tx: tx}, upgrade.CopierOptions{})

	_, err := c.CopyTable(t.Context(), flowsTable())
	require.NoError(t, err)
	require.Len(t, tx.batches, 1)

	q := tx.batches[0][0]
	assert.Equal(t,
		`INSERT INTO "public"."flows" ("id", "name", "data", "tags", "is_component") VALUES ($1, $2, $3, $4, $5) `+
			`ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name", "data" = EXCLUDED."data", `+
			`"tags" = EXCLUDED."tags", "is_component" = EXCLUDED."is_component"`,
		q.SQL)
	assert.Equal(t, []any{"flow-000", "Flow 0", `{"x":1}`, []string{"a", "b"}, false}, q.Arguments)
}

func TestCopyTableSendsLargeJSONIntegersVerbatim(t *testing.T) {
	t.Parallel()
	tx := &fakeTx{}
	rows := flowRows(1)
	rows[0]["data"] = `{"id":9007199254740993,"n":12345678901234567890}`
	src := &fakeSource{tables: map[string][]map[string]any{"flows": rows}}
	c := upgrade.NewCopier(src, &fakeDB{tx: tx}, upgrade.CopierOptions{})

	_, err := c.CopyTable(t.Context(), flowsTable())
	require.NoError(t, err)
	require.Len(t, tx.batches, 1)
	assert.Equal(t, `{"id":9007199254740993,"n":12345678901234567890}`, tx.batches[0][0].Arguments[2])
}

func TestCopyTableOmitsUnparseableJSONPerRow(t *testing.T) {
	t.Parallel()
	tx := &fakeTx{}
	rows := flowRows(2)
	rows[1]["data"] = "{broken"
	src := &fakeSource{tables: map[string][]map[string]any{"flows": rows}}
	c := upgrade.NewCopier(src, &fakeDB{tx: tx}, upgrade.CopierOptions{})

	out, err := c.CopyTable(t.Context(), flowsTable())
	require.NoError(t, err)
	assert.Equal(t, 2, out.RowsWritten)

	assert.Contains(t, tx.batches[0][0].SQL, `"data"`)
	assert.NotContains(t, tx.batches[0][1].SQL, `"data"`)
	assert.Len(t, tx.batches[0][1].Arguments, 4)
}

func TestCopyTableRollsBackOnBatchFailure(t *testing.T) {
	t.Parallel()
	tx := &fakeTx{failBatch: 2}
	src := &fakeSource{tables: map[string][]map[string]any{"flows": flowRows(250)}}
	c := upgrade.NewCopier(src, &fakeDB{tx: tx}, upgrade.CopierOptions{})

	out, err := c.CopyTable(t.Context(), flowsTable())
	require.Error(t, err)

	var te *upgrade.TableError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "flows", te.Table)
	assert.Contains(t, err.Error(), "duplicate key")
	assert.Contains(t, out.Error, "duplicate key")
	assert.Zero(t, out.RowsWritten)

	assert.Len(t, tx.batches, 2, "no batch after the failing one")
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestCopyTableChecksCancellationBetweenBatches(t *testing.T) {
	t.Parallel()
	tx := &fakeTx{}
	src := &fakeSource{tables: map[string][]map[string]any{"flows": flowRows(250)}}
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	c := upgrade.NewCopier(src, &fakeDB{tx: tx}, upgrade.CopierOptions{
		OnBatch: func(string, int, int) { cancel() },
	})

	_, err := c.CopyTable(ctx, flowsTable())
	require.ErrorIs(t, err, context.Canceled)

	assert.Len(t, tx.batches, 1)
	assert.False(t, tx.committed)
	require.True(t, tx.rolledBack)
	assert.NoError(t, tx.rollbackErrs[0], "rollback must run on a live context")
}

func TestCopyTableDeferredMode(t *testing.T) {
	t.Parallel()
	tx := &fakeTx{}
	src := &fakeSource{tables: map[string][]map[string]any{"flows": flowRows(3)}}
	c := upgrade.NewCopier(src, &fakeDB{tx: tx}, upgrade.CopierOptions{Mode: upgrade.ModeDeferred})

	_, err := c.CopyTable(t.Context(), flowsTable())
	require.NoError(t, err)
	assert.Equal(t, []string{"SET CONSTRAINTS ALL DEFERRED", "SET CONSTRAINTS ALL IMMEDIATE"}, tx.execs)
}

func TestCopyTableRelaxFailure(t *testing.T) {
	t.Parallel()
	tx := &fakeTx{failExec: "session_replication_role = replica"}
	src := &fakeSource{tables: map[string][]map[string]any{"flows": flowRows(3)}}
	c := upgrade.NewCopier(src, &fakeDB{tx: tx}, upgrade.CopierOptions{})

	_, err := c.CopyTable(t.Context(), flowsTable())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relaxing constraints")
	assert.Empty(t, tx.batches)
	assert.True(t, tx.rolledBack)
}

func TestCopyTableRestoreFailure(t *testing.T) {
	t.Parallel()
	tx := &fakeTx{failExec: "ALL IMMEDIATE"}
	src := &fakeSource{tables: map[string][]map[string]any{"flows": flowRows(3)}}
	c := upgrade.NewCopier(src, &fakeDB{tx: tx}, upgrade.CopierOptions{Mode: upgrade.ModeDeferred})

	_, err := c.CopyTable(t.Context(), flowsTable())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restoring constraints")
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestCopyTableBeginFailure(t *testing.T) {
	t.Parallel()
	db := &fakeDB{beginErr: errors.New("too many connections")}
	src := &fakeSource{tables: map[string][]map[string]any{"flows": flowRows(3)}}
	c := upgrade.NewCopier(src, db, upgrade.CopierOptions{})

	_, err := c.CopyTable(t.Context(), flowsTable())
	var te *upgrade.TableError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, err.Error(), "beginning transaction")
}

func TestCopyTableCommitFailure(t *testing.T) {
	t.Parallel()
	tx := &fakeTx{commitErr: errors.New("connection reset")}
	src := &fakeSource{tables: map[string][]map[string]any{"flows": flowRows(3)}}
	c := upgrade.NewCopier(src, &fakeDB{tx: tx}, upgrade.CopierOptions{})

	out, err := c.CopyTable(t.Context(), flowsTable())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "committing")
	assert.Zero(t, out.RowsWritten)
	assert.True(t, tx.rolledBack)
}

func TestCopyTableResetsSequences(t *testing.T) {
	t.Parallel()
	table := &schema.Table{
		Schema:     "public",
		Name:       "vertex_builds",
		PrimaryKey: []string{"build_id"},
		Columns: []*schema.Column{
			{Name: "build_id", TypeName: "bigint", IsPrimaryKey: true, HasSequence: true},
			{Name: "id", TypeName: "text"},
		},
	}
	tx := &fakeTx{}
	src := &fakeSource{tables: map[string][]map[string]any{
		"vertex_builds": {{"build_id": int64(7), "id": "v1"}},
	}}
	c := upgrade.NewCopier(src, &fakeDB{tx: tx}, upgrade.CopierOptions{})

	_, err := c.CopyTable(t.Context(), table)
	require.NoError(t, err)
	require.Len(t, tx.execs, 3)
	assert.Contains(t, tx.execs[1], "setval(pg_get_serial_sequence($1, $2)")
	assert.Contains(t, tx.execs[1], `MAX("build_id")`)
	assert.Equal(t, []any{`"public"."vertex_builds"`, "build_id"}, tx.execArgs[1])
}

func TestCopyTableConflictClauses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		table *schema.Table
		row   map[string]any
		want  string
	}{
		{
			name: "no primary key",
			table: &schema.Table{Schema: "public", Name: "audit", Columns: []*schema.Column{
				{Name: "msg", TypeName: "text"},
			}},
			row:  map[string]any{"msg": "hi"},
			want: `INSERT INTO "public"."audit" ("msg") VALUES ($1) ON CONFLICT DO NOTHING`,
		},
		{
			name: "only key columns",
			table: &schema.Table{Schema: "public", Name: "memberships", PrimaryKey: []string{"folder_id", "user_id"},
				Columns: []*schema.Column{
					{Name: "user_id", TypeName: "uuid", IsPrimaryKey: true},
					{Name: "folder_id", TypeName: "uuid", IsPrimaryKey: true},
				}},
			row:  map[string]any{"user_id": "u", "folder_id": "f"},
			want: `INSERT INTO "public"."memberships" ("user_id", "folder_id") VALUES ($1, $2) ON CONFLICT ("folder_id", "user_id") DO NOTHING`,
		},
		{
			name: "identity always",
			table: &schema.Table{Schema: "public", Name: "counters", PrimaryKey: []string{"id"},
				Columns: []*schema.Column{
					{Name: "id", TypeName: "integer", IsPrimaryKey: true, HasSequence: true, IdentityAlways: true},
					{Name: "label", TypeName: "text"},
				}},
			row: map[string]any{"id": int64(1), "label": "x"},
			want: `INSERT INTO "public"."counters" ("id", "label") OVERRIDING SYSTEM VALUE VALUES ($1, $2) ` +
				`ON CONFLICT ("id") DO UPDATE SET "label" = EXCLUDED."label"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tx := &fakeTx{}
			src := &fakeSource{tables: map[string][]map[string]any{tt.table.Name: {tt.row}}}
			c := upgrade.NewCopier(src, &fakeDB{tx: tx}, upgrade.CopierOptions{})

			_, err := c.CopyTable(t.Context(), tt.table)
			require.NoError(t, err)
			require.Equal(t, 1, tx.rowsSent())
			assert.Equal(t, tt.want, tx.batches[0][0].SQL)
		})
	}
}
