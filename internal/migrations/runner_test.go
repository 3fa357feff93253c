//go:build integration

package migrations_test

import (
	"context"
	"os"
	"testing"
	"testing/fstest"

	"github.com/flowbase/flowbase/internal/migrations"
	"github.com/flowbase/flowbase/internal/testutil"
)

var sharedPG *testutil.PGContainer

func TestMain(m *testing.M) {
	ctx := context.Background()
	pg, cleanup := testutil.StartPostgresForTestMain(ctx)
	sharedPG = pg
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// resetDB drops and recreates the public schema for test isolation.
func resetDB(t *testing.T, ctx context.Context) {
	t.Helper()
	_, err := sharedPG.Pool.Exec(ctx, "DROP SCHEMA public CASCADE; CREATE SCHEMA public")
	if err != nil {
		t.Fatalf("resetting schema: %v", err)
	}
}

func tableExists(t *testing.T, ctx context.Context, name string) bool {
	t.Helper()
	var exists bool
	err := sharedPG.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)", name).
		Scan(&exists)
	testutil.NoError(t, err)
	return exists
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()
	resetDB(t, ctx)

	runner := migrations.NewRunner(sharedPG.Pool, testutil.DiscardLogger())
	err := runner.Bootstrap(ctx)
	testutil.NoError(t, err)

	testutil.True(t, tableExists(t, ctx, "_fb_migrations"), "_fb_migrations table should exist")
}

func TestBootstrapIdempotent(t *testing.T) {
	ctx := context.Background()
	resetDB(t, ctx)

	runner := migrations.NewRunner(sharedPG.Pool, testutil.DiscardLogger())
	testutil.NoError(t, runner.Bootstrap(ctx))
	testutil.NoError(t, runner.Bootstrap(ctx))
}

func TestRunMigrations(t *testing.T) {
	ctx := context.Background()
	resetDB(t, ctx)

	runner := migrations.NewRunner(sharedPG.Pool, testutil.DiscardLogger())
	testutil.NoError(t, runner.Bootstrap(ctx))

	applied, err := runner.Run(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, 3, applied)

	for _, table := range []string{"users", "folders", "flows", "variables", "api_keys",
		"messages", "transactions", "vertex_builds", "files", "jobs"} {
		testutil.True(t, tableExists(t, ctx, table), table+" should exist")
	}
}

func TestRunMigrationsIdempotent(t *testing.T) {
	ctx := context.Background()
	resetDB(t, ctx)

	runner := migrations.NewRunner(sharedPG.Pool, testutil.DiscardLogger())
	testutil.NoError(t, runner.Bootstrap(ctx))

	applied1, err := runner.Run(ctx)
	testutil.NoError(t, err)
	testutil.True(t, applied1 >= 1, "first run should apply migrations")

	applied2, err := runner.Run(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, 0, applied2)
}

func TestRunMigrationsRollsBackFailedMigration(t *testing.T) {
	ctx := context.Background()
	resetDB(t, ctx)

	customMigrations := fstest.MapFS{
		"sql/001_good.sql": &fstest.MapFile{
			Data: []byte(`CREATE TABLE good_table (id UUID PRIMARY KEY);`),
		},
		"sql/002_bad.sql": &fstest.MapFile{
			Data: []byte(`
CREATE TABLE half_done (id UUID PRIMARY KEY);

SELECT definitely_invalid_sql();
`),
		},
		"sql/003_never.sql": &fstest.MapFile{
			Data: []byte(`CREATE TABLE never_table (id UUID PRIMARY KEY);`),
		},
	}

	runner := migrations.NewRunnerWithFS(sharedPG.Pool, testutil.DiscardLogger(), customMigrations)
	testutil.NoError(t, runner.Bootstrap(ctx))

	applied, err := runner.Run(ctx)
	testutil.Equal(t, 1, applied)
	testutil.ErrorContains(t, err, "002_bad.sql")

	testutil.True(t, tableExists(t, ctx, "good_table"), "earlier migration stays applied")
	testutil.False(t, tableExists(t, ctx, "half_done"), "failed migration must roll back")
	testutil.False(t, tableExists(t, ctx, "never_table"), "later migrations must not run")

	var appliedCount int
	err = sharedPG.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM _fb_migrations").Scan(&appliedCount)
	testutil.NoError(t, err)
	testutil.Equal(t, 1, appliedCount)
}

func TestGetApplied(t *testing.T) {
	ctx := context.Background()
	resetDB(t, ctx)

	runner := migrations.NewRunner(sharedPG.Pool, testutil.DiscardLogger())
	testutil.NoError(t, runner.Bootstrap(ctx))

	applied, err := runner.GetApplied(ctx)
	testutil.NoError(t, err)
	testutil.SliceLen(t, applied, 0)

	_, err = runner.Run(ctx)
	testutil.NoError(t, err)

	applied, err = runner.GetApplied(ctx)
	testutil.NoError(t, err)
	testutil.SliceLen(t, applied, 3)
	testutil.Equal(t, "001_flowbase_core.sql", applied[0].Name)
	testutil.False(t, applied[0].AppliedAt.IsZero(), "applied_at should be set")
}
