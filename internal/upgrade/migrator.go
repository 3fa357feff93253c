package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowbase/flowbase/internal/config"
	"github.com/flowbase/flowbase/internal/migrate"
	"github.com/flowbase/flowbase/internal/migrations"
	"github.com/flowbase/flowbase/internal/postgres"
	"github.com/flowbase/flowbase/internal/schema"
	"github.com/flowbase/flowbase/internal/sqlitedb"
)

// DefaultSchema holds the application tables on the destination.
const DefaultSchema = "public"

// ReasonPlanOnly is reported when Options.PlanOnly stopped the run before copying.
const ReasonPlanOnly = "plan only"

// Options configures a Migrator.
type Options struct {
	SQLitePath     string
	DatabaseURL    string
	Engine         string // configured destination engine; empty means postgres
	Schema         string // destination schema to fill; empty means public
	ProbeTable     string
	BatchSize      int
	ConstraintMode ConstraintMode
	Testing        bool
	Force          bool
	Verify         bool
	PlanOnly       bool
	Progress       migrate.ProgressReporter

	// Script sources override the embedded schema migrations.
	SourceMigrations      fs.FS
	DestinationMigrations fs.FS
}

// Migrator runs the whole upgrade: gate, schema migrations on both engines,
// then the ordered table copy.
type Migrator struct {
	opts     Options
	logger   *slog.Logger
	progress migrate.ProgressReporter
	graph    *schema.Graph
}

// NewMigrator validates opts and returns a Migrator.
func NewMigrator(opts Options, logger *slog.Logger) (*Migrator, error) {
	if opts.Engine == "" {
		opts.Engine = config.EnginePostgres
	}
	if opts.Schema == "" {
		opts.Schema = DefaultSchema
	}
	if opts.BatchSize < 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBatchSize
	}
	mode, err := ParseConstraintMode(string(opts.ConstraintMode))
	if err != nil {
		return nil, err
	}
	opts.ConstraintMode = mode

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	progress := opts.Progress
	if progress == nil {
		progress = migrate.NopReporter{}
	}
	return &Migrator{opts: opts, logger: logger, progress: progress}, nil
}

// Graph returns the destination schema graph of the last run that got far
// enough to introspect it.
func (m *Migrator) Graph() *schema.Graph {
	return m.graph
}

// Gate returns the idempotency gate for these options.
func (m *Migrator) Gate() *Gate {
	return &Gate{
		Engine:      m.opts.Engine,
		DatabaseURL: m.opts.DatabaseURL,
		SQLitePath:  m.opts.SQLitePath,
		Schema:      m.opts.Schema,
		ProbeTable:  m.opts.ProbeTable,
		Testing:     m.opts.Testing,
		Force:       m.opts.Force,
	}
}

// Migrate runs the upgrade if the gate allows it. The first failing table
// aborts the run; tables committed before it stay committed. The returned
// Report is never nil.
func (m *Migrator) Migrate(ctx context.Context) (report *Report, err error) {
	report = &Report{RunID: uuid.NewString(), StartedAt: time.Now()}
	logger := m.logger.With("run_id", report.RunID)
	defer func() {
		report.FinishedAt = time.Now()
		if err != nil {
			report.Error = err.Error()
		}
	}()

	ok, reason, err := m.Gate().decide(ctx)
	report.Reason = reason
	if err != nil {
		logger.Error("upgrade failed", "error", err)
		return report, err
	}
	if !ok {
		logger.Info("upgrade not needed", "reason", reason)
		return report, nil
	}

	logger.Info("upgrade starting", "source", m.opts.SQLitePath, "reason", reason, "batch", m.opts.BatchSize)
	if err := m.run(ctx, logger, report); err != nil {
		attrs := []any{"error", err}
		var te *TableError
		if errors.As(err, &te) {
			attrs = append(attrs, "table", te.Table)
		}
		logger.Error("upgrade failed", attrs...)
		return report, err
	}
	if report.Reason == ReasonPlanOnly {
		logger.Info("upgrade plan ready", "tables", len(report.Plan))
		return report, nil
	}

	logger.Info("upgrade complete",
		"tables_migrated", report.Migrated(),
		"tables_skipped", report.Skipped(),
		"rows", report.TotalRows(),
		"elapsed", time.Since(report.StartedAt).Round(time.Millisecond),
	)
	return report, nil
}

func (m *Migrator) run(ctx context.Context, logger *slog.Logger, report *Report) (err error) {
	src, err := sqlitedb.Open(m.opts.SQLitePath)
	if err != nil {
		if errors.Is(err, sqlitedb.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSourceMissing, m.opts.SQLitePath)
		}
		return err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing source: %w", cerr)
		}
	}()

	dst, err := postgres.New(ctx, postgres.Config{URL: m.opts.DatabaseURL, MaxConns: 2}, logger)
	if err != nil {
		return fmt.Errorf("opening destination: %w", err)
	}
	defer dst.Close()

	totalPhases := 3
	if m.opts.Verify {
		totalPhases++
	}

	phase := migrate.Phase{Name: "Source schema", Index: 1, Total: totalPhases}
	phaseStart := time.Now()
	m.progress.StartPhase(phase, 0)
	n, err := m.migrateSource(ctx, logger, src)
	if err != nil {
		return &SchemaError{Engine: config.EngineSQLite, Err: err}
	}
	report.SourceMigrations = n
	m.progress.CompletePhase(phase, n, time.Since(phaseStart))

	phase = migrate.Phase{Name: "Destination schema", Index: 2, Total: totalPhases}
	phaseStart = time.Now()
	m.progress.StartPhase(phase, 0)
	n, err = m.migrateDestination(ctx, logger, dst)
	if err != nil {
		return &SchemaError{Engine: config.EnginePostgres, Err: err}
	}
	report.DestinationMigrations = n
	m.progress.CompletePhase(phase, n, time.Since(phaseStart))

	g, err := schema.BuildGraph(ctx, dst.DB(), migrations.HistoryTable)
	if err != nil {
		return fmt.Errorf("introspecting destination: %w", err)
	}
	m.graph = g
	plan := m.plan(g)
	for _, t := range plan {
		report.Plan = append(report.Plan, t.Name)
	}
	logger.Debug("migration plan resolved", "tables", report.Plan)
	if m.opts.PlanOnly {
		report.Reason = ReasonPlanOnly
		return nil
	}

	phase = migrate.Phase{Name: "Copy data", Index: 3, Total: totalPhases}
	phaseStart = time.Now()
	m.progress.StartPhase(phase, len(plan))
	copier := NewCopier(src, dst.DB(), CopierOptions{
		BatchSize: m.opts.BatchSize,
		Mode:      m.opts.ConstraintMode,
		Logger:    logger,
	})
	for i, t := range plan {
		out, err := copier.CopyTable(ctx, t)
		report.Outcomes = append(report.Outcomes, out)
		if err != nil {
			return err
		}
		if out.Skipped {
			logger.Info("table skipped", "table", t.Name, "reason", out.SkipReason)
		} else {
			logger.Info("table copied", "table", t.Name, "rows", out.RowsWritten,
				"elapsed", out.Elapsed.Round(time.Millisecond))
		}
		m.progress.Progress(phase, i+1, len(plan))
	}
	report.Performed = true
	m.progress.CompletePhase(phase, report.TotalRows(), time.Since(phaseStart))

	if m.opts.Verify {
		phase = migrate.Phase{Name: "Verify", Index: 4, Total: totalPhases}
		phaseStart = time.Now()
		m.progress.StartPhase(phase, len(report.Outcomes))
		report.Validation = m.verify(ctx, dst, plan, report.Outcomes)
		m.progress.CompletePhase(phase, len(report.Validation.Rows), time.Since(phaseStart))
	}
	return nil
}

func (m *Migrator) migrateSource(ctx context.Context, logger *slog.Logger, src *sqlitedb.DB) (int, error) {
	runner := migrations.NewSQLiteRunner(src.SQL(), logger)
	if m.opts.SourceMigrations != nil {
		runner = migrations.NewSQLiteRunnerWithFS(src.SQL(), logger, m.opts.SourceMigrations)
	}
	if err := runner.Bootstrap(ctx); err != nil {
		return 0, err
	}
	return runner.Run(ctx)
}

func (m *Migrator) migrateDestination(ctx context.Context, logger *slog.Logger, dst *postgres.Pool) (int, error) {
	runner := migrations.NewRunner(dst.DB(), logger)
	if m.opts.DestinationMigrations != nil {
		runner = migrations.NewRunnerWithFS(dst.DB(), logger, m.opts.DestinationMigrations)
	}
	if err := runner.Bootstrap(ctx); err != nil {
		return 0, err
	}
	return runner.Run(ctx)
}

// plan orders every table of the graph, then keeps the ones in the
// configured schema. SQLite has no schemas, so only one can be filled.
func (m *Migrator) plan(g *schema.Graph) []*schema.Table {
	var out []*schema.Table
	for _, t := range schema.ResolveOrder(g.Tables) {
		if t.Schema == m.opts.Schema {
			out = append(out, t)
		}
	}
	return out
}

// verify compares rows read with destination row counts. Differences are
// warnings: the destination may hold rows the source never had.
func (m *Migrator) verify(ctx context.Context, dst *postgres.Pool, plan []*schema.Table, outcomes []Outcome) *migrate.ValidationSummary {
	summary := &migrate.ValidationSummary{
		SourceLabel: "Source (SQLite)",
		TargetLabel: "Target (Postgres)",
	}
	byName := make(map[string]*schema.Table, len(plan))
	for _, t := range plan {
		byName[t.Name] = t
	}
	for _, out := range outcomes {
		if out.Skipped {
			continue
		}
		t := byName[out.Table]
		var count int
		if err := dst.DB().QueryRow(ctx, "SELECT COUNT(*) FROM "+t.QualifiedName()).Scan(&count); err != nil {
			msg := fmt.Sprintf("counting %s: %v", out.Table, err)
			summary.Warnings = append(summary.Warnings, msg)
			m.progress.Warn(msg)
			continue
		}
		summary.Rows = append(summary.Rows, migrate.ValidationRow{
			Label:       out.Table,
			SourceCount: out.RowsRead,
			TargetCount: count,
		})
	}
	for _, row := range summary.Mismatches() {
		msg := fmt.Sprintf("%s: %d rows read, %d rows in destination", row.Label, row.SourceCount, row.TargetCount)
		summary.Warnings = append(summary.Warnings, msg)
		m.progress.Warn(msg)
	}
	return summary
}
