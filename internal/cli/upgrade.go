package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowbase/flowbase/internal/cli/ui"
	"github.com/flowbase/flowbase/internal/config"
	"github.com/flowbase/flowbase/internal/migrate"
	"github.com/flowbase/flowbase/internal/pgmanager"
	"github.com/flowbase/flowbase/internal/upgrade"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Copy a legacy SQLite store into PostgreSQL",
	Long: `Copy every table of the legacy SQLite store into PostgreSQL in
foreign-key order. Each table is copied in its own transaction with rows
upserted by primary key, so an interrupted upgrade can simply be run again.

The upgrade is skipped when the destination already holds data. Use --force
to copy anyway; existing rows with the same key are overwritten.

Examples:
  flowbase upgrade --plan
  flowbase upgrade --sqlite ./flowbase.db --database-url postgres://...
  flowbase upgrade --force --verify -y`,
	RunE: runUpgrade,
}

func init() {
	upgradeCmd.Flags().String("sqlite", "", "Path to the SQLite database (default ~/.flowbase/flowbase.db)")
	upgradeCmd.Flags().String("database-url", "", "PostgreSQL connection URL (default: managed Postgres)")
	upgradeCmd.Flags().String("config", "", "Path to flowbase.toml config file")
	upgradeCmd.Flags().String("constraint-mode", "", "How foreign keys are relaxed during the copy: replica or deferred")
	upgradeCmd.Flags().Int("batch-size", 0, "Rows per upsert batch (default from config)")
	upgradeCmd.Flags().Bool("force", false, "Copy even when the destination already has data")
	upgradeCmd.Flags().Bool("plan", false, "Prepare both schemas and print the copy order without copying")
	upgradeCmd.Flags().Bool("verify", false, "Compare row counts after copying")
	upgradeCmd.Flags().Bool("verbose", false, "Log every batch")
	upgradeCmd.Flags().BoolP("yes", "y", false, "Skip confirmation prompt")
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	mode, _ := cmd.Flags().GetString("constraint-mode")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	force, _ := cmd.Flags().GetBool("force")
	planOnly, _ := cmd.Flags().GetBool("plan")
	verify, _ := cmd.Flags().GetBool("verify")
	verbose, _ := cmd.Flags().GetBool("verbose")
	yes, _ := cmd.Flags().GetBool("yes")
	jsonOut, _ := cmd.Flags().GetBool("json")

	cfg, err := config.Load(configPath, overrideFlags(cmd))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if mode != "" {
		cfg.Upgrade.ConstraintMode = mode
	}
	if batchSize != 0 {
		cfg.Upgrade.BatchSize = batchSize
	}
	if verify {
		cfg.Upgrade.Verify = true
	}

	// Progress goes to stderr, so logs stay quiet unless asked for.
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger := newLogger(level, cfg.Logging.Format)
	defer logger.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqlitePath := cfg.Database.ResolvedSQLitePath()
	analysis, err := upgrade.Analyze(ctx, sqlitePath)
	if err != nil {
		if errors.Is(err, upgrade.ErrSourceMissing) {
			return fmt.Errorf("%s", ui.FormatError(
				fmt.Sprintf("no SQLite database at %s", sqlitePath),
				"flowbase upgrade --sqlite /path/to/flowbase.db",
			))
		}
		return fmt.Errorf("analysis failed: %w", err)
	}
	analysis.Destination = "managed PostgreSQL"
	if cfg.Database.URL != "" {
		analysis.Destination = redactURL(cfg.Database.URL)
	}

	if !jsonOut {
		analysis.PrintReport(os.Stderr)
		if !yes && !planOnly && !confirm(os.Stdin, os.Stderr, "  Proceed? [Y/n] ") {
			fmt.Fprintln(os.Stderr, "  Upgrade cancelled.")
			return nil
		}
		fmt.Fprintln(os.Stderr)
	}

	if cfg.Database.Engine == config.EnginePostgres && cfg.Database.URL == "" {
		pgMgr := pgmanager.New(pgmanager.Config{
			Port:    uint32(cfg.Database.EmbeddedPort),
			DataDir: cfg.Database.EmbeddedDataDir,
			Logger:  logger.Logger,
		})
		connURL, err := pgMgr.Start(ctx)
		if err != nil {
			return fmt.Errorf("starting managed postgres: %w", err)
		}
		defer func() {
			if err := pgMgr.Stop(); err != nil {
				logger.Error("error stopping managed postgres", "error", err)
			}
		}()
		cfg.Database.URL = connURL
	}

	var progress migrate.ProgressReporter = migrate.NopReporter{}
	if !jsonOut {
		progress = migrate.NewCLIReporter(os.Stderr)
	}
	opts := upgradeOptions(cfg, progress)
	opts.Force = force
	opts.PlanOnly = planOnly

	migrator, err := upgrade.NewMigrator(opts, logger.Logger)
	if err != nil {
		return err
	}
	report, err := migrator.Migrate(ctx)

	if jsonOut {
		if encErr := json.NewEncoder(os.Stdout).Encode(report); encErr != nil && err == nil {
			err = encErr
		}
	} else {
		printUpgradeReport(os.Stderr, report, colorEnabled())
	}
	if err != nil {
		return fmt.Errorf("upgrade failed: %w", err)
	}
	return nil
}

// confirm asks a yes/no question; an empty answer means yes.
func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	return answer == "" || answer == "y" || answer == "yes"
}

// printUpgradeReport writes the human-readable result of an upgrade run.
func printUpgradeReport(w io.Writer, report *upgrade.Report, useColor bool) {
	if report == nil {
		return
	}
	switch {
	case report.Reason == upgrade.ReasonPlanOnly:
		fmt.Fprintf(w, "  %s\n", bold("Copy order", useColor))
		for i, table := range report.Plan {
			fmt.Fprintf(w, "  %3d. %s\n", i+1, table)
		}
		fmt.Fprintln(w)
		return
	case !report.Performed:
		fmt.Fprintf(w, "  Upgrade not needed: %s\n\n", report.Reason)
		return
	}

	for _, o := range report.Outcomes {
		switch {
		case o.Error != "":
			fmt.Fprintf(w, "  %s %-28s %s\n", ui.StyleError.Render(ui.SymbolCross), o.Table, o.Error)
		case o.Skipped:
			fmt.Fprintf(w, "  %s %-28s %s\n", dim(ui.SymbolSkip, useColor), o.Table, dim("skipped: "+o.SkipReason, useColor))
		default:
			fmt.Fprintf(w, "  %s %-28s %8d rows\n", green(ui.SymbolCheck, useColor), o.Table, o.RowsWritten)
		}
	}
	fmt.Fprintln(w)

	if report.Error == "" {
		fmt.Fprintf(w, "  %d tables copied, %d skipped, %d rows in %s\n",
			report.Migrated(), report.Skipped(), report.TotalRows(), report.Elapsed().Round(time.Millisecond))
	}
	if report.Validation != nil {
		report.Validation.PrintSummary(w)
		for _, row := range report.Validation.Mismatches() {
			fmt.Fprint(w, ui.FormatWarning(fmt.Sprintf("%s: %d rows read, %d in destination",
				row.Label, row.SourceCount, row.TargetCount)))
		}
	} else {
		fmt.Fprintln(w)
	}
}
