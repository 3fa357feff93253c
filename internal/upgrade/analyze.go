package upgrade

import (
	"context"
	"fmt"
	"os"

	"github.com/flowbase/flowbase/internal/migrate"
	"github.com/flowbase/flowbase/internal/sqlitedb"
)

// Analyze inspects the SQLite source without changing it and reports its
// tables and row counts.
func Analyze(ctx context.Context, sqlitePath string) (*migrate.AnalysisReport, error) {
	info, err := os.Stat(sqlitePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSourceMissing, sqlitePath)
		}
		return nil, fmt.Errorf("checking %s: %w", sqlitePath, err)
	}

	db, err := sqlitedb.Open(sqlitePath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	names, err := db.TableNames(ctx)
	if err != nil {
		return nil, err
	}

	report := &migrate.AnalysisReport{
		SourceType:    "SQLite",
		SourceInfo:    sqlitePath,
		Tables:        len(names),
		FileSizeBytes: info.Size(),
	}
	for _, name := range names {
		n, err := db.CountRows(ctx, name)
		if err != nil {
			return nil, err
		}
		report.Records += n
		report.TableCounts = append(report.TableCounts, migrate.TableCount{Name: name, Rows: n})
	}
	if report.Tables == 0 {
		report.Warnings = append(report.Warnings, "source has no tables; nothing will be copied")
	} else if report.Records == 0 {
		report.Warnings = append(report.Warnings, "source tables are empty; nothing will be copied")
	}
	return report, nil
}
