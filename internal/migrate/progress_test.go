package migrate

import (
	"bytes"
	"testing"
	"time"

	"github.com/flowbase/flowbase/internal/testutil"
)

func TestCLIReporter(t *testing.T) {
	t.Run("complete phase output", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewCLIReporter(&buf)

		phase := Phase{Name: "Copy data", Index: 3, Total: 4}
		r.StartPhase(phase, 10)
		r.CompletePhase(phase, 10, 200*time.Millisecond)

		output := buf.String()
		testutil.Contains(t, output, "[3/4]")
		testutil.Contains(t, output, "Copy data")
		testutil.Contains(t, output, "10 items")
		testutil.Contains(t, output, "done")
		testutil.Contains(t, output, "200ms")
	})

	t.Run("zero items shows skipped", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewCLIReporter(&buf)

		phase := Phase{Name: "Source schema", Index: 1, Total: 3}
		r.StartPhase(phase, 0)
		r.CompletePhase(phase, 0, 5*time.Millisecond)

		testutil.Contains(t, buf.String(), "skipped")
	})

	t.Run("progress overwrites the line", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewCLIReporter(&buf)

		phase := Phase{Name: "Copy data", Index: 3, Total: 3}
		r.Progress(phase, 4, 9)
		testutil.Contains(t, buf.String(), "\r")
		testutil.Contains(t, buf.String(), "4/9")
	})

	t.Run("progress without total is silent", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewCLIReporter(&buf)
		r.Progress(Phase{Name: "x", Index: 1, Total: 1}, 4, 0)
		testutil.Equal(t, "", buf.String())
	})

	t.Run("seconds formatting", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewCLIReporter(&buf)

		phase := Phase{Name: "Copy data", Index: 2, Total: 4}
		r.CompletePhase(phase, 5000, 2500*time.Millisecond)

		testutil.Contains(t, buf.String(), "2.5s")
	})

	t.Run("warn output", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewCLIReporter(&buf)

		r.Warn("table jobs: 3 rows read, 5 rows in destination")

		output := buf.String()
		testutil.Contains(t, output, "Warning:")
		testutil.Contains(t, output, "table jobs")
	})
}

func TestNopReporter(t *testing.T) {
	// NopReporter should not panic on any method call.
	r := NopReporter{}
	phase := Phase{Name: "test", Index: 1, Total: 1}
	r.StartPhase(phase, 10)
	r.Progress(phase, 5, 10)
	r.CompletePhase(phase, 10, time.Second)
	r.Warn("test warning")
}

func TestAnalysisReport_PrintReport(t *testing.T) {
	t.Run("full report", func(t *testing.T) {
		var buf bytes.Buffer
		report := &AnalysisReport{
			SourceType:    "SQLite",
			SourceInfo:    "/data/flowbase.db",
			Destination:   "postgresql://127.0.0.1:15432/flowbase",
			Tables:        9,
			Records:       8432,
			FileSizeBytes: 7 * 1024 * 1024,
			TableCounts: []TableCount{
				{Name: "users", Rows: 12},
				{Name: "flows", Rows: 8420},
			},
			Warnings: []string{"destination already contains data"},
		}

		report.PrintReport(&buf)
		output := buf.String()

		testutil.Contains(t, output, "Flowbase Upgrade Report: SQLite")
		testutil.Contains(t, output, "/data/flowbase.db")
		testutil.Contains(t, output, "127.0.0.1:15432")
		testutil.Contains(t, output, "Tables:       9")
		testutil.Contains(t, output, "Records:      8432")
		testutil.Contains(t, output, "7.0 MB")
		testutil.Contains(t, output, "flows")
		testutil.Contains(t, output, "8420")
		testutil.Contains(t, output, "Warnings:")
		testutil.Contains(t, output, "already contains data")
	})

	t.Run("minimal report hides zero fields", func(t *testing.T) {
		var buf bytes.Buffer
		report := &AnalysisReport{
			SourceType: "SQLite",
			Tables:     3,
			Records:    100,
		}

		report.PrintReport(&buf)
		output := buf.String()

		testutil.Contains(t, output, "Tables:       3")
		testutil.Contains(t, output, "Records:      100")
		if bytes.Contains(buf.Bytes(), []byte("Size:")) {
			t.Error("should not show Size when 0")
		}
		if bytes.Contains(buf.Bytes(), []byte("Source:")) {
			t.Error("should not show Source when empty")
		}
		if bytes.Contains(buf.Bytes(), []byte("Warnings:")) {
			t.Error("should not show Warnings when none")
		}
	})
}

func TestValidationSummary_PrintSummary(t *testing.T) {
	t.Run("matching counts", func(t *testing.T) {
		var buf bytes.Buffer
		summary := &ValidationSummary{
			SourceLabel: "Source (SQLite)",
			TargetLabel: "Target (Postgres)",
			Rows: []ValidationRow{
				{Label: "users", SourceCount: 12, TargetCount: 12},
				{Label: "flows", SourceCount: 8432, TargetCount: 8432},
			},
		}

		summary.PrintSummary(&buf)
		output := buf.String()

		testutil.Contains(t, output, "Validation Summary")
		testutil.Contains(t, output, "All counts match")
		testutil.Contains(t, output, "users")
		testutil.SliceLen(t, summary.Mismatches(), 0)
	})

	t.Run("mismatched counts", func(t *testing.T) {
		var buf bytes.Buffer
		summary := &ValidationSummary{
			SourceLabel: "Source (SQLite)",
			TargetLabel: "Target (Postgres)",
			Rows: []ValidationRow{
				{Label: "users", SourceCount: 12, TargetCount: 12},
				{Label: "files", SourceCount: 100, TargetCount: 98},
			},
		}

		summary.PrintSummary(&buf)

		testutil.Contains(t, buf.String(), "MISMATCH")
		if bytes.Contains(buf.Bytes(), []byte("All counts match")) {
			t.Error("should not say 'All counts match' when there is a mismatch")
		}
		mm := summary.Mismatches()
		testutil.SliceLen(t, mm, 1)
		testutil.Equal(t, "files", mm[0].Label)
	})

	t.Run("with warnings", func(t *testing.T) {
		var buf bytes.Buffer
		summary := &ValidationSummary{
			SourceLabel: "Source (SQLite)",
			TargetLabel: "Target (Postgres)",
			Rows:        []ValidationRow{{Label: "users", SourceCount: 5, TargetCount: 5}},
			Warnings:    []string{"jobs: not present in source"},
		}

		summary.PrintSummary(&buf)
		output := buf.String()

		testutil.Contains(t, output, "Warnings:")
		testutil.Contains(t, output, "jobs: not present in source")
	})
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{89 * 1024 * 1024, "89.0 MB"},
		{int64(2.5 * 1024 * 1024 * 1024), "2.5 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			testutil.Equal(t, tt.expected, FormatBytes(tt.bytes))
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{50 * time.Millisecond, "50ms"},
		{999 * time.Millisecond, "999ms"},
		{1 * time.Second, "1.0s"},
		{2500 * time.Millisecond, "2.5s"},
		{14100 * time.Millisecond, "14.1s"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			testutil.Equal(t, tt.expected, formatDuration(tt.d))
		})
	}
}
