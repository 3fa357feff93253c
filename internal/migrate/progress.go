// Package migrate provides the progress and reporting surface shared by the
// storage upgrade and its CLI: phase callbacks, the pre-flight analysis
// report, and the post-copy validation summary.
package migrate

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Phase represents a named upgrade phase (e.g., "Source schema", "Copy data").
type Phase struct {
	Name  string // e.g., "Source schema", "Destination schema", "Copy data", "Verify"
	Index int    // 1-based index (1 of 4)
	Total int    // total number of phases
}

// ProgressReporter receives progress updates from a migrator.
type ProgressReporter interface {
	// StartPhase is called when a new phase begins.
	StartPhase(phase Phase, totalItems int)
	// Progress is called as items are processed within a phase.
	Progress(phase Phase, completed int, totalItems int)
	// CompletePhase is called when a phase finishes.
	CompletePhase(phase Phase, totalItems int, elapsed time.Duration)
	// Warn reports a non-fatal warning.
	Warn(msg string)
}

// CLIReporter prints progress to a terminal writer.
type CLIReporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewCLIReporter creates a reporter that writes to w.
func NewCLIReporter(w io.Writer) *CLIReporter {
	return &CLIReporter{w: w}
}

func (r *CLIReporter) StartPhase(phase Phase, totalItems int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "  [%d/%d] %-20s", phase.Index, phase.Total, phase.Name)
}

func (r *CLIReporter) Progress(phase Phase, completed int, totalItems int) {
	// Overwrite the current line.
	r.mu.Lock()
	defer r.mu.Unlock()
	if totalItems > 0 {
		fmt.Fprintf(r.w, "\r  [%d/%d] %-20s %d/%d",
			phase.Index, phase.Total, phase.Name, completed, totalItems)
	}
}

func (r *CLIReporter) CompletePhase(phase Phase, totalItems int, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	label := fmt.Sprintf("%d items", totalItems)
	if totalItems == 0 {
		label = "skipped"
	}
	fmt.Fprintf(r.w, "\r  [%d/%d] %-20s %-20s done  (%s)\n",
		phase.Index, phase.Total, phase.Name, label, formatDuration(elapsed))
}

func (r *CLIReporter) Warn(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "  Warning: %s\n", msg)
}

// NopReporter discards all progress updates (used in tests and --json mode).
type NopReporter struct{}

func (NopReporter) StartPhase(Phase, int)                   {}
func (NopReporter) Progress(Phase, int, int)                {}
func (NopReporter) CompletePhase(Phase, int, time.Duration) {}
func (NopReporter) Warn(string)                             {}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// TableCount is one source table and its row count.
type TableCount struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
}

// AnalysisReport summarizes what an upgrade will do, shown before proceeding.
type AnalysisReport struct {
	SourceType    string       `json:"sourceType"`
	SourceInfo    string       `json:"sourceInfo"` // e.g., "/home/me/.flowbase/flowbase.db"
	Destination   string       `json:"destination"`
	Tables        int          `json:"tables"`
	Records       int          `json:"records"`
	FileSizeBytes int64        `json:"fileSizeBytes"`
	TableCounts   []TableCount `json:"tableCounts,omitempty"`
	Warnings      []string     `json:"warnings,omitempty"`
}

// PrintReport writes a formatted pre-flight report to w.
func (r *AnalysisReport) PrintReport(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Flowbase Upgrade Report: %s\n", r.SourceType)
	fmt.Fprintln(w)
	if r.SourceInfo != "" {
		fmt.Fprintf(w, "  Source:       %s\n", r.SourceInfo)
	}
	if r.Destination != "" {
		fmt.Fprintf(w, "  Destination:  %s\n", r.Destination)
	}
	if r.SourceInfo != "" || r.Destination != "" {
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "  Tables:       %d\n", r.Tables)
	fmt.Fprintf(w, "  Records:      %d\n", r.Records)
	if r.FileSizeBytes > 0 {
		fmt.Fprintf(w, "  Size:         %s\n", FormatBytes(r.FileSizeBytes))
	}
	fmt.Fprintln(w)

	if len(r.TableCounts) > 0 {
		for _, tc := range r.TableCounts {
			fmt.Fprintf(w, "    %-24s %8d\n", tc.Name, tc.Rows)
		}
		fmt.Fprintln(w)
	}

	if len(r.Warnings) > 0 {
		fmt.Fprintln(w, "  Warnings:")
		for _, w2 := range r.Warnings {
			fmt.Fprintf(w, "    - %s\n", w2)
		}
		fmt.Fprintln(w)
	}
}

// FormatBytes formats a byte count as a human-readable string (B, KB, MB, GB).
func FormatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// ValidationSummary compares source and target counts after an upgrade.
type ValidationSummary struct {
	SourceLabel string          `json:"sourceLabel"`
	TargetLabel string          `json:"targetLabel"`
	Rows        []ValidationRow `json:"rows"`
	Warnings    []string        `json:"warnings,omitempty"`
}

// ValidationRow is a single line in the validation summary.
type ValidationRow struct {
	Label       string `json:"label"`
	SourceCount int    `json:"sourceCount"`
	TargetCount int    `json:"targetCount"`
}

// Mismatches returns the rows whose counts differ.
func (v *ValidationSummary) Mismatches() []ValidationRow {
	var out []ValidationRow
	for _, row := range v.Rows {
		if row.SourceCount != row.TargetCount {
			out = append(out, row)
		}
	}
	return out
}

// PrintSummary writes a formatted validation summary to w.
func (v *ValidationSummary) PrintSummary(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Validation Summary")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %-28s  %-20s\n", v.SourceLabel, v.TargetLabel)
	fmt.Fprintf(w, "  %-28s  %-20s\n", strings.Repeat("-", 24), strings.Repeat("-", 16))

	for _, row := range v.Rows {
		match := "ok"
		if row.SourceCount != row.TargetCount {
			match = "MISMATCH"
		}
		fmt.Fprintf(w, "  %-16s %6d  ->  %6d  %s\n",
			row.Label, row.SourceCount, row.TargetCount, match)
	}
	fmt.Fprintln(w)

	if len(v.Mismatches()) == 0 {
		fmt.Fprintln(w, "  All counts match.")
	}

	if len(v.Warnings) > 0 {
		fmt.Fprintln(w, "  Warnings:")
		for _, warn := range v.Warnings {
			fmt.Fprintf(w, "    - %s\n", warn)
		}
	}
	fmt.Fprintln(w)
}
