package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/flowbase/flowbase/internal/httputil"
)

// handleLogs returns recent server log entries.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logBuffer == nil {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"entries": []any{},
			"message": "log buffering not enabled",
		})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"entries": s.logBuffer.Entries(),
	})
}

// handleStats returns server runtime statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_alloc":   mem.Alloc,
		"memory_sys":     mem.Sys,
		"gc_cycles":      mem.NumGC,
	}

	if s.pool != nil {
		poolStat := s.pool.Stat()
		stats["db_pool_total"] = poolStat.TotalConns()
		stats["db_pool_idle"] = poolStat.IdleConns()
		stats["db_pool_in_use"] = poolStat.AcquiredConns()
		stats["db_pool_max"] = poolStat.MaxConns()
	}
	if report := s.report.Load(); report != nil {
		stats["upgrade_performed"] = report.Performed
		stats["upgrade_rows"] = report.TotalRows()
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}
