package server

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// handleHealth reports liveness plus enough process telemetry to spot a
// broker drifting toward trouble (queue bloat shows up as RSS growth,
// fan-out saturation as CPU). Always 200 while the process serves.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.isShuttingDown() {
		status = "shutting_down"
	}

	body := map[string]any{
		"status":         status,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
		"connections": map[string]any{
			"active": s.manager.Count(),
			"max":    s.cfg.MaxConnections,
		},
		"channels": s.registry.Len(),
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil {
			body["memory_rss_mb"] = float64(mem.RSS) / 1024 / 1024
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			body["cpu_percent"] = cpu
		}
	}

	s.writeJSON(w, http.StatusOK, body)
}
