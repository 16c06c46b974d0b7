package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, ramPercent := systemStats()

	s.respond(w, http.StatusOK, map[string]interface{}{
		"uptime_s":       int64(time.Since(s.startedAt).Seconds()),
		"cpu_percent":    cpuPercent,
		"ram_percent":    ramPercent,
		"goroutines":     runtime.NumGoroutine(),
		"data_dir_bytes": dirSize(s.deps.DataDir),
		"scheduler": map[string]interface{}{
			"strategies": s.deps.Scheduler.StrategyCount(),
			"entries":    s.deps.Scheduler.EntryCount(),
		},
	})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Backup == nil {
		s.respondError(w, http.StatusServiceUnavailable, fmt.Errorf("backups are not configured"))
		return
	}
	result, err := s.deps.Backup.Run(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, result)
}

func systemStats() (float64, float64) {
	var cpuAvg float64
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		cpuAvg = percents[0]
	}

	var ramUsed float64
	if stat, err := mem.VirtualMemory(); err == nil {
		ramUsed = stat.UsedPercent
	}
	return cpuAvg, ramUsed
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
