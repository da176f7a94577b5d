package server

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/monetahq/moneta/internal/database"
	"github.com/monetahq/moneta/internal/httpx"
	"github.com/monetahq/moneta/internal/market"
	"github.com/monetahq/moneta/internal/modules/stream"
	"github.com/monetahq/moneta/internal/reliability"
	"github.com/monetahq/moneta/internal/scheduler"
	"github.com/monetahq/moneta/internal/version"
)

// HealthHandlers serves the component health snapshot: database pings,
// breaker states, stream hub occupancy, scheduler load, market session,
// and host resource usage.
type HealthHandlers struct {
	log       zerolog.Logger
	startedAt time.Time
	dataDir   string
	databases map[string]*database.DB
	breakers  *reliability.BreakerRegistry
	hub       *stream.Hub
	runner    *scheduler.Runner
	clock     *market.Clock
}

// NewHealthHandlers creates the health handlers. Any dependency may be
// nil; its section is then omitted from the snapshot.
func NewHealthHandlers(
	databases map[string]*database.DB,
	breakers *reliability.BreakerRegistry,
	hub *stream.Hub,
	runner *scheduler.Runner,
	clock *market.Clock,
	dataDir string,
	log zerolog.Logger,
) *HealthHandlers {
	return &HealthHandlers{
		log:       log.With().Str("component", "health_handlers").Logger(),
		startedAt: time.Now(),
		dataDir:   dataDir,
		databases: databases,
		breakers:  breakers,
		hub:       hub,
		runner:    runner,
		clock:     clock,
	}
}

// DatabaseHealth is the per-database section of the detailed snapshot.
type DatabaseHealth struct {
	Name   string  `json:"name"`
	Status string  `json:"status"`
	SizeMB float64 `json:"size_mb"`
	Error  string  `json:"error,omitempty"`
}

// SystemStats reports host resource usage.
type SystemStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
	DataDirMB  float64 `json:"data_dir_mb"`
}

// DetailedHealth is the full component health snapshot.
type DetailedHealth struct {
	Status        string                        `json:"status"`
	Version       string                        `json:"version"`
	UptimeSeconds float64                       `json:"uptime_seconds"`
	Databases     []DatabaseHealth              `json:"databases"`
	Breakers      []reliability.BreakerSnapshot `json:"breakers"`
	Stream        *stream.Stats                 `json:"stream,omitempty"`
	Scheduler     *scheduler.Snapshot           `json:"scheduler,omitempty"`
	Market        *market.Snapshot              `json:"market,omitempty"`
	System        SystemStats                   `json:"system"`
	CheckedAt     time.Time                     `json:"checked_at"`
}

// HandleDetailed returns the component health snapshot. The endpoint
// answers 200 even when degraded; the status field carries the verdict
// so probes distinguish "down" from "up but unhappy".
func (h *HealthHandlers) HandleDetailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	degraded := false

	dbHealth := make([]DatabaseHealth, 0, len(h.databases))
	for name, db := range h.databases {
		entry := DatabaseHealth{Name: name, Status: "ok"}
		if err := db.QuickCheck(ctx); err != nil {
			h.log.Error().Err(err).Str("database", name).Msg("Database ping failed")
			entry.Status = "unreachable"
			entry.Error = err.Error()
			degraded = true
		}
		if info, err := os.Stat(db.Path()); err == nil {
			entry.SizeMB = float64(info.Size()) / 1024 / 1024
		}
		dbHealth = append(dbHealth, entry)
	}
	sort.Slice(dbHealth, func(i, j int) bool { return dbHealth[i].Name < dbHealth[j].Name })

	var breakerHealth []reliability.BreakerSnapshot
	if h.breakers != nil {
		breakerHealth = h.breakers.Snapshots()
		for _, b := range breakerHealth {
			if b.State == "open" {
				degraded = true
			}
		}
	}

	resp := DetailedHealth{
		Status:        "ok",
		Version:       version.Get(),
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Databases:     dbHealth,
		Breakers:      breakerHealth,
		System:        h.systemStats(),
		CheckedAt:     time.Now().UTC(),
	}
	if degraded {
		resp.Status = "degraded"
	}

	if h.hub != nil {
		stats := h.hub.Stats()
		resp.Stream = &stats
	}
	if h.runner != nil {
		snap := h.runner.Snapshot()
		resp.Scheduler = &snap
	}
	if h.clock != nil {
		snap := h.clock.SnapshotAt(time.Now())
		resp.Market = &snap
	}

	httpx.WriteJSON(w, http.StatusOK, resp)
}

// systemStats samples CPU over 100ms so the endpoint stays fast enough
// for dashboards polling every couple of seconds.
func (h *HealthHandlers) systemStats() SystemStats {
	stats := SystemStats{DataDirMB: h.dirSizeMB(h.dataDir)}

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
	} else {
		stats.RAMPercent = memStat.UsedPercent
	}

	return stats
}

// dirSizeMB calculates total size of a directory in MB.
func (h *HealthHandlers) dirSizeMB(dirPath string) float64 {
	if dirPath == "" {
		return 0
	}

	var totalSize int64
	err := filepath.Walk(dirPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip errors
		}
		if !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})
	if err != nil {
		h.log.Warn().Err(err).Str("dir", dirPath).Msg("Failed to calculate directory size")
		return 0
	}

	return float64(totalSize) / 1024 / 1024
}
