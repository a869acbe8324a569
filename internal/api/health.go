// Package api provides the operational HTTP endpoints that sit outside the
// authenticated domain API.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/webgrove/api/internal/config"
)

// HealthResponse is the JSON response for the /health endpoint.
type HealthResponse struct {
	Status            string  `json:"status"`
	Version           string  `json:"version"`
	DatabaseConnected bool    `json:"database_connected"`
	EngineRunning     bool    `json:"engine_running"`
	UptimeSeconds     uint64  `json:"uptime_seconds"`
	MemoryPercent     float64 `json:"memory_percent"`
	LoadAvg1          float64 `json:"load_avg_1"`
}

// EngineStatus reports whether the workflow loops are active.
type EngineStatus interface {
	IsRunning() bool
}

// HealthHandler handles GET /health.
type HealthHandler struct {
	cfg    *config.Settings
	db     *sql.DB
	engine EngineStatus
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(cfg *config.Settings, db *sql.DB, engine EngineStatus) *HealthHandler {
	return &HealthHandler{cfg: cfg, db: db, engine: engine}
}

// ServeHTTP reports service health plus host stats. Degraded health returns
// 503 so load balancers rotate the instance out.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: h.cfg.Version,
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		log.Warn().Err(err).Msg("Health: database ping failed")
		resp.Status = "degraded"
	} else {
		resp.DatabaseConnected = true
	}

	if h.engine != nil && h.engine.IsRunning() {
		resp.EngineRunning = true
	} else {
		resp.Status = "degraded"
	}

	if hostInfo, err := host.Info(); err == nil {
		resp.UptimeSeconds = hostInfo.Uptime
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		resp.MemoryPercent = memInfo.UsedPercent
	}
	if loadAvg, err := load.Avg(); err == nil {
		resp.LoadAvg1 = loadAvg.Load1
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "degraded" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Health: encode response failed")
	}
}

// RegisterHealthRoutes mounts the health endpoint.
func RegisterHealthRoutes(r chi.Router, cfg *config.Settings, db *sql.DB, engine EngineStatus) {
	handler := NewHealthHandler(cfg, db, engine)
	r.Method(http.MethodGet, "/health", handler)
	r.Method(http.MethodGet, "/api/health", handler)
}
