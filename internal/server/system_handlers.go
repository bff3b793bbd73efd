package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/vault/internal/database"
	"github.com/aristath/vault/internal/events"
	"github.com/aristath/vault/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// JobRunner is the scheduler surface exposed over HTTP
type JobRunner interface {
	Status() []scheduler.JobStatus
	RunNow(name string) (bool, error)
}

// SystemHandlers serves host, database, job and journal status
type SystemHandlers struct {
	databases []*database.DB
	jobs      JobRunner
	journal   *events.Journal
	startedAt time.Time
	hostStats func() (float64, float64)
	log       zerolog.Logger
}

// NewSystemHandlers creates system handlers. jobs and journal may be nil.
func NewSystemHandlers(databases []*database.DB, jobs JobRunner, journal *events.Journal, log zerolog.Logger) *SystemHandlers {
	h := &SystemHandlers{
		databases: databases,
		jobs:      jobs,
		journal:   journal,
		startedAt: time.Now(),
		log:       log.With().Str("handler", "system").Logger(),
	}
	h.hostStats = h.getSystemStats
	return h
}

// RegisterRoutes registers system routes
func (h *SystemHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/system", func(r chi.Router) {
		r.Get("/status", h.HandleSystemStatus)
		r.Get("/jobs", h.HandleJobsStatus)
		r.Post("/jobs/{name}/run", h.HandleRunJob)
	})
	r.Get("/events/recent", h.HandleRecentEvents)
}

// SystemStatusResponse is the body of GET /api/system/status
type SystemStatusResponse struct {
	Status        string                     `json:"status"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	CPUPercent    float64                    `json:"cpu_percent"`
	MemoryPercent float64                    `json:"memory_percent"`
	Databases     map[string]*database.Stats `json:"databases"`
	Jobs          []scheduler.JobStatus      `json:"jobs,omitempty"`
}

// HandleSystemStatus reports host load, database sizes and job state
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.hostStats()

	resp := SystemStatusResponse{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		Databases:     make(map[string]*database.Stats, len(h.databases)),
	}

	for _, db := range h.databases {
		if err := db.HealthCheck(r.Context()); err != nil {
			h.log.Error().Err(err).Str("database", db.Name()).Msg("Database health check failed")
			resp.Status = "degraded"
		}
		stats, err := db.GetStats()
		if err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to read database stats")
			resp.Status = "degraded"
			continue
		}
		resp.Databases[db.Name()] = stats
	}

	if h.jobs != nil {
		resp.Jobs = h.jobs.Status()
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// HandleJobsStatus lists registered jobs
func (h *SystemHandlers) HandleJobsStatus(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": []scheduler.JobStatus{}})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": h.jobs.Status()})
}

// HandleRunJob runs a registered job immediately
func (h *SystemHandlers) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.jobs == nil {
		h.writeError(w, http.StatusNotFound, "job not found: "+name)
		return
	}

	found, err := h.jobs.RunNow(name)
	if !found {
		h.writeError(w, http.StatusNotFound, "job not found: "+name)
		return
	}
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"job":     name,
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"job": name, "success": true})
}

// HandleRecentEvents returns journaled events, newest first
func (h *SystemHandlers) HandleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		h.writeError(w, http.StatusServiceUnavailable, "event journal not configured")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := h.journal.Recent(events.EventType(r.URL.Query().Get("type")), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read event journal")
		h.writeError(w, http.StatusInternalServerError, "failed to read event journal")
		return
	}
	if entries == nil {
		entries = []events.JournalEntry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"events": entries})
}

// getSystemStats returns CPU and RAM usage percentages
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *SystemHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
