// Package handlers provides HTTP handlers for vault snapshot history.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/vault/internal/modules/snapshots"
	"github.com/rs/zerolog"
)

// Handler handles snapshot HTTP requests
type Handler struct {
	service *snapshots.Service
	log     zerolog.Logger
}

// NewHandler creates a new snapshot handler
func NewHandler(service *snapshots.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "snapshots").Logger(),
	}
}

type snapshotResponse struct {
	ID             int64             `json:"id"`
	RecordedAt     time.Time         `json:"recorded_at"`
	TotalAssets    string            `json:"total_assets"`
	TotalShares    string            `json:"total_shares"`
	Idle           string            `json:"idle"`
	SharePrice     float64           `json:"share_price"`
	SourceBalances map[string]string `json:"source_balances"`
}

func toResponse(s *snapshots.Snapshot) snapshotResponse {
	balances := make(map[string]string, len(s.SourceBalances))
	for id, v := range s.SourceBalances {
		balances[string(id)] = v.String()
	}
	return snapshotResponse{
		ID:             s.ID,
		RecordedAt:     s.RecordedAt,
		TotalAssets:    s.TotalAssets.String(),
		TotalShares:    s.TotalShares.String(),
		Idle:           s.Idle.String(),
		SharePrice:     s.SharePrice,
		SourceBalances: balances,
	}
}

// HandleGetSnapshots handles GET /api/snapshots
func (h *Handler) HandleGetSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	list, err := h.service.History(windowFrom(r, 30), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load snapshots")
		h.writeError(w, http.StatusInternalServerError, "Failed to load snapshots")
		return
	}

	out := make([]snapshotResponse, len(list))
	for i := range list {
		out[i] = toResponse(&list[i])
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": out,
		"count":     len(out),
	})
}

// HandleGetLatest handles GET /api/snapshots/latest
func (h *Handler) HandleGetLatest(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Latest()
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to load latest snapshot")
		h.writeError(w, http.StatusInternalServerError, "Failed to load latest snapshot")
		return
	}
	if snap == nil {
		h.writeError(w, http.StatusNotFound, "No snapshots recorded yet")
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(snap))
}

// HandleRecord handles POST /api/snapshots
func (h *Handler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Record(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to record snapshot")
		h.writeError(w, http.StatusInternalServerError, "Failed to record snapshot")
		return
	}
	h.writeJSON(w, http.StatusCreated, toResponse(snap))
}

// HandleGetAnalytics handles GET /api/snapshots/analytics
func (h *Handler) HandleGetAnalytics(w http.ResponseWriter, r *http.Request) {
	period := snapshots.DefaultEMAPeriod
	if emaStr := r.URL.Query().Get("ema"); emaStr != "" {
		if parsed, err := strconv.Atoi(emaStr); err == nil && parsed > 0 {
			period = parsed
		}
	}

	a, err := h.service.Analytics(windowFrom(r, 30), period)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to compute analytics")
		h.writeError(w, http.StatusInternalServerError, "Failed to compute analytics")
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

// windowFrom reads ?days=, where 0 means all history
func windowFrom(r *http.Request, defaultDays int) time.Duration {
	days := defaultDays
	if daysStr := r.URL.Query().Get("days"); daysStr != "" {
		if parsed, err := strconv.Atoi(daysStr); err == nil && parsed >= 0 {
			days = parsed
		}
	}
	return time.Duration(days) * 24 * time.Hour
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
