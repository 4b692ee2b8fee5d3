package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"eta2trips/pkg/pipeline"
	"eta2trips/pkg/types"

	"github.com/go-chi/chi/v5"
)

// ArrivalQuerier answers per-stop ETA lookups.
type ArrivalQuerier interface {
	Query(stop types.StopID) []types.LineEta
}

// StatusReporter reports per-line polling health.
type StatusReporter interface {
	Status() []pipeline.LineStatus
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ArrivalsResponse is the JSON response for GET /api/stops/{stopID}/arrivals
type ArrivalsResponse struct {
	StopID   string          `json:"stop_id"`
	Arrivals []types.LineEta `json:"arrivals"`
	Count    int             `json:"count"`
}

// HealthResponse is the JSON response for GET /health
type HealthResponse struct {
	Status    string                `json:"status"`
	Timestamp time.Time             `json:"timestamp"`
	Lines     []pipeline.LineStatus `json:"lines"`
}

type Handler struct {
	arrivals ArrivalQuerier
	status   StatusReporter
	now      func() time.Time
}

func NewHandler(arrivals ArrivalQuerier, status StatusReporter) *Handler {
	return &Handler{arrivals: arrivals, status: status, now: time.Now}
}

// GetStopArrivals handles GET /api/stops/{stopID}/arrivals.
// An unknown stop yields an empty list, not an error.
func (h *Handler) GetStopArrivals(w http.ResponseWriter, r *http.Request) {
	stopID := strings.TrimSpace(chi.URLParam(r, "stopID"))
	if stopID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: "stopID parameter is required",
		})
		return
	}

	arrivals := h.arrivals.Query(types.StopID(stopID))
	writeJSON(w, http.StatusOK, ArrivalsResponse{
		StopID:   stopID,
		Arrivals: arrivals,
		Count:    len(arrivals),
	})
}

// GetHealth handles GET /health. The service is "degraded" while any line
// has never been polled successfully or its last poll failed.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	lines := h.status.Status()

	status := "ok"
	for _, l := range lines {
		if l.LastSuccess == nil || l.LastError != "" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Timestamp: h.now().UTC(),
		Lines:     lines,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode JSON response", "status", status, "error", err)
	}
}
