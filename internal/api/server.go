package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/saviobatista/transit-telemetry/internal/query"
	"github.com/saviobatista/transit-telemetry/internal/types"
)

const (
	defaultDelayHours = 24
	requestTimeout    = 5 * time.Second
)

// QueryService answers the read-only queries
type QueryService interface {
	ListVehicles(ctx context.Context, routeID string) ([]types.Vehicle, error)
	Health(ctx context.Context) *query.Health
	SystemStats(ctx context.Context) (*query.SystemStats, error)
	DelaySeries(ctx context.Context, routeID string, hours int) (*query.DelaySeries, error)
	Headways(ctx context.Context, routeID string) (*query.HeadwayAnalysis, error)
	Alerts(ctx context.Context, routeID string) (*query.AlertList, error)
}

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler serves the query API
type Handler struct {
	svc    QueryService
	logger *log.Logger
}

// NewRouter builds the chi router with CORS for the given origins
func NewRouter(svc QueryService, allowedOrigins []string, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	h := &Handler{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	r.Get("/vehicles", h.ListVehicles)
	r.Get("/routes/{route_id}/delays", h.RouteDelays)
	r.Get("/analytics/headway", h.Headways)
	r.Get("/analytics/system", h.SystemStats)
	r.Get("/alerts", h.Alerts)

	return r
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := h.svc.Health(ctx)
	status := http.StatusOK
	if !health.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// ListVehicles handles GET /vehicles
// Query params: route_id (optional)
func (h *Handler) ListVehicles(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	vehicles, err := h.svc.ListVehicles(ctx, r.URL.Query().Get("route_id"))
	if err != nil {
		h.writeError(w, "Failed to list vehicles", err)
		return
	}
	writeJSON(w, http.StatusOK, vehicles)
}

// RouteDelays handles GET /routes/{route_id}/delays
// Query params: hours (optional, default 24)
func (h *Handler) RouteDelays(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	hours := defaultDelayHours
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "hours must be an integer"})
			return
		}
		hours = n
	}

	series, err := h.svc.DelaySeries(ctx, chi.URLParam(r, "route_id"), hours)
	if err != nil {
		h.writeError(w, "Failed to get route delays", err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

// Headways handles GET /analytics/headway
// Query params: route_id (optional)
func (h *Handler) Headways(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	analysis, err := h.svc.Headways(ctx, r.URL.Query().Get("route_id"))
	if err != nil {
		h.writeError(w, "Failed to analyze headways", err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// SystemStats handles GET /analytics/system
func (h *Handler) SystemStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	stats, err := h.svc.SystemStats(ctx)
	if err != nil {
		h.writeError(w, "Failed to get system analytics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Alerts handles GET /alerts
// Query params: route_id (optional)
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	alerts, err := h.svc.Alerts(ctx, r.URL.Query().Get("route_id"))
	if err != nil {
		h.writeError(w, "Failed to get alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// writeError maps invalid arguments to 400 and everything else to 500
func (h *Handler) writeError(w http.ResponseWriter, msg string, err error) {
	var invalid *query.InvalidArgumentError
	if errors.As(err, &invalid) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: invalid.Error()})
		return
	}
	h.logger.Printf("Warning: %s: %v", msg, err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
