package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/query"
	"github.com/saviobatista/transit-telemetry/internal/testutils"
	"github.com/saviobatista/transit-telemetry/internal/types"
)

type fakeService struct {
	vehicles []types.Vehicle
	health   *query.Health
	stats    *query.SystemStats
	series   *query.DelaySeries
	headways *query.HeadwayAnalysis
	alerts   *query.AlertList
	err      error

	routeID string
	hours   int
}

func (f *fakeService) ListVehicles(ctx context.Context, routeID string) ([]types.Vehicle, error) {
	f.routeID = routeID
	return f.vehicles, f.err
}

func (f *fakeService) Health(ctx context.Context) *query.Health {
	return f.health
}

func (f *fakeService) SystemStats(ctx context.Context) (*query.SystemStats, error) {
	return f.stats, f.err
}

func (f *fakeService) DelaySeries(ctx context.Context, routeID string, hours int) (*query.DelaySeries, error) {
	f.routeID = routeID
	f.hours = hours
	if f.err != nil {
		return nil, f.err
	}
	if hours <= 0 {
		return nil, &query.InvalidArgumentError{Param: "hours", Reason: "must be between 1 and 720"}
	}
	return f.series, nil
}

func (f *fakeService) Headways(ctx context.Context, routeID string) (*query.HeadwayAnalysis, error) {
	f.routeID = routeID
	return f.headways, f.err
}

func (f *fakeService) Alerts(ctx context.Context, routeID string) (*query.AlertList, error) {
	f.routeID = routeID
	return f.alerts, f.err
}

func serve(t *testing.T, svc QueryService, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	router := NewRouter(svc, []string{"*"}, log.New(io.Discard, "", 0))
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %q", ct)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("Failed to decode body %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	last := time.Date(2025, 3, 4, 13, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		health     *query.Health
		wantStatus int
	}{
		{"healthy", &query.Health{Status: "healthy", Database: "connected", LastCollection: &last, VehiclesTracked: 42}, http.StatusOK},
		{"stale", &query.Health{Status: "unhealthy", Database: "connected", Message: "Last collection was more than 2m0s ago"}, http.StatusServiceUnavailable},
		{"storage down", &query.Health{Status: "unhealthy", Database: "disconnected", Error: "connection refused"}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, &fakeService{health: tt.health}, http.MethodGet, "/health")
			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			var body query.Health
			decode(t, rec, &body)
			if body.Status != tt.health.Status || body.Database != tt.health.Database {
				t.Errorf("Unexpected body: %+v", body)
			}
		})
	}
}

func TestListVehicles(t *testing.T) {
	at := time.Date(2025, 3, 4, 13, 0, 0, 0, time.UTC)
	svc := &fakeService{vehicles: []types.Vehicle{testutils.MockVehicle("R-1", "Red", 42.35, -71.06, at)}}

	rec := serve(t, svc, http.MethodGet, "/vehicles?route_id=Red")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if svc.routeID != "Red" {
		t.Errorf("Expected route filter Red, got %q", svc.routeID)
	}

	var body []map[string]interface{}
	decode(t, rec, &body)
	if len(body) != 1 || body[0]["vehicle_id"] != "R-1" || body[0]["current_status"] != "in_transit" {
		t.Errorf("Unexpected body: %v", body)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("Expected CORS header on response")
	}
}

func TestListVehicles_StorageError(t *testing.T) {
	rec := serve(t, &fakeService{err: errors.New("database is locked")}, http.MethodGet, "/vehicles")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected status 500, got %d", rec.Code)
	}
	var body ErrorResponse
	decode(t, rec, &body)
	if body.Error != "Failed to list vehicles" {
		t.Errorf("Expected generic error message, got %q", body.Error)
	}
}

func TestRouteDelays(t *testing.T) {
	series := &query.DelaySeries{RouteID: "Red", HoursBack: 6, Delays: []types.RouteDelay{{RouteID: "Red", HourOfDay: 8, AvgDelayMinutes: 1.5, SampleCount: 12}}}

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantHours  int
	}{
		{"default hours", "/routes/Red/delays", http.StatusOK, 24},
		{"explicit hours", "/routes/Red/delays?hours=6", http.StatusOK, 6},
		{"non-numeric hours", "/routes/Red/delays?hours=six", http.StatusBadRequest, 0},
		{"out of range hours", "/routes/Red/delays?hours=0", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{series: series}
			rec := serve(t, svc, http.MethodGet, tt.target)
			if rec.Code != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus != http.StatusOK {
				var body ErrorResponse
				decode(t, rec, &body)
				if body.Error == "" {
					t.Error("Expected error message")
				}
				return
			}
			if svc.routeID != "Red" || svc.hours != tt.wantHours {
				t.Errorf("Expected Red over %d hours, got %s over %d", tt.wantHours, svc.routeID, svc.hours)
			}
			var body query.DelaySeries
			decode(t, rec, &body)
			if len(body.Delays) != 1 || body.Delays[0].HourOfDay != 8 {
				t.Errorf("Unexpected body: %+v", body)
			}
		})
	}
}

func TestHeadways(t *testing.T) {
	svc := &fakeService{headways: &query.HeadwayAnalysis{
		RouteID: testutils.String("Red"),
		Analysis: map[string]types.HeadwayRecord{
			"Red": {RouteID: "Red", Count: 2, AvgMinutes: 4.5, MinMinutes: 4, MaxMinutes: 5, Gaps: []float64{5, 4}},
		},
	}}

	rec := serve(t, svc, http.MethodGet, "/analytics/headway?route_id=Red")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	var body struct {
		RouteID  string `json:"route_id"`
		Analysis map[string]struct {
			Count    int       `json:"count"`
			Avg      float64   `json:"avg_minutes"`
			Headways []float64 `json:"headways"`
		} `json:"analysis"`
	}
	decode(t, rec, &body)
	red := body.Analysis["Red"]
	if body.RouteID != "Red" || red.Count != 2 || red.Avg != 4.5 || len(red.Headways) != 2 {
		t.Errorf("Unexpected body: %+v", body)
	}
}

func TestSystemStats(t *testing.T) {
	svc := &fakeService{stats: &query.SystemStats{
		TotalEvents:               1200,
		EventsLastHour:            360,
		EventsPerSecond:           0.1,
		EventsPerMinute:           6,
		RoutesMonitored:           2,
		VehiclesPerRoute:          map[string]int{"Red": 3, "Blue": 2},
		CollectionIntervalSeconds: 30,
	}}

	rec := serve(t, svc, http.MethodGet, "/analytics/system")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	decode(t, rec, &body)
	if body["total_telemetry_events"] != float64(1200) || body["events_per_second"] != 0.1 {
		t.Errorf("Unexpected body: %v", body)
	}
	if body["collection_interval_seconds"] != float64(30) {
		t.Errorf("Expected collection interval 30, got %v", body["collection_interval_seconds"])
	}
}

func TestAlerts(t *testing.T) {
	at := time.Date(2025, 3, 4, 13, 0, 0, 0, time.UTC)
	svc := &fakeService{alerts: &query.AlertList{
		Count: 1,
		Alerts: []types.Alert{
			{Kind: types.AlertBunching, Severity: types.SeverityWarning, RouteID: testutils.String("Red"), VehicleIDs: []string{"R-1", "R-2"}, DetectedAt: at},
		},
		Source:    "cache",
		CycleID:   "c-1",
		Timestamp: at,
	}}

	rec := serve(t, svc, http.MethodGet, "/alerts?route_id=Red")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if svc.routeID != "Red" {
		t.Errorf("Expected route filter Red, got %q", svc.routeID)
	}

	var body struct {
		Count  int `json:"count"`
		Alerts []struct {
			Type     string `json:"type"`
			Severity string `json:"severity"`
		} `json:"alerts"`
		Source string `json:"source"`
	}
	decode(t, rec, &body)
	if body.Count != 1 || body.Alerts[0].Type != "bunching" || body.Source != "cache" {
		t.Errorf("Unexpected body: %+v", body)
	}
}

func TestUnknownRoute(t *testing.T) {
	rec := serve(t, &fakeService{}, http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	router := NewRouter(&fakeService{}, []string{"http://localhost:5173"}, log.New(io.Discard, "", 0))
	req := httptest.NewRequest(http.MethodOptions, "/vehicles", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Expected allowed origin echoed, got %q", got)
	}
}
