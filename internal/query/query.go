package query

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

const (
	// maxHeadwayGaps caps the gap list returned per route
	maxHeadwayGaps = 100
	maxDelayHours  = 720
)

// Store is the read side of the storage layer
type Store interface {
	Ping(ctx context.Context) error
	ListVehicles(ctx context.Context, routeID string, since time.Time) ([]types.Vehicle, error)
	CountVehicles(ctx context.Context, since time.Time) (int, error)
	VehiclesPerRoute(ctx context.Context, since time.Time) (map[string]int, error)
	CountEvents(ctx context.Context, since time.Time) (int64, error)
	QueryRecentEvents(ctx context.Context, routeID string, since time.Time) ([]types.TelemetryEvent, error)
	ListRouteDelays(ctx context.Context, routeID string, since time.Time) ([]types.RouteDelay, error)
	LatestCollectorStats(ctx context.Context) (*types.CollectorStats, error)
}

// Analyzer computes derived metrics on demand
type Analyzer interface {
	RecomputeDelays(ctx context.Context, routeID string, lookbackHours int) ([]types.RouteDelay, error)
	ComputeHeadways(ctx context.Context, routeID string) ([]types.HeadwayRecord, error)
}

// Detector evaluates a snapshot against recent history
type Detector interface {
	Detect(snapshot []types.Vehicle, history []types.TelemetryEvent, at time.Time) []types.Alert
}

// Cache serves what the collector published for the API
type Cache interface {
	GetAlerts(ctx context.Context, routeID string) (*types.AlertSnapshot, error)
	GetHeartbeat(ctx context.Context) (*types.CollectorStats, error)
}

// InvalidArgumentError reports a bad query parameter
type InvalidArgumentError struct {
	Param  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Param, e.Reason)
}

// Health describes the collector and storage state
type Health struct {
	Status          string     `json:"status"`
	Message         string     `json:"message,omitempty"`
	Database        string     `json:"database"`
	LastCollection  *time.Time `json:"last_collection"`
	LastCycleID     string     `json:"last_cycle_id,omitempty"`
	UptimeSeconds   int64      `json:"uptime_seconds"`
	VehiclesTracked int        `json:"vehicles_tracked"`
	Error           string     `json:"error,omitempty"`
}

// Healthy reports whether the API should answer 200
func (h *Health) Healthy() bool {
	return h.Status == "healthy"
}

// SystemStats are the aggregate counters
type SystemStats struct {
	TotalEvents               int64          `json:"total_telemetry_events"`
	EventsLastHour            int64          `json:"events_last_hour"`
	EventsPerSecond           float64        `json:"events_per_second"`
	EventsPerMinute           float64        `json:"telemetry_events_per_minute"`
	RoutesMonitored           int            `json:"routes_monitored"`
	VehiclesTracked           int            `json:"vehicles_tracked"`
	VehiclesPerRoute          map[string]int `json:"vehicles_per_route"`
	CollectionIntervalSeconds float64        `json:"collection_interval_seconds"`
	RefreshIntervalSeconds    float64        `json:"refresh_interval_seconds"`
	Timestamp                 time.Time      `json:"timestamp"`
}

// DelaySeries is the hourly delay history of one route
type DelaySeries struct {
	RouteID   string             `json:"route_id"`
	HoursBack int                `json:"hours_back"`
	Delays    []types.RouteDelay `json:"delays"`
}

// HeadwayAnalysis maps route id to its headway summary
type HeadwayAnalysis struct {
	RouteID  *string                        `json:"route_id"`
	Analysis map[string]types.HeadwayRecord `json:"analysis"`
}

// AlertList is the alert response. Source is "cache" when served from the
// collector's last cycle, "live" when detected on demand.
type AlertList struct {
	Count     int           `json:"count"`
	Alerts    []types.Alert `json:"alerts"`
	Source    string        `json:"source"`
	CycleID   string        `json:"cycle_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Service answers the read-only queries over the telemetry store
type Service struct {
	store    Store
	analyzer Analyzer
	detector Detector
	cache    Cache

	freshness          time.Duration
	historyWindow      time.Duration
	collectionInterval time.Duration
	refreshInterval    time.Duration
	now                func() time.Time
	logger             *log.Logger
}

// Option configures a Service
type Option func(*Service)

// WithCache reads alerts and the heartbeat from the collector's cache
func WithCache(cache Cache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithFreshnessWindow sets how old data may be and still count as current
func WithFreshnessWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.freshness = d
		}
	}
}

// WithHistoryWindow sets how much history on-demand detection sees
func WithHistoryWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.historyWindow = d
		}
	}
}

// WithIntervals reports the collection and dashboard refresh intervals
func WithIntervals(collection, refresh time.Duration) Option {
	return func(s *Service) {
		s.collectionInterval = collection
		s.refreshInterval = refresh
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger
func WithLogger(l *log.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a query service
func New(store Store, analyzer Analyzer, detector Detector, opts ...Option) *Service {
	s := &Service{
		store:              store,
		analyzer:           analyzer,
		detector:           detector,
		freshness:          2 * time.Minute,
		historyWindow:      5 * time.Minute,
		collectionInterval: 30 * time.Second,
		refreshInterval:    10 * time.Second,
		now:                time.Now,
		logger:             log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListVehicles returns the vehicles updated within the freshness window,
// newest first
func (s *Service) ListVehicles(ctx context.Context, routeID string) ([]types.Vehicle, error) {
	return s.store.ListVehicles(ctx, routeID, s.now().Add(-s.freshness))
}

// Health never fails; storage errors are reported in the result
func (s *Service) Health(ctx context.Context) *Health {
	if err := s.store.Ping(ctx); err != nil {
		return &Health{Status: "unhealthy", Database: "disconnected", Error: err.Error()}
	}

	h := &Health{Status: "healthy", Database: "connected"}
	now := s.now()

	stats, err := s.collectorStats(ctx)
	if err != nil {
		return &Health{Status: "unhealthy", Database: "disconnected", Error: err.Error()}
	}
	if stats != nil {
		h.LastCollection = stats.LastSuccessAt
		h.LastCycleID = stats.LastCycleID
		h.UptimeSeconds = int64(stats.Uptime().Seconds())
	}

	count, err := s.store.CountVehicles(ctx, now.Add(-s.freshness))
	if err != nil {
		return &Health{Status: "unhealthy", Database: "disconnected", Error: err.Error()}
	}
	h.VehiclesTracked = count

	switch {
	case h.LastCollection == nil:
		h.Status = "unhealthy"
		h.Message = "No successful collection recorded"
	case now.Sub(*h.LastCollection) > s.freshness:
		h.Status = "unhealthy"
		h.Message = fmt.Sprintf("Last collection was more than %s ago", s.freshness)
	}
	return h
}

// collectorStats prefers the live heartbeat over the last persisted snapshot
func (s *Service) collectorStats(ctx context.Context) (*types.CollectorStats, error) {
	if s.cache != nil {
		stats, err := s.cache.GetHeartbeat(ctx)
		if err != nil {
			s.logger.Printf("Warning: failed to read heartbeat: %v", err)
		} else if stats != nil {
			return stats, nil
		}
	}
	return s.store.LatestCollectorStats(ctx)
}

// SystemStats returns the aggregate counters
func (s *Service) SystemStats(ctx context.Context) (*SystemStats, error) {
	now := s.now()

	total, err := s.store.CountEvents(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	lastHour, err := s.store.CountEvents(ctx, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	lastFive, err := s.store.CountEvents(ctx, now.Add(-5*time.Minute))
	if err != nil {
		return nil, err
	}
	perRoute, err := s.store.VehiclesPerRoute(ctx, time.Time{})
	if err != nil {
		return nil, err
	}

	stats := &SystemStats{
		TotalEvents:               total,
		EventsLastHour:            lastHour,
		EventsPerSecond:           round2(float64(lastHour) / 3600),
		EventsPerMinute:           round2(float64(lastFive) / 5),
		VehiclesPerRoute:          make(map[string]int, len(perRoute)),
		CollectionIntervalSeconds: s.collectionInterval.Seconds(),
		RefreshIntervalSeconds:    s.refreshInterval.Seconds(),
		Timestamp:                 now.UTC(),
	}
	for route, n := range perRoute {
		stats.VehiclesTracked += n
		if route == "" {
			continue
		}
		stats.VehiclesPerRoute[route] = n
	}
	stats.RoutesMonitored = len(stats.VehiclesPerRoute)
	return stats, nil
}

// DelaySeries returns the stored delay buckets of a route calculated within
// the last hours. When none exist they are recomputed first.
func (s *Service) DelaySeries(ctx context.Context, routeID string, hours int) (*DelaySeries, error) {
	if routeID == "" {
		return nil, &InvalidArgumentError{Param: "route_id", Reason: "required"}
	}
	if hours <= 0 || hours > maxDelayHours {
		return nil, &InvalidArgumentError{Param: "hours", Reason: fmt.Sprintf("must be between 1 and %d", maxDelayHours)}
	}

	since := s.now().Add(-time.Duration(hours) * time.Hour)
	delays, err := s.store.ListRouteDelays(ctx, routeID, since)
	if err != nil {
		return nil, err
	}

	if len(delays) == 0 {
		if _, err := s.analyzer.RecomputeDelays(ctx, routeID, hours); err != nil {
			s.logger.Printf("Warning: failed to recompute delays for route %s: %v", routeID, err)
		} else if delays, err = s.store.ListRouteDelays(ctx, routeID, since); err != nil {
			return nil, err
		}
	}

	return &DelaySeries{RouteID: routeID, HoursBack: hours, Delays: delays}, nil
}

// Headways summarizes the gaps of the last headway window. Routes without
// gaps are left out.
func (s *Service) Headways(ctx context.Context, routeID string) (*HeadwayAnalysis, error) {
	records, err := s.analyzer.ComputeHeadways(ctx, routeID)
	if err != nil {
		return nil, err
	}

	analysis := &HeadwayAnalysis{Analysis: make(map[string]types.HeadwayRecord)}
	if routeID != "" {
		analysis.RouteID = &routeID
	}
	for _, r := range records {
		if r.Count == 0 {
			continue
		}
		if len(r.Gaps) > maxHeadwayGaps {
			r.Gaps = r.Gaps[:maxHeadwayGaps]
		}
		analysis.Analysis[r.RouteID] = r
	}
	return analysis, nil
}

// Alerts returns the collector's cached alerts when they are fresh and
// otherwise runs detection over the stored state
func (s *Service) Alerts(ctx context.Context, routeID string) (*AlertList, error) {
	now := s.now()

	if s.cache != nil {
		snapshot, err := s.cache.GetAlerts(ctx, routeID)
		if err != nil {
			s.logger.Printf("Warning: failed to read cached alerts: %v", err)
		} else if snapshot != nil && now.Sub(snapshot.GeneratedAt) <= s.freshness {
			return newAlertList(snapshot.Alerts, "cache", snapshot.CycleID, now), nil
		}
	}

	vehicles, err := s.store.ListVehicles(ctx, routeID, now.Add(-s.freshness))
	if err != nil {
		return nil, err
	}
	history, err := s.store.QueryRecentEvents(ctx, routeID, now.Add(-s.historyWindow))
	if err != nil {
		return nil, err
	}
	return newAlertList(s.detector.Detect(vehicles, history, now.UTC()), "live", "", now), nil
}

func newAlertList(alerts []types.Alert, source, cycleID string, now time.Time) *AlertList {
	if alerts == nil {
		alerts = []types.Alert{}
	}
	return &AlertList{
		Count:     len(alerts),
		Alerts:    alerts,
		Source:    source,
		CycleID:   cycleID,
		Timestamp: now.UTC(),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
