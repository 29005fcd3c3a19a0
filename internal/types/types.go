package types

import (
	"time"
)

// VehicleStatus is the normalized movement state reported by the feed
type VehicleStatus string

const (
	StatusInTransit VehicleStatus = "in_transit"
	StatusStopped   VehicleStatus = "stopped"
	StatusIncoming  VehicleStatus = "incoming"
	StatusUnknown   VehicleStatus = "unknown"
)

// RawVehicle is a single feed record before normalization
type RawVehicle struct {
	ID        string
	RouteID   *string
	RouteName *string
	Latitude  *float64
	Longitude *float64
	Bearing   *float64
	Speed     *float64
	Status    string
	UpdatedAt *time.Time

	// Malformed is set when the record could not be decoded; it is skipped
	// at normalization
	Malformed string
}

// Vehicle represents the current state of a vehicle
type Vehicle struct {
	VehicleID     string        `json:"vehicle_id" db:"vehicle_id"`
	RouteID       *string       `json:"route_id" db:"route_id"`
	RouteName     *string       `json:"route_name" db:"route_name"`
	Latitude      *float64      `json:"latitude" db:"latitude"`
	Longitude     *float64      `json:"longitude" db:"longitude"`
	Bearing       *float64      `json:"bearing" db:"bearing"`
	Speed         *float64      `json:"speed" db:"speed"`
	CurrentStatus VehicleStatus `json:"current_status" db:"current_status"`
	ReportedAt    *time.Time    `json:"reported_at,omitempty" db:"reported_at"`
	LastUpdated   time.Time     `json:"last_updated" db:"last_updated"`
}

// HasPosition reports whether both coordinates are known
func (v *Vehicle) HasPosition() bool {
	return v.Latitude != nil && v.Longitude != nil
}

// InTransit reports whether the vehicle is moving between stops
func (v *Vehicle) InTransit() bool {
	return v.CurrentStatus == StatusInTransit
}

// Route returns the route id or an empty string when unknown
func (v *Vehicle) Route() string {
	if v.RouteID == nil {
		return ""
	}
	return *v.RouteID
}

// TelemetryEvent is an immutable snapshot of a vehicle taken by one cycle
type TelemetryEvent struct {
	ID            int64         `json:"id" db:"id"`
	CycleID       string        `json:"cycle_id" db:"cycle_id"`
	VehicleID     string        `json:"vehicle_id" db:"vehicle_id"`
	RouteID       *string       `json:"route_id" db:"route_id"`
	RouteName     *string       `json:"route_name" db:"route_name"`
	Latitude      *float64      `json:"latitude" db:"latitude"`
	Longitude     *float64      `json:"longitude" db:"longitude"`
	Bearing       *float64      `json:"bearing" db:"bearing"`
	Speed         *float64      `json:"speed" db:"speed"`
	CurrentStatus VehicleStatus `json:"current_status" db:"current_status"`
	RecordedAt    time.Time     `json:"recorded_at" db:"recorded_at"`
}

// NewEvent snapshots a vehicle for the given cycle
func NewEvent(cycleID string, v *Vehicle) TelemetryEvent {
	return TelemetryEvent{
		CycleID:       cycleID,
		VehicleID:     v.VehicleID,
		RouteID:       v.RouteID,
		RouteName:     v.RouteName,
		Latitude:      v.Latitude,
		Longitude:     v.Longitude,
		Bearing:       v.Bearing,
		Speed:         v.Speed,
		CurrentStatus: v.CurrentStatus,
		RecordedAt:    v.LastUpdated,
	}
}

// HasPosition reports whether both coordinates were known when recorded
func (e *TelemetryEvent) HasPosition() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// RouteDelay is the mean delay of a route for one local hour of the day
type RouteDelay struct {
	RouteID         string    `json:"route_id" db:"route_id"`
	RouteName       *string   `json:"route_name" db:"route_name"`
	HourOfDay       int       `json:"hour_of_day" db:"hour_of_day"`
	AvgDelayMinutes float64   `json:"avg_delay_minutes" db:"avg_delay_minutes"`
	SampleCount     int       `json:"sample_count" db:"sample_count"`
	CalculatedAt    time.Time `json:"calculated_at" db:"calculated_at"`
}

// HeadwayRecord summarizes the gaps between consecutive sightings on a route
type HeadwayRecord struct {
	RouteID    string    `json:"route_id"`
	Count      int       `json:"count"`
	AvgMinutes float64   `json:"avg_minutes"`
	MinMinutes float64   `json:"min_minutes"`
	MaxMinutes float64   `json:"max_minutes"`
	Gaps       []float64 `json:"headways"`
}

// AlertKind identifies the check that raised an alert
type AlertKind string

const (
	AlertBunching     AlertKind = "bunching"
	AlertStalled      AlertKind = "stalled"
	AlertSpeedAnomaly AlertKind = "speed_anomaly"
)

// AlertSeverity grades an alert
type AlertSeverity string

const (
	SeverityInfo    AlertSeverity = "info"
	SeverityWarning AlertSeverity = "warning"
	SeverityError   AlertSeverity = "error"
)

// Rank orders severities with the most severe first
func (s AlertSeverity) Rank() int {
	switch s {
	case SeverityError:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

// Alert is a transient anomaly raised by the detector
type Alert struct {
	Kind       AlertKind     `json:"type"`
	Severity   AlertSeverity `json:"severity"`
	RouteID    *string       `json:"route_id"`
	VehicleIDs []string      `json:"vehicle_ids"`
	DetectedAt time.Time     `json:"timestamp"`
	Message    string        `json:"message"`
}

// FeedResponse is a raw upstream response body
type FeedResponse struct {
	Endpoint    string    `json:"endpoint"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"body"`
	FetchedAt   time.Time `json:"fetched_at"`
	Attempts    int       `json:"attempts"`
}

// CollectorStats is a point-in-time copy of the collector counters
type CollectorStats struct {
	Time             time.Time  `json:"time" db:"time"`
	StartedAt        time.Time  `json:"started_at" db:"started_at"`
	LastSuccessAt    *time.Time `json:"last_success_at" db:"last_success_at"`
	LastCycleID      string     `json:"last_cycle_id" db:"last_cycle_id"`
	CyclesStarted    uint64     `json:"cycles_started" db:"cycles_started"`
	CyclesSucceeded  uint64     `json:"cycles_succeeded" db:"cycles_succeeded"`
	CyclesFailed     uint64     `json:"cycles_failed" db:"cycles_failed"`
	CyclesSkipped    uint64     `json:"cycles_skipped" db:"cycles_skipped"`
	FetchAttempts    uint64     `json:"fetch_attempts" db:"fetch_attempts"`
	RecordsSkipped   uint64     `json:"records_skipped" db:"records_skipped"`
	VehiclesUpserted uint64     `json:"vehicles_upserted" db:"vehicles_upserted"`
	EventsAppended   uint64     `json:"events_appended" db:"events_appended"`
	DelaysComputed   uint64     `json:"delays_computed" db:"delays_computed"`
	AlertsEmitted    uint64     `json:"alerts_emitted" db:"alerts_emitted"`
	ActiveVehicles   uint64     `json:"active_vehicles" db:"active_vehicles"`
}

// Uptime returns how long the collector had been running at snapshot time
func (s *CollectorStats) Uptime() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return s.Time.Sub(s.StartedAt)
}

// CycleSummary is published once per finished collection cycle
type CycleSummary struct {
	CycleID    string    `json:"cycle_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Vehicles   int       `json:"vehicles"`
	Skipped    int       `json:"skipped"`
	Events     int       `json:"events"`
	Routes     []string  `json:"routes"`
	Alerts     int       `json:"alerts"`
	Error      string    `json:"error,omitempty"`
	Stage      string    `json:"stage,omitempty"`
}

// AlertSnapshot is the alert set produced by one cycle
type AlertSnapshot struct {
	CycleID     string    `json:"cycle_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Alerts      []Alert   `json:"alerts"`
}
