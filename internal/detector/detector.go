package detector

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/config"
	"github.com/saviobatista/transit-telemetry/internal/types"
)

// Detector flags bunching, stalled vehicles and implausible speeds
type Detector struct {
	bunchingMeters float64
	stallCycles    int
	stallEpsilon   float64
	speed          config.SpeedThresholds
}

// New creates a detector with the given thresholds
func New(thresholds config.Thresholds) *Detector {
	defaults := config.DefaultThresholds()

	d := &Detector{
		bunchingMeters: thresholds.Bunching.DistanceKm * 1000,
		stallCycles:    thresholds.Stalled.Cycles,
		stallEpsilon:   thresholds.Stalled.EpsilonMeters,
		speed:          thresholds.Speed,
	}
	if d.bunchingMeters <= 0 {
		d.bunchingMeters = defaults.Bunching.DistanceKm * 1000
	}
	if d.stallCycles < 2 {
		d.stallCycles = defaults.Stalled.Cycles
	}
	return d
}

// Detect evaluates a snapshot of current vehicles against their recent
// history. History must be ordered by recorded time.
func (d *Detector) Detect(snapshot []types.Vehicle, history []types.TelemetryEvent, at time.Time) []types.Alert {
	at = at.UTC()

	var alerts []types.Alert
	alerts = append(alerts, d.bunching(snapshot, at)...)
	alerts = append(alerts, d.stalled(snapshot, history, at)...)
	alerts = append(alerts, d.speeds(snapshot, at)...)

	SortAlerts(alerts)
	return alerts
}

func (d *Detector) bunching(snapshot []types.Vehicle, at time.Time) []types.Alert {
	byRoute := make(map[string][]*types.Vehicle)
	for i := range snapshot {
		v := &snapshot[i]
		if v.Route() == "" || !v.InTransit() || !v.HasPosition() {
			continue
		}
		byRoute[v.Route()] = append(byRoute[v.Route()], v)
	}

	var alerts []types.Alert
	for routeID, vehicles := range byRoute {
		sort.Slice(vehicles, func(i, j int) bool { return vehicles[i].VehicleID < vehicles[j].VehicleID })
		for i := 0; i < len(vehicles); i++ {
			for j := i + 1; j < len(vehicles); j++ {
				a, b := vehicles[i], vehicles[j]
				meters := Haversine(*a.Latitude, *a.Longitude, *b.Latitude, *b.Longitude)
				if meters >= d.bunchingMeters {
					continue
				}
				alerts = append(alerts, types.Alert{
					Kind:       types.AlertBunching,
					Severity:   types.SeverityWarning,
					RouteID:    stringPtr(routeID),
					VehicleIDs: []string{a.VehicleID, b.VehicleID},
					DetectedAt: at,
					Message: fmt.Sprintf("Vehicles %s and %s are %.2f km apart on route %s",
						a.VehicleID, b.VehicleID, meters/1000, routeID),
				})
			}
		}
	}
	return alerts
}

func (d *Detector) stalled(snapshot []types.Vehicle, history []types.TelemetryEvent, at time.Time) []types.Alert {
	p := newPaths(d.stallCycles)
	for i := range history {
		e := &history[i]
		if e.CurrentStatus != types.StatusInTransit {
			p.reset(e.VehicleID)
			continue
		}
		if !e.HasPosition() {
			continue
		}
		p.observe(e.VehicleID, position{lat: *e.Latitude, lon: *e.Longitude, at: e.RecordedAt})
	}

	var alerts []types.Alert
	for i := range snapshot {
		v := &snapshot[i]
		if !v.InTransit() || !v.HasPosition() {
			continue
		}
		p.observe(v.VehicleID, position{lat: *v.Latitude, lon: *v.Longitude, at: v.LastUpdated})

		buf := p.get(v.VehicleID)
		if !buf.full() {
			continue
		}
		newest, _ := buf.newest()
		moved := false
		for _, pos := range buf.positions() {
			if Haversine(pos.lat, pos.lon, newest.lat, newest.lon) > d.stallEpsilon {
				moved = true
				break
			}
		}
		if moved {
			continue
		}

		alerts = append(alerts, types.Alert{
			Kind:       types.AlertStalled,
			Severity:   types.SeverityWarning,
			RouteID:    v.RouteID,
			VehicleIDs: []string{v.VehicleID},
			DetectedAt: at,
			Message: fmt.Sprintf("Vehicle %s is in transit but has moved less than %.0f m over %d sightings",
				v.VehicleID, d.stallEpsilon, d.stallCycles),
		})
	}
	return alerts
}

func (d *Detector) speeds(snapshot []types.Vehicle, at time.Time) []types.Alert {
	var alerts []types.Alert
	for i := range snapshot {
		v := &snapshot[i]
		if v.Speed == nil {
			continue
		}
		speed := *v.Speed
		limits := d.speed.For(v.Route())

		var severity types.AlertSeverity
		var message string
		switch {
		case speed < limits.Min || speed > limits.Max:
			severity = types.SeverityError
			message = fmt.Sprintf("Vehicle %s reports speed %.1f outside the valid range [%.1f, %.1f]",
				v.VehicleID, speed, limits.Min, limits.Max)
		case speed > limits.UnusualHigh:
			severity = types.SeverityInfo
			message = fmt.Sprintf("Vehicle %s reports unusually high speed %.1f", v.VehicleID, speed)
		case v.InTransit() && speed < limits.UnusualLow:
			severity = types.SeverityInfo
			message = fmt.Sprintf("Vehicle %s is in transit at unusually low speed %.1f", v.VehicleID, speed)
		default:
			continue
		}

		alerts = append(alerts, types.Alert{
			Kind:       types.AlertSpeedAnomaly,
			Severity:   severity,
			RouteID:    v.RouteID,
			VehicleIDs: []string{v.VehicleID},
			DetectedAt: at,
			Message:    message,
		})
	}
	return alerts
}

// SortAlerts orders alerts by severity, kind, route then vehicle ids
func SortAlerts(alerts []types.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() < b.Severity.Rank()
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if ra, rb := deref(a.RouteID), deref(b.RouteID); ra != rb {
			return ra < rb
		}
		return strings.Join(a.VehicleIDs, ",") < strings.Join(b.VehicleIDs, ",")
	})
}

func stringPtr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
