package parser

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

// DataQualityError marks a feed record that cannot become a Vehicle
type DataQualityError struct {
	Index  int
	Reason string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("skipped record %d: %s", e.Index, e.Reason)
}

// ParseStatus maps feed status strings onto the internal enum
func ParseStatus(raw string) types.VehicleStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "IN_TRANSIT_TO", "IN_TRANSIT":
		return types.StatusInTransit
	case "STOPPED_AT", "STOPPED":
		return types.StatusStopped
	case "INCOMING_AT", "INCOMING":
		return types.StatusIncoming
	default:
		return types.StatusUnknown
	}
}

// Normalize converts a raw feed record into a Vehicle stamped with the cycle
// time. It does no I/O.
func Normalize(raw types.RawVehicle, cycleAt time.Time) (*types.Vehicle, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return nil, &DataQualityError{Reason: "missing vehicle id"}
	}
	if raw.Malformed != "" {
		return nil, &DataQualityError{Reason: raw.Malformed}
	}

	v := &types.Vehicle{
		VehicleID:     id,
		RouteID:       optionalString(raw.RouteID),
		RouteName:     optionalString(raw.RouteName),
		CurrentStatus: ParseStatus(raw.Status),
		LastUpdated:   cycleAt.UTC(),
	}

	// A half-known or impossible fix is treated as no fix at all
	if lat, lon := finite(raw.Latitude), finite(raw.Longitude); lat != nil && lon != nil &&
		*lat >= -90 && *lat <= 90 && *lon >= -180 && *lon <= 180 {
		v.Latitude = lat
		v.Longitude = lon
	}

	if b := finite(raw.Bearing); b != nil {
		bearing := math.Mod(*b, 360)
		if bearing < 0 {
			bearing += 360
		}
		v.Bearing = &bearing
	}

	// Speed is kept as reported, including negative values; judging it is
	// the detector's job
	v.Speed = finite(raw.Speed)

	if raw.UpdatedAt != nil && !raw.UpdatedAt.IsZero() {
		ts := raw.UpdatedAt.UTC()
		v.ReportedAt = &ts
	}

	return v, nil
}

// NormalizeAll normalizes a snapshot. Duplicate ids keep the last record in
// the position of the first, so one vehicle yields exactly one row.
func NormalizeAll(raws []types.RawVehicle, cycleAt time.Time) ([]types.Vehicle, []*DataQualityError) {
	vehicles := make([]types.Vehicle, 0, len(raws))
	index := make(map[string]int, len(raws))
	var skipped []*DataQualityError

	for i, raw := range raws {
		v, err := Normalize(raw, cycleAt)
		if err != nil {
			dq, ok := err.(*DataQualityError)
			if !ok {
				dq = &DataQualityError{Reason: err.Error()}
			}
			dq.Index = i
			skipped = append(skipped, dq)
			continue
		}
		if pos, seen := index[v.VehicleID]; seen {
			vehicles[pos] = *v
			continue
		}
		index[v.VehicleID] = len(vehicles)
		vehicles = append(vehicles, *v)
	}

	return vehicles, skipped
}

func optionalString(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func finite(f *float64) *float64 {
	if f == nil || math.IsNaN(*f) || math.IsInf(*f, 0) {
		return nil
	}
	v := *f
	return &v
}
