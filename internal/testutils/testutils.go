package testutils

import (
	"context"
	"fmt"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

// String returns a pointer to s
func String(s string) *string { return &s }

// Float returns a pointer to f
func Float(f float64) *float64 { return &f }

// MockRawVehicle creates a located, in-transit feed record for testing
func MockRawVehicle(id, routeID string, lat, lon float64) types.RawVehicle {
	ts := time.Now().UTC()
	return types.RawVehicle{
		ID:        id,
		RouteID:   String(routeID),
		Latitude:  Float(lat),
		Longitude: Float(lon),
		Bearing:   Float(90),
		Speed:     Float(10),
		Status:    "IN_TRANSIT_TO",
		UpdatedAt: &ts,
	}
}

// MockVehicle creates a located, in-transit vehicle for testing
func MockVehicle(id, routeID string, lat, lon float64, at time.Time) types.Vehicle {
	return types.Vehicle{
		VehicleID:     id,
		RouteID:       String(routeID),
		Latitude:      Float(lat),
		Longitude:     Float(lon),
		Speed:         Float(10),
		CurrentStatus: types.StatusInTransit,
		LastUpdated:   at.UTC(),
	}
}

// MockEvent creates a telemetry event for a vehicle sighting
func MockEvent(id int64, vehicleID, routeID string, lat, lon float64, at time.Time) types.TelemetryEvent {
	v := MockVehicle(vehicleID, routeID, lat, lon, at)
	e := types.NewEvent(fmt.Sprintf("cycle-%d", id), &v)
	e.ID = id
	return e
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for condition")
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}
