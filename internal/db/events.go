package db

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

var eventColumns = []string{
	"cycle_id", "vehicle_id", "route_id", "route_name", "latitude", "longitude",
	"bearing", "speed", "current_status", "recorded_at",
}

// AppendEvents bulk inserts telemetry events in one transaction. PostgreSQL
// uses COPY; SQLite uses a prepared insert.
func (c *Client) AppendEvents(ctx context.Context, events []types.TelemetryEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	query := pq.CopyIn("telemetry_events", eventColumns...)
	if c.driver != DriverPostgres {
		query = c.db.Rebind(`
			INSERT INTO telemetry_events (cycle_id, vehicle_id, route_id, route_name, latitude, longitude,
				bearing, speed, current_status, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
	}

	count := 0
	err := c.inTx(ctx, "append events", func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range events {
			e := &events[i]
			if _, err := stmt.ExecContext(ctx,
				e.CycleID, e.VehicleID, e.RouteID, e.RouteName, e.Latitude, e.Longitude,
				e.Bearing, e.Speed, string(e.CurrentStatus), utc(e.RecordedAt),
			); err != nil {
				return err
			}
			count++
		}

		if c.driver == DriverPostgres {
			// flush the COPY buffer
			if _, err := stmt.ExecContext(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// QueryRecentEvents returns events recorded at or after since, optionally
// for one route, ascending by time
func (c *Client) QueryRecentEvents(ctx context.Context, routeID string, since time.Time) ([]types.TelemetryEvent, error) {
	query := `
		SELECT id, cycle_id, vehicle_id, route_id, route_name, latitude, longitude,
			bearing, speed, current_status, recorded_at
		FROM telemetry_events
		WHERE recorded_at >= ?`
	args := []interface{}{utc(since)}
	if routeID != "" {
		query += ` AND route_id = ?`
		args = append(args, routeID)
	}
	query += ` ORDER BY recorded_at, id`

	events := []types.TelemetryEvent{}
	if err := c.db.SelectContext(ctx, &events, c.db.Rebind(query), args...); err != nil {
		return nil, &StorageError{Op: "query events", Err: err}
	}
	return events, nil
}

// CountEvents counts events recorded at or after since; a zero since counts
// every event
func (c *Client) CountEvents(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	var err error
	if since.IsZero() {
		err = c.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM telemetry_events`)
	} else {
		err = c.db.GetContext(ctx, &count, c.db.Rebind(`SELECT COUNT(*) FROM telemetry_events WHERE recorded_at >= ?`), utc(since))
	}
	if err != nil {
		return 0, &StorageError{Op: "count events", Err: err}
	}
	return count, nil
}
