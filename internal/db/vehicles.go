package db

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

const vehicleColumns = `vehicle_id, route_id, route_name, latitude, longitude, bearing, speed,
			current_status, reported_at, last_updated`

// UpsertVehicles writes the current state of every vehicle in one
// transaction keyed on vehicle_id. Readers see either the previous or the
// new set of rows.
func (c *Client) UpsertVehicles(ctx context.Context, vehicles []types.Vehicle) (int, error) {
	if len(vehicles) == 0 {
		return 0, nil
	}

	query := c.db.Rebind(`
		INSERT INTO vehicles (` + vehicleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vehicle_id) DO UPDATE SET
			route_id = excluded.route_id,
			route_name = excluded.route_name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			bearing = excluded.bearing,
			speed = excluded.speed,
			current_status = excluded.current_status,
			reported_at = excluded.reported_at,
			last_updated = excluded.last_updated
	`)

	count := 0
	err := c.inTx(ctx, "upsert vehicles", func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := range vehicles {
			v := &vehicles[i]
			if _, err := stmt.ExecContext(ctx,
				v.VehicleID, v.RouteID, v.RouteName, v.Latitude, v.Longitude,
				v.Bearing, v.Speed, string(v.CurrentStatus), utcPtr(v.ReportedAt), utc(v.LastUpdated),
			); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ListVehicles returns vehicles updated at or after since, optionally for
// one route, newest first
func (c *Client) ListVehicles(ctx context.Context, routeID string, since time.Time) ([]types.Vehicle, error) {
	query := `SELECT ` + vehicleColumns + ` FROM vehicles WHERE last_updated >= ?`
	args := []interface{}{utc(since)}
	if routeID != "" {
		query += ` AND route_id = ?`
		args = append(args, routeID)
	}
	query += ` ORDER BY last_updated DESC, vehicle_id`

	vehicles := []types.Vehicle{}
	if err := c.db.SelectContext(ctx, &vehicles, c.db.Rebind(query), args...); err != nil {
		return nil, &StorageError{Op: "list vehicles", Err: err}
	}
	return vehicles, nil
}

// VehiclesPerRoute counts vehicles updated since the given time per route.
// Vehicles without a route are counted under "".
func (c *Client) VehiclesPerRoute(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := c.db.QueryContext(ctx, c.db.Rebind(`
		SELECT COALESCE(route_id, ''), COUNT(*)
		FROM vehicles
		WHERE last_updated >= ?
		GROUP BY COALESCE(route_id, '')
	`), utc(since))
	if err != nil {
		return nil, &StorageError{Op: "count vehicles", Err: err}
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var route string
		var n int
		if err := rows.Scan(&route, &n); err != nil {
			return nil, &StorageError{Op: "count vehicles", Err: err}
		}
		counts[route] = n
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "count vehicles", Err: err}
	}
	return counts, nil
}

// CountVehicles counts vehicles updated at or after since
func (c *Client) CountVehicles(ctx context.Context, since time.Time) (int, error) {
	var count int
	if err := c.db.GetContext(ctx, &count, c.db.Rebind(`SELECT COUNT(*) FROM vehicles WHERE last_updated >= ?`), utc(since)); err != nil {
		return 0, &StorageError{Op: "count vehicles", Err: err}
	}
	return count, nil
}
