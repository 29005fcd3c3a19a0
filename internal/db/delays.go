package db

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

// A recompute over a shorter window than a previous one must not shrink a
// bucket, so values are only replaced when the new sample count is at least
// the stored one. calculated_at always advances.
const upsertRouteDelayQuery = `
	INSERT INTO route_delays (route_id, route_name, hour_of_day, avg_delay_minutes, sample_count, calculated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (route_id, hour_of_day) DO UPDATE SET
		route_name = COALESCE(excluded.route_name, route_delays.route_name),
		avg_delay_minutes = CASE WHEN excluded.sample_count >= route_delays.sample_count
			THEN excluded.avg_delay_minutes ELSE route_delays.avg_delay_minutes END,
		sample_count = CASE WHEN excluded.sample_count >= route_delays.sample_count
			THEN excluded.sample_count ELSE route_delays.sample_count END,
		calculated_at = excluded.calculated_at
`

// UpsertRouteDelay writes one (route, hour) bucket
func (c *Client) UpsertRouteDelay(ctx context.Context, d types.RouteDelay) error {
	_, err := c.UpsertRouteDelays(ctx, []types.RouteDelay{d})
	return err
}

// UpsertRouteDelays writes delay buckets in one transaction
func (c *Client) UpsertRouteDelays(ctx context.Context, delays []types.RouteDelay) (int, error) {
	if len(delays) == 0 {
		return 0, nil
	}

	count := 0
	err := c.inTx(ctx, "upsert route delays", func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, c.db.Rebind(upsertRouteDelayQuery))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, d := range delays {
			if _, err := stmt.ExecContext(ctx,
				d.RouteID, d.RouteName, d.HourOfDay, d.AvgDelayMinutes, d.SampleCount, utc(d.CalculatedAt),
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

// GetRouteDelays returns the stored buckets for a route ordered by hour
func (c *Client) GetRouteDelays(ctx context.Context, routeID string) ([]types.RouteDelay, error) {
	return c.ListRouteDelays(ctx, routeID, time.Time{})
}

// ListRouteDelays returns the buckets of a route calculated at or after
// since, ordered by hour
func (c *Client) ListRouteDelays(ctx context.Context, routeID string, since time.Time) ([]types.RouteDelay, error) {
	delays := []types.RouteDelay{}
	err := c.db.SelectContext(ctx, &delays, c.db.Rebind(`
		SELECT route_id, route_name, hour_of_day, avg_delay_minutes, sample_count, calculated_at
		FROM route_delays
		WHERE route_id = ? AND calculated_at >= ?
		ORDER BY hour_of_day
	`), routeID, utc(since))
	if err != nil {
		return nil, &StorageError{Op: "list route delays", Err: err}
	}
	return delays, nil
}
