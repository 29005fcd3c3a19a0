package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

const statsColumns = `time, started_at, last_success_at, last_cycle_id,
		cycles_started, cycles_succeeded, cycles_failed, cycles_skipped,
		fetch_attempts, records_skipped, vehicles_upserted, events_appended,
		delays_computed, alerts_emitted, active_vehicles`

// StoreCollectorStats stores a collector statistics snapshot
func (c *Client) StoreCollectorStats(ctx context.Context, s types.CollectorStats) error {
	query := c.db.Rebind(`
		INSERT INTO collector_stats (` + statsColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := c.db.ExecContext(ctx, query,
		utc(s.Time), utc(s.StartedAt), utcPtr(s.LastSuccessAt), s.LastCycleID,
		int64(s.CyclesStarted), int64(s.CyclesSucceeded), int64(s.CyclesFailed), int64(s.CyclesSkipped),
		int64(s.FetchAttempts), int64(s.RecordsSkipped), int64(s.VehiclesUpserted), int64(s.EventsAppended),
		int64(s.DelaysComputed), int64(s.AlertsEmitted), int64(s.ActiveVehicles),
	)
	if err != nil {
		return &StorageError{Op: "store collector stats", Err: err}
	}
	return nil
}

// LatestCollectorStats returns the newest snapshot, or nil when none exists
func (c *Client) LatestCollectorStats(ctx context.Context) (*types.CollectorStats, error) {
	var s types.CollectorStats
	err := c.db.GetContext(ctx, &s, `SELECT `+statsColumns+` FROM collector_stats ORDER BY time DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "latest collector stats", Err: err}
	}
	return &s, nil
}
