package migrations

// RetentionPolicies bounds collector statistics and adds hourly rollups.
// Telemetry events are never dropped; they are the source for every
// recomputation. TimescaleDB only, so SQLite records it as a no-op.
var RetentionPolicies = &Migration{
	ID:   "002_retention_policies",
	Name: "002_retention_policies",
	UpSQL: `
	-- Set retention policy for collector_stats (90 days)
	SELECT add_retention_policy('collector_stats', INTERVAL '90 days', if_not_exists => TRUE);

	-- Create continuous aggregate for hourly event counts per route
	CREATE MATERIALIZED VIEW IF NOT EXISTS telemetry_events_hourly
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 hour', recorded_at) AS hour,
		route_id,
		COUNT(*) AS event_count,
		COUNT(DISTINCT vehicle_id) AS vehicle_count
	FROM telemetry_events
	GROUP BY hour, route_id
	WITH NO DATA;

	-- Create continuous aggregate for daily collector stats
	CREATE MATERIALIZED VIEW IF NOT EXISTS collector_stats_daily
	WITH (timescaledb.continuous) AS
	SELECT
		time_bucket('1 day', time) AS day,
		MAX(cycles_started) AS cycles_started,
		MAX(cycles_failed) AS cycles_failed,
		MAX(cycles_skipped) AS cycles_skipped,
		MAX(events_appended) AS events_appended
	FROM collector_stats
	GROUP BY day
	WITH NO DATA;
	`,
	DownSQL: `
	DROP MATERIALIZED VIEW IF EXISTS collector_stats_daily;
	DROP MATERIALIZED VIEW IF EXISTS telemetry_events_hourly;
	-- Remove retention policies
	SELECT remove_retention_policy('collector_stats', if_exists => TRUE);
	`,
}
