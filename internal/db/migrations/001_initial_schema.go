package migrations

import "time"

// InitialSchema creates the vehicle, telemetry, delay and stats tables
var InitialSchema = &Migration{
	ID:   "001_initial_schema",
	Name: "001_initial_schema",
	UpSQL: `
		-- Enable TimescaleDB extension
		CREATE EXTENSION IF NOT EXISTS timescaledb;

		-- Current state, one row per vehicle
		CREATE TABLE IF NOT EXISTS vehicles (
			vehicle_id TEXT PRIMARY KEY,
			route_id TEXT,
			route_name TEXT,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			bearing DOUBLE PRECISION,
			speed DOUBLE PRECISION,
			current_status TEXT NOT NULL DEFAULT 'unknown',
			reported_at TIMESTAMPTZ,
			last_updated TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_vehicles_route_id ON vehicles (route_id);
		CREATE INDEX IF NOT EXISTS idx_vehicles_last_updated ON vehicles (last_updated);

		-- Append-only samples
		CREATE TABLE IF NOT EXISTS telemetry_events (
			id BIGSERIAL NOT NULL,
			cycle_id TEXT NOT NULL,
			vehicle_id TEXT NOT NULL,
			route_id TEXT,
			route_name TEXT,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			bearing DOUBLE PRECISION,
			speed DOUBLE PRECISION,
			current_status TEXT NOT NULL DEFAULT 'unknown',
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (id, recorded_at)
		);

		SELECT create_hypertable('telemetry_events', 'recorded_at', if_not_exists => TRUE);

		CREATE INDEX IF NOT EXISTS idx_telemetry_events_route_time ON telemetry_events (route_id, recorded_at);
		CREATE INDEX IF NOT EXISTS idx_telemetry_events_vehicle_time ON telemetry_events (vehicle_id, recorded_at);
		CREATE INDEX IF NOT EXISTS idx_telemetry_events_cycle_id ON telemetry_events (cycle_id);

		-- Derived hourly delays
		CREATE TABLE IF NOT EXISTS route_delays (
			route_id TEXT NOT NULL,
			route_name TEXT,
			hour_of_day INTEGER NOT NULL CHECK (hour_of_day BETWEEN 0 AND 23),
			avg_delay_minutes DOUBLE PRECISION NOT NULL,
			sample_count INTEGER NOT NULL,
			calculated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (route_id, hour_of_day)
		);

		-- Collector statistics
		CREATE TABLE IF NOT EXISTS collector_stats (
			time TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			last_success_at TIMESTAMPTZ,
			last_cycle_id TEXT NOT NULL DEFAULT '',
			cycles_started BIGINT NOT NULL,
			cycles_succeeded BIGINT NOT NULL,
			cycles_failed BIGINT NOT NULL,
			cycles_skipped BIGINT NOT NULL,
			fetch_attempts BIGINT NOT NULL,
			records_skipped BIGINT NOT NULL,
			vehicles_upserted BIGINT NOT NULL,
			events_appended BIGINT NOT NULL,
			delays_computed BIGINT NOT NULL,
			alerts_emitted BIGINT NOT NULL,
			active_vehicles BIGINT NOT NULL
		);

		SELECT create_hypertable('collector_stats', 'time', if_not_exists => TRUE);
	`,
	DownSQL: `
		DROP TABLE IF EXISTS collector_stats;
		DROP TABLE IF EXISTS route_delays;
		DROP TABLE IF EXISTS telemetry_events;
		DROP TABLE IF EXISTS vehicles;
	`,
	SQLiteUpSQL: `
		CREATE TABLE IF NOT EXISTS vehicles (
			vehicle_id TEXT PRIMARY KEY,
			route_id TEXT,
			route_name TEXT,
			latitude REAL,
			longitude REAL,
			bearing REAL,
			speed REAL,
			current_status TEXT NOT NULL DEFAULT 'unknown',
			reported_at TIMESTAMP,
			last_updated TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_vehicles_route_id ON vehicles (route_id);
		CREATE INDEX IF NOT EXISTS idx_vehicles_last_updated ON vehicles (last_updated);

		CREATE TABLE IF NOT EXISTS telemetry_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id TEXT NOT NULL,
			vehicle_id TEXT NOT NULL,
			route_id TEXT,
			route_name TEXT,
			latitude REAL,
			longitude REAL,
			bearing REAL,
			speed REAL,
			current_status TEXT NOT NULL DEFAULT 'unknown',
			recorded_at TIMESTAMP NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_telemetry_events_route_time ON telemetry_events (route_id, recorded_at);
		CREATE INDEX IF NOT EXISTS idx_telemetry_events_vehicle_time ON telemetry_events (vehicle_id, recorded_at);
		CREATE INDEX IF NOT EXISTS idx_telemetry_events_cycle_id ON telemetry_events (cycle_id);

		CREATE TABLE IF NOT EXISTS route_delays (
			route_id TEXT NOT NULL,
			route_name TEXT,
			hour_of_day INTEGER NOT NULL CHECK (hour_of_day BETWEEN 0 AND 23),
			avg_delay_minutes REAL NOT NULL,
			sample_count INTEGER NOT NULL,
			calculated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (route_id, hour_of_day)
		);

		CREATE TABLE IF NOT EXISTS collector_stats (
			time TIMESTAMP NOT NULL,
			started_at TIMESTAMP NOT NULL,
			last_success_at TIMESTAMP,
			last_cycle_id TEXT NOT NULL DEFAULT '',
			cycles_started INTEGER NOT NULL,
			cycles_succeeded INTEGER NOT NULL,
			cycles_failed INTEGER NOT NULL,
			cycles_skipped INTEGER NOT NULL,
			fetch_attempts INTEGER NOT NULL,
			records_skipped INTEGER NOT NULL,
			vehicles_upserted INTEGER NOT NULL,
			events_appended INTEGER NOT NULL,
			delays_computed INTEGER NOT NULL,
			alerts_emitted INTEGER NOT NULL,
			active_vehicles INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_collector_stats_time ON collector_stats (time);
	`,
	SQLiteDownSQL: `
		DROP TABLE IF EXISTS collector_stats;
		DROP TABLE IF EXISTS route_delays;
		DROP TABLE IF EXISTS telemetry_events;
		DROP TABLE IF EXISTS vehicles;
	`,
	CreatedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
}
