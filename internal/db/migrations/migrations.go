package migrations

import (
	"database/sql"
	"fmt"
	"os"
	"time"
)

// Dialect selects the SQL variant a migration runs with
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Migration represents a database migration. The SQLite variants may be
// empty when a migration only concerns TimescaleDB features; it is then
// recorded without executing anything.
type Migration struct {
	ID            string
	Name          string
	UpSQL         string
	DownSQL       string
	SQLiteUpSQL   string
	SQLiteDownSQL string
	CreatedAt     time.Time
}

// Up returns the forward SQL for a dialect
func (m *Migration) Up(d Dialect) string {
	if d == SQLite {
		return m.SQLiteUpSQL
	}
	return m.UpSQL
}

// Down returns the rollback SQL for a dialect
func (m *Migration) Down(d Dialect) string {
	if d == SQLite {
		return m.SQLiteDownSQL
	}
	return m.DownSQL
}

// All returns every migration in apply order
func All() []*Migration {
	return []*Migration{InitialSchema, RetentionPolicies}
}

// Migrator manages database migrations
type Migrator struct {
	db      *sql.DB
	dialect Dialect
}

// New creates a new Migrator
func New(db *sql.DB, dialect Dialect) *Migrator {
	if dialect == "" {
		dialect = Postgres
	}
	return &Migrator{db: db, dialect: dialect}
}

// Initialize creates the migrations table if it doesn't exist
func (m *Migrator) Initialize() error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if m.dialect == SQLite {
		query = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`
	}
	_, err := m.db.Exec(query)
	return err
}

// GetAppliedMigrations returns a list of applied migrations
func (m *Migrator) GetAppliedMigrations() (map[string]bool, error) {
	query := `SELECT name FROM schema_migrations ORDER BY id`
	rows, err := m.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "error closing rows: %v\n", cerr)
		}
	}()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// placeholder returns the first bind parameter for the dialect
func (m *Migrator) placeholder() string {
	if m.dialect == SQLite {
		return "?"
	}
	return "$1"
}

// executeMigration executes a migration with common transaction logic
func (m *Migrator) executeMigration(migration *Migration, sql, recordQuery string, recordArgs ...interface{}) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if sql != "" {
		if _, err := tx.Exec(sql); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", migration.Name, err)
		}
	}

	if _, err := tx.Exec(recordQuery, recordArgs...); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", migration.Name, err)
	}

	return tx.Commit()
}

// ApplyMigration applies a single migration
func (m *Migrator) ApplyMigration(migration *Migration) error {
	return m.executeMigration(
		migration,
		migration.Up(m.dialect),
		"INSERT INTO schema_migrations (name) VALUES ("+m.placeholder()+")",
		migration.Name,
	)
}

// RollbackMigration rolls back a single migration
func (m *Migrator) RollbackMigration(migration *Migration) error {
	return m.executeMigration(
		migration,
		migration.Down(m.dialect),
		"DELETE FROM schema_migrations WHERE name = "+m.placeholder(),
		migration.Name,
	)
}

// Migrate applies all pending migrations
func (m *Migrator) Migrate(migrations []*Migration) error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if !applied[migration.Name] {
			if err := m.ApplyMigration(migration); err != nil {
				return fmt.Errorf("failed to apply migration %s: %w", migration.Name, err)
			}
			fmt.Printf("Applied migration: %s\n", migration.Name)
		}
	}

	return nil
}

// Rollback rolls back the last migration
func (m *Migrator) Rollback(migrations []*Migration) error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	var lastMigration *Migration
	for i := len(migrations) - 1; i >= 0; i-- {
		if applied[migrations[i].Name] {
			lastMigration = migrations[i]
			break
		}
	}

	if lastMigration == nil {
		return fmt.Errorf("no migrations to rollback")
	}

	if err := m.RollbackMigration(lastMigration); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", lastMigration.Name, err)
	}

	fmt.Printf("Rolled back migration: %s\n", lastMigration.Name)
	return nil
}
