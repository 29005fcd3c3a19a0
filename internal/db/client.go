package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/saviobatista/transit-telemetry/internal/db/migrations"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	// sqlx does not know the modernc driver name
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Client is the storage layer over PostgreSQL/TimescaleDB or SQLite.
// Queries are written with ? placeholders and rebound per driver.
type Client struct {
	db     *sqlx.DB
	driver string

	// writeMu serializes batch writes; SQLite allows a single writer
	writeMu sync.Mutex
}

// New opens a database for the given driver
func New(driver, connStr string) (*Client, error) {
	switch driver {
	case DriverPostgres:
	case DriverSQLite:
		connStr = sqliteDSN(connStr)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, connStr)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	return &Client{db: db, driver: driver}, nil
}

// NewWithDB wraps an existing connection, used with sqlmock in tests
func NewWithDB(db *sql.DB, driver string) *Client {
	return &Client{db: sqlx.NewDb(db, driver), driver: driver}
}

// sqliteDSN adds the pragmas and time format the client relies on
func sqliteDSN(path string) string {
	params := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
		"_time_format=sqlite",
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&")
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Driver returns the database driver name
func (c *Client) Driver() string {
	return c.driver
}

// DB returns the underlying connection, for the migrator
func (c *Client) DB() *sql.DB {
	return c.db.DB
}

// Ping checks storage connectivity
func (c *Client) Ping(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return &StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Migrate applies all pending schema migrations for the client's driver
func (c *Client) Migrate() error {
	dialect := migrations.Postgres
	if c.driver == DriverSQLite {
		dialect = migrations.SQLite
	}
	return migrations.New(c.DB(), dialect).Migrate(migrations.All())
}

// inTx runs fn in a transaction holding the write lock
func (c *Client) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return &StorageError{Op: op, Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: op, Err: fmt.Errorf("failed to commit: %w", err)}
	}
	return nil
}

// utc normalizes timestamps so both backends compare them the same way
func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
