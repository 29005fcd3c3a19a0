package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

const (
	KeyHeartbeat    = "collector:heartbeat"
	KeyLatestAlerts = "alerts:latest"
	keyRoutePrefix  = "alerts:route:"
)

// RedisClientInterface defines the Redis operations used by our client
type RedisClientInterface interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// Client caches transient collector state: the heartbeat and the latest alerts
type Client struct {
	client RedisClientInterface
}

// New creates a new Redis client
func New(addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client}, nil
}

// NewWithClient creates a new Redis client with a custom RedisClientInterface (useful for testing)
func NewWithClient(client RedisClientInterface) *Client {
	return &Client{client: client}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Client) setData(ctx context.Context, key string, value interface{}, ttl time.Duration, dataType string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", dataType, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store %s: %w", dataType, err)
	}
	return nil
}

// getData retrieves data from Redis and unmarshals it into the target.
// It reports false when the key does not exist.
func (c *Client) getData(ctx context.Context, key string, target interface{}, dataType string) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s data: %w", dataType, err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s data: %w", dataType, err)
	}

	return true, nil
}

// StoreHeartbeat stores the collector statistics. The key expires when the
// collector stops refreshing it.
func (c *Client) StoreHeartbeat(ctx context.Context, stats types.CollectorStats, ttl time.Duration) error {
	return c.setData(ctx, KeyHeartbeat, stats, ttl, "heartbeat")
}

// GetHeartbeat returns the last heartbeat, or nil when it has expired
func (c *Client) GetHeartbeat(ctx context.Context) (*types.CollectorStats, error) {
	var stats types.CollectorStats
	found, err := c.getData(ctx, KeyHeartbeat, &stats, "heartbeat")
	if err != nil || !found {
		return nil, err
	}
	return &stats, nil
}

// StoreAlerts caches the alerts of a cycle, as a whole and per route
func (c *Client) StoreAlerts(ctx context.Context, snapshot *types.AlertSnapshot, ttl time.Duration) error {
	if err := c.setData(ctx, KeyLatestAlerts, snapshot, ttl, "alerts"); err != nil {
		return err
	}

	byRoute := make(map[string][]types.Alert)
	for _, alert := range snapshot.Alerts {
		if alert.RouteID != nil {
			byRoute[*alert.RouteID] = append(byRoute[*alert.RouteID], alert)
		}
	}
	for routeID, alerts := range byRoute {
		routeSnapshot := &types.AlertSnapshot{CycleID: snapshot.CycleID, GeneratedAt: snapshot.GeneratedAt, Alerts: alerts}
		if err := c.setData(ctx, keyRoutePrefix+routeID, routeSnapshot, ttl, "route alerts"); err != nil {
			return err
		}
	}
	return nil
}

// GetAlerts returns the cached alerts for a route, or for every route when
// routeID is empty. A route without alerts in the latest cycle gets the
// latest snapshot filtered to nothing.
func (c *Client) GetAlerts(ctx context.Context, routeID string) (*types.AlertSnapshot, error) {
	var latest types.AlertSnapshot
	found, err := c.getData(ctx, KeyLatestAlerts, &latest, "alerts")
	if err != nil || !found {
		return nil, err
	}
	if routeID == "" {
		return &latest, nil
	}

	var route types.AlertSnapshot
	found, err = c.getData(ctx, keyRoutePrefix+routeID, &route, "route alerts")
	if err != nil {
		return nil, err
	}
	if !found || route.CycleID != latest.CycleID {
		return &types.AlertSnapshot{CycleID: latest.CycleID, GeneratedAt: latest.GeneratedAt, Alerts: []types.Alert{}}, nil
	}
	return &route, nil
}
