package feed

import (
	"context"
	"sync"
	"time"
)

// RouteDirectory caches the route id to display name mapping from the
// routes endpoint
type RouteDirectory struct {
	client   *Client
	endpoint string
	ttl      time.Duration

	mu        sync.Mutex
	names     map[string]string
	fetchedAt time.Time
}

// NewRouteDirectory creates a directory refreshed at most once per ttl
func NewRouteDirectory(client *Client, endpoint string, ttl time.Duration) *RouteDirectory {
	return &RouteDirectory{
		client:   client,
		endpoint: endpoint,
		ttl:      ttl,
	}
}

// Names returns the cached mapping, refreshing it when it has expired. A
// failed refresh keeps serving the previous mapping if there is one.
func (d *RouteDirectory) Names(ctx context.Context) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.client.now()
	if d.names != nil && now.Sub(d.fetchedAt) < d.ttl {
		return d.names, nil
	}

	resp, err := d.client.FetchWithRetry(ctx, d.endpoint, nil)
	if err == nil {
		var names map[string]string
		names, err = decodeRouteDocument(resp.Body)
		if err == nil {
			d.names = names
			d.fetchedAt = now
			return d.names, nil
		}
	}

	if d.names != nil {
		d.client.logger.Printf("Warning: serving stale route names: %v", err)
		return d.names, nil
	}
	return nil, err
}
