package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/config"
	"github.com/saviobatista/transit-telemetry/internal/types"
)

const (
	FormatJSONAPI = "jsonapi"
	FormatGTFSRT  = "gtfsrt"

	// maxBodyBytes caps a single response body
	maxBodyBytes = 32 << 20
)

// Sleeper blocks for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// AttemptObserver is called after every HTTP attempt
type AttemptObserver func(endpoint string, attempt int, err error)

// Client fetches vehicle positions from the upstream feed
type Client struct {
	httpClient  *http.Client
	apiKey      string
	format      string
	vehiclesURL string
	routeFilter []string
	backoff     Backoff
	sleep       Sleeper
	observe     AttemptObserver
	routes      *RouteDirectory
	logger      *log.Logger
	now         func() time.Time
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleeper replaces the wall-clock sleeper used between retries
func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// WithAttemptObserver registers a callback for every attempt
func WithAttemptObserver(o AttemptObserver) Option {
	return func(c *Client) { c.observe = o }
}

// WithLogger sets the logger for retry warnings
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock sets the time source used to stamp responses
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a feed client
func New(cfg config.FeedConfig, retry config.RetryConfig, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		apiKey:      cfg.APIKey,
		format:      cfg.Format,
		vehiclesURL: cfg.VehiclesURL(),
		routeFilter: cfg.RouteFilter,
		backoff: Backoff{
			Base:        retry.BaseDelay,
			Factor:      2,
			Max:         retry.MaxDelay,
			MaxAttempts: retry.MaxAttempts,
		},
		sleep:  SleepContext,
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.format == "" {
		c.format = FormatJSONAPI
	}
	if routesURL := cfg.RoutesURL(); routesURL != "" && c.format == FormatJSONAPI {
		c.routes = NewRouteDirectory(c, routesURL, time.Hour)
	}
	return c
}

// SleepContext waits for d unless ctx is cancelled first
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fetch performs a single GET and classifies the outcome
func (c *Client) Fetch(ctx context.Context, endpoint string, params url.Values) (*types.FeedResponse, error) {
	target := endpoint
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		target += sep + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &FatalError{Endpoint: endpoint, Reason: "invalid request", Err: err}
	}
	if c.format == FormatGTFSRT {
		req.Header.Set("Accept", "application/x-protobuf, application/octet-stream")
	} else {
		req.Header.Set("Accept", "application/vnd.api+json, application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransientError{Endpoint: endpoint, Err: fmt.Errorf("failed to read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{
			Endpoint:   endpoint,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return nil, &FatalError{Endpoint: endpoint, StatusCode: resp.StatusCode, Reason: snippet(body)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &FatalError{Endpoint: endpoint, StatusCode: resp.StatusCode, Reason: "unexpected status"}
	}

	return &types.FeedResponse{
		Endpoint:    endpoint,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		FetchedAt:   c.now().UTC(),
		Attempts:    1,
	}, nil
}

// Snapshot is one decoded vehicles response
type Snapshot struct {
	Response *types.FeedResponse
	Vehicles []types.RawVehicle
}

// FetchVehicles fetches, decodes and route-resolves the vehicles endpoint
func (c *Client) FetchVehicles(ctx context.Context) (*Snapshot, error) {
	params := url.Values{}
	if c.format == FormatJSONAPI {
		params.Set("include", "trip,route")
		params.Set("fields[vehicle]", "current_status,bearing,latitude,longitude,speed,updated_at")
		if len(c.routeFilter) > 0 {
			params.Set("filter[route]", strings.Join(c.routeFilter, ","))
		}
	}

	resp, err := c.FetchWithRetry(ctx, c.vehiclesURL, params)
	if err != nil {
		return nil, err
	}

	var vehicles []types.RawVehicle
	switch c.format {
	case FormatGTFSRT:
		vehicles, err = decodeGTFSRealtime(resp.Body)
	default:
		var names map[string]string
		vehicles, names, err = decodeVehicleDocument(resp.Body)
		if err == nil {
			c.resolveRouteNames(ctx, vehicles, names)
		}
	}
	if err != nil {
		var fatal *FatalError
		if errors.As(err, &fatal) && fatal.Endpoint == "" {
			fatal.Endpoint = c.vehiclesURL
		}
		return nil, err
	}

	return &Snapshot{Response: resp, Vehicles: vehicles}, nil
}

// resolveRouteNames fills missing route names from the included resources
// and then from the route directory. Directory failures only cost names.
func (c *Client) resolveRouteNames(ctx context.Context, vehicles []types.RawVehicle, included map[string]string) {
	var directory map[string]string
	lookedUp := false
	for i := range vehicles {
		v := &vehicles[i]
		if v.RouteID == nil || v.RouteName != nil {
			continue
		}
		if name, ok := included[*v.RouteID]; ok {
			v.RouteName = &name
			continue
		}
		if c.routes == nil {
			continue
		}
		if !lookedUp {
			lookedUp = true
			names, err := c.routes.Names(ctx)
			if err != nil {
				c.logger.Printf("Warning: failed to refresh route names: %v", err)
			}
			directory = names
		}
		if name, ok := directory[*v.RouteID]; ok {
			v.RouteName = &name
		}
	}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
