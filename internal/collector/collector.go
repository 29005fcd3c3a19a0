package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/feed"
	"github.com/saviobatista/transit-telemetry/internal/parser"
	"github.com/saviobatista/transit-telemetry/internal/scheduler"
	"github.com/saviobatista/transit-telemetry/internal/stats"
	"github.com/saviobatista/transit-telemetry/internal/types"
)

// FeedSource fetches one vehicle snapshot from upstream
type FeedSource interface {
	FetchVehicles(ctx context.Context) (*feed.Snapshot, error)
}

// Store persists vehicles and events and serves the detector's history
type Store interface {
	UpsertVehicles(ctx context.Context, vehicles []types.Vehicle) (int, error)
	AppendEvents(ctx context.Context, events []types.TelemetryEvent) (int, error)
	QueryRecentEvents(ctx context.Context, routeID string, since time.Time) ([]types.TelemetryEvent, error)
}

// Aggregator recomputes the delay buckets of the routes seen in a cycle
type Aggregator interface {
	RecomputeRoutes(ctx context.Context, routeIDs []string, lookbackHours int) (int, error)
}

// Detector evaluates a snapshot against recent history
type Detector interface {
	Detect(snapshot []types.Vehicle, history []types.TelemetryEvent, at time.Time) []types.Alert
}

// Cache holds transient state for the API
type Cache interface {
	StoreAlerts(ctx context.Context, snapshot *types.AlertSnapshot, ttl time.Duration) error
	StoreHeartbeat(ctx context.Context, stats types.CollectorStats, ttl time.Duration) error
}

// Publisher forwards alerts and cycle summaries downstream
type Publisher interface {
	PublishAlerts(cycleID string, alerts []types.Alert) (int, error)
	PublishCycle(summary *types.CycleSummary) error
}

// Archiver keeps the raw feed payloads
type Archiver interface {
	Write(cycleID string, resp *types.FeedResponse) error
}

// Collector binds the pipeline components into scheduler stages
type Collector struct {
	feed       FeedSource
	store      Store
	aggregator Aggregator
	detector   Detector

	stats     *stats.Stats
	cache     Cache
	publisher Publisher
	archive   Archiver

	lookbackHours int
	historyWindow time.Duration
	cacheTTL      time.Duration
	logger        *log.Logger
}

// Option configures a Collector
type Option func(*Collector)

// WithStats records cycle counters
func WithStats(s *stats.Stats) Option {
	return func(c *Collector) { c.stats = s }
}

// WithCache caches alerts and the heartbeat
func WithCache(cache Cache) Option {
	return func(c *Collector) { c.cache = cache }
}

// WithPublisher publishes alerts and cycle summaries
func WithPublisher(p Publisher) Option {
	return func(c *Collector) { c.publisher = p }
}

// WithArchive archives raw feed payloads
func WithArchive(a Archiver) Option {
	return func(c *Collector) { c.archive = a }
}

// WithDelayLookback sets the window of the delay recompute in hours
func WithDelayLookback(hours int) Option {
	return func(c *Collector) {
		if hours > 0 {
			c.lookbackHours = hours
		}
	}
}

// WithHistoryWindow sets how much history the detector sees
func WithHistoryWindow(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.historyWindow = d
		}
	}
}

// WithCacheTTL sets the expiry of cached alerts and heartbeat
func WithCacheTTL(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.cacheTTL = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *log.Logger) Option {
	return func(c *Collector) { c.logger = l }
}

// New creates a collector
func New(source FeedSource, store Store, aggregator Aggregator, detector Detector, opts ...Option) *Collector {
	c := &Collector{
		feed:          source,
		store:         store,
		aggregator:    aggregator,
		detector:      detector,
		stats:         stats.New(),
		lookbackHours: 24,
		historyWindow: 5 * time.Minute,
		cacheTTL:      2 * time.Minute,
		logger:        log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stats returns the collector counters
func (c *Collector) Stats() *stats.Stats {
	return c.stats
}

// Stages returns the pipeline stages for the scheduler
func (c *Collector) Stages() scheduler.Stages {
	return scheduler.Stages{
		Fetch:     c.fetch,
		Normalize: c.normalize,
		Persist:   c.persist,
		Aggregate: c.aggregate,
		Detect:    c.detect,
	}
}

func (c *Collector) fetch(ctx context.Context, cycle *scheduler.Cycle) error {
	c.stats.IncrementCyclesStarted()

	snapshot, err := c.feed.FetchVehicles(ctx)
	if err != nil {
		return err
	}
	cycle.Response = snapshot.Response
	cycle.Raw = snapshot.Vehicles

	if c.archive != nil && snapshot.Response != nil {
		if err := c.archive.Write(cycle.ID, snapshot.Response); err != nil {
			c.logger.Printf("Warning: failed to archive feed payload: %v", err)
		}
	}
	return nil
}

func (c *Collector) normalize(ctx context.Context, cycle *scheduler.Cycle) error {
	vehicles, skipped := parser.NormalizeAll(cycle.Raw, cycle.StartedAt)
	for _, s := range skipped {
		c.logger.Printf("Warning: skipping feed record: %v", s)
	}

	cycle.Vehicles = vehicles
	cycle.Skipped = len(skipped)
	c.stats.AddRecordsSkipped(len(skipped))
	return nil
}

func (c *Collector) persist(ctx context.Context, cycle *scheduler.Cycle) error {
	if len(cycle.Vehicles) == 0 {
		return nil
	}

	upserted, err := c.store.UpsertVehicles(ctx, cycle.Vehicles)
	if err != nil {
		return err
	}
	c.stats.AddVehiclesUpserted(upserted)

	events := make([]types.TelemetryEvent, 0, len(cycle.Vehicles))
	for i := range cycle.Vehicles {
		events = append(events, types.NewEvent(cycle.ID, &cycle.Vehicles[i]))
	}
	appended, err := c.store.AppendEvents(ctx, events)
	if err != nil {
		return err
	}
	cycle.Events = appended
	c.stats.AddEventsAppended(appended)

	cycle.Routes = routesOf(cycle.Vehicles)
	return nil
}

// aggregate fails the cycle only when no route could be recomputed
func (c *Collector) aggregate(ctx context.Context, cycle *scheduler.Cycle) error {
	if len(cycle.Routes) == 0 {
		return nil
	}

	n, err := c.aggregator.RecomputeRoutes(ctx, cycle.Routes, c.lookbackHours)
	cycle.Delays = n
	c.stats.AddDelaysComputed(n)
	if err != nil && n == 0 {
		return fmt.Errorf("delay recompute failed for every route: %w", err)
	}
	return nil
}

func (c *Collector) detect(ctx context.Context, cycle *scheduler.Cycle) error {
	history, err := c.store.QueryRecentEvents(ctx, "", cycle.StartedAt.Add(-c.historyWindow))
	if err != nil {
		return err
	}

	alerts := c.detector.Detect(cycle.Vehicles, history, cycle.StartedAt)
	cycle.Alerts = alerts
	c.stats.AddAlertsEmitted(len(alerts))

	if c.cache != nil {
		snapshot := &types.AlertSnapshot{CycleID: cycle.ID, GeneratedAt: cycle.StartedAt, Alerts: alerts}
		if snapshot.Alerts == nil {
			snapshot.Alerts = []types.Alert{}
		}
		if err := c.cache.StoreAlerts(ctx, snapshot, c.cacheTTL); err != nil {
			c.logger.Printf("Warning: failed to cache alerts: %v", err)
		}
	}
	if c.publisher != nil && len(alerts) > 0 {
		if _, err := c.publisher.PublishAlerts(cycle.ID, alerts); err != nil {
			c.logger.Printf("Warning: failed to publish alerts: %v", err)
		}
	}
	return nil
}

// OnCycle records the outcome of a cycle. It is the scheduler's cycle hook.
func (c *Collector) OnCycle(result scheduler.Result) {
	cycle := result.Cycle
	if cycle == nil {
		return
	}

	if result.Completed {
		c.stats.RecordSuccess(cycle.ID)
		c.stats.SetActiveVehicles(uint64(len(cycle.Vehicles)))
		c.logger.Printf("Cycle %s: %d vehicles, %d skipped, %d events, %d delay buckets, %d alerts",
			cycle.ID, len(cycle.Vehicles), cycle.Skipped, cycle.Events, cycle.Delays, len(cycle.Alerts))
	} else {
		c.stats.RecordFailure(cycle.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.publisher != nil {
		if err := c.publisher.PublishCycle(summarize(result)); err != nil {
			c.logger.Printf("Warning: failed to publish cycle summary: %v", err)
		}
	}
	if c.cache != nil {
		if err := c.cache.StoreHeartbeat(ctx, c.stats.Snapshot(), c.cacheTTL); err != nil {
			c.logger.Printf("Warning: failed to store heartbeat: %v", err)
		}
	}
}

// OnSkip counts a dropped tick. It is the scheduler's skip hook.
func (c *Collector) OnSkip(time.Time) {
	c.stats.IncrementCyclesSkipped()
}

func summarize(result scheduler.Result) *types.CycleSummary {
	cycle := result.Cycle
	summary := &types.CycleSummary{
		CycleID:    cycle.ID,
		StartedAt:  cycle.StartedAt,
		FinishedAt: result.FinishedAt,
		Vehicles:   len(cycle.Vehicles),
		Skipped:    cycle.Skipped,
		Events:     cycle.Events,
		Routes:     cycle.Routes,
		Alerts:     len(cycle.Alerts),
	}
	if summary.Routes == nil {
		summary.Routes = []string{}
	}
	if result.Err != nil {
		summary.Error = result.Err.Error()
		var stageErr *scheduler.StageError
		if errors.As(result.Err, &stageErr) {
			summary.Stage = stageErr.Stage.String()
		}
	}
	return summary
}

func routesOf(vehicles []types.Vehicle) []string {
	seen := make(map[string]bool)
	var routes []string
	for i := range vehicles {
		route := vehicles[i].Route()
		if route == "" || seen[route] {
			continue
		}
		seen[route] = true
		routes = append(routes, route)
	}
	sort.Strings(routes)
	return routes
}
