package aggregator

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/config"
	"github.com/saviobatista/transit-telemetry/internal/types"
)

// EventSource reads the accumulated telemetry history
type EventSource interface {
	QueryRecentEvents(ctx context.Context, routeID string, since time.Time) ([]types.TelemetryEvent, error)
}

// Store is the storage the aggregator reads events from and writes delays to
type Store interface {
	EventSource
	UpsertRouteDelays(ctx context.Context, delays []types.RouteDelay) (int, error)
}

// Aggregator derives per-route delay and headway metrics from telemetry events
type Aggregator struct {
	store           Store
	ceiling         float64
	scheduled       map[string]float64
	location        *time.Location
	headwayLookback time.Duration
	calendar        *serviceCalendar
	now             func() time.Time
	logger          *log.Logger
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithLocation sets the time zone used for hour-of-day buckets
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) {
		if loc != nil {
			a.location = loc
		}
	}
}

// WithHeadwayLookback sets how far back ComputeHeadways looks
func WithHeadwayLookback(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.headwayLookback = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithLogger sets the logger
func WithLogger(logger *log.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// New creates an aggregator over the given store
func New(store Store, thresholds config.Thresholds, opts ...Option) *Aggregator {
	ceiling := thresholds.Headway.CeilingMinutes
	if ceiling <= 0 {
		ceiling = config.DefaultThresholds().Headway.CeilingMinutes
	}

	a := &Aggregator{
		store:           store,
		ceiling:         ceiling,
		scheduled:       thresholds.ScheduledHeadways,
		location:        time.UTC,
		headwayLookback: time.Hour,
		calendar:        newServiceCalendar(),
		now:             time.Now,
		logger:          log.New(os.Stderr, "", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// gap is the time between two consecutive sightings of one vehicle
type gap struct {
	minutes float64
	at      time.Time
}

// routeHistory holds the events of one route grouped by vehicle
type routeHistory struct {
	routeID   string
	routeName *string
	vehicles  map[string][]time.Time
}

// groupByRoute groups events by route then vehicle. Events without a route
// carry no route-level information and are dropped.
func groupByRoute(events []types.TelemetryEvent) []*routeHistory {
	byRoute := make(map[string]*routeHistory)
	for i := range events {
		e := &events[i]
		if e.RouteID == nil || *e.RouteID == "" {
			continue
		}
		h, ok := byRoute[*e.RouteID]
		if !ok {
			h = &routeHistory{routeID: *e.RouteID, vehicles: make(map[string][]time.Time)}
			byRoute[*e.RouteID] = h
		}
		if e.RouteName != nil {
			h.routeName = e.RouteName
		}
		h.vehicles[e.VehicleID] = append(h.vehicles[e.VehicleID], e.RecordedAt)
	}

	routes := make([]*routeHistory, 0, len(byRoute))
	for _, h := range byRoute {
		routes = append(routes, h)
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].routeID < routes[j].routeID })
	return routes
}

// gaps returns the retained sighting gaps of the route, vehicles in id order
// and each vehicle in time order
func (h *routeHistory) gaps(ceiling float64) []gap {
	ids := make([]string, 0, len(h.vehicles))
	for id := range h.vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []gap
	for _, id := range ids {
		times := append([]time.Time(nil), h.vehicles[id]...)
		sort.SliceStable(times, func(i, j int) bool { return times[i].Before(times[j]) })
		for i := 1; i < len(times); i++ {
			minutes := times[i].Sub(times[i-1]).Minutes()
			if minutes <= 0 || minutes > ceiling {
				continue
			}
			out = append(out, gap{minutes: minutes, at: times[i]})
		}
	}
	return out
}

// RecomputeDelays rebuilds the hour-of-day delay buckets for a route (every
// route when routeID is empty) from the events of the last lookbackHours and
// writes them through the store.
func (a *Aggregator) RecomputeDelays(ctx context.Context, routeID string, lookbackHours int) ([]types.RouteDelay, error) {
	if lookbackHours <= 0 {
		return nil, fmt.Errorf("lookback hours must be positive, got %d", lookbackHours)
	}

	now := a.now().UTC()
	events, err := a.store.QueryRecentEvents(ctx, routeID, now.Add(-time.Duration(lookbackHours)*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to load events for delays: %w", err)
	}

	delays := []types.RouteDelay{}
	for _, h := range groupByRoute(events) {
		delays = append(delays, a.routeDelays(h, now)...)
	}
	if len(delays) == 0 {
		return delays, nil
	}

	if _, err := a.store.UpsertRouteDelays(ctx, delays); err != nil {
		return nil, err
	}
	return delays, nil
}

func (a *Aggregator) routeDelays(h *routeHistory, now time.Time) []types.RouteDelay {
	gaps := h.gaps(a.ceiling)
	if len(gaps) == 0 {
		return nil
	}

	minutes := make([]float64, len(gaps))
	for i, g := range gaps {
		minutes[i] = g.minutes
	}
	historical := median(minutes)
	scheduled, hasSchedule := a.scheduled[h.routeID]

	var sums [24]float64
	var counts [24]int
	for _, g := range gaps {
		local := g.at.In(a.location)
		expected := historical
		if hasSchedule && a.calendar.isRegularServiceDay(local) {
			expected = scheduled
		}
		hour := local.Hour()
		sums[hour] += g.minutes - expected
		counts[hour]++
	}

	var delays []types.RouteDelay
	for hour := 0; hour < 24; hour++ {
		if counts[hour] == 0 {
			continue
		}
		delays = append(delays, types.RouteDelay{
			RouteID:         h.routeID,
			RouteName:       h.routeName,
			HourOfDay:       hour,
			AvgDelayMinutes: sums[hour] / float64(counts[hour]),
			SampleCount:     counts[hour],
			CalculatedAt:    now,
		})
	}
	return delays
}

// RecomputeRoutes recomputes the delays of each route in turn. A failing
// route is logged and does not stop the others; the first error is returned.
func (a *Aggregator) RecomputeRoutes(ctx context.Context, routeIDs []string, lookbackHours int) (int, error) {
	total := 0
	var firstErr error
	for _, routeID := range routeIDs {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		delays, err := a.RecomputeDelays(ctx, routeID, lookbackHours)
		if err != nil {
			a.logger.Printf("Warning: failed to recompute delays for route %s: %v", routeID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += len(delays)
	}
	return total, firstErr
}

// ComputeHeadways summarizes the sighting gaps within the headway lookback.
// An explicit route always gets a record, even without gaps.
func (a *Aggregator) ComputeHeadways(ctx context.Context, routeID string) ([]types.HeadwayRecord, error) {
	now := a.now().UTC()
	events, err := a.store.QueryRecentEvents(ctx, routeID, now.Add(-a.headwayLookback))
	if err != nil {
		return nil, fmt.Errorf("failed to load events for headways: %w", err)
	}

	records := []types.HeadwayRecord{}
	for _, h := range groupByRoute(events) {
		records = append(records, summarize(h.routeID, h.gaps(a.ceiling)))
	}
	if routeID != "" && len(records) == 0 {
		records = append(records, summarize(routeID, nil))
	}
	return records, nil
}

func summarize(routeID string, gaps []gap) types.HeadwayRecord {
	record := types.HeadwayRecord{RouteID: routeID, Gaps: make([]float64, 0, len(gaps))}
	if len(gaps) == 0 {
		return record
	}

	sum := 0.0
	record.MinMinutes = gaps[0].minutes
	record.MaxMinutes = gaps[0].minutes
	for _, g := range gaps {
		record.Gaps = append(record.Gaps, g.minutes)
		sum += g.minutes
		if g.minutes < record.MinMinutes {
			record.MinMinutes = g.minutes
		}
		if g.minutes > record.MaxMinutes {
			record.MaxMinutes = g.minutes
		}
	}
	record.Count = len(gaps)
	record.AvgMinutes = sum / float64(len(gaps))
	return record
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
