package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/feed"
	"github.com/saviobatista/transit-telemetry/internal/types"
)

type fakeTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               { t.stopped.Store(true) }

type fakeClock struct {
	now    time.Time
	ticker *fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:    time.Date(2025, 3, 4, 13, 0, 0, 0, time.UTC),
		ticker: &fakeTicker{ch: make(chan time.Time)},
	}
}

func (c *fakeClock) Now() time.Time                   { return c.now }
func (c *fakeClock) NewTicker(d time.Duration) Ticker { return c.ticker }

// tick blocks until the scheduler loop has received the tick
func (c *fakeClock) tick(t *testing.T) {
	t.Helper()
	select {
	case c.ticker.ch <- c.now:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out delivering tick")
	}
}

// syncBuffer is a log sink safe for concurrent use
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("cycle-%d", n.Add(1)) }
}

func waitResult(t *testing.T, results <-chan Result) Result {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for cycle result")
		return Result{}
	}
}

type harness struct {
	clock   *fakeClock
	results chan Result
	skips   chan time.Time
	logs    *syncBuffer
	cancel  context.CancelFunc
	done    chan error
}

func startScheduler(t *testing.T, stages Stages) (*Scheduler, *harness) {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(),
		results: make(chan Result, 10),
		skips:   make(chan time.Time, 10),
		logs:    &syncBuffer{},
		done:    make(chan error, 1),
	}
	s := New(30*time.Second, stages,
		WithClock(h.clock),
		WithLogger(log.New(h.logs, "", 0)),
		WithCycleHook(func(r Result) { h.results <- r }),
		WithSkipHook(func(at time.Time) { h.skips <- at }),
		WithIDGenerator(sequentialIDs()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return s, h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Expected Run to return nil, got %v", err)
		}
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for Run to return")
	}
}

func TestScheduler_RunsImmediatelyThenOnEveryTick(t *testing.T) {
	var calls []State
	var mu sync.Mutex
	record := func(state State) StageFunc {
		return func(ctx context.Context, c *Cycle) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, state)
			return nil
		}
	}

	_, h := startScheduler(t, Stages{
		Fetch:     record(Fetching),
		Normalize: record(Normalizing),
		Persist:   record(Persisting),
		Aggregate: record(Aggregating),
		Detect:    record(Detecting),
	})

	first := waitResult(t, h.results)
	if !first.Completed || first.Err != nil {
		t.Fatalf("Expected completed first cycle, got %+v", first)
	}
	if first.Cycle.ID != "cycle-1" {
		t.Errorf("Expected cycle-1, got %s", first.Cycle.ID)
	}

	h.clock.tick(t)
	second := waitResult(t, h.results)
	if second.Cycle.ID != "cycle-2" {
		t.Errorf("Expected cycle-2, got %s", second.Cycle.ID)
	}
	h.stop(t)

	mu.Lock()
	defer mu.Unlock()
	want := []State{Fetching, Normalizing, Persisting, Aggregating, Detecting}
	if len(calls) != 2*len(want) {
		t.Fatalf("Expected %d stage calls, got %d", 2*len(want), len(calls))
	}
	for i, state := range calls {
		if state != want[i%len(want)] {
			t.Errorf("Call %d: expected %s, got %s", i, want[i%len(want)], state)
		}
	}
	if !h.clock.ticker.stopped.Load() {
		t.Error("Expected ticker to be stopped")
	}
}

func TestScheduler_SkipsTickWhileCycleRuns(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var fetches atomic.Int32

	s, h := startScheduler(t, Stages{
		Fetch: func(ctx context.Context, c *Cycle) error {
			if fetches.Add(1) == 1 {
				entered <- struct{}{}
				<-release
			}
			return nil
		},
	})

	<-entered
	if got := s.State(); got != Fetching {
		t.Errorf("Expected fetching state, got %s", got)
	}

	h.clock.tick(t)
	select {
	case <-h.skips:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the overlapping tick to be skipped")
	}
	if s.Skipped() != 1 {
		t.Errorf("Expected 1 skipped tick, got %d", s.Skipped())
	}

	close(release)
	waitResult(t, h.results)

	h.clock.tick(t)
	waitResult(t, h.results)
	if fetches.Load() != 2 {
		t.Errorf("Expected 2 fetches, got %d", fetches.Load())
	}
	if !strings.Contains(h.logs.String(), "skipping tick") {
		t.Errorf("Expected skip to be logged, got %q", h.logs.String())
	}
}

func TestScheduler_ShutdownStopsBetweenStages(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var stageCtxErr error
	var normalized atomic.Bool

	_, h := startScheduler(t, Stages{
		Fetch: func(ctx context.Context, c *Cycle) error {
			entered <- struct{}{}
			<-release
			stageCtxErr = ctx.Err()
			return nil
		},
		Normalize: func(ctx context.Context, c *Cycle) error {
			normalized.Store(true)
			return nil
		},
	})

	<-entered
	h.cancel()
	close(release)

	result := waitResult(t, h.results)
	h.stop(t)

	if result.Completed {
		t.Error("Expected the cycle to stop before completing")
	}
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", result.Err)
	}
	if stageCtxErr != nil {
		t.Errorf("Expected the in-flight stage to run with a live context, got %v", stageCtxErr)
	}
	if normalized.Load() {
		t.Error("Expected normalize not to run after shutdown")
	}
}

func TestScheduler_FailedCycleDoesNotStopLoop(t *testing.T) {
	var fetches atomic.Int32
	var persisted atomic.Int32

	_, h := startScheduler(t, Stages{
		Fetch: func(ctx context.Context, c *Cycle) error {
			if fetches.Add(1) == 1 {
				return fmt.Errorf("giving up after 4 attempts: %w", &feed.TransientError{Endpoint: "/vehicles", StatusCode: 503})
			}
			return nil
		},
		Persist: func(ctx context.Context, c *Cycle) error {
			persisted.Add(1)
			return nil
		},
	})

	first := waitResult(t, h.results)
	var stageErr *StageError
	if !errors.As(first.Err, &stageErr) || stageErr.Stage != Fetching {
		t.Fatalf("Expected fetching StageError, got %v", first.Err)
	}
	if persisted.Load() != 0 {
		t.Error("Expected no persistence after a failed fetch")
	}
	if !strings.Contains(h.logs.String(), "Warning: cycle cycle-1: fetching stage failed") {
		t.Errorf("Expected stage attribution in logs, got %q", h.logs.String())
	}

	h.clock.tick(t)
	second := waitResult(t, h.results)
	if second.Err != nil || !second.Completed {
		t.Errorf("Expected second cycle to succeed, got %+v", second)
	}
	if persisted.Load() != 1 {
		t.Errorf("Expected 1 persist, got %d", persisted.Load())
	}
}

func TestScheduler_FatalErrorLoggedAsError(t *testing.T) {
	_, h := startScheduler(t, Stages{
		Fetch: func(ctx context.Context, c *Cycle) error {
			return &feed.FatalError{Endpoint: "/vehicles", StatusCode: 403, Reason: "forbidden"}
		},
	})

	result := waitResult(t, h.results)
	if !feed.IsFatal(result.Err) {
		t.Errorf("Expected fatal error to be preserved, got %v", result.Err)
	}
	if !strings.Contains(h.logs.String(), "ERROR: cycle cycle-1") {
		t.Errorf("Expected ERROR log line, got %q", h.logs.String())
	}
}

func TestScheduler_RecoversFromPanic(t *testing.T) {
	var detected atomic.Bool

	_, h := startScheduler(t, Stages{
		Aggregate: func(ctx context.Context, c *Cycle) error {
			panic("division by zero")
		},
		Detect: func(ctx context.Context, c *Cycle) error {
			detected.Store(true)
			return nil
		},
	})

	first := waitResult(t, h.results)
	var stageErr *StageError
	if !errors.As(first.Err, &stageErr) || stageErr.Stage != Aggregating {
		t.Fatalf("Expected aggregating StageError, got %v", first.Err)
	}
	if !strings.Contains(first.Err.Error(), "panic: division by zero") {
		t.Errorf("Expected panic message, got %v", first.Err)
	}
	if detected.Load() {
		t.Error("Expected detect not to run after a panic")
	}

	h.clock.tick(t)
	if second := waitResult(t, h.results); second.Cycle.ID != "cycle-2" {
		t.Errorf("Expected the loop to keep running, got %s", second.Cycle.ID)
	}
}

func TestScheduler_RunOnceCarriesCycleData(t *testing.T) {
	s := New(time.Minute, Stages{
		Fetch: func(ctx context.Context, c *Cycle) error {
			c.Raw = []types.RawVehicle{{ID: "R-1"}, {ID: "R-2"}}
			return nil
		},
		Normalize: func(ctx context.Context, c *Cycle) error {
			for _, raw := range c.Raw {
				c.Vehicles = append(c.Vehicles, types.Vehicle{VehicleID: raw.ID})
			}
			return nil
		},
	}, WithIDGenerator(func() string { return "fixed" }), WithClock(newFakeClock()))

	result := s.RunOnce(context.Background())
	if !result.Completed || result.Err != nil {
		t.Fatalf("Expected completed cycle, got %+v", result)
	}
	if result.Cycle.ID != "fixed" || len(result.Cycle.Vehicles) != 2 {
		t.Errorf("Expected 2 vehicles in cycle fixed, got %+v", result.Cycle)
	}
	if s.State() != Idle {
		t.Errorf("Expected idle state after the cycle, got %s", s.State())
	}
}

func TestScheduler_RejectsNonPositiveInterval(t *testing.T) {
	s := New(0, Stages{})
	if err := s.Run(context.Background()); err == nil {
		t.Error("Expected error, got none")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		Idle:        "idle",
		Fetching:    "fetching",
		Normalizing: "normalizing",
		Persisting:  "persisting",
		Aggregating: "aggregating",
		Detecting:   "detecting",
		State(42):   "state(42)",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}
