package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/saviobatista/transit-telemetry/internal/feed"
	"github.com/saviobatista/transit-telemetry/internal/types"
)

// State is the position of the scheduler in the collection pipeline
type State int32

const (
	Idle State = iota
	Fetching
	Normalizing
	Persisting
	Aggregating
	Detecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Normalizing:
		return "normalizing"
	case Persisting:
		return "persisting"
	case Aggregating:
		return "aggregating"
	case Detecting:
		return "detecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Cycle carries the data of one collection cycle from stage to stage
type Cycle struct {
	ID        string
	StartedAt time.Time

	Response *types.FeedResponse
	Raw      []types.RawVehicle
	Vehicles []types.Vehicle
	Skipped  int
	Events   int
	Routes   []string
	Delays   int
	Alerts   []types.Alert
}

// StageFunc runs one pipeline stage over the cycle
type StageFunc func(ctx context.Context, c *Cycle) error

// Stages are the pipeline stages in execution order. A nil stage is skipped.
type Stages struct {
	Fetch     StageFunc
	Normalize StageFunc
	Persist   StageFunc
	Aggregate StageFunc
	Detect    StageFunc
}

func (s Stages) ordered() []struct {
	state State
	fn    StageFunc
} {
	return []struct {
		state State
		fn    StageFunc
	}{
		{Fetching, s.Fetch},
		{Normalizing, s.Normalize},
		{Persisting, s.Persist},
		{Aggregating, s.Aggregate},
		{Detecting, s.Detect},
	}
}

// StageError attributes a cycle failure to the stage that raised it
type StageError struct {
	Stage   State
	CycleID string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Result is reported once per cycle
type Result struct {
	Cycle      *Cycle
	FinishedAt time.Time
	// Completed is false when shutdown stopped the cycle between stages
	Completed bool
	Err       error
}

// Scheduler drives the stages on a fixed interval without overlapping cycles
type Scheduler struct {
	interval time.Duration
	stages   Stages
	clock    Clock
	logger   *log.Logger
	newID    func() string
	onCycle  func(Result)
	onSkip   func(time.Time)

	state   atomic.Int32
	running atomic.Bool
	skipped atomic.Uint64
	wg      sync.WaitGroup
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock
func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithLogger sets the logger
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithCycleHook is called after every cycle, including failed ones
func WithCycleHook(fn func(Result)) Option {
	return func(s *Scheduler) {
		s.onCycle = fn
	}
}

// WithSkipHook is called when a tick is dropped because a cycle is running
func WithSkipHook(fn func(time.Time)) Option {
	return func(s *Scheduler) {
		s.onSkip = fn
	}
}

// WithIDGenerator replaces the cycle id generator
func WithIDGenerator(fn func() string) Option {
	return func(s *Scheduler) {
		s.newID = fn
	}
}

// New creates a scheduler
func New(interval time.Duration, stages Stages, opts ...Option) *Scheduler {
	s := &Scheduler{
		interval: interval,
		stages:   stages,
		clock:    realClock{},
		logger:   log.New(os.Stderr, "", log.LstdFlags),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current pipeline state
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Skipped returns how many ticks were dropped
func (s *Scheduler) Skipped() uint64 {
	return s.skipped.Load()
}

// Run starts a cycle immediately and then on every tick until ctx is done.
// On shutdown it stops ticking and waits for the running cycle, which halts
// at the next stage boundary.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("collection interval must be positive, got %s", s.interval)
	}

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.trigger(ctx, s.clock.Now())

	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			s.wg.Wait()
			return nil
		case at := <-ticker.C():
			s.trigger(ctx, at)
		}
	}
}

// trigger starts a cycle on its own goroutine unless one is already running
func (s *Scheduler) trigger(ctx context.Context, at time.Time) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Printf("Warning: previous cycle still running, skipping tick at %s", at.UTC().Format(time.RFC3339))
		if s.onSkip != nil {
			s.onSkip(at)
		}
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result := s.runCycle(ctx)
		s.running.Store(false)
		if s.onCycle != nil {
			s.onCycle(result)
		}
	}()
	return true
}

// RunOnce runs a single cycle synchronously
func (s *Scheduler) RunOnce(ctx context.Context) Result {
	if !s.running.CompareAndSwap(false, true) {
		return Result{Err: fmt.Errorf("a cycle is already running")}
	}
	defer s.running.Store(false)
	return s.runCycle(ctx)
}

func (s *Scheduler) runCycle(ctx context.Context) Result {
	cycle := &Cycle{ID: s.newID(), StartedAt: s.clock.Now().UTC()}
	defer s.state.Store(int32(Idle))

	// a stage that has started runs to completion; cancellation is only
	// observed between stages
	stageCtx := context.WithoutCancel(ctx)

	for _, stage := range s.stages.ordered() {
		if ctx.Err() != nil {
			s.logger.Printf("Shutdown requested, stopping cycle %s before %s", cycle.ID, stage.state)
			return Result{Cycle: cycle, FinishedAt: s.clock.Now().UTC(), Err: ctx.Err()}
		}
		if stage.fn == nil {
			continue
		}

		s.state.Store(int32(stage.state))
		if err := s.runStage(stageCtx, stage.state, stage.fn, cycle); err != nil {
			s.logFailure(cycle, err)
			return Result{Cycle: cycle, FinishedAt: s.clock.Now().UTC(), Err: err}
		}
	}

	return Result{Cycle: cycle, FinishedAt: s.clock.Now().UTC(), Completed: true}
}

func (s *Scheduler) runStage(ctx context.Context, state State, fn StageFunc, cycle *Cycle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &StageError{Stage: state, CycleID: cycle.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := fn(ctx, cycle); err != nil {
		return &StageError{Stage: state, CycleID: cycle.ID, Err: err}
	}
	return nil
}

func (s *Scheduler) logFailure(cycle *Cycle, err error) {
	if feed.IsFatal(err) {
		s.logger.Printf("ERROR: cycle %s: %v", cycle.ID, err)
		return
	}
	s.logger.Printf("Warning: cycle %s: %v", cycle.ID, err)
}
