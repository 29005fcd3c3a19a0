package stats

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

// Persister stores collector statistics snapshots
type Persister interface {
	StoreCollectorStats(ctx context.Context, s types.CollectorStats) error
}

// Stats tracks collection cycle statistics
type Stats struct {
	// Cycle counts
	CyclesStarted   uint64
	CyclesSucceeded uint64
	CyclesFailed    uint64
	CyclesSkipped   uint64

	// Record counts
	FetchAttempts    uint64
	RecordsSkipped   uint64
	VehiclesUpserted uint64
	EventsAppended   uint64
	DelaysComputed   uint64
	AlertsEmitted    uint64

	// Vehicles seen by the last successful cycle
	ActiveVehicles uint64

	startedAt     time.Time
	lastSuccessAt time.Time
	lastCycleID   string
	now           func() time.Time

	// Storage for persistence
	store Persister

	mu sync.RWMutex
}

// New creates a new Stats instance
func New() *Stats {
	return &Stats{
		startedAt: time.Now().UTC(),
		now:       time.Now,
	}
}

// SetClock replaces the time source and restarts the uptime clock
func (s *Stats) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.startedAt = now().UTC()
	s.mu.Unlock()
}

// SetStore sets the storage used by Persist
func (s *Stats) SetStore(store Persister) {
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
}

// IncrementCyclesStarted counts a cycle that began running
func (s *Stats) IncrementCyclesStarted() {
	atomic.AddUint64(&s.CyclesStarted, 1)
}

// IncrementCyclesSkipped counts a tick dropped because a cycle was running
func (s *Stats) IncrementCyclesSkipped() {
	atomic.AddUint64(&s.CyclesSkipped, 1)
}

// RecordSuccess marks a cycle as completed
func (s *Stats) RecordSuccess(cycleID string) {
	atomic.AddUint64(&s.CyclesSucceeded, 1)
	s.mu.Lock()
	s.lastSuccessAt = s.now().UTC()
	s.lastCycleID = cycleID
	s.mu.Unlock()
}

// RecordFailure marks a cycle as failed
func (s *Stats) RecordFailure(cycleID string) {
	atomic.AddUint64(&s.CyclesFailed, 1)
	s.mu.Lock()
	s.lastCycleID = cycleID
	s.mu.Unlock()
}

func (s *Stats) AddFetchAttempts(n int) {
	atomic.AddUint64(&s.FetchAttempts, uint64(n))
}

func (s *Stats) AddRecordsSkipped(n int) {
	atomic.AddUint64(&s.RecordsSkipped, uint64(n))
}

func (s *Stats) AddVehiclesUpserted(n int) {
	atomic.AddUint64(&s.VehiclesUpserted, uint64(n))
}

func (s *Stats) AddEventsAppended(n int) {
	atomic.AddUint64(&s.EventsAppended, uint64(n))
}

func (s *Stats) AddDelaysComputed(n int) {
	atomic.AddUint64(&s.DelaysComputed, uint64(n))
}

func (s *Stats) AddAlertsEmitted(n int) {
	atomic.AddUint64(&s.AlertsEmitted, uint64(n))
}

// SetActiveVehicles sets the number of vehicles in the last snapshot
func (s *Stats) SetActiveVehicles(count uint64) {
	atomic.StoreUint64(&s.ActiveVehicles, count)
}

// LastSuccess returns the time of the last completed cycle
func (s *Stats) LastSuccess() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSuccessAt, !s.lastSuccessAt.IsZero()
}

// Snapshot returns a copy of the current statistics
func (s *Stats) Snapshot() types.CollectorStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := types.CollectorStats{
		Time:             s.now().UTC(),
		StartedAt:        s.startedAt,
		LastCycleID:      s.lastCycleID,
		CyclesStarted:    atomic.LoadUint64(&s.CyclesStarted),
		CyclesSucceeded:  atomic.LoadUint64(&s.CyclesSucceeded),
		CyclesFailed:     atomic.LoadUint64(&s.CyclesFailed),
		CyclesSkipped:    atomic.LoadUint64(&s.CyclesSkipped),
		FetchAttempts:    atomic.LoadUint64(&s.FetchAttempts),
		RecordsSkipped:   atomic.LoadUint64(&s.RecordsSkipped),
		VehiclesUpserted: atomic.LoadUint64(&s.VehiclesUpserted),
		EventsAppended:   atomic.LoadUint64(&s.EventsAppended),
		DelaysComputed:   atomic.LoadUint64(&s.DelaysComputed),
		AlertsEmitted:    atomic.LoadUint64(&s.AlertsEmitted),
		ActiveVehicles:   atomic.LoadUint64(&s.ActiveVehicles),
	}
	if !s.lastSuccessAt.IsZero() {
		last := s.lastSuccessAt
		snapshot.LastSuccessAt = &last
	}
	return snapshot
}

// String returns a string representation of the statistics
func (s *Stats) String() string {
	snap := s.Snapshot()
	lastSuccess := "never"
	if snap.LastSuccessAt != nil {
		lastSuccess = snap.LastSuccessAt.Format(time.RFC3339)
	}
	return fmt.Sprintf(
		"Cycles Started: %d\n"+
			"Cycles Succeeded: %d\n"+
			"Cycles Failed: %d\n"+
			"Cycles Skipped: %d\n"+
			"Fetch Attempts: %d\n"+
			"Records Skipped: %d\n"+
			"Vehicles Upserted: %d\n"+
			"Events Appended: %d\n"+
			"Delays Computed: %d\n"+
			"Alerts Emitted: %d\n"+
			"Active Vehicles: %d\n"+
			"Last Success: %s\n"+
			"Uptime: %s",
		snap.CyclesStarted,
		snap.CyclesSucceeded,
		snap.CyclesFailed,
		snap.CyclesSkipped,
		snap.FetchAttempts,
		snap.RecordsSkipped,
		snap.VehiclesUpserted,
		snap.EventsAppended,
		snap.DelaysComputed,
		snap.AlertsEmitted,
		snap.ActiveVehicles,
		lastSuccess,
		snap.Uptime(),
	)
}

// Persist stores the current statistics
func (s *Stats) Persist(ctx context.Context) error {
	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()
	if store == nil {
		return fmt.Errorf("stats store not set")
	}

	return store.StoreCollectorStats(ctx, s.Snapshot())
}

// StartPersistence persists statistics every interval until ctx is done
func (s *Stats) StartPersistence(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final persistence before shutdown
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := s.Persist(final); err != nil {
				log.Printf("Warning: failed to persist final statistics: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Persist(ctx); err != nil {
				log.Printf("Warning: failed to persist statistics: %v", err)
			}
		}
	}
}
