package testutils

import (
	"strings"
	"testing"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

func TestMockRawVehicle(t *testing.T) {
	raw := MockRawVehicle("R-1", "Red", 42.35, -71.06)

	if raw.ID != "R-1" {
		t.Errorf("Expected id R-1, got %s", raw.ID)
	}
	if raw.RouteID == nil || *raw.RouteID != "Red" {
		t.Errorf("Expected route Red, got %v", raw.RouteID)
	}
	if raw.Latitude == nil || *raw.Latitude != 42.35 {
		t.Errorf("Expected latitude 42.35, got %v", raw.Latitude)
	}
	if raw.Status != "IN_TRANSIT_TO" {
		t.Errorf("Expected IN_TRANSIT_TO, got %s", raw.Status)
	}
	if raw.UpdatedAt == nil || time.Since(*raw.UpdatedAt) > 5*time.Second {
		t.Error("Timestamp should be recent")
	}
}

func TestMockEvent(t *testing.T) {
	at := time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC)
	e := MockEvent(7, "R-1", "Red", 42.35, -71.06, at)

	if e.ID != 7 || e.CycleID != "cycle-7" {
		t.Errorf("Unexpected id/cycle: %d/%s", e.ID, e.CycleID)
	}
	if !e.RecordedAt.Equal(at) {
		t.Errorf("Expected recorded_at %v, got %v", at, e.RecordedAt)
	}
	if e.CurrentStatus != types.StatusInTransit {
		t.Errorf("Expected in_transit, got %s", e.CurrentStatus)
	}
	if !e.HasPosition() {
		t.Error("Expected event to have a position")
	}
}

func TestWaitForCondition_Success(t *testing.T) {
	condition := func() bool {
		return true
	}

	err := WaitForCondition(condition, 1*time.Second)
	if err != nil {
		t.Errorf("WaitForCondition() should succeed, got error: %v", err)
	}
}

func TestWaitForCondition_Timeout(t *testing.T) {
	condition := func() bool {
		return false
	}

	err := WaitForCondition(condition, 100*time.Millisecond)
	if err == nil {
		t.Fatal("WaitForCondition() should timeout")
	}

	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("Expected timeout error, got: %v", err)
	}
}

func TestWaitForCondition_ConditionBecomesTrue(t *testing.T) {
	counter := 0
	condition := func() bool {
		counter++
		return counter >= 3
	}

	err := WaitForCondition(condition, 1*time.Second)
	if err != nil {
		t.Errorf("WaitForCondition() should succeed, got error: %v", err)
	}

	if counter < 3 {
		t.Errorf("Condition should have been called at least 3 times, got %d", counter)
	}
}
