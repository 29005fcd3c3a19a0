package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/saviobatista/transit-telemetry/internal/testutils"
	"github.com/saviobatista/transit-telemetry/internal/types"
)

// mockRedis is an in-memory RedisClientInterface
type mockRedis struct {
	data    map[string]string
	ttls    map[string]time.Duration
	setErr  error
	getErr  error
	pingErr error
	closed  bool
}

func newMockRedis() *mockRedis {
	return &mockRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *mockRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", m.pingErr)
}

func (m *mockRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if m.setErr != nil {
		return redis.NewStatusResult("", m.setErr)
	}
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *mockRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if m.getErr != nil {
		return redis.NewStringResult("", m.getErr)
	}
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockRedis) Close() error {
	m.closed = true
	return nil
}

func TestNew_InvalidAddress(t *testing.T) {
	client, err := New("invalid:address:12345")
	if err == nil {
		t.Error("New() should fail with invalid address")
		client.Close()
		return
	}
	if client != nil {
		t.Error("New() should return nil client on error")
	}
}

func TestClient_PingAndClose(t *testing.T) {
	mock := newMockRedis()
	client := NewWithClient(mock)

	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	mock.pingErr = errors.New("connection refused")
	if err := client.Ping(context.Background()); err == nil {
		t.Error("Expected ping error")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Expected no error on close, got %v", err)
	}
	if !mock.closed {
		t.Error("Expected underlying client to be closed")
	}
}

func TestClient_Heartbeat(t *testing.T) {
	mock := newMockRedis()
	client := NewWithClient(mock)
	ctx := context.Background()

	missing, err := client.GetHeartbeat(ctx)
	if err != nil || missing != nil {
		t.Fatalf("Expected no heartbeat, got %+v, %v", missing, err)
	}

	at := time.Date(2025, 3, 4, 13, 0, 0, 0, time.UTC)
	stats := types.CollectorStats{Time: at, StartedAt: at.Add(-time.Hour), LastSuccessAt: &at, CyclesSucceeded: 120}
	if err := client.StoreHeartbeat(ctx, stats, 90*time.Second); err != nil {
		t.Fatalf("StoreHeartbeat() failed: %v", err)
	}
	if mock.ttls[KeyHeartbeat] != 90*time.Second {
		t.Errorf("Expected TTL 90s, got %v", mock.ttls[KeyHeartbeat])
	}

	got, err := client.GetHeartbeat(ctx)
	if err != nil {
		t.Fatalf("GetHeartbeat() failed: %v", err)
	}
	if got.CyclesSucceeded != 120 || got.LastSuccessAt == nil || !got.LastSuccessAt.Equal(at) {
		t.Errorf("Unexpected heartbeat: %+v", got)
	}
	if got.Uptime() != time.Hour {
		t.Errorf("Expected uptime 1h, got %v", got.Uptime())
	}
}

func TestClient_Alerts(t *testing.T) {
	mock := newMockRedis()
	client := NewWithClient(mock)
	ctx := context.Background()
	at := time.Date(2025, 3, 4, 13, 0, 0, 0, time.UTC)

	none, err := client.GetAlerts(ctx, "")
	if err != nil || none != nil {
		t.Fatalf("Expected no cached alerts, got %+v, %v", none, err)
	}

	snapshot := &types.AlertSnapshot{
		CycleID:     "cycle-1",
		GeneratedAt: at,
		Alerts: []types.Alert{
			{Kind: types.AlertBunching, Severity: types.SeverityWarning, RouteID: testutils.String("Red"), VehicleIDs: []string{"R-1", "R-2"}, DetectedAt: at},
			{Kind: types.AlertSpeedAnomaly, Severity: types.SeverityError, RouteID: testutils.String("Blue"), VehicleIDs: []string{"B-1"}, DetectedAt: at},
		},
	}
	if err := client.StoreAlerts(ctx, snapshot, time.Minute); err != nil {
		t.Fatalf("StoreAlerts() failed: %v", err)
	}

	all, err := client.GetAlerts(ctx, "")
	if err != nil {
		t.Fatalf("GetAlerts() failed: %v", err)
	}
	if len(all.Alerts) != 2 || all.CycleID != "cycle-1" {
		t.Errorf("Expected 2 alerts from cycle-1, got %+v", all)
	}

	red, err := client.GetAlerts(ctx, "Red")
	if err != nil {
		t.Fatalf("GetAlerts() failed: %v", err)
	}
	if len(red.Alerts) != 1 || red.Alerts[0].Kind != types.AlertBunching {
		t.Errorf("Expected the Red bunching alert, got %+v", red.Alerts)
	}

	// a newer cycle without Red alerts must not serve the stale Red entry
	if err := client.StoreAlerts(ctx, &types.AlertSnapshot{CycleID: "cycle-2", GeneratedAt: at.Add(30 * time.Second)}, time.Minute); err != nil {
		t.Fatalf("StoreAlerts() failed: %v", err)
	}
	red, err = client.GetAlerts(ctx, "Red")
	if err != nil {
		t.Fatalf("GetAlerts() failed: %v", err)
	}
	if red.CycleID != "cycle-2" || len(red.Alerts) != 0 {
		t.Errorf("Expected no Red alerts in cycle-2, got %+v", red)
	}
}

func TestClient_Errors(t *testing.T) {
	mock := newMockRedis()
	client := NewWithClient(mock)
	ctx := context.Background()

	mock.setErr = errors.New("READONLY")
	if err := client.StoreHeartbeat(ctx, types.CollectorStats{}, time.Minute); err == nil {
		t.Error("Expected set error")
	}

	mock.setErr = nil
	mock.data[KeyLatestAlerts] = "not json"
	if _, err := client.GetAlerts(ctx, ""); err == nil {
		t.Error("Expected unmarshal error")
	}

	mock.getErr = errors.New("i/o timeout")
	if _, err := client.GetHeartbeat(ctx); err == nil {
		t.Error("Expected get error")
	}
}
