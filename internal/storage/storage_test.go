package storage

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func readLines(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("Failed to decode line %q: %v", scanner.Text(), err)
		}
		records = append(records, r)
	}
	return records
}

func TestArchive_WriteJSONAndBinary(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Date(2025, 3, 4, 13, 0, 0, 0, time.UTC)}
	archive := New(dir, WithClock(clock.Now))
	if err := archive.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	jsonResp := &types.FeedResponse{
		Endpoint:    "https://api-v3.mbta.com/vehicles",
		StatusCode:  200,
		ContentType: "application/vnd.api+json",
		Body:        []byte(`{"data":[]}`),
		FetchedAt:   clock.Now(),
		Attempts:    2,
	}
	binResp := &types.FeedResponse{
		Endpoint:    "https://example.com/VehiclePositions.pb",
		StatusCode:  200,
		ContentType: "application/x-protobuf",
		Body:        []byte{0x0a, 0x03, 0x32, 0x2e, 0x30},
		FetchedAt:   clock.Now(),
	}

	if err := archive.Write("cycle-1", jsonResp); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := archive.Write("cycle-2", binResp); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	if err := archive.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	records := readLines(t, filepath.Join(dir, "feed_2025-03-04.jsonl"))
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if string(records[0].Payload) != `{"data":[]}` || records[0].Body != nil {
		t.Errorf("Expected JSON payload to be embedded, got %+v", records[0])
	}
	if records[0].CycleID != "cycle-1" || records[0].Attempts != 2 {
		t.Errorf("Unexpected record metadata: %+v", records[0])
	}
	if records[1].Payload != nil || len(records[1].Body) != 5 {
		t.Errorf("Expected binary body to round-trip, got %+v", records[1])
	}
}

func TestArchive_RotatesAndCompressesPreviousDay(t *testing.T) {
	dir := t.TempDir()
	clock := &testClock{now: time.Date(2025, 3, 4, 23, 59, 0, 0, time.UTC)}
	archive := New(dir, WithClock(clock.Now))
	if err := archive.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer archive.Stop()

	resp := &types.FeedResponse{ContentType: "application/json", Body: []byte(`{"n":1}`), StatusCode: 200}
	if err := archive.Write("cycle-1", resp); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	clock.Set(time.Date(2025, 3, 5, 0, 0, 30, 0, time.UTC))
	if err := archive.Write("cycle-2", resp); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "feed_2025-03-04.jsonl")); !os.IsNotExist(err) {
		t.Errorf("Expected previous day's file to be removed, got %v", err)
	}

	gz, err := os.Open(filepath.Join(dir, "feed_2025-03-04.jsonl.gz"))
	if err != nil {
		t.Fatalf("Expected compressed file: %v", err)
	}
	defer gz.Close()
	reader, err := gzip.NewReader(gz)
	if err != nil {
		t.Fatalf("Failed to open gzip stream: %v", err)
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("Failed to read gzip stream: %v", err)
	}

	var record Record
	if err := json.Unmarshal(content, &record); err != nil {
		t.Fatalf("Expected compressed file to hold the record, got %q: %v", content, err)
	}
	if record.CycleID != "cycle-1" {
		t.Errorf("Expected cycle-1 in the compressed file, got %s", record.CycleID)
	}

	today := readLines(t, filepath.Join(dir, "feed_2025-03-05.jsonl"))
	if len(today) != 1 || today[0].CycleID != "cycle-2" {
		t.Errorf("Expected cycle-2 in today's file, got %+v", today)
	}
}

func TestArchive_StartCompressesLeftovers(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "feed_2025-03-01.jsonl")
	if err := os.WriteFile(stale, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("Failed to write stale file: %v", err)
	}

	archive := New(dir, WithClock(func() time.Time { return time.Date(2025, 3, 4, 8, 0, 0, 0, time.UTC) }))
	if err := archive.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer archive.Stop()

	if _, err := os.Stat(stale + ".gz"); err != nil {
		t.Errorf("Expected leftover file to be compressed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "feed_2025-03-04.jsonl")); err != nil {
		t.Errorf("Expected today's file to exist: %v", err)
	}
}

func TestArchive_StartFailsOnUnwritableDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	archive := New(filepath.Join(file, "archive"))
	if err := archive.Start(); err == nil {
		t.Error("Expected error, got none")
	}
}
