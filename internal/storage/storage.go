package storage

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/types"
)

const (
	filePrefix = "feed_"
	fileSuffix = ".jsonl"
	dayLayout  = "2006-01-02"
)

// Record is one archived feed payload
type Record struct {
	CycleID     string          `json:"cycle_id"`
	FetchedAt   time.Time       `json:"fetched_at"`
	Endpoint    string          `json:"endpoint"`
	StatusCode  int             `json:"status_code"`
	ContentType string          `json:"content_type"`
	Attempts    int             `json:"attempts"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Body        []byte          `json:"body,omitempty"`
}

// Archive appends raw feed payloads to daily JSON-lines files and gzips
// the files of previous days
type Archive struct {
	outputDir string
	file      *os.File
	day       string
	now       func() time.Time
	mu        sync.Mutex
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// Option configures an Archive
type Option func(*Archive)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(a *Archive) {
		a.now = now
	}
}

// New creates a new Archive writing under outputDir
func New(outputDir string, opts ...Option) *Archive {
	a := &Archive{
		outputDir: outputDir,
		now:       time.Now,
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start opens today's file, compresses leftovers from earlier days and
// starts the rotation timer
func (a *Archive) Start() error {
	if err := os.MkdirAll(a.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	a.mu.Lock()
	err := a.rotateFile()
	if err == nil {
		err = a.compressStale()
	}
	a.mu.Unlock()
	if err != nil {
		return err
	}

	a.wg.Add(1)
	go a.rotationTimer()

	return nil
}

// Stop closes the current file and stops the rotation timer
func (a *Archive) Stop() error {
	close(a.stopChan)
	a.wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file != nil {
		err := a.file.Close()
		a.file = nil
		return err
	}
	return nil
}

// Write appends one feed response as a JSON line
func (a *Archive) Write(cycleID string, resp *types.FeedResponse) error {
	record := Record{
		CycleID:     cycleID,
		FetchedAt:   resp.FetchedAt.UTC(),
		Endpoint:    resp.Endpoint,
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
		Attempts:    resp.Attempts,
	}
	if strings.Contains(resp.ContentType, "json") && json.Valid(resp.Body) {
		record.Payload = json.RawMessage(resp.Body)
	} else {
		record.Body = resp.Body
	}

	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal archive record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil || a.day != a.today() {
		if err := a.rotateAndCompress(); err != nil {
			return err
		}
	}

	_, err = a.file.Write(append(line, '\n'))
	return err
}

func (a *Archive) today() string {
	return a.now().UTC().Format(dayLayout)
}

// rotationTimer handles daily rotation at midnight UTC
func (a *Archive) rotationTimer() {
	defer a.wg.Done()

	for {
		now := a.now().UTC()
		nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)

		select {
		case <-time.After(nextMidnight.Sub(now)):
			a.mu.Lock()
			if err := a.rotateAndCompress(); err != nil {
				log.Printf("Warning: archive rotation failed: %v", err)
			}
			a.mu.Unlock()
		case <-a.stopChan:
			return
		}
	}
}

// rotateAndCompress switches to today's file and compresses earlier ones.
// The caller holds the lock.
func (a *Archive) rotateAndCompress() error {
	if a.file != nil {
		if err := a.file.Close(); err != nil {
			log.Printf("Warning: failed to close archive file: %v", err)
		}
		a.file = nil
	}

	if err := a.rotateFile(); err != nil {
		return err
	}
	return a.compressStale()
}

// compressStale gzips every uncompressed archive file older than today
func (a *Archive) compressStale() error {
	matches, err := filepath.Glob(filepath.Join(a.outputDir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return err
	}
	sort.Strings(matches)

	current := a.fileName(a.day)
	for _, path := range matches {
		if path == current {
			continue
		}
		if err := compressFile(path); err != nil {
			return fmt.Errorf("failed to compress %s: %w", path, err)
		}
	}
	return nil
}

// compressFile compresses a file using gzip and removes the original
func compressFile(path string) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer target.Close()

	gzipWriter := gzip.NewWriter(target)
	gzipWriter.Name = filepath.Base(path)

	if _, err := io.Copy(gzipWriter, source); err != nil {
		gzipWriter.Close()
		return err
	}

	// Close the gzip writer to ensure all data is written
	if err := gzipWriter.Close(); err != nil {
		return err
	}
	if err := target.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}

func (a *Archive) fileName(day string) string {
	return filepath.Join(a.outputDir, filePrefix+day+fileSuffix)
}

// rotateFile opens the file for today's date
func (a *Archive) rotateFile() error {
	day := a.today()
	file, err := os.OpenFile(a.fileName(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}

	a.file = file
	a.day = day
	return nil
}
