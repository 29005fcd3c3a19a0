package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/aggregator"
	"github.com/saviobatista/transit-telemetry/internal/collector"
	"github.com/saviobatista/transit-telemetry/internal/config"
	"github.com/saviobatista/transit-telemetry/internal/db"
	"github.com/saviobatista/transit-telemetry/internal/detector"
	"github.com/saviobatista/transit-telemetry/internal/feed"
	"github.com/saviobatista/transit-telemetry/internal/nats"
	"github.com/saviobatista/transit-telemetry/internal/redis"
	"github.com/saviobatista/transit-telemetry/internal/scheduler"
	"github.com/saviobatista/transit-telemetry/internal/stats"
	"github.com/saviobatista/transit-telemetry/internal/storage"
)

// clients holds the connections the collector writes through. Only db is
// required; the others are nil when not configured.
type clients struct {
	db      *db.Client
	cache   *redis.Client
	bus     *nats.Client
	archive *storage.Archive
}

// createClients opens the database, applies migrations and connects the
// optional cache, bus and archive
func createClients(cfg *config.Config) (*clients, error) {
	dbClient, err := db.New(cfg.DBDriver, cfg.DBConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create database client: %w", err)
	}
	c := &clients{db: dbClient}

	if err := dbClient.Migrate(); err != nil {
		c.close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if cfg.RedisAddr != "" {
		if c.cache, err = redis.New(cfg.RedisAddr); err != nil {
			c.close()
			return nil, fmt.Errorf("failed to create Redis client: %w", err)
		}
	}

	if cfg.NATSURL != "" {
		if c.bus, err = nats.New(cfg.NATSURL); err != nil {
			c.close()
			return nil, fmt.Errorf("failed to create NATS client: %w", err)
		}
	}

	if cfg.ArchiveDir != "" {
		archive := storage.New(cfg.ArchiveDir)
		if err := archive.Start(); err != nil {
			c.close()
			return nil, fmt.Errorf("failed to start archive: %w", err)
		}
		c.archive = archive
	}

	return c, nil
}

func (c *clients) close() {
	if c.archive != nil {
		if err := c.archive.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "error stopping archive: %v\n", err)
		}
	}
	if c.bus != nil {
		c.bus.Close()
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing redisClient: %v\n", err)
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing dbClient: %v\n", err)
		}
	}
}

// buildCollector wires the feed client, aggregator and detector into a
// collector over the given clients
func buildCollector(cfg *config.Config, c *clients, st *stats.Stats, opts ...feed.Option) *collector.Collector {
	opts = append([]feed.Option{
		feed.WithAttemptObserver(func(endpoint string, attempt int, err error) {
			st.AddFetchAttempts(1)
		}),
	}, opts...)
	source := feed.New(cfg.Feed, cfg.Retry, opts...)

	agg := aggregator.New(c.db, cfg.Thresholds,
		aggregator.WithLocation(cfg.Location),
		aggregator.WithHeadwayLookback(cfg.HeadwayLookback),
	)

	collectorOpts := []collector.Option{
		collector.WithStats(st),
		collector.WithDelayLookback(cfg.DelayLookbackHours),
		collector.WithCacheTTL(cfg.FreshnessWindow),
		collector.WithHistoryWindow(cfg.DetectorHistoryWindow()),
	}
	if c.cache != nil {
		collectorOpts = append(collectorOpts, collector.WithCache(c.cache))
	}
	if c.bus != nil {
		collectorOpts = append(collectorOpts, collector.WithPublisher(c.bus))
	}
	if c.archive != nil {
		collectorOpts = append(collectorOpts, collector.WithArchive(c.archive))
	}

	return collector.New(source, c.db, agg, detector.New(cfg.Thresholds), collectorOpts...)
}

// logStats periodically logs statistics
func logStats(ctx context.Context, st *stats.Stats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("Statistics:\n%s", st)
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	c, err := createClients(cfg)
	if err != nil {
		log.Printf("Failed to create clients: %v", err)
		os.Exit(1)
	}
	defer c.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := stats.New()
	st.SetStore(c.db)
	coll := buildCollector(cfg, c, st)

	persisted := make(chan struct{})
	go logStats(ctx, st, time.Minute)
	go func() {
		defer close(persisted)
		st.StartPersistence(ctx, cfg.StatsPersistInterval)
	}()

	sched := scheduler.New(cfg.CollectionInterval, coll.Stages(),
		scheduler.WithCycleHook(coll.OnCycle),
		scheduler.WithSkipHook(coll.OnSkip),
	)

	log.Printf("Collecting %s every %s", cfg.Feed.VehiclesURL(), cfg.CollectionInterval)
	if err := sched.Run(ctx); err != nil {
		log.Printf("Scheduler stopped: %v", err)
	}
	log.Println("Shutting down...")
	stop()
	// final statistics are written before the database closes
	<-persisted
}
