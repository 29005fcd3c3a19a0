package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saviobatista/transit-telemetry/internal/aggregator"
	"github.com/saviobatista/transit-telemetry/internal/api"
	"github.com/saviobatista/transit-telemetry/internal/config"
	"github.com/saviobatista/transit-telemetry/internal/db"
	"github.com/saviobatista/transit-telemetry/internal/detector"
	"github.com/saviobatista/transit-telemetry/internal/query"
	"github.com/saviobatista/transit-telemetry/internal/redis"
)

const shutdownTimeout = 10 * time.Second

// newService builds the query service over storage and the optional cache
func newService(cfg *config.Config, dbClient *db.Client, cache *redis.Client) *query.Service {
	agg := aggregator.New(dbClient, cfg.Thresholds,
		aggregator.WithLocation(cfg.Location),
		aggregator.WithHeadwayLookback(cfg.HeadwayLookback),
	)

	opts := []query.Option{
		query.WithFreshnessWindow(cfg.FreshnessWindow),
		query.WithIntervals(cfg.CollectionInterval, cfg.APIRefreshInterval),
		query.WithHistoryWindow(cfg.DetectorHistoryWindow()),
	}
	if cache != nil {
		opts = append(opts, query.WithCache(cache))
	}
	return query.New(dbClient, agg, detector.New(cfg.Thresholds), opts...)
}

// newServer returns the HTTP server for the query API
func newServer(cfg *config.Config, svc api.QueryService) *http.Server {
	return &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(svc, cfg.CORSOrigins, log.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}

// serve runs srv until ctx is done, then shuts it down gracefully
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Printf("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	dbClient, err := db.New(cfg.DBDriver, cfg.DBConnStr)
	if err != nil {
		log.Printf("Failed to create database client: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing dbClient: %v\n", err)
		}
	}()

	// the API starts without the cache and falls back to storage
	var cache *redis.Client
	if cfg.RedisAddr != "" {
		if cache, err = redis.New(cfg.RedisAddr); err != nil {
			log.Printf("Warning: Redis unavailable, serving from storage only: %v", err)
			cache = nil
		} else {
			defer func() {
				if err := cache.Close(); err != nil {
					fmt.Fprintf(os.Stderr, "error closing redisClient: %v\n", err)
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := newServer(cfg, newService(cfg, dbClient, cache))
	log.Printf("Serving query API on %s", cfg.APIAddr)
	if err := serve(ctx, srv); err != nil {
		log.Printf("API server stopped: %v", err)
		stop()
		os.Exit(1)
	}
}
