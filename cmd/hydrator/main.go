// Command hydrator is the primary enrichment pipeline binary of
// spec.md §4.8 (C8): it wires the streaming client, the rate-limited
// bulk API client, the bounded LRU cache, the batch coalescers, the
// enricher, the dual-sink writer, and the orchestrator together, then
// runs until an interrupt signal arrives.
//
// Grounded on kernel/cmd/kernel/main.go's wiring/shutdown shape: load
// config, construct collaborators (optional pieces gated on whether
// their env vars are set), start the admin HTTP server in a goroutine,
// block on a signal channel, then cancel the run loop's context and
// wait out a bounded grace period before exiting.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brightloom/skywatch/internal/apiclient"
	"github.com/brightloom/skywatch/internal/broadcast"
	"github.com/brightloom/skywatch/internal/cache"
	"github.com/brightloom/skywatch/internal/coalescer"
	"github.com/brightloom/skywatch/internal/config"
	"github.com/brightloom/skywatch/internal/durablestore"
	"github.com/brightloom/skywatch/internal/enricher"
	"github.com/brightloom/skywatch/internal/httpserver"
	"github.com/brightloom/skywatch/internal/orchestrator"
	"github.com/brightloom/skywatch/internal/publishstream"
	"github.com/brightloom/skywatch/internal/ratelimit"
	"github.com/brightloom/skywatch/internal/streamclient"
	"github.com/brightloom/skywatch/internal/telemetry"
	"github.com/brightloom/skywatch/internal/writer"
)

// shutdownGrace bounds how long Run is given to flush its residual
// buffer once the process is asked to stop.
const shutdownGrace = 15 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.LoadHydrator()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	governor := ratelimit.New(cfg.RateLimitRequestsPerInterval, cfg.RateLimitInterval, cfg.RateLimitBurst)

	api := apiclient.New(apiclient.Config{
		BaseURL:    cfg.APIBaseURL,
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		Governor:   governor,
		Credentials: apiclient.Credentials{
			Identifier: cfg.Handle,
			Password:   cfg.AppPassword,
		},
	})
	if err := api.EnsureFreshSession(context.Background()); err != nil {
		log.Fatalf("initial session authentication failed: %v", err)
	}
	log.Printf("authenticated as %s", cfg.Handle)

	c := cache.New(cfg.ProfileCacheSize, cfg.RecordCacheSize)

	profileCoalescer := coalescer.New("profiles", cfg.ProfileBatchSize, cfg.ProfileBatchWait, func(ctx context.Context, ids []string) ([]interface{}, error) {
		profiles, err := api.BulkFetchProfiles(ctx, ids)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(profiles))
		for i, p := range profiles {
			out[i] = p
		}
		return out, nil
	})
	recordCoalescer := coalescer.New("records", cfg.PostBatchSize, cfg.PostBatchWait, func(ctx context.Context, uris []string) ([]interface{}, error) {
		records, err := api.BulkFetchRecords(ctx, uris)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, len(records))
		for i, r := range records {
			out[i] = r
		}
		return out, nil
	})
	enr := enricher.New(c, profileCoalescer, recordCoalescer)

	var archiver durablestore.Archiver
	if cfg.ArchiveS3Bucket != "" {
		a, err := durablestore.NewS3Archiver(context.Background(), cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver init failed: %v", err)
		}
		archiver = a
		log.Printf("cold archive enabled (bucket=%s prefix=%s)", cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix)
	}
	store, err := durablestore.Open(context.Background(), cfg.DBPath, archiver)
	if err != nil {
		log.Fatalf("durable store open failed: %v", err)
	}
	defer store.Close()

	stream, err := publishstream.New(publishstream.Config{
		Brokers: cfg.PublishedStreamBrokers,
		Topic:   cfg.PublishedStreamTopic,
	})
	if err != nil {
		log.Fatalf("published stream init failed: %v", err)
	}

	wr := writer.New(store, stream)

	hub := broadcast.NewHub(64)

	// No concrete telemetry.Egress ships in this repo (spec.md §7's
	// egress target is deployment-specific); a nil egress keeps the
	// batcher a clean no-op per internal/telemetry's disabled posture.
	if cfg.TelemetryAPIKey != "" {
		log.Println("TELEMETRY_API_KEY set but no telemetry.Egress is wired; telemetry stays disabled")
	}
	tel := telemetry.New(nil, 0, 0)

	streamClient := streamclient.New(streamclient.Config{
		Endpoints:         cfg.JetstreamHosts,
		WantedCollections: cfg.WantedCollections,
	})

	orch := orchestrator.New(orchestrator.Config{
		BatchSize:             cfg.BatchSize,
		MaxWaitTime:           cfg.MaxWaitTime,
		MaxConcurrentRequests: cfg.MaxConcurrentReqs,
		Modulo:                cfg.OrchestratorModulo,
		Shard:                 cfg.OrchestratorShard,
		CleanupCheckInterval:  cfg.CleanupCheckInterval,
		RetentionDays:         cfg.RetentionDays,
		MaxDBSizeBytes:        cfg.MaxDBSizeBytes,
	}, streamClient, api, enr, wr, c, store, hub, tel)

	admin := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      httpserver.New(statsFunc(c), hub).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("admin server listening on %s", cfg.AdminAddr)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("admin server stopped: %v", err)
		}
	}()

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run(runCtx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down hydrator...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	_ = admin.Shutdown(shutdownCtx)

	cancelRun()
	select {
	case err := <-runDone:
		if err != nil {
			log.Printf("orchestrator exited with error: %v", err)
		}
	case <-time.After(shutdownGrace):
		log.Println("orchestrator did not stop within the shutdown grace period")
	}
	log.Println("hydrator stopped")
}

func statsFunc(c *cache.Cache) httpserver.StatsFunc {
	return func() map[string]interface{} {
		p := c.Profiles.Snapshot()
		r := c.Records.Snapshot()
		return map[string]interface{}{
			"cache_profiles": p,
			"cache_records":  r,
		}
	}
}
