// Package orchestrator implements C8 of spec.md §4.8: the run loop
// that owns the stream client, the batching buffer, the bounded pool
// of processing tasks, and the maintenance tickers (session refresh,
// DB cleanup, cache hit-rate logging). Grounded on
// kernel/cmd/kernel/main.go's wiring/shutdown shape (signal channel,
// context.WithCancel, graceful drain) and
// kernel/internal/audit/streamer.go's Run loop, with a
// golang.org/x/sync semaphore bounding in-flight processing tasks.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/brightloom/skywatch/internal/apiclient"
	"github.com/brightloom/skywatch/internal/broadcast"
	"github.com/brightloom/skywatch/internal/cache"
	"github.com/brightloom/skywatch/internal/enricher"
	"github.com/brightloom/skywatch/internal/logging"
	"github.com/brightloom/skywatch/internal/models"
	"github.com/brightloom/skywatch/internal/streamclient"
	"github.com/brightloom/skywatch/internal/writer"
)

// DurableStore is the subset of *durablestore.Store the maintenance
// loop needs to run periodic cleanup.
type DurableStore interface {
	CleanupWithVacuum(ctx context.Context, retentionDays int, maxSizeBytes int64) error
	SizeBytes() (int64, error)
}

// Config carries every tunable spec.md §6 names for the orchestrator
// itself (batch sizing, sharding, maintenance intervals); batch sizes
// for the coalescers and cache capacities are configured on those
// components directly at construction time.
type Config struct {
	BatchSize              int           // default 25
	MaxWaitTime            time.Duration // default 200ms
	MaxConcurrentRequests  int           // semaphore permits
	Modulo                 int           // 0 disables sharding
	Shard                  int
	SessionRefreshInterval time.Duration // default 1h
	CleanupCheckInterval   time.Duration // default cleanup_check_interval_minutes, 60m
	RetentionDays          int
	MaxDBSizeBytes         int64
	CacheLogInterval       time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.MaxWaitTime <= 0 {
		c.MaxWaitTime = 200 * time.Millisecond
	}
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = 10
	}
	if c.SessionRefreshInterval <= 0 {
		c.SessionRefreshInterval = time.Hour
	}
	if c.CleanupCheckInterval <= 0 {
		c.CleanupCheckInterval = 60 * time.Minute
	}
	if c.CacheLogInterval <= 0 {
		c.CacheLogInterval = 30 * time.Second
	}
	return c
}

// shouldProcess implements spec.md §4.8's shard predicate:
// modulo == 0 OR (seq mod modulo) == shard.
func (c Config) shouldProcess(seq int64) bool {
	if c.Modulo == 0 {
		return true
	}
	return seq%int64(c.Modulo) == int64(c.Shard)
}

// ErrorReporter is the minimal telemetry sink the maintenance tasks
// report to (accept-interfaces; internal/telemetry.Batcher satisfies
// this with Report(err)).
type ErrorReporter interface {
	Report(err error)
}

// Orchestrator wires the stream client, enricher, writer, and the
// maintenance tasks described in spec.md §4.8.
type Orchestrator struct {
	cfg    Config
	stream *streamclient.Client
	api    *apiclient.Client
	enr    *enricher.Enricher
	wr     *writer.Writer
	cache  *cache.Cache
	store  DurableStore
	hub    *broadcast.Hub
	sem    *semaphore.Weighted
	tel    ErrorReporter
	logger *logging.Logger
}

// New constructs an Orchestrator over already-built collaborators
// (spec.md §4.8 Init: "authenticate, construct cache, sinks,
// coalescers, semaphore ... broadcast fan-out" — authentication and
// component construction happen in cmd/hydrator's wiring; New just
// assembles the pieces into the run loop).
func New(cfg Config, stream *streamclient.Client, api *apiclient.Client, enr *enricher.Enricher, wr *writer.Writer, c *cache.Cache, store DurableStore, hub *broadcast.Hub, tel ErrorReporter) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:    cfg,
		stream: stream,
		api:    api,
		enr:    enr,
		wr:     wr,
		cache:  c,
		store:  store,
		hub:    hub,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		tel:    tel,
		logger: logging.New("orchestrator"),
	}
}

// Run drives the state machine until ctx is cancelled. On return, any
// residual buffered events have already been flushed synchronously
// (spec.md §4.8 Shutdown, §5 "Cancelling the orchestrator must flush
// the residual buffer synchronously before returning").
func (o *Orchestrator) Run(ctx context.Context) error {
	events := o.stream.Subscribe(ctx)

	flushTimer := time.NewTicker(o.cfg.MaxWaitTime)
	defer flushTimer.Stop()

	cacheLogTicker := time.NewTicker(o.cfg.CacheLogInterval)
	defer cacheLogTicker.Stop()

	refreshTicker := time.NewTicker(o.cfg.SessionRefreshInterval)
	defer refreshTicker.Stop()

	cleanupTicker := time.NewTicker(o.cfg.CleanupCheckInterval)
	defer cleanupTicker.Stop()

	var buf []models.Event
	var inflight sync.WaitGroup

	// drain spawns a processing task for the current buffer against
	// taskCtx, which is ctx during normal operation but a fresh
	// background context on shutdown so the final batch can still
	// complete its writes after ctx is already done.
	drain := func(taskCtx context.Context) {
		if len(buf) == 0 {
			return
		}
		batch := buf
		buf = nil
		o.spawn(taskCtx, batch, &inflight)
	}

	for {
		select {
		case <-ctx.Done():
			drain(context.Background())
			inflight.Wait()
			return nil

		case r, ok := <-events:
			if !ok {
				drain(context.Background())
				inflight.Wait()
				return nil
			}
			if r.Err != nil {
				o.report(r.Err)
				continue
			}
			if r.Event == nil || !o.cfg.shouldProcess(r.Event.Seq) {
				continue
			}
			buf = append(buf, *r.Event)
			if len(buf) >= o.cfg.BatchSize {
				drain(ctx)
			}

		case <-flushTimer.C:
			drain(ctx)

		case <-cacheLogTicker.C:
			o.logCacheStats()

		case <-refreshTicker.C:
			o.maintainSession(ctx)

		case <-cleanupTicker.C:
			o.maintainStoreSize(ctx)
		}
	}
}

// spawn acquires a semaphore permit and runs the enrich-then-write
// pipeline for one batch in its own goroutine, publishing successful
// records to the broadcast hub and releasing the permit on completion
// (spec.md §4.8: "each processing task acquires one semaphore permit,
// runs C6 then C7 ... releases the permit").
func (o *Orchestrator) spawn(ctx context.Context, batch []models.Event, wg *sync.WaitGroup) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.report(err)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer o.sem.Release(1)
		o.process(ctx, batch)
	}()
}

func (o *Orchestrator) process(ctx context.Context, batch []models.Event) {
	records := o.enr.Enrich(ctx, batch)
	if err := o.wr.WriteBatch(ctx, records); err != nil {
		o.logger.Printf("write batch failed, %d records dropped: %v", len(records), err)
		o.report(err)
		return
	}
	for _, rec := range records {
		o.hub.Publish(rec)
	}
}

func (o *Orchestrator) logCacheStats() {
	if o.cache == nil {
		return
	}
	p := o.cache.Profiles.Snapshot()
	r := o.cache.Records.Snapshot()
	o.logger.Printf("cache hit-rate: profiles=%.2f (size=%d) records=%.2f (size=%d)",
		p.HitRate, p.Size, r.HitRate, r.Size)
}

// maintainSession implements spec.md §4.8's hourly session-refresh
// task: "every hour check should_refresh(); if true, attempt refresh;
// on failure report via telemetry and continue".
func (o *Orchestrator) maintainSession(ctx context.Context) {
	if o.api == nil || !o.api.ShouldRefresh() {
		return
	}
	if err := o.api.EnsureFreshSession(ctx); err != nil {
		o.logger.Printf("session refresh failed: %v", err)
		o.report(err)
	}
}

// maintainStoreSize implements spec.md §4.8's DB cleanup task.
func (o *Orchestrator) maintainStoreSize(ctx context.Context) {
	if o.store == nil {
		return
	}
	size, err := o.store.SizeBytes()
	if err != nil {
		o.logger.Printf("could not measure store size: %v", err)
		o.report(err)
		return
	}
	if o.cfg.MaxDBSizeBytes <= 0 || size <= o.cfg.MaxDBSizeBytes {
		return
	}
	if err := o.store.CleanupWithVacuum(ctx, o.cfg.RetentionDays, o.cfg.MaxDBSizeBytes); err != nil {
		o.logger.Printf("cleanup_with_vacuum failed: %v", err)
		o.report(err)
	}
}

func (o *Orchestrator) report(err error) {
	if o.tel != nil {
		o.tel.Report(err)
	}
}
