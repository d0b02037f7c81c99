// Command pulsewatch is the secondary throughput-comparison binary of
// spec.md §4.6-sibling (C9): two independent jetstream subscriptions
// (stream A, stream B) feed counts and connect/disconnect transitions
// into an aggregator, which derives smoothed rates, a delta, and
// connection-uptime proportions once every 100ms and fans the result
// out over the broadcast hub and into hourly sqlite persistence.
//
// Wiring follows cmd/hydrator's shape (config load, admin server,
// signal-driven shutdown) trimmed to this binary's narrower scope.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brightloom/skywatch/internal/aggregator"
	"github.com/brightloom/skywatch/internal/broadcast"
	"github.com/brightloom/skywatch/internal/config"
	"github.com/brightloom/skywatch/internal/httpserver"
	"github.com/brightloom/skywatch/internal/pulsestore"
	"github.com/brightloom/skywatch/internal/streamclient"
)

const shutdownGrace = 10 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.LoadPulsewatch()
	cfg, err := config.ParsePulsewatchFlags(cfg, os.Args[1:])
	if err != nil {
		log.Fatalf("flags: %v", err)
	}
	log.Printf("pulsewatch starting (shard=%d/%d log-level=%s)", cfg.ShardIndex, cfg.ShardModulo, cfg.LogLevel)

	store, err := pulsestore.Open(context.Background(), cfg.DBPath)
	if err != nil {
		log.Fatalf("pulsestore open failed: %v", err)
	}
	defer store.Close()

	hub := broadcast.NewHub(64)
	agg := aggregator.New(cfg.EMAAlpha)

	admin := &http.Server{
		Addr: cfg.AdminAddr,
		Handler: httpserver.New(func() map[string]interface{} {
			snap := agg.Snapshot()
			return map[string]interface{}{"snapshot": snap}
		}, hub).Router(),
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
	go agg.Run(runCtx, hub)
	go runStream(runCtx, aggregator.StreamA, cfg.StreamAEndpoints, agg)
	go runStream(runCtx, aggregator.StreamB, cfg.StreamBEndpoints, agg)
	go persistHourly(runCtx, agg, store)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down pulsewatch...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	_ = admin.Shutdown(shutdownCtx)
	cancelRun()
	log.Println("pulsewatch stopped")
}

// runStream subscribes to one side of the dual-stream comparison,
// feeding counts and connect/disconnect transitions into agg.
func runStream(ctx context.Context, id aggregator.StreamID, endpoints []string, agg *aggregator.Aggregator) {
	client := streamclient.New(streamclient.Config{Endpoints: endpoints})
	events, status := client.SubscribeWithStatus(ctx)
	var count int64

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-status:
			if !ok {
				return
			}
			agg.SetConnected(id, s.Connected)
		case r, ok := <-events:
			if !ok {
				return
			}
			if r.Err != nil || r.Event == nil {
				continue
			}
			count++
			agg.UpdateCount(id, count)
		}
	}
}

// persistHourly saves the aggregator's snapshot to pulsestore once per
// wall-clock hour boundary.
func persistHourly(ctx context.Context, agg *aggregator.Aggregator, store *pulsestore.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	lastHour := -1
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Hour() == lastHour {
				continue
			}
			lastHour = now.Hour()
			snap := agg.Snapshot()
			if err := store.SaveHourlyStats(ctx, now, snap.CountA, snap.CountB); err != nil {
				log.Printf("save hourly stats failed: %v", err)
			}
			if err := store.SaveHourlyUptime(ctx, now, int64(snap.ConnectedSecondsA), int64(snap.ConnectedSecondsB)); err != nil {
				log.Printf("save hourly uptime failed: %v", err)
			}
		}
	}
}
