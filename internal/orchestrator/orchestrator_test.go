package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brightloom/skywatch/internal/broadcast"
	"github.com/brightloom/skywatch/internal/cache"
	"github.com/brightloom/skywatch/internal/coalescer"
	"github.com/brightloom/skywatch/internal/enricher"
	"github.com/brightloom/skywatch/internal/models"
	"github.com/brightloom/skywatch/internal/streamclient"
	"github.com/brightloom/skywatch/internal/writer"
)

func TestShouldProcessPredicate(t *testing.T) {
	unsharded := Config{}
	if !unsharded.shouldProcess(123) {
		t.Fatalf("modulo 0 must process everything")
	}

	sharded := Config{Modulo: 4, Shard: 2}
	if !sharded.shouldProcess(6) { // 6 mod 4 == 2
		t.Fatalf("expected seq 6 to match shard 2 of 4")
	}
	if sharded.shouldProcess(7) { // 7 mod 4 == 3
		t.Fatalf("expected seq 7 to be rejected by shard 2 of 4")
	}
}

type fakeStore struct {
	called atomic.Bool
}

func (f *fakeStore) StoreBatch(ctx context.Context, records []models.EnrichedRecord) ([]int64, error) {
	f.called.Store(true)
	ids := make([]int64, len(records))
	return ids, nil
}

type fakeStream struct {
	called atomic.Bool
}

func (f *fakeStream) PublishBatch(ctx context.Context, records []models.EnrichedRecord) error {
	f.called.Store(true)
	return nil
}

var upgrader = websocket.Upgrader{}

func eventFrame(actor string, timeUs int64) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"did":     actor,
		"time_us": timeUs,
		"kind":    "commit",
		"commit": map[string]interface{}{
			"operation":  "create",
			"collection": "app.bsky.feed.post",
			"rkey":       "abc",
		},
	})
	return b
}

func echoFetch(ctx context.Context, keys []string) ([]interface{}, error) {
	out := make([]interface{}, len(keys))
	for i := range keys {
		out[i] = &models.Profile{Identifier: keys[i], Handle: "h"}
	}
	return out, nil
}

// TestRunProcessesBatchAndPublishes wires a real streamclient against
// an in-process websocket server, a real enricher/cache/coalescer
// stack, and fake writer sinks, then asserts that an incoming event
// is batched, enriched, written, and published to the broadcast hub
// within the MaxWaitTime flush deadline (spec.md §4.8, P7).
func TestRunProcessesBatchAndPublishes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, eventFrame("did:plc:a", 1))
		time.Sleep(time.Second)
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	sc := streamclient.New(streamclient.Config{Endpoints: []string{"ws://" + host}, ReconnectDelay: time.Hour})

	c := cache.New(100, 100)
	profileCoalescer := coalescer.New("profiles", 25, 50*time.Millisecond, echoFetch)
	recordCoalescer := coalescer.New("records", 25, 50*time.Millisecond, echoFetch)
	enr := enricher.New(c, profileCoalescer, recordCoalescer)

	store := &fakeStore{}
	stream := &fakeStream{}
	wr := writer.New(store, stream)

	hub := broadcast.NewHub(16)
	_, sub := hub.Subscribe()

	o := New(Config{
		BatchSize:   25,
		MaxWaitTime: 20 * time.Millisecond,
	}, sc, nil, enr, wr, c, nil, hub, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	select {
	case msg := <-sub:
		rec, ok := msg.Payload.(models.EnrichedRecord)
		if !ok || rec.Original.Actor != "did:plc:a" {
			t.Fatalf("unexpected published payload: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for published record")
	}

	if !store.called.Load() || !stream.called.Load() {
		t.Fatalf("expected both sinks to be invoked: store=%v stream=%v", store.called.Load(), stream.called.Load())
	}

	<-done
}

// TestRunFlushesResidualBufferOnShutdown verifies spec.md §5's
// cancellation contract: a buffered-but-not-yet-flushed batch is
// written synchronously before Run returns.
func TestRunFlushesResidualBufferOnShutdown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, eventFrame("did:plc:a", 1))
		time.Sleep(time.Second)
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	// MaxWaitTime longer than the test's cancellation deadline so the
	// only way the buffered event gets flushed is via shutdown drain.
	sc := streamclient.New(streamclient.Config{Endpoints: []string{"ws://" + host}, ReconnectDelay: time.Hour})

	c := cache.New(10, 10)
	profileCoalescer := coalescer.New("profiles", 25, 10*time.Millisecond, echoFetch)
	recordCoalescer := coalescer.New("records", 25, 10*time.Millisecond, echoFetch)
	enr := enricher.New(c, profileCoalescer, recordCoalescer)

	store := &fakeStore{}
	stream := &fakeStream{}
	wr := writer.New(store, stream)
	hub := broadcast.NewHub(16)

	o := New(Config{
		BatchSize:   25,
		MaxWaitTime: time.Hour,
	}, sc, nil, enr, wr, c, nil, hub, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := o.Run(ctx); err != nil {
		t.Fatalf("unexpected Run error: %v", err)
	}

	if !store.called.Load() {
		t.Fatalf("expected residual buffer to be flushed synchronously on shutdown")
	}
}
