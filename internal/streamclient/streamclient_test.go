package streamclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

func eventFrame(actor string, timeUs int64) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"did":     actor,
		"time_us": timeUs,
		"kind":    "commit",
		"commit": map[string]interface{}{
			"operation": "create",
			"collection": "app.bsky.feed.post",
			"rkey":      "abc",
		},
	})
	return b
}

func TestSubscribeEmitsParsedEventsInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, eventFrame("did:plc:a", 1))
		conn.WriteMessage(websocket.TextMessage, []byte("not json, should be skipped"))
		conn.WriteMessage(websocket.TextMessage, eventFrame("did:plc:b", 2))
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	c := New(Config{Endpoints: []string{"ws://" + host}, ReconnectDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := c.Subscribe(ctx)

	first := <-results
	if first.Err != nil || first.Event == nil || first.Event.Actor != "did:plc:a" {
		t.Fatalf("unexpected first result: %+v", first)
	}
	second := <-results
	if second.Err != nil || second.Event == nil || second.Event.Actor != "did:plc:b" {
		t.Fatalf("unexpected second result (malformed frame should be skipped, not torn down): %+v", second)
	}
}

func TestSubscribeWithStatusEmitsConnectedTransition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, eventFrame("did:plc:a", 1))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	c := New(Config{Endpoints: []string{"ws://" + host}, ReconnectDelay: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, status := c.SubscribeWithStatus(ctx)

	s := <-status
	if !s.Connected || s.LatencyMs == nil {
		t.Fatalf("expected connected status with latency, got %+v", s)
	}
}

func TestSubscribeTerminatesAfterMaxConsecutiveFailures(t *testing.T) {
	c := New(Config{
		Endpoints:              []string{"ws://127.0.0.1:1"}, // nothing listens here
		ReconnectDelay:         time.Millisecond,
		InterEndpointDelay:     time.Millisecond,
		MaxConsecutiveFailures: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := c.Subscribe(ctx)
	var last EventResult
	for r := range results {
		last = r
	}
	if last.Err == nil {
		t.Fatalf("expected a terminal error after exhausting reconnect attempts")
	}
}
