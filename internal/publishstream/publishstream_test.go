package publishstream

// This integration test is intentionally gated on an environment
// variable so it only runs when a real Kafka broker is available.
//
// Required:
//
//	TEST_KAFKA_BROKERS -> comma-separated kafka brokers (host:port)
//	TEST_KAFKA_TOPIC   -> topic to produce to (must exist)
//
// Usage:
//
//	TEST_KAFKA_BROKERS=localhost:9092 TEST_KAFKA_TOPIC=skywatch-test go test ./internal/publishstream/...

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/brightloom/skywatch/internal/models"
)

func TestPublishBatchAgainstRealBroker(t *testing.T) {
	brokersEnv := os.Getenv("TEST_KAFKA_BROKERS")
	topic := os.Getenv("TEST_KAFKA_TOPIC")
	if brokersEnv == "" || topic == "" {
		t.Skip("set TEST_KAFKA_BROKERS and TEST_KAFKA_TOPIC to run this integration test")
	}

	stream, err := New(Config{Brokers: strings.Split(brokersEnv, ","), Topic: topic})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records := []models.EnrichedRecord{{
		Original: models.Event{
			Actor: "did:plc:test",
			Commit: &models.Commit{Operation: models.CommitCreate, Collection: "app.bsky.feed.post", RecordKey: "abc"},
		},
		ProcessedAt: time.Now(),
	}}
	if err := stream.PublishBatch(ctx, records); err != nil {
		t.Fatalf("publish batch: %v", err)
	}
	if stream.Length() != 1 {
		t.Fatalf("expected length 1, got %d", stream.Length())
	}
}

func TestPublishBatchEmptyIsNoop(t *testing.T) {
	stream := &Stream{maxAttempts: 1}
	if err := stream.PublishBatch(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error for empty batch: %v", err)
	}
	if stream.Length() != 0 {
		t.Fatalf("expected length 0, got %d", stream.Length())
	}
}
