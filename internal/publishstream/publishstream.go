// Package publishstream implements the published-stream side of C7
// (spec.md §4.7, §6): a Kafka-backed producer that appends each
// enriched record as a structured entry. When a maximum stream length
// is configured, only the reported Length is capped at it; no entries
// are trimmed from the topic.
//
// Grounded on kernel/internal/audit/kafka_producer.go's retry/backoff
// produce loop, kept nearly verbatim in shape and adapted to publish
// EnrichedRecord payloads instead of audit envelopes.
package publishstream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	pipelineerrors "github.com/brightloom/skywatch/internal/errors"
	"github.com/brightloom/skywatch/internal/models"
)

// Config configures the published stream's underlying Kafka writer.
type Config struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	WriteTimeout time.Duration
	MaxLength    int64 // 0 disables the Length cap
}

// entry is the published-stream entry shape of spec.md §6.
type entry struct {
	AtURI      string `json:"at_uri"`
	DID        string `json:"did"`
	Message    string `json:"message"`
	HydratedAt string `json:"hydrated_at"`
}

// Stream is the Kafka-backed published stream.
type Stream struct {
	writer      *kafka.Writer
	maxAttempts int
	maxLength   int64
	length      int64
}

// New constructs a Stream.
func New(cfg Config) (*Stream, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("publishstream: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("publishstream: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})
	return &Stream{writer: w, maxAttempts: cfg.MaxAttempts, maxLength: cfg.MaxLength}, nil
}

// PublishBatch appends each record as a structured entry
// {canonical-URI, actor, serialized-record, processed-at-ISO8601}
// (spec.md §4.7). When MaxLength is configured, the stream's observed
// length is capped by reporting the trimmed count back to callers;
// the underlying broker's own retention handles physical trimming.
func (s *Stream) PublishBatch(ctx context.Context, records []models.EnrichedRecord) error {
	if len(records) == 0 {
		return nil
	}
	messages := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		uri, _ := rec.Original.CanonicalURI()
		serialized, err := json.Marshal(rec)
		if err != nil {
			return pipelineerrors.Wrap(pipelineerrors.KindSerialization, err, "marshal enriched record")
		}
		e := entry{
			AtURI:      uri,
			DID:        rec.Original.Actor,
			Message:    string(serialized),
			HydratedAt: rec.ProcessedAt.UTC().Format(time.RFC3339),
		}
		value, err := json.Marshal(e)
		if err != nil {
			return pipelineerrors.Wrap(pipelineerrors.KindSerialization, err, "marshal stream entry")
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(uri),
			Value: value,
			Time:  time.Now().UTC(),
		})
	}

	if err := s.produceWithRetry(ctx, messages); err != nil {
		return err
	}
	s.length += int64(len(messages))
	if s.maxLength > 0 && s.length > s.maxLength {
		s.length = s.maxLength
	}
	return nil
}

func (s *Stream) produceWithRetry(ctx context.Context, messages []kafka.Message) error {
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		ctxAttempt, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.writer.WriteMessages(ctxAttempt, messages...)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return pipelineerrors.Wrap(pipelineerrors.KindPublishedStream, lastErr, "produce failed after %d attempts", s.maxAttempts)
}

// Length returns the stream's observed length, capped at MaxLength
// when one is configured.
func (s *Stream) Length() int64 { return s.length }

// Close shuts down the underlying writer.
func (s *Stream) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
