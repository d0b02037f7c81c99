// Package writer implements the dual-sink writer of spec.md §4.7 (C7):
// a batch of EnrichedRecords is written to the durable store and the
// published stream concurrently; both must succeed for the batch to
// be acknowledged.
package writer

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/brightloom/skywatch/internal/models"
)

// DurableSink is the durable-store side of C7: the subset of
// *durablestore.Store the writer depends on.
type DurableSink interface {
	StoreBatch(ctx context.Context, records []models.EnrichedRecord) ([]int64, error)
}

// StreamSink is the published-stream side of C7: the subset of
// *publishstream.Stream the writer depends on.
type StreamSink interface {
	PublishBatch(ctx context.Context, records []models.EnrichedRecord) error
}

// Writer fans a batch out to both sinks concurrently.
type Writer struct {
	store  DurableSink
	stream StreamSink
}

// New constructs a Writer over an already-open store and stream.
func New(store DurableSink, stream StreamSink) *Writer {
	return &Writer{store: store, stream: stream}
}

// WriteBatch invokes StoreBatch and PublishBatch concurrently. Both
// must succeed for the batch to be acknowledged; on either failure the
// error is propagated and the batch is considered failed in its
// entirety — no partial rollback is attempted (spec.md §4.7: "an
// operator deduplicates by canonical-URI").
func (w *Writer) WriteBatch(ctx context.Context, records []models.EnrichedRecord) error {
	if len(records) == 0 {
		return nil
	}

	var eg errgroup.Group
	eg.Go(func() error {
		_, err := w.store.StoreBatch(ctx, records)
		return err
	})
	eg.Go(func() error {
		return w.stream.PublishBatch(ctx, records)
	})
	return eg.Wait()
}
