// Package telemetry implements spec.md §7's error-reporting egress: a
// size/time-batched buffer of captured errors, flushed to an external
// collector and a clean no-op when no API key is configured. Batch
// size (50) and flush interval (60s) are grounded on original_source
// rust/src/telemetry/error_reporter.rs; the background loop's
// for-select-over-ticker shape follows
// ai-infra/internal/runner/runner.go's RunWorker.
package telemetry

import (
	"context"
	"time"

	pipelineerrors "github.com/brightloom/skywatch/internal/errors"
	"github.com/brightloom/skywatch/internal/logging"
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 60 * time.Second
	bufferCapacity       = 512
)

// ErrorEvent is one captured error, shaped for an external analytics
// collector (spec.md §7: error kind, retryable/critical flags, and
// free-form context).
type ErrorEvent struct {
	ErrorType   string            `json:"error_type"`
	Message     string            `json:"message"`
	IsRetryable bool              `json:"is_retryable"`
	IsCritical  bool              `json:"is_critical"`
	Context     map[string]string `json:"context,omitempty"`
}

// Egress delivers a flushed batch to the external collector. Batcher
// is agnostic to the transport. No concrete implementation ships in
// this repository; cmd/hydrator passes nil, which disables reporting.
type Egress interface {
	Send(ctx context.Context, batch []ErrorEvent) error
}

// Batcher accumulates ErrorEvents and flushes them by size or
// deadline. A nil or disabled Batcher is safe to call Report on: it
// simply drops events, matching the teacher's "disabled is a no-op"
// posture for optional egress.
type Batcher struct {
	egress        Egress
	batchSize     int
	flushInterval time.Duration
	logger        *logging.Logger

	in   chan ErrorEvent
	done chan struct{}
}

// New constructs a Batcher. egress == nil disables reporting entirely
// (spec.md §7: "optional egress, HTTP POST on flush" — absent
// configuration must not crash or block the pipeline).
func New(egress Egress, batchSize int, flushInterval time.Duration) *Batcher {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	b := &Batcher{
		egress:        egress,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logging.New("telemetry"),
		in:            make(chan ErrorEvent, bufferCapacity),
		done:          make(chan struct{}),
	}
	if egress != nil {
		go b.run()
	} else {
		close(b.done)
	}
	return b
}

// Report captures a tagged pipeline error as an ErrorEvent. Disabled
// (egress == nil) Batchers drop the event immediately. A full buffer
// drops the event rather than blocking the caller, matching the
// original's try_send-and-warn posture.
func (b *Batcher) Report(err error) {
	if b == nil || b.egress == nil || err == nil {
		return
	}
	event := ErrorEvent{
		ErrorType: errorTypeName(err),
		Message:   err.Error(),
	}
	if pe, ok := err.(*pipelineerrors.Error); ok {
		event.IsRetryable = pe.Retryable()
		event.IsCritical = pe.Critical()
	}
	select {
	case b.in <- event:
	default:
		b.logger.Printf("error buffer full, dropping event: %s", event.Message)
	}
}

func errorTypeName(err error) string {
	if pe, ok := err.(*pipelineerrors.Error); ok {
		return string(pe.Kind)
	}
	return "Unknown"
}

func (b *Batcher) run() {
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()
	defer close(b.done)

	var pending []ErrorEvent
	for {
		select {
		case ev, ok := <-b.in:
			if !ok {
				if len(pending) > 0 {
					b.flush(pending)
				}
				return
			}
			pending = append(pending, ev)
			if len(pending) >= b.batchSize {
				b.flush(pending)
				pending = nil
			}
		case <-ticker.C:
			if len(pending) > 0 {
				b.flush(pending)
				pending = nil
			}
		}
	}
}

func (b *Batcher) flush(batch []ErrorEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.egress.Send(ctx, batch); err != nil {
		b.logger.Printf("flush of %d events failed, dropped: %v", len(batch), err)
		return
	}
	b.logger.Printf("flushed %d error events", len(batch))
}

// Close stops the background flush loop after draining any pending
// events, and is safe to call on a disabled Batcher.
func (b *Batcher) Close() {
	if b.egress == nil {
		return
	}
	close(b.in)
	<-b.done
}
