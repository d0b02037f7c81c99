package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	pipelineerrors "github.com/brightloom/skywatch/internal/errors"
)

type fakeEgress struct {
	mu      sync.Mutex
	batches [][]ErrorEvent
	sendErr error
}

func (f *fakeEgress) Send(ctx context.Context, batch []ErrorEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	cp := make([]ErrorEvent, len(batch))
	copy(cp, batch)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeEgress) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func TestReportIsNoopWhenDisabled(t *testing.T) {
	b := New(nil, 0, 0)
	defer b.Close()
	b.Report(pipelineerrors.New(pipelineerrors.KindHTTPTransport, "boom", nil))
	// No egress configured: nothing to assert beyond "does not panic
	// or block" — Close must also return immediately.
}

func TestReportFlushesOnSizeThreshold(t *testing.T) {
	eg := &fakeEgress{}
	b := New(eg, 2, time.Hour)
	defer b.Close()

	b.Report(pipelineerrors.New(pipelineerrors.KindHTTPTransport, "one", nil))
	b.Report(pipelineerrors.New(pipelineerrors.KindDurableStore, "two", nil))

	deadline := time.Now().Add(2 * time.Second)
	for eg.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if eg.count() != 1 {
		t.Fatalf("expected exactly one flushed batch, got %d", eg.count())
	}
}

func TestReportFlushesOnDeadline(t *testing.T) {
	eg := &fakeEgress{}
	b := New(eg, 50, 20*time.Millisecond)
	defer b.Close()

	b.Report(pipelineerrors.New(pipelineerrors.KindHTTPTransport, "lonely", nil))

	deadline := time.Now().Add(2 * time.Second)
	for eg.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if eg.count() != 1 {
		t.Fatalf("expected deadline-triggered flush, got %d batches", eg.count())
	}
}

func TestErrorTypeNameUsesTaggedKind(t *testing.T) {
	err := pipelineerrors.New(pipelineerrors.KindRateLimitExceeded, "slow down", nil)
	if got := errorTypeName(err); got != string(pipelineerrors.KindRateLimitExceeded) {
		t.Fatalf("expected kind %q, got %q", pipelineerrors.KindRateLimitExceeded, got)
	}
}
