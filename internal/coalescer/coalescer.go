// Package coalescer implements the per-namespace batch coalescer of
// spec.md §4.5 (C5): concurrent callers contribute keys to a shared
// pending list; whichever goroutine is first to notice the size
// threshold or wait deadline has been crossed issues the upstream
// fetch on behalf of everyone waiting on those keys.
package coalescer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brightloom/skywatch/internal/logging"
)

// FetchFunc issues the upstream request for a batch of keys, returning
// one result per key in the same order.
type FetchFunc func(ctx context.Context, keys []string) ([]interface{}, error)

type outcome struct {
	value interface{}
	err   error
}

// Coalescer accumulates add_and_fetch keys for one namespace (profiles
// or records) and drains them in batches per spec.md §4.5's steps 1-4.
type Coalescer struct {
	name         string
	batchSize    int
	waitDeadline time.Duration
	fetch        FetchFunc
	logger       *logging.Logger

	mu          sync.Mutex
	pending     []string
	waiters     map[string][]chan outcome
	lastFlushAt time.Time

	flushesTotal   atomic.Int64
	flushesPartial atomic.Int64
}

// New constructs a Coalescer. batchSize and waitDeadline follow
// spec.md §4.5/invariant I6; a non-positive batchSize is clamped to 1.
func New(name string, batchSize int, waitDeadline time.Duration, fetch FetchFunc) *Coalescer {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &Coalescer{
		name:         name,
		batchSize:    batchSize,
		waitDeadline: waitDeadline,
		fetch:        fetch,
		waiters:      make(map[string][]chan outcome),
		logger:       logging.New("coalescer/" + name),
	}
}

// AddAndFetch appends keys to the pending list and blocks until every
// one of them has been resolved by some flush, returning results in
// the same order as keys. An empty keys slice is a no-op (invariant
// I5 is enforced at the flush boundary, not here).
func (c *Coalescer) AddAndFetch(ctx context.Context, keys []string) ([]interface{}, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	mine := make([]chan outcome, len(keys))
	c.mu.Lock()
	if c.lastFlushAt.IsZero() {
		c.lastFlushAt = time.Now()
	}
	for i, k := range keys {
		ch := make(chan outcome, 1)
		mine[i] = ch
		c.waiters[k] = append(c.waiters[k], ch)
		c.pending = append(c.pending, k)
	}
	c.mu.Unlock()

	if err := c.drainUntilResolved(ctx, mine); err != nil {
		return nil, err
	}

	out := make([]interface{}, len(keys))
	var firstErr error
	for i, ch := range mine {
		select {
		case o := <-ch:
			out[i] = o.value
			if o.err != nil && firstErr == nil {
				firstErr = o.err
			}
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	return out, firstErr
}

// drainUntilResolved repeats steps 2-4 of spec.md §4.5 until every
// channel in mine has been delivered to by some flush (possibly driven
// by a concurrent caller), or ctx is cancelled.
func (c *Coalescer) drainUntilResolved(ctx context.Context, mine []chan outcome) error {
	for {
		if c.flushReady() {
			if err := c.flush(ctx, false); err != nil {
				return err
			}
		}
		if allResolved(mine) {
			return nil
		}
		if c.flushReady() {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func allResolved(chans []chan outcome) bool {
	for _, ch := range chans {
		if len(ch) == 0 {
			return false
		}
	}
	return true
}

// flushReady reports whether pending has crossed the size threshold or
// the wait deadline (invariant I6), without draining it.
func (c *Coalescer) flushReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return false
	}
	if len(c.pending) >= c.batchSize {
		return true
	}
	return time.Since(c.lastFlushAt) >= c.waitDeadline
}

// flush drains the pending list: forced=true drains everything
// unconditionally (the terminal flush of step 4); forced=false drains
// at most one batch per call — a full batch_size chunk if one is
// pending, otherwise, once the wait deadline has elapsed, the
// remainder as one partial batch. drainUntilResolved calls it again
// while flushReady holds.
func (c *Coalescer) flush(ctx context.Context, forced bool) error {
	for {
		c.mu.Lock()
		var batch []string
		switch {
		case len(c.pending) >= c.batchSize:
			batch = c.pending[:c.batchSize]
			c.pending = c.pending[c.batchSize:]
		case forced && len(c.pending) > 0:
			batch = c.pending
			c.pending = nil
		case len(c.pending) > 0 && time.Since(c.lastFlushAt) >= c.waitDeadline:
			batch = c.pending
			c.pending = nil
		default:
			c.mu.Unlock()
			return nil
		}
		partial := len(batch) < c.batchSize
		c.lastFlushAt = time.Now()
		c.mu.Unlock()

		c.deliver(ctx, batch, partial)
		if !forced {
			return nil
		}
	}
}

func (c *Coalescer) deliver(ctx context.Context, batch []string, partial bool) {
	c.flushesTotal.Add(1)
	if partial {
		c.flushesPartial.Add(1)
	}
	if total := c.flushesTotal.Load(); total%10 == 0 {
		p := c.flushesPartial.Load()
		c.logger.Printf("flushes: total=%d partial=%d (%.1f%%)", total, p, 100*float64(p)/float64(total))
	}

	values, err := c.fetch(ctx, batch)
	if err != nil {
		values = make([]interface{}, len(batch))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, k := range batch {
		waiters := c.waiters[k]
		if len(waiters) == 0 {
			continue
		}
		ch := waiters[0]
		c.waiters[k] = waiters[1:]
		if len(c.waiters[k]) == 0 {
			delete(c.waiters, k)
		}
		var v interface{}
		if i < len(values) {
			v = values[i]
		}
		ch <- outcome{value: v, err: err}
	}
}

// Flush performs the terminal, unconditional drain of step 4,
// resolving any residual pending keys.
func (c *Coalescer) Flush(ctx context.Context) error {
	return c.flush(ctx, true)
}

// Stats is a point-in-time snapshot of this coalescer's flush counters.
type Stats struct {
	FlushesTotal   int64
	FlushesPartial int64
}

// Snapshot returns the current flush counters for logging/observability.
func (c *Coalescer) Snapshot() Stats {
	return Stats{FlushesTotal: c.flushesTotal.Load(), FlushesPartial: c.flushesPartial.Load()}
}
