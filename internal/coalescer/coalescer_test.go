package coalescer

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoFetch(calls *atomic.Int64) FetchFunc {
	return func(ctx context.Context, keys []string) ([]interface{}, error) {
		calls.Add(1)
		out := make([]interface{}, len(keys))
		for i, k := range keys {
			out[i] = "v:" + k
		}
		return out, nil
	}
}

func TestAddAndFetchFlushesOnSizeThreshold(t *testing.T) {
	var calls atomic.Int64
	c := New("test", 3, time.Hour, echoFetch(&calls))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out, err := c.AddAndFetch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"v:a", "v:b", "v:c"}, out)
	assert.Equal(t, int64(1), calls.Load(), "expected exactly one upstream fetch")
}

func TestAddAndFetchFlushesOnWaitDeadline(t *testing.T) {
	var calls atomic.Int64
	c := New("test", 100, 20*time.Millisecond, echoFetch(&calls))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out, err := c.AddAndFetch(ctx, []string{"only-one"})
	require.NoError(t, err)
	assert.Equal(t, "v:only-one", out[0])
	assert.Equal(t, int64(1), c.Snapshot().FlushesPartial, "expected a partial flush")
}

func TestAddAndFetchCoalescesConcurrentCallers(t *testing.T) {
	var calls atomic.Int64
	c := New("test", 10, time.Hour, echoFetch(&calls))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := strconv.Itoa(n)
			out, err := c.AddAndFetch(ctx, []string{key})
			if err != nil {
				t.Errorf("caller %d: unexpected error: %v", n, err)
				return
			}
			if out[0] != "v:"+key {
				t.Errorf("caller %d: unexpected result %+v", n, out)
			}
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected all 10 keys coalesced into a single fetch, got %d fetches", calls.Load())
	}
}

func TestFlushDrainsResidueUnconditionally(t *testing.T) {
	var calls atomic.Int64
	c := New("test", 100, time.Hour, echoFetch(&calls))

	c.mu.Lock()
	c.pending = append(c.pending, "residual")
	ch := make(chan outcome, 1)
	c.waiters["residual"] = []chan outcome{ch}
	c.mu.Unlock()

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case o := <-ch:
		if o.value != "v:residual" {
			t.Fatalf("unexpected value: %+v", o)
		}
	default:
		t.Fatalf("expected residual key resolved by terminal flush")
	}
}
