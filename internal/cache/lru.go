// Package cache implements the bounded LRU cache of spec.md §4.3 (C2):
// two logically independent namespaces — profiles keyed by actor
// identifier, records keyed by canonical-URI — each with its own
// capacity, recency tracking, and hit/miss counters.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

type entry struct {
	key   string
	value interface{}
}

// Namespace is a single bounded LRU cache with O(1) critical sections,
// guarded by a mutex as spec.md §5 requires (a sharded map may be
// substituted so long as LRU-observable semantics hold; a single
// mutex is sufficient here since sections are O(1)).
type Namespace struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewNamespace constructs a namespace with the given capacity. A
// non-positive capacity is treated as 1 to keep the invariant (I2)
// meaningful.
func NewNamespace(capacity int) *Namespace {
	if capacity <= 0 {
		capacity = 1
	}
	return &Namespace{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the value for key and updates recency on hit.
func (n *Namespace) Get(key string) (interface{}, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	el, ok := n.items[key]
	if !ok {
		n.misses.Add(1)
		return nil, false
	}
	n.ll.MoveToFront(el)
	n.hits.Add(1)
	return el.Value.(*entry).value, true
}

// Set inserts or updates key's value. If inserting would overflow
// capacity, the least-recently-used entry is evicted (I2).
func (n *Namespace) Set(key string, value interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if el, ok := n.items[key]; ok {
		el.Value.(*entry).value = value
		n.ll.MoveToFront(el)
		return
	}
	el := n.ll.PushFront(&entry{key: key, value: value})
	n.items[key] = el
	if n.ll.Len() > n.capacity {
		oldest := n.ll.Back()
		if oldest != nil {
			n.ll.Remove(oldest)
			delete(n.items, oldest.Value.(*entry).key)
			n.evictions.Add(1)
		}
	}
}

// ContainsMany returns a key->present bit-vector without disturbing
// recency, used by the enricher to partition cached vs. uncached keys
// in O(n) without polluting LRU order (spec.md §4.3).
func (n *Namespace) ContainsMany(keys []string) map[string]bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make(map[string]bool, len(keys))
	for _, k := range keys {
		_, ok := n.items[k]
		result[k] = ok
	}
	return result
}

// Len returns the current number of entries.
func (n *Namespace) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ll.Len()
}

// HitRate returns hits / (hits + misses), or zero if there has been no
// traffic yet.
func (n *Namespace) HitRate() float64 {
	hits := n.hits.Load()
	misses := n.misses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// Stats is a point-in-time snapshot of a namespace's counters.
type Stats struct {
	Size      int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// Snapshot returns the current counters for logging/observability.
func (n *Namespace) Snapshot() Stats {
	return Stats{
		Size:      n.Len(),
		Hits:      n.hits.Load(),
		Misses:    n.misses.Load(),
		Evictions: n.evictions.Load(),
		HitRate:   n.HitRate(),
	}
}

// Cache owns the two namespaces the enrichment pipeline consults:
// profiles (by actor identifier) and records (by canonical-URI).
type Cache struct {
	Profiles *Namespace
	Records  *Namespace
}

// New constructs a Cache with the given per-namespace capacities.
func New(profileCapacity, recordCapacity int) *Cache {
	return &Cache{
		Profiles: NewNamespace(profileCapacity),
		Records:  NewNamespace(recordCapacity),
	}
}
