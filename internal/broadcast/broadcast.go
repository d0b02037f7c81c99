// Package broadcast implements the bounded fan-out primitive shared by
// the orchestrator (C8, publishing successful EnrichedRecords) and the
// secondary aggregator (C9, publishing throughput snapshots): spec.md
// §4.8/§5, "Broadcast channel: bounded capacity (default 1000); lagged
// subscribers receive a 'lagged' signal and skip missed records."
package broadcast

import "sync"

// Message wraps a published payload; Lagged is set on the first
// message delivered to a subscriber after one or more prior messages
// were dropped because its channel was full (ordering guarantee O3:
// "lagging subscribers observe a gap signal and resume from the
// newest record").
type Message struct {
	Payload interface{}
	Lagged  bool
}

// Hub is a bounded multi-subscriber fan-out. Each subscriber owns an
// independent buffered channel of the configured capacity; a slow
// subscriber never blocks publication to the others.
type Hub struct {
	mu       sync.Mutex
	capacity int
	nextID   int
	subs     map[int]chan Message
	lagged   map[int]bool
}

// NewHub constructs a Hub with the given per-subscriber channel
// capacity (spec.md default 1000).
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Hub{
		capacity: capacity,
		subs:     make(map[int]chan Message),
		lagged:   make(map[int]bool),
	}
}

// Subscribe registers a new subscriber and returns its id (for
// Unsubscribe) and receive channel.
func (h *Hub) Subscribe() (int, <-chan Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Message, h.capacity)
	h.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
		delete(h.lagged, id)
	}
}

// Publish fans payload out to every current subscriber. A subscriber
// whose channel is full is marked lagged and the message is dropped
// for it; the next message that fits carries Lagged=true so the
// subscriber knows it missed records.
func (h *Hub) Publish(payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		msg := Message{Payload: payload, Lagged: h.lagged[id]}
		select {
		case ch <- msg:
			h.lagged[id] = false
		default:
			h.lagged[id] = true
		}
	}
}

// SubscriberCount returns the current number of subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
