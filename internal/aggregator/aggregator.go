// Package aggregator implements C9's dual-stream throughput tracker
// (spec.md §4.6-sibling): two upstream connections (A, B) each report
// periodic counts; every 100ms a derivation step computes an
// exponentially-smoothed rate per stream, the A-minus-B delta, and
// each stream's connection-uptime proportion, then fans the snapshot
// out over a broadcast.Hub for a web UI.
//
// Grounded on original_source monitor/src/stats/aggregator.rs (the
// 100ms derivation ticker and StreamStats shape) and
// monitor/src/stream/client.rs (ConnectionStatus, ported already as
// streamclient.ConnectionStatus) for the uptime tracker's
// connect/disconnect bookkeeping.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/brightloom/skywatch/internal/broadcast"
)

// StreamID identifies one of the two upstream connections compared.
type StreamID string

const (
	StreamA StreamID = "A"
	StreamB StreamID = "B"
)

const defaultAlpha = 0.3

// Snapshot is the periodic derivation published to the broadcast hub
// and, hourly, persisted via pulsestore.
type Snapshot struct {
	CountA            int64     `json:"countA"`
	CountB            int64     `json:"countB"`
	Delta             int64     `json:"delta"`
	RateA             float64   `json:"rateA"`
	RateB             float64   `json:"rateB"`
	UptimeBpsA        int       `json:"uptimeBpsA"`
	UptimeBpsB        int       `json:"uptimeBpsB"`
	StreakA           float64   `json:"streakSecondsA"`
	StreakB           float64   `json:"streakSecondsB"`
	ConnectedSecondsA float64   `json:"connectedSecondsA"`
	ConnectedSecondsB float64   `json:"connectedSecondsB"`
	GeneratedAt       time.Time `json:"generatedAt"`
}

type streamState struct {
	count     int64
	lastCount int64
	ema       float64
	uptime    uptimeTracker
}

// Aggregator owns per-stream counters, EMA rate state, and uptime
// trackers for both streams.
type Aggregator struct {
	mu       sync.Mutex
	alpha    float64
	streams  map[StreamID]*streamState
	lastTick time.Time
	latest   Snapshot
}

// New constructs an Aggregator with the given EMA smoothing factor (0
// selects the spec default of 0.3).
func New(alpha float64) *Aggregator {
	if alpha <= 0 {
		alpha = defaultAlpha
	}
	return &Aggregator{
		alpha: alpha,
		streams: map[StreamID]*streamState{
			StreamA: {},
			StreamB: {},
		},
		lastTick: time.Now(),
	}
}

// UpdateCount records the latest count message observed for a stream.
func (a *Aggregator) UpdateCount(id StreamID, count int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.streams[id]; ok {
		s.count = count
	}
}

// SetConnected records a connect/disconnect transition for a stream's
// uptime tracker (spec.md: "on connect, store connected_at ...; on
// disconnect, add (now - connected_at) to connected_seconds").
func (a *Aggregator) SetConnected(id StreamID, connected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.streams[id]
	if !ok {
		return
	}
	if connected {
		s.uptime.onConnect(time.Now())
	} else {
		s.uptime.onDisconnect(time.Now())
	}
}

// tick computes one derivation step (spec.md: instant_rate, EMA rate,
// delta) and returns the resulting snapshot.
func (a *Aggregator) tick() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(a.lastTick).Seconds()
	a.lastTick = now

	sa := a.streams[StreamA]
	sb := a.streams[StreamB]

	updateEMA(sa, elapsed, a.alpha)
	updateEMA(sb, elapsed, a.alpha)

	snap := Snapshot{
		CountA:            sa.count,
		CountB:            sb.count,
		Delta:             sa.count - sb.count,
		RateA:             sa.ema,
		RateB:             sb.ema,
		UptimeBpsA:        sa.uptime.basisPoints(now),
		UptimeBpsB:        sb.uptime.basisPoints(now),
		StreakA:           sa.uptime.streak(now).Seconds(),
		StreakB:           sb.uptime.streak(now).Seconds(),
		ConnectedSecondsA: sa.uptime.totalConnectedSeconds(now),
		ConnectedSecondsB: sb.uptime.totalConnectedSeconds(now),
		GeneratedAt:       now,
	}
	a.latest = snap
	return snap
}

// Snapshot returns the most recently computed derivation step without
// advancing the EMA state, for callers outside the 100ms Run loop
// (e.g. an hourly persistence task) that need the current readings.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}

func updateEMA(s *streamState, elapsed, alpha float64) {
	instant := 0.0
	if elapsed > 0 {
		delta := s.count - s.lastCount
		if delta < 0 {
			delta = 0
		}
		instant = float64(delta) / elapsed
	}
	s.ema = alpha*instant + (1-alpha)*s.ema
	s.lastCount = s.count
}

// Run drives the 100ms derivation loop until ctx is cancelled,
// publishing every snapshot to hub.
func (a *Aggregator) Run(ctx context.Context, hub *broadcast.Hub) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hub.Publish(a.tick())
		}
	}
}

// uptimeTracker implements spec.md §4.6-sibling's uptime model:
// connected_seconds / (connected_seconds + disconnected_seconds),
// expressed in basis points, plus the elapsed-since-latest-connect
// streak (zero while disconnected).
type uptimeTracker struct {
	connected           bool
	lastTransition      time.Time
	connectedSeconds    float64
	disconnectedSeconds float64
}

func (u *uptimeTracker) onConnect(now time.Time) {
	if u.connected {
		return
	}
	if !u.lastTransition.IsZero() {
		u.disconnectedSeconds += now.Sub(u.lastTransition).Seconds()
	}
	u.connected = true
	u.lastTransition = now
}

func (u *uptimeTracker) onDisconnect(now time.Time) {
	if !u.connected {
		return
	}
	u.connectedSeconds += now.Sub(u.lastTransition).Seconds()
	u.connected = false
	u.lastTransition = now
}

// basisPoints returns the current uptime proportion as an integer in
// [0, 10000], counting time since the last transition toward whichever
// bucket is currently active.
func (u *uptimeTracker) basisPoints(now time.Time) int {
	connected := u.connectedSeconds
	disconnected := u.disconnectedSeconds
	if !u.lastTransition.IsZero() {
		live := now.Sub(u.lastTransition).Seconds()
		if u.connected {
			connected += live
		} else {
			disconnected += live
		}
	}
	total := connected + disconnected
	if total <= 0 {
		return 0
	}
	return int((connected / total) * 10000)
}

// streak returns the elapsed time since the latest connect (zero if
// currently disconnected or never connected).
func (u *uptimeTracker) streak(now time.Time) time.Duration {
	if !u.connected || u.lastTransition.IsZero() {
		return 0
	}
	return now.Sub(u.lastTransition)
}

// totalConnectedSeconds returns the accumulated connected time,
// including any live partial interval since the last transition — the
// quantity spec.md persists hourly as uptime_seconds, distinct from
// streak (which resets to zero on disconnect).
func (u *uptimeTracker) totalConnectedSeconds(now time.Time) float64 {
	connected := u.connectedSeconds
	if u.connected && !u.lastTransition.IsZero() {
		connected += now.Sub(u.lastTransition).Seconds()
	}
	return connected
}
