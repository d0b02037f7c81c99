package aggregator

import (
	"testing"
	"time"
)

func TestTickComputesDeltaAndEMA(t *testing.T) {
	a := New(0.3)
	a.UpdateCount(StreamA, 100)
	a.UpdateCount(StreamB, 60)

	// Force a known elapsed interval instead of racing the wall clock.
	a.lastTick = time.Now().Add(-time.Second)
	snap := a.tick()

	if snap.Delta != 40 {
		t.Fatalf("expected delta 40, got %d", snap.Delta)
	}
	if snap.RateA <= 0 {
		t.Fatalf("expected positive EMA rate for stream A, got %f", snap.RateA)
	}
	if snap.CountA != 100 || snap.CountB != 60 {
		t.Fatalf("unexpected counts in snapshot: %+v", snap)
	}
}

func TestTickNeverProducesNegativeInstantRate(t *testing.T) {
	a := New(0.3)
	a.UpdateCount(StreamA, 100)
	a.lastTick = time.Now().Add(-time.Second)
	a.tick() // establishes lastCount=100

	// Counter resets downward (e.g. upstream restart); instant rate
	// must clamp to zero rather than go negative.
	a.UpdateCount(StreamA, 10)
	a.lastTick = time.Now().Add(-time.Second)
	snap := a.tick()
	if snap.RateA < 0 {
		t.Fatalf("expected non-negative rate after counter reset, got %f", snap.RateA)
	}
}

func TestUptimeTrackerAccumulatesConnectedAndDisconnectedTime(t *testing.T) {
	var u uptimeTracker
	t0 := time.Now()
	u.onConnect(t0)

	t1 := t0.Add(9 * time.Second)
	u.onDisconnect(t1)

	t2 := t1.Add(1 * time.Second)
	bps := u.basisPoints(t2)
	if bps != 9000 {
		t.Fatalf("expected 9000 bps (9s connected of 10s total), got %d", bps)
	}
}

func TestSnapshotReturnsZeroValueBeforeFirstTick(t *testing.T) {
	a := New(0.3)
	snap := a.Snapshot()
	if snap.CountA != 0 || snap.CountB != 0 || !snap.GeneratedAt.IsZero() {
		t.Fatalf("expected zero-value snapshot before any tick, got %+v", snap)
	}
}

func TestSnapshotReflectsLastTickWithoutAdvancingEMA(t *testing.T) {
	a := New(0.3)
	a.UpdateCount(StreamA, 100)
	a.lastTick = time.Now().Add(-time.Second)
	ticked := a.tick()

	first := a.Snapshot()
	second := a.Snapshot()
	if first != ticked || second != ticked {
		t.Fatalf("expected Snapshot to return the last tick's result unchanged, got %+v / %+v / %+v", ticked, first, second)
	}
	if first.RateA != second.RateA {
		t.Fatalf("expected repeated Snapshot calls to leave EMA state untouched")
	}
}

func TestTotalConnectedSecondsSurvivesDisconnectUnlikeStreak(t *testing.T) {
	var u uptimeTracker
	t0 := time.Now()
	u.onConnect(t0)

	t1 := t0.Add(9 * time.Second)
	u.onDisconnect(t1)

	t2 := t1.Add(1 * time.Second)
	if s := u.streak(t2); s != 0 {
		t.Fatalf("expected zero streak after disconnect, got %v", s)
	}
	if got := u.totalConnectedSeconds(t2); got != 9 {
		t.Fatalf("expected 9s accumulated connected time to survive the disconnect, got %f", got)
	}
}

func TestStreakResetsOnDisconnectAndTracksSinceConnect(t *testing.T) {
	var u uptimeTracker
	t0 := time.Now()
	u.onConnect(t0)

	t1 := t0.Add(5 * time.Second)
	if s := u.streak(t1); s != 5*time.Second {
		t.Fatalf("expected 5s streak while connected, got %v", s)
	}

	u.onDisconnect(t1)
	if s := u.streak(t1); s != 0 {
		t.Fatalf("expected zero streak while disconnected, got %v", s)
	}
}
