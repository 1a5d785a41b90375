package ratelimit_test

import (
	"testing"
	"time"

	"github.com/artpar/utter/domain/ratelimit"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

func TestAdvance_OpensWindowOnFirstHit(t *testing.T) {
	state := ratelimit.Advance(ratelimit.WindowState{}, 5*time.Minute, baseTime)

	if state.Count != 1 {
		t.Errorf("count = %d, want 1", state.Count)
	}
	if !state.WindowEnd.Equal(baseTime.Add(5 * time.Minute)) {
		t.Errorf("windowEnd = %v, want %v", state.WindowEnd, baseTime.Add(5*time.Minute))
	}
}

func TestAdvance_KeepsWindowEnd(t *testing.T) {
	state := ratelimit.WindowState{Count: 3, WindowEnd: baseTime.Add(time.Minute)}

	next := ratelimit.Advance(state, 5*time.Minute, baseTime)

	if next.Count != 4 {
		t.Errorf("count = %d, want 4", next.Count)
	}
	if !next.WindowEnd.Equal(state.WindowEnd) {
		t.Errorf("windowEnd moved to %v", next.WindowEnd)
	}
}

func TestAdvance_ResetsAfterExpiry(t *testing.T) {
	state := ratelimit.WindowState{Count: 50, WindowEnd: baseTime}

	next := ratelimit.Advance(state, time.Minute, baseTime)

	if next.Count != 1 {
		t.Errorf("count = %d, want 1", next.Count)
	}
}

func TestDecide_Boundary(t *testing.T) {
	window := 300 * time.Second

	var state ratelimit.WindowState
	now := baseTime
	for i := 1; i <= 20; i++ {
		state = ratelimit.Advance(state, window, now)
		d := ratelimit.Decide(state.Count, 20, state.TTL(now), window)
		if !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
		now = now.Add(time.Second)
	}

	state = ratelimit.Advance(state, window, now)
	d := ratelimit.Decide(state.Count, 20, state.TTL(now), window)
	if d.Allowed {
		t.Fatal("21st request should be denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > window {
		t.Errorf("retryAfter = %v, want (0, %v]", d.RetryAfter, window)
	}
	if d.RetryAfterSeconds() != 280 {
		t.Errorf("RetryAfterSeconds = %d, want 280", d.RetryAfterSeconds())
	}
}

func TestDecide_MinimumRetryAfter(t *testing.T) {
	d := ratelimit.Decide(5, 4, 200*time.Millisecond, time.Minute)
	if d.RetryAfterSeconds() != 1 {
		t.Errorf("RetryAfterSeconds = %d, want 1", d.RetryAfterSeconds())
	}

	d = ratelimit.Decide(5, 4, 0, time.Minute)
	if d.RetryAfter != time.Minute {
		t.Errorf("missing ttl should fall back to window, got %v", d.RetryAfter)
	}
}

func BenchmarkAdvance(b *testing.B) {
	state := ratelimit.WindowState{Count: 5, WindowEnd: baseTime.Add(30 * time.Second)}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ratelimit.Advance(state, time.Minute, baseTime)
	}
}
