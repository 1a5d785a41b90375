// Package ratelimit provides pure rate limiting rules.
// All functions are deterministic - same input always produces same output.
package ratelimit

import "time"

// WindowState is the counter of one actor in one tier (value type).
// The window opens on the first hit and closes Window later.
type WindowState struct {
	Count     int64
	WindowEnd time.Time
}

// Expired reports whether the window has closed at now.
func (s WindowState) Expired(now time.Time) bool {
	return s.WindowEnd.IsZero() || !now.Before(s.WindowEnd)
}

// TTL returns how long the window stays open after now.
func (s WindowState) TTL(now time.Time) time.Duration {
	if s.Expired(now) {
		return 0
	}
	return s.WindowEnd.Sub(now)
}

// Advance counts one hit.
// This is a PURE function - the caller persists the returned state.
func Advance(state WindowState, window time.Duration, now time.Time) WindowState {
	if state.Expired(now) {
		return WindowState{Count: 1, WindowEnd: now.Add(window)}
	}
	state.Count++
	return state
}

// Decision is the outcome of counting one request against a limit.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int64
	RetryAfter time.Duration
}

// RetryAfterSeconds is the Retry-After header value; never below one.
func (d Decision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Decide evaluates a post-increment count against limit.
// ttl is the remaining lifetime of the window; a missing ttl falls back to window.
// This is a PURE function.
func Decide(count, limit int64, ttl, window time.Duration) Decision {
	d := Decision{Count: count, Limit: limit, Allowed: count <= limit}
	if d.Allowed {
		return d
	}
	if ttl <= 0 {
		ttl = window
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	d.RetryAfter = ttl
	return d
}
