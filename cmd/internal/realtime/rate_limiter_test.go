package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, 10*time.Second)
	t0 := time.Date(2026, 2, 13, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(t0.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(t0.Add(5 * time.Second)) {
		t.Fatalf("fourth event inside the window should be denied")
	}
	// The first event leaves the window at t0+10s.
	if !rl.Allow(t0.Add(10 * time.Second)) {
		t.Fatalf("event after the oldest expired should be allowed")
	}
	if rl.Allow(t0.Add(10*time.Second + time.Millisecond)) {
		t.Fatalf("window is full again")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults not applied: limit=%d window=%v", len(rl.ring), rl.window)
	}
}
