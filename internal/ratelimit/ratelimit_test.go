package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(requests int, window time.Duration) (*Limiter, *time.Time) {
	l := New(Config{Requests: requests, Window: window, CleanupInterval: time.Hour})
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowUpToCapacity(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("1.2.3.4"); !ok {
			t.Fatalf("request %d rejected inside capacity", i)
		}
	}
	ok, retryAfter := l.Allow("1.2.3.4")
	if ok {
		t.Fatal("request over capacity allowed")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("retry after out of range: %v", retryAfter)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	defer l.Stop()

	if ok, _ := l.Allow("a"); !ok {
		t.Fatal("first request for a rejected")
	}
	if ok, _ := l.Allow("b"); !ok {
		t.Fatal("b must have its own window")
	}
	if ok, _ := l.Allow("a"); ok {
		t.Fatal("a is over capacity")
	}
}

func TestWindowSlides(t *testing.T) {
	l, now := newTestLimiter(2, time.Minute)
	defer l.Stop()

	l.Allow("ip")
	*now = now.Add(30 * time.Second)
	l.Allow("ip")

	if ok, retryAfter := l.Allow("ip"); ok {
		t.Fatal("window full, request allowed")
	} else if retryAfter != 30*time.Second {
		t.Fatalf("retry after = %v, want 30s", retryAfter)
	}

	// 61s after the first event it has left the window; one slot frees.
	*now = now.Add(31 * time.Second)
	if ok, _ := l.Allow("ip"); !ok {
		t.Fatal("slot should have freed")
	}
	if ok, _ := l.Allow("ip"); ok {
		t.Fatal("only one slot freed")
	}
}

func TestRejectionsDoNotConsumeSlots(t *testing.T) {
	l, now := newTestLimiter(1, time.Minute)
	defer l.Stop()

	l.Allow("ip")
	for i := 0; i < 10; i++ {
		if ok, _ := l.Allow("ip"); ok {
			t.Fatal("over-capacity request allowed")
		}
	}

	// The burst of rejections must not push the free slot further out.
	*now = now.Add(time.Minute + time.Second)
	if ok, _ := l.Allow("ip"); !ok {
		t.Fatal("window expired, request should pass")
	}
}

func TestZeroConfigFallsBackToDefaults(t *testing.T) {
	l := New(Config{})
	defer l.Stop()
	if l.cfg.Requests != 60 || l.cfg.Window != time.Minute {
		t.Fatalf("defaults not applied: %+v", l.cfg)
	}
}
