package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/kudupay/kudu/internal/store"
)

type payload struct {
	TxID   string `json:"tx_id"`
	Amount int64  `json:"amount_cents"`
}

func newTestCache(t *testing.T) (*Cache, *store.MemoryStore) {
	t.Helper()
	m := store.NewMemoryStore()
	t.Cleanup(m.Stop)
	return New(m, 0), m
}

func TestReplayMissThenHit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	if _, ok := Replay[payload](ctx, c, "CONFIRM#tx1", "key1"); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	want := payload{TxID: "tx1", Amount: 30000}
	c.Store(ctx, "CONFIRM#tx1", "key1", want)

	got, ok := Replay[payload](ctx, c, "CONFIRM#tx1", "key1")
	if !ok {
		t.Fatal("expected hit after store")
	}
	if got != want {
		t.Fatalf("replayed %+v, want %+v", got, want)
	}
}

func TestScopesPartitionKeys(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Store(ctx, "ALLOCATE#sp1#st1", "key1", payload{TxID: "a"})

	if _, ok := Replay[payload](ctx, c, "ALLOCATE#sp2#st1", "key1"); ok {
		t.Fatal("same key in a different scope must miss")
	}
	if _, ok := Replay[payload](ctx, c, "ALLOCATE#sp1#st1", "key2"); ok {
		t.Fatal("different key in the same scope must miss")
	}
}

func TestEmptyKeyNeverCachesOrHits(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.Store(ctx, "SCOPE", "", payload{TxID: "a"})
	if _, ok := Replay[payload](ctx, c, "SCOPE", ""); ok {
		t.Fatal("empty key must never hit")
	}
}

func TestTTLExpiry(t *testing.T) {
	m := store.NewMemoryStore()
	t.Cleanup(m.Stop)
	c := New(m, time.Hour)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return base }
	m.SetClock(c.Now)

	ctx := context.Background()
	c.Store(ctx, "SCOPE", "key", payload{TxID: "a"})

	if _, ok := Replay[payload](ctx, c, "SCOPE", "key"); !ok {
		t.Fatal("expected hit before expiry")
	}

	c.Now = func() time.Time { return base.Add(2 * time.Hour) }
	m.SetClock(c.Now)
	if _, ok := Replay[payload](ctx, c, "SCOPE", "key"); ok {
		t.Fatal("expected miss after expiry")
	}
}

func TestPutOpArbitratesConcurrentFirstTimers(t *testing.T) {
	c, m := newTestCache(t)
	ctx := context.Background()

	op1, err := c.PutOp("CONFIRM#tx1", "key1", payload{TxID: "tx1", Amount: 100})
	if err != nil {
		t.Fatalf("put op: %v", err)
	}
	if err := m.TransactWrite(ctx, []store.Op{op1}); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	// A second batch carrying the same record must cancel.
	op2, err := c.PutOp("CONFIRM#tx1", "key1", payload{TxID: "tx1", Amount: 999})
	if err != nil {
		t.Fatalf("put op: %v", err)
	}
	err = m.TransactWrite(ctx, []store.Op{op2})
	if !store.IsConditionFailed(err) {
		t.Fatalf("expected condition failure, got %v", err)
	}

	// The loser replays the winner's response.
	got, ok := Replay[payload](ctx, c, "CONFIRM#tx1", "key1")
	if !ok || got.Amount != 100 {
		t.Fatalf("expected winner's record, got ok=%v %+v", ok, got)
	}
}

func TestScopeFamily(t *testing.T) {
	if scopeFamily("ALLOCATE#sp1#st1") != "ALLOCATE" {
		t.Fatal("scope family should strip entity suffix")
	}
	if scopeFamily("PLAIN") != "PLAIN" {
		t.Fatal("suffix-free scope should pass through")
	}
}
