package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	m := NewMemoryStore()
	t.Cleanup(m.Stop)
	return m
}

func item(pk, sk string, extra Item) Item {
	it := Item{AttrPk: pk, AttrSk: sk}
	for k, v := range extra {
		it[k] = v
	}
	return it
}

func TestGetMissingReturnsNilNil(t *testing.T) {
	m := newTestStore(t)
	got, err := m.Get(context.Background(), "P", "S")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil item, got %v", got)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	if err := m.Put(ctx, item("P", "S", Item{"amount_cents": int64(42)}), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := m.Get(ctx, "P", "S")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if Int(got, "amount_cents") != 42 {
		t.Fatalf("expected 42, got %d", Int(got, "amount_cents"))
	}

	// Mutating the returned clone must not affect the stored item.
	got["amount_cents"] = int64(999)
	again, _ := m.Get(ctx, "P", "S")
	if Int(again, "amount_cents") != 42 {
		t.Fatal("store item mutated through a returned clone")
	}
}

func TestConditionalPut(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	cond := &Cond{NotExists: true}
	if err := m.Put(ctx, item("P", "S", nil), cond); err != nil {
		t.Fatalf("first conditional put: %v", err)
	}
	err := m.Put(ctx, item("P", "S", nil), cond)
	if !IsConditionFailed(err) {
		t.Fatalf("expected condition failure, got %v", err)
	}
}

func TestUpdateMissingItemIsConditionFailure(t *testing.T) {
	m := newTestStore(t)
	_, err := m.Update(context.Background(), "P", "S", Update{Add: map[string]int64{"n": 1}}, nil)
	if !IsConditionFailed(err) {
		t.Fatalf("expected condition failure, got %v", err)
	}
}

func TestUpdateArithmeticAndConditions(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	if err := m.Put(ctx, item("P", "S", Item{"remaining_cents": int64(100), "status": "new"}), nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Guarded decrement succeeds while the balance covers it.
	got, err := m.Update(ctx, "P", "S",
		Update{Add: map[string]int64{"remaining_cents": -60}},
		&Cond{GTE: map[string]int64{"remaining_cents": 60}})
	if err != nil {
		t.Fatalf("guarded decrement: %v", err)
	}
	if Int(got, "remaining_cents") != 40 {
		t.Fatalf("expected 40 remaining, got %d", Int(got, "remaining_cents"))
	}

	// Second decrement of 60 must fail the GTE guard.
	_, err = m.Update(ctx, "P", "S",
		Update{Add: map[string]int64{"remaining_cents": -60}},
		&Cond{GTE: map[string]int64{"remaining_cents": 60}})
	if !IsConditionFailed(err) {
		t.Fatalf("expected condition failure, got %v", err)
	}

	// Eq condition on a string attribute.
	_, err = m.Update(ctx, "P", "S",
		Update{Set: map[string]any{"status": "allocated"}},
		&Cond{Eq: map[string]any{"status": "new"}})
	if err != nil {
		t.Fatalf("eq condition update: %v", err)
	}
	_, err = m.Update(ctx, "P", "S",
		Update{Set: map[string]any{"status": "rejected"}},
		&Cond{Eq: map[string]any{"status": "new"}})
	if !IsConditionFailed(err) {
		t.Fatalf("expected eq condition failure, got %v", err)
	}
}

func TestUpdateSeedsMissingCounterFromZero(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	if err := m.Put(ctx, item("P", "S", nil), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := m.Update(ctx, "P", "S", Update{Add: map[string]int64{"n": 7}}, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if Int(got, "n") != 7 {
		t.Fatalf("expected 7, got %d", Int(got, "n"))
	}
}

func TestBoundedAppendKeepsNewestFirst(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	if err := m.Put(ctx, item("M", "BUSINESS_INFO", nil), nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	for i := 1; i <= 7; i++ {
		_, err := m.Update(ctx, "M", "BUSINESS_INFO", Update{
			Append: &BoundedAppend{Field: "last_transactions", Value: fmt.Sprintf("tx%d", i), Max: 5},
		}, nil)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, _ := m.Get(ctx, "M", "BUSINESS_INFO")
	list := List(got, "last_transactions")
	if len(list) != 5 {
		t.Fatalf("expected 5 kept, got %d", len(list))
	}
	if list[0] != "tx7" || list[4] != "tx3" {
		t.Fatalf("expected newest-first tx7..tx3, got %v", list)
	}
}

func TestQueryPrefixOrderAndPagination(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sk := fmt.Sprintf("ALLOT#Transport#%013d#lot%d", 1000+i, i)
		if err := m.Put(ctx, item("STUDENT#s1", sk, Item{"n": int64(i)}), nil); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	// Items under a different prefix must not leak in.
	if err := m.Put(ctx, item("STUDENT#s1", "BUDGET#SPONSOR#x#CATEGORY#Transport", nil), nil); err != nil {
		t.Fatalf("put budget: %v", err)
	}

	page, err := m.Query(ctx, Query{Pk: "STUDENT#s1", SkPrefix: "ALLOT#Transport#", Forward: true, Limit: 3})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(page.Items))
	}
	if page.LastKey == nil {
		t.Fatal("expected a continuation key")
	}
	if Int(page.Items[0], "n") != 0 || Int(page.Items[2], "n") != 2 {
		t.Fatal("forward query not in ascending sort-key order")
	}

	rest, err := m.Query(ctx, Query{Pk: "STUDENT#s1", SkPrefix: "ALLOT#Transport#", Forward: true, Limit: 3, Cursor: page.LastKey})
	if err != nil {
		t.Fatalf("query page 2: %v", err)
	}
	if len(rest.Items) != 2 || rest.LastKey != nil {
		t.Fatalf("expected final page of 2, got %d items lastKey=%v", len(rest.Items), rest.LastKey)
	}
	if Int(rest.Items[0], "n") != 3 {
		t.Fatal("cursor did not resume after the last returned key")
	}

	desc, err := m.Query(ctx, Query{Pk: "STUDENT#s1", SkPrefix: "ALLOT#Transport#", Forward: false, Limit: 10})
	if err != nil {
		t.Fatalf("descending query: %v", err)
	}
	if len(desc.Items) != 5 || Int(desc.Items[0], "n") != 4 {
		t.Fatal("descending query not newest first")
	}
}

func TestQueryIndex(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		it := item("SPONSOR#sp"+fmt.Sprint(i), "STUDENT_LINK#s1", Item{
			AttrGSI2Pk:   "STUDENT#s1",
			AttrGSI2Sk:   fmt.Sprintf("SPON#2026-01-0%dT00:00:00.000Z#sp%d", i+1, i),
			"sponsor_id": fmt.Sprintf("sp%d", i),
		})
		if err := m.Put(ctx, it, nil); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	page, err := m.QueryIndex(ctx, GSI2, Query{Pk: "STUDENT#s1", SkPrefix: "SPON#", Forward: true, Limit: 10})
	if err != nil {
		t.Fatalf("query index: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("expected 3 index rows, got %d", len(page.Items))
	}
	if Str(page.Items[0], "sponsor_id") != "sp0" {
		t.Fatal("index rows not sorted by index sort key")
	}

	if _, err := m.QueryIndex(ctx, "nope", Query{Pk: "x"}); err == nil {
		t.Fatal("expected error for unknown index")
	}
}

func TestTransactWriteAllOrNothing(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	if err := m.Put(ctx, item("P", "lot", Item{"remaining_cents": int64(50)}), nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	// One op's failed condition cancels the whole batch.
	err := m.TransactWrite(ctx, []Op{
		{Put: &PutOp{Item: item("P", "spend", nil)}},
		{Update: &UpdateOp{
			Pk: "P", Sk: "lot",
			Update: Update{Add: map[string]int64{"remaining_cents": -80}},
			Cond:   &Cond{GTE: map[string]int64{"remaining_cents": 80}},
		}},
	})
	if !IsConditionFailed(err) {
		t.Fatalf("expected batch condition failure, got %v", err)
	}
	if got, _ := m.Get(ctx, "P", "spend"); got != nil {
		t.Fatal("cancelled batch left a partial write behind")
	}

	// The same batch with a satisfiable take applies fully.
	err = m.TransactWrite(ctx, []Op{
		{Put: &PutOp{Item: item("P", "spend", nil)}},
		{Update: &UpdateOp{
			Pk: "P", Sk: "lot",
			Update: Update{Add: map[string]int64{"remaining_cents": -30}},
			Cond:   &Cond{GTE: map[string]int64{"remaining_cents": 30}},
		}},
		{Delete: &DeleteOp{Pk: "P", Sk: "lot-gone", Cond: nil}},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	lot, _ := m.Get(ctx, "P", "lot")
	if Int(lot, "remaining_cents") != 20 {
		t.Fatalf("expected 20 remaining, got %d", Int(lot, "remaining_cents"))
	}
	if got, _ := m.Get(ctx, "P", "spend"); got == nil {
		t.Fatal("committed batch missing its put")
	}
}

func TestTransactWriteLimits(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	if err := m.TransactWrite(ctx, nil); err == nil {
		t.Fatal("expected error for empty batch")
	}

	ops := make([]Op, MaxTransactOps+1)
	for i := range ops {
		ops[i] = Op{Put: &PutOp{Item: item("P", fmt.Sprintf("S%02d", i), nil)}}
	}
	if err := m.TransactWrite(ctx, ops); err == nil {
		t.Fatal("expected error for oversized batch")
	}

	// Two ops may not target the same item.
	err := m.TransactWrite(ctx, []Op{
		{Put: &PutOp{Item: item("P", "S", nil)}},
		{Delete: &DeleteOp{Pk: "P", Sk: "S"}},
	})
	if err == nil {
		t.Fatal("expected error for duplicate target")
	}
}

func TestTTLExpiryHidesItems(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return base })

	if err := m.Put(ctx, item("IDEMPOTENCY#X", "k1", Item{AttrExpiresAt: base.Add(time.Hour).Unix()}), nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	if got, _ := m.Get(ctx, "IDEMPOTENCY#X", "k1"); got == nil {
		t.Fatal("unexpired item invisible")
	}

	m.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	if got, _ := m.Get(ctx, "IDEMPOTENCY#X", "k1"); got != nil {
		t.Fatal("expired item still visible")
	}

	// Expired rows do not satisfy Exists conditions either.
	err := m.Put(ctx, item("IDEMPOTENCY#X", "k1", nil), &Cond{NotExists: true})
	if err != nil {
		t.Fatalf("expected put over expired item to succeed, got %v", err)
	}
}

func TestConcurrentGuardedDecrementsNeverOverConsume(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	const start = 1000
	if err := m.Put(ctx, item("P", "lot", Item{"remaining_cents": int64(start)}), nil); err != nil {
		t.Fatalf("put: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var applied int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Update(ctx, "P", "lot",
				Update{Add: map[string]int64{"remaining_cents": -30}},
				&Cond{GTE: map[string]int64{"remaining_cents": 30}})
			if err == nil {
				mu.Lock()
				applied += 30
				mu.Unlock()
			} else if !IsConditionFailed(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := m.Get(ctx, "P", "lot")
	remaining := Int(got, "remaining_cents")
	if applied+remaining != start {
		t.Fatalf("value not conserved: applied=%d remaining=%d", applied, remaining)
	}
	if remaining < 0 {
		t.Fatalf("lot over-consumed: remaining=%d", remaining)
	}
}

func TestProbeIndex(t *testing.T) {
	m := newTestStore(t)
	if err := m.ProbeIndex(context.Background(), GSI1); err != nil {
		t.Fatalf("gsi1 probe: %v", err)
	}
	if err := m.ProbeIndex(context.Background(), GSI2); err != nil {
		t.Fatalf("gsi2 probe: %v", err)
	}
	if err := m.ProbeIndex(context.Background(), "bogus"); err == nil {
		t.Fatal("expected error for unknown index")
	}
}

func TestCancelledContextSurfacesTransient(t *testing.T) {
	m := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.Put(ctx, item("P", "S", nil), nil); !IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}
