package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultQueryLimit   = 100
	janitorInterval     = time.Minute
	maxMemoryQueryLimit = 1000
)

// MemoryStore is the in-memory backend used in development and tests.
// All operations are guarded by one mutex; TransactWrite validates every
// condition against the pre-state and then applies, so a batch is
// all-or-nothing. A janitor goroutine evicts expired idempotency rows;
// expired items are also invisible to reads.
type MemoryStore struct {
	mu    sync.RWMutex
	parts map[string]map[string]Item // pk -> sk -> item

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates an empty in-memory store and starts its janitor.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		parts: make(map[string]map[string]Item),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go m.janitor()
	return m
}

// SetClock replaces the store's clock. Tests use this to control TTL
// eviction deterministically.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Stop halts the janitor goroutine.
func (m *MemoryStore) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryStore) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowSec := m.now().Unix()
	for pk, part := range m.parts {
		for sk, item := range part {
			if exp := Int(item, AttrExpiresAt); exp > 0 && exp <= nowSec {
				delete(part, sk)
			}
		}
		if len(part) == 0 {
			delete(m.parts, pk)
		}
	}
}

func (m *MemoryStore) expired(item Item) bool {
	exp := Int(item, AttrExpiresAt)
	return exp > 0 && exp <= m.now().Unix()
}

// live returns the visible item at (pk, sk), or nil.
// Callers must hold at least a read lock.
func (m *MemoryStore) live(pk, sk string) Item {
	part, ok := m.parts[pk]
	if !ok {
		return nil
	}
	item, ok := part[sk]
	if !ok || m.expired(item) {
		return nil
	}
	return item
}

// Get returns the item at (pk, sk), or (nil, nil) when absent.
func (m *MemoryStore) Get(ctx context.Context, pk, sk string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindTransient, Op: "get", Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Clone(m.live(pk, sk)), nil
}

// Put writes item, optionally guarded by cond.
func (m *MemoryStore) Put(ctx context.Context, item Item, cond *Cond) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindTransient, Op: "put", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(item, cond)
}

func (m *MemoryStore) putLocked(item Item, cond *Cond) error {
	pk, sk := Str(item, AttrPk), Str(item, AttrSk)
	if pk == "" || sk == "" {
		return invalid("put", "item missing pk/sk")
	}
	if err := checkCond("put", m.live(pk, sk), cond); err != nil {
		return err
	}
	part, ok := m.parts[pk]
	if !ok {
		part = make(map[string]Item)
		m.parts[pk] = part
	}
	part[sk] = Clone(item)
	return nil
}

// Update mutates the item at (pk, sk) and returns the new image. A
// missing item fails as a condition failure.
func (m *MemoryStore) Update(ctx context.Context, pk, sk string, upd Update, cond *Cond) (Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindTransient, Op: "update", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(pk, sk, upd, cond)
}

func (m *MemoryStore) updateLocked(pk, sk string, upd Update, cond *Cond) (Item, error) {
	item := m.live(pk, sk)
	if item == nil {
		return nil, condFailed("update", fmt.Errorf("item %s/%s not found", pk, sk))
	}
	if err := checkCond("update", item, cond); err != nil {
		return nil, err
	}
	next := Clone(item)
	applyUpdate(next, upd)
	m.parts[pk][sk] = next
	return Clone(next), nil
}

// Delete removes the item at (pk, sk).
func (m *MemoryStore) Delete(ctx context.Context, pk, sk string, cond *Cond) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindTransient, Op: "delete", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(pk, sk, cond)
}

func (m *MemoryStore) deleteLocked(pk, sk string, cond *Cond) error {
	item := m.live(pk, sk)
	if cond != nil {
		if item == nil && !cond.NotExists {
			return condFailed("delete", fmt.Errorf("item %s/%s not found", pk, sk))
		}
		if err := checkCond("delete", item, cond); err != nil {
			return err
		}
	}
	if part, ok := m.parts[pk]; ok {
		delete(part, sk)
	}
	return nil
}

// Query reads a page of items from one partition, ordered by sort key.
func (m *MemoryStore) Query(ctx context.Context, q Query) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindTransient, Op: "query", Err: err}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Item
	for sk, item := range m.parts[q.Pk] {
		if m.expired(item) {
			continue
		}
		if q.SkPrefix != "" && !strings.HasPrefix(sk, q.SkPrefix) {
			continue
		}
		matched = append(matched, item)
	}
	return pageOf(matched, q, func(it Item) string { return Str(it, AttrSk) }), nil
}

// QueryIndex reads a page from a secondary index. The memory backend
// scans; correctness over speed.
func (m *MemoryStore) QueryIndex(ctx context.Context, index string, q Query) (*Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindTransient, Op: "query_index", Err: err}
	}
	pkAttr, skAttr, err := indexAttrs(index)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []Item
	for _, part := range m.parts {
		for _, item := range part {
			if m.expired(item) || Str(item, pkAttr) != q.Pk {
				continue
			}
			isk := Str(item, skAttr)
			if q.SkPrefix != "" && !strings.HasPrefix(isk, q.SkPrefix) {
				continue
			}
			matched = append(matched, item)
		}
	}
	return pageOf(matched, q, func(it Item) string { return Str(it, skAttr) }), nil
}

// TransactWrite applies up to MaxTransactOps operations atomically. Every
// condition is validated against the pre-state under the write lock; a
// single failure cancels the batch. At most one op may target an item.
func (m *MemoryStore) TransactWrite(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindTransient, Op: "transact_write", Err: err}
	}
	if len(ops) == 0 {
		return invalid("transact_write", "empty batch")
	}
	if len(ops) > MaxTransactOps {
		return invalid("transact_write", "batch of %d exceeds limit %d", len(ops), MaxTransactOps)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[Key]bool, len(ops))
	for i, op := range ops {
		pk, sk, cond, err := opTarget(op)
		if err != nil {
			return err
		}
		key := Key{Pk: pk, Sk: sk}
		if seen[key] {
			return invalid("transact_write", "op %d targets %s/%s twice", i, pk, sk)
		}
		seen[key] = true

		item := m.live(pk, sk)
		switch {
		case op.Put != nil:
			if err := checkCond("transact_write", item, cond); err != nil {
				return err
			}
		case op.Update != nil:
			if item == nil {
				return condFailed("transact_write", fmt.Errorf("op %d: item %s/%s not found", i, pk, sk))
			}
			if err := checkCond("transact_write", item, cond); err != nil {
				return err
			}
		case op.Delete != nil:
			if cond != nil {
				if item == nil && !cond.NotExists {
					return condFailed("transact_write", fmt.Errorf("op %d: item %s/%s not found", i, pk, sk))
				}
				if err := checkCond("transact_write", item, cond); err != nil {
					return err
				}
			}
		}
	}

	// All conditions hold; apply.
	for _, op := range ops {
		switch {
		case op.Put != nil:
			_ = m.putLocked(op.Put.Item, nil)
		case op.Update != nil:
			_, _ = m.updateLocked(op.Update.Pk, op.Update.Sk, op.Update.Update, nil)
		case op.Delete != nil:
			_ = m.deleteLocked(op.Delete.Pk, op.Delete.Sk, nil)
		}
	}
	return nil
}

// ProbeIndex always succeeds: the scan-based index is never absent.
func (m *MemoryStore) ProbeIndex(ctx context.Context, index string) error {
	_, _, err := indexAttrs(index)
	return err
}

// opTarget extracts the (pk, sk, cond) of a batch op.
func opTarget(op Op) (string, string, *Cond, error) {
	switch {
	case op.Put != nil:
		pk, sk := Str(op.Put.Item, AttrPk), Str(op.Put.Item, AttrSk)
		if pk == "" || sk == "" {
			return "", "", nil, invalid("transact_write", "put item missing pk/sk")
		}
		return pk, sk, op.Put.Cond, nil
	case op.Update != nil:
		return op.Update.Pk, op.Update.Sk, op.Update.Cond, nil
	case op.Delete != nil:
		return op.Delete.Pk, op.Delete.Sk, op.Delete.Cond, nil
	default:
		return "", "", nil, invalid("transact_write", "op has no Put/Update/Delete")
	}
}

func indexAttrs(index string) (pkAttr, skAttr string, err error) {
	switch index {
	case GSI1:
		return AttrGSI1Pk, AttrGSI1Sk, nil
	case GSI2:
		return AttrGSI2Pk, AttrGSI2Sk, nil
	default:
		return "", "", invalid("query_index", "unknown index %q", index)
	}
}

// pageOf sorts matched items by sortKey, applies cursor and limit, and
// builds the page. Items are cloned on the way out.
func pageOf(matched []Item, q Query, sortKey func(Item) string) *Page {
	sort.Slice(matched, func(i, j int) bool {
		a, b := sortKey(matched[i]), sortKey(matched[j])
		if a == b {
			return Str(matched[i], AttrSk) < Str(matched[j], AttrSk)
		}
		if q.Forward {
			return a < b
		}
		return a > b
	})

	if q.Cursor != nil {
		idx := 0
		for i, item := range matched {
			sk := sortKey(item)
			if (q.Forward && sk > q.Cursor.Sk) || (!q.Forward && sk < q.Cursor.Sk) {
				idx = i
				break
			}
			idx = i + 1
		}
		matched = matched[idx:]
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxMemoryQueryLimit {
		limit = maxMemoryQueryLimit
	}

	page := &Page{}
	if len(matched) > limit {
		matched = matched[:limit]
		last := matched[len(matched)-1]
		page.LastKey = &Key{Pk: Str(last, AttrPk), Sk: sortKey(last)}
	}
	for _, item := range matched {
		page.Items = append(page.Items, Clone(item))
	}
	return page
}
