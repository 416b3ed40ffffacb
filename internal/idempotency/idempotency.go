// Package idempotency makes mutating operations safe under client
// retries. A durable (scope, key) -> cached-response mapping is
// consulted at the start of every mutating operation and written on
// success; a replayed request returns the stored response byte-equal.
//
// The cache is not a lock. Two concurrent first-time calls with the same
// key may both proceed; the conditional writes on lots, aggregates, and
// EFT status decide the winner, and the loser surfaces a conflict.
package idempotency

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/kudupay/kudu/internal/keys"
	"github.com/kudupay/kudu/internal/logging"
	"github.com/kudupay/kudu/internal/metrics"
	"github.com/kudupay/kudu/internal/store"
)

// DefaultTTL is how long cached responses are replayable.
const DefaultTTL = 14 * 24 * time.Hour

// Cache stores and replays operation responses.
type Cache struct {
	store store.Store
	ttl   time.Duration

	// Now is the cache's clock; tests replace it.
	Now func() time.Time
}

// New creates a cache over s. A non-positive ttl falls back to
// DefaultTTL.
func New(s store.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: s, ttl: ttl, Now: time.Now}
}

// Lookup returns the cached response for (scope, key), if any. A missing
// or expired record is a miss. An empty key never hits.
func (c *Cache) Lookup(ctx context.Context, scope, key string) (json.RawMessage, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	item, err := c.store.Get(ctx, keys.Idempotency(scope), key)
	if err != nil {
		return nil, false, err
	}
	if item == nil {
		return nil, false, nil
	}
	if exp := store.Int(item, store.AttrExpiresAt); exp > 0 && exp <= c.Now().Unix() {
		return nil, false, nil
	}
	return json.RawMessage(store.Str(item, "response")), true, nil
}

// Store writes the response for (scope, key) best-effort: failures are
// logged and never fail the request that produced the response. Used by
// flows whose state change is already durable.
func (c *Cache) Store(ctx context.Context, scope, key string, response any) {
	if key == "" {
		return
	}
	item, err := c.record(scope, key, response)
	if err != nil {
		logging.L(ctx).Warn("idempotency record not encodable", "scope", scope, "error", err)
		return
	}
	if err := c.store.Put(ctx, item, nil); err != nil {
		logging.L(ctx).Warn("idempotency record write failed", "scope", scope, "error", err)
	}
}

// PutOp returns a conditional Put of the idempotency record for
// inclusion in a TransactWrite batch. The attribute_not_exists condition
// makes the batch the arbiter between concurrent first-time calls.
func (c *Cache) PutOp(scope, key string, response any) (store.Op, error) {
	item, err := c.record(scope, key, response)
	if err != nil {
		return store.Op{}, err
	}
	return store.Op{Put: &store.PutOp{
		Item: item,
		Cond: &store.Cond{NotExists: true},
	}}, nil
}

// Replay decodes the cached response for (scope, key) into T. Lookup
// and decode failures are treated as a miss; the operation then runs
// normally and the conditional writes arbitrate.
func Replay[T any](ctx context.Context, c *Cache, scope, key string) (T, bool) {
	var out T
	raw, ok, err := c.Lookup(ctx, scope, key)
	if err != nil {
		logging.L(ctx).Warn("idempotency lookup failed", "scope", scope, "error", err)
		return out, false
	}
	if !ok {
		return out, false
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		logging.L(ctx).Warn("idempotency record not decodable", "scope", scope, "error", err)
		return out, false
	}
	metrics.IdempotencyHitsTotal.WithLabelValues(scopeFamily(scope)).Inc()
	return out, true
}

// scopeFamily strips the per-entity suffix so the metric label stays
// low-cardinality.
func scopeFamily(scope string) string {
	if i := strings.IndexByte(scope, '#'); i >= 0 {
		return scope[:i]
	}
	return scope
}

func (c *Cache) record(scope, key string, response any) (store.Item, error) {
	raw, err := json.Marshal(response)
	if err != nil {
		return nil, err
	}
	return store.Item{
		store.AttrPk:        keys.Idempotency(scope),
		store.AttrSk:        key,
		"response":          string(raw),
		store.AttrExpiresAt: c.Now().Add(c.ttl).Unix(),
	}, nil
}
