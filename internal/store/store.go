// Package store abstracts the document store the financial core runs on:
// a single logical table with a composite (Pk, Sk) key, conditional
// single-item writes, range queries over the sort key, two secondary
// indexes, and bounded all-or-nothing multi-item writes.
//
// Two backends implement the contract: MemoryStore for development and
// tests, PostgresStore (one JSONB table) for production.
package store

import (
	"context"
	"errors"
	"fmt"
)

// MaxTransactOps is the hard cap on operations in one TransactWrite batch.
const MaxTransactOps = 25

// Index names.
const (
	GSI1 = "gsi1" // (gsi1pk, gsi1sk) — sponsor EFTs by status
	GSI2 = "gsi2" // (gsi2pk, gsi2sk) — sponsorships funding a student
)

// Reserved item attributes. Pk and Sk identify the item; the gsi pairs
// project it into a secondary index; ExpiresAt (epoch seconds) marks it
// for TTL eviction.
const (
	AttrPk        = "pk"
	AttrSk        = "sk"
	AttrGSI1Pk    = "gsi1pk"
	AttrGSI1Sk    = "gsi1sk"
	AttrGSI2Pk    = "gsi2pk"
	AttrGSI2Sk    = "gsi2sk"
	AttrExpiresAt = "expires_at"
)

// Item is a JSON-shaped document: strings, bools, int64 numbers, small
// []any lists, nested maps. Every item carries its own pk and sk.
type Item map[string]any

// Kind classifies store failures.
type Kind int

const (
	// KindConditionFailed marks a conditional write whose condition did
	// not hold, including a TransactWrite cancelled by any op's condition.
	KindConditionFailed Kind = iota
	// KindTransient marks transport-level failures that may succeed on
	// retry. The adapter retries these internally before surfacing them.
	KindTransient
	// KindInvalid marks caller mistakes: malformed conditions, oversized
	// batches, unknown index names.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindConditionFailed:
		return "condition_failed"
	case KindTransient:
		return "transient"
	default:
		return "invalid"
	}
}

// Error is the adapter's failure type.
type Error struct {
	Kind Kind
	Op   string // "put", "update", "query", "transact_write", ...
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("store %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConditionFailed reports whether err is a store condition failure.
func IsConditionFailed(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindConditionFailed
}

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindTransient
}

// ErrIndexMissing is returned by ProbeIndex when the named index does not
// exist on the backend. The server treats GSI2 absence as fatal and GSI1
// absence as a degradation.
var ErrIndexMissing = errors.New("index missing")

// Cond is a conjunction of condition clauses on the target item. The zero
// value means unconditional. NotExists and Exists refer to the item as a
// whole; Eq/GTE/GT compare individual attributes.
type Cond struct {
	NotExists bool
	Exists    bool
	Eq        map[string]any
	GTE       map[string]int64
	GT        map[string]int64
}

// Update describes a server-side mutation of an existing item. Set
// overwrites attributes; Add performs conditional arithmetic, seeding a
// missing attribute from zero; Append prepends to a list attribute and
// trims it to Append.Max entries.
type Update struct {
	Set    map[string]any
	Add    map[string]int64
	Append *BoundedAppend
}

// BoundedAppend prepends Value to the list attribute Field, keeping at
// most Max entries (newest first). Used by merchant business info to keep
// a "last five transactions" list.
type BoundedAppend struct {
	Field string
	Value any
	Max   int
}

// Key is a primary-key pair, also used as the opaque pagination cursor.
type Key struct {
	Pk string `json:"pk"`
	Sk string `json:"sk"`
}

// Query describes a sort-key range read within one partition.
type Query struct {
	Pk       string
	SkPrefix string // begins_with filter; empty matches the whole partition
	Forward  bool   // true = ascending sort-key order
	Limit    int    // 0 means backend default (100)
	Cursor   *Key   // resume after this key (exclusive)
}

// Page is one page of query results. LastKey is set when more items may
// follow; feed it back as Query.Cursor to continue.
type Page struct {
	Items   []Item
	LastKey *Key
}

// Op is one operation inside a TransactWrite batch. Exactly one of Put,
// Update, Delete must be set.
type Op struct {
	Put    *PutOp
	Update *UpdateOp
	Delete *DeleteOp
}

// PutOp writes an item, optionally guarded by a condition.
type PutOp struct {
	Item Item
	Cond *Cond
}

// UpdateOp mutates an existing item, optionally guarded by a condition.
// A missing item fails the condition.
type UpdateOp struct {
	Pk     string
	Sk     string
	Update Update
	Cond   *Cond
}

// DeleteOp removes an item, optionally guarded by a condition.
type DeleteOp struct {
	Pk   string
	Sk   string
	Cond *Cond
}

// Store is the document-store contract the core is written against.
//
// Get returns (nil, nil) when the item is absent. Update on a missing
// item fails as KindConditionFailed. TransactWrite applies every op or
// none; a single failed condition cancels the whole batch with
// KindConditionFailed.
type Store interface {
	Get(ctx context.Context, pk, sk string) (Item, error)
	Put(ctx context.Context, item Item, cond *Cond) error
	Update(ctx context.Context, pk, sk string, upd Update, cond *Cond) (Item, error)
	Delete(ctx context.Context, pk, sk string, cond *Cond) error
	Query(ctx context.Context, q Query) (*Page, error)
	QueryIndex(ctx context.Context, index string, q Query) (*Page, error)
	TransactWrite(ctx context.Context, ops []Op) error
	ProbeIndex(ctx context.Context, index string) error
}

// condFailed builds a condition-failure error for op.
func condFailed(op string, err error) *Error {
	return &Error{Kind: KindConditionFailed, Op: op, Err: err}
}

// invalid builds an invalid-usage error for op.
func invalid(op string, format string, args ...any) *Error {
	return &Error{Kind: KindInvalid, Op: op, Err: fmt.Errorf(format, args...)}
}
