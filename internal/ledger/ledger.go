// Package ledger is the append-only record of every money movement.
//
// Entries live under the actor partition most useful for reconstruction:
// deposits and allocations under the sponsor, spends under the student,
// refunds under the merchant (with a student-side reversal entry). Sort
// keys embed a zero-padded epoch-millisecond prefix so entries within a
// partition are lexicographically time-ordered; a random uid suffix
// keeps same-millisecond entries from colliding.
//
// Most writes are best-effort observability. DEPOSIT_APPROVED is the
// exception: it is the authoritative input to the fallback balance
// derivation used when a sponsor aggregate row is missing, so its write
// failure fails the approve operation.
package ledger

import (
	"context"
	"time"

	"github.com/kudupay/kudu/internal/idgen"
	"github.com/kudupay/kudu/internal/keys"
	"github.com/kudupay/kudu/internal/logging"
	"github.com/kudupay/kudu/internal/pagination"
	"github.com/kudupay/kudu/internal/store"
)

// Entry types.
const (
	TypeDepositApproved      = "DEPOSIT_APPROVED"
	TypeDepositRejected      = "DEPOSIT_REJECTED"
	TypeAllocation           = "ALLOCATION"
	TypeSpend                = "SPEND"
	TypeReversal             = "REVERSAL"
	TypeRefund               = "REFUND"
	TypeMerchantRefund       = "MERCHANT_REFUND"
	TypeStudentSpendReversal = "STUDENT_SPEND_REVERSAL"
)

// Entry is one ledger record. Amounts are unsigned; the type carries the
// sign (REVERSAL reduces allocated, REFUND reduces used).
type Entry struct {
	Type        string `json:"type"`
	AmountCents int64  `json:"amount_cents"`
	Category    string `json:"category,omitempty"`
	SponsorID   string `json:"sponsor_id,omitempty"`
	StudentID   string `json:"student_id,omitempty"`
	TxID        string `json:"tx_id,omitempty"`
	EFTID       string `json:"eft_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// Totals is a ledger replay, signed by type. It reproduces the aggregate
// rows exactly when they are coherent.
type Totals struct {
	ApprovedCents  int64 `json:"approved_cents"`
	AllocatedCents int64 `json:"allocated_cents"`
	UsedCents      int64 `json:"used_cents"`
}

// Ledger appends and reads entries.
type Ledger struct {
	store store.Store

	// Now is the ledger's clock; tests replace it.
	Now func() time.Time
}

// New creates a ledger over s.
func New(s store.Store) *Ledger {
	return &Ledger{store: s, Now: time.Now}
}

// Append writes one entry under partition. The caller decides whether a
// failure matters; use AppendBestEffort when it does not.
func (l *Ledger) Append(ctx context.Context, partition string, e Entry) error {
	now := l.Now()
	if e.CreatedAt == "" {
		e.CreatedAt = keys.Timestamp(now)
	}
	item := store.Item{
		store.AttrPk:   partition,
		store.AttrSk:   keys.Ledger(now, idgen.Hex(8)),
		"type":         e.Type,
		"amount_cents": e.AmountCents,
		"created_at":   e.CreatedAt,
	}
	setIfPresent(item, "category", e.Category)
	setIfPresent(item, "sponsor_id", e.SponsorID)
	setIfPresent(item, "student_id", e.StudentID)
	setIfPresent(item, "tx_id", e.TxID)
	setIfPresent(item, "eft_id", e.EFTID)
	return l.store.Put(ctx, item, nil)
}

// AppendBestEffort writes one entry, logging a warning instead of
// failing when the store rejects it.
func (l *Ledger) AppendBestEffort(ctx context.Context, partition string, e Entry) {
	if err := l.Append(ctx, partition, e); err != nil {
		logging.L(ctx).Warn("ledger append failed",
			"partition", partition, "type", e.Type, "error", err)
	}
}

// List returns entries for a partition, newest first.
func (l *Ledger) List(ctx context.Context, partition string, limit int, cursor *store.Key) ([]Entry, *store.Key, error) {
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	page, err := l.store.Query(ctx, store.Query{
		Pk:       partition,
		SkPrefix: keys.LedgerPrefix,
		Forward:  false,
		Limit:    limit,
		Cursor:   cursor,
	})
	if err != nil {
		return nil, nil, err
	}
	entries := make([]Entry, 0, len(page.Items))
	for _, item := range page.Items {
		entries = append(entries, fromItem(item))
	}
	return entries, page.LastKey, nil
}

// SumDepositApproved pages through a sponsor's ledger and sums approved
// deposits. This is the fallback balance derivation for sponsors whose
// aggregate row is missing or zero.
func (l *Ledger) SumDepositApproved(ctx context.Context, sponsorID string) (int64, error) {
	var total int64
	err := l.walk(ctx, keys.Sponsor(sponsorID), func(e Entry) {
		if e.Type == TypeDepositApproved {
			total += e.AmountCents
		}
	})
	return total, err
}

// ReplayPartition replays every entry in a partition into signed totals.
func (l *Ledger) ReplayPartition(ctx context.Context, partition string) (Totals, error) {
	var entries []Entry
	err := l.walk(ctx, partition, func(e Entry) { entries = append(entries, e) })
	if err != nil {
		return Totals{}, err
	}
	return Replay(entries), nil
}

func (l *Ledger) walk(ctx context.Context, partition string, fn func(Entry)) error {
	var cursor *store.Key
	for {
		page, err := l.store.Query(ctx, store.Query{
			Pk:       partition,
			SkPrefix: keys.LedgerPrefix,
			Forward:  true,
			Limit:    pagination.MaxLimit,
			Cursor:   cursor,
		})
		if err != nil {
			return err
		}
		for _, item := range page.Items {
			fn(fromItem(item))
		}
		if page.LastKey == nil {
			return nil
		}
		cursor = page.LastKey
	}
}

// Replay sums entries by type. Approved accrues from DEPOSIT_APPROVED;
// allocated from ALLOCATION minus REVERSAL; used from SPEND minus
// REFUND. MERCHANT_REFUND and STUDENT_SPEND_REVERSAL are audit records:
// a refund only reduces usage when the flagged restoration path wrote a
// REFUND entry for it.
func Replay(entries []Entry) Totals {
	var t Totals
	for _, e := range entries {
		switch e.Type {
		case TypeDepositApproved:
			t.ApprovedCents += e.AmountCents
		case TypeAllocation:
			t.AllocatedCents += e.AmountCents
		case TypeReversal:
			t.AllocatedCents -= e.AmountCents
		case TypeSpend:
			t.UsedCents += e.AmountCents
		case TypeRefund:
			t.UsedCents -= e.AmountCents
		}
	}
	return t
}

func fromItem(item store.Item) Entry {
	return Entry{
		Type:        store.Str(item, "type"),
		AmountCents: store.Int(item, "amount_cents"),
		Category:    store.Str(item, "category"),
		SponsorID:   store.Str(item, "sponsor_id"),
		StudentID:   store.Str(item, "student_id"),
		TxID:        store.Str(item, "tx_id"),
		EFTID:       store.Str(item, "eft_id"),
		CreatedAt:   store.Str(item, "created_at"),
	}
}

func setIfPresent(item store.Item, field, value string) {
	if value != "" {
		item[field] = value
	}
}
