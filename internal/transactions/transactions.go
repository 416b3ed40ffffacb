// Package transactions implements the prepare/confirm spend engine and
// merchant refunds.
//
// Prepare quotes how much of a requested amount the student's budgets
// can cover and parks a pending row; confirm re-verifies everything and
// commits one all-or-nothing batch: FIFO lot decrements, budget usage,
// the spend record, merchant aggregates, deletion of the pending row,
// and (when a key was supplied) the idempotency record. Any interleaved
// spend that moved the quoted amounts turns confirm into a 409
// reconfirm round-trip instead of silently charging a different amount.
package transactions

import (
	"context"
	"errors"
	"time"

	"github.com/kudupay/kudu/internal/budget"
	"github.com/kudupay/kudu/internal/categories"
	"github.com/kudupay/kudu/internal/events"
	"github.com/kudupay/kudu/internal/idempotency"
	"github.com/kudupay/kudu/internal/idgen"
	"github.com/kudupay/kudu/internal/keys"
	"github.com/kudupay/kudu/internal/ledger"
	"github.com/kudupay/kudu/internal/lots"
	"github.com/kudupay/kudu/internal/merchants"
	"github.com/kudupay/kudu/internal/metrics"
	"github.com/kudupay/kudu/internal/store"
)

var (
	ErrTxNotFound         = errors.New("transaction not found")
	ErrInvalidAmount      = errors.New("amount_cents must be positive")
	ErrCategoryRequired   = errors.New("category or merchant_id required")
	ErrCategoryMismatch   = errors.New("merchant category changed since prepare")
	ErrReconfirmRequired  = errors.New("coverage changed, reconfirm required")
	ErrConflict           = errors.New("transaction state changed, retry confirm")
	ErrAlreadyRefunded    = errors.New("transaction already fully refunded")
	ErrRefundExceedsSpend = errors.New("refund exceeds refundable amount")
)

// Transaction statuses.
const (
	StatusPending         = "PENDING"
	StatusApproved        = "APPROVED"
	StatusPartialApproved = "PARTIAL_APPROVED"
	StatusRefunded        = "REFUNDED"
	StatusPartialRefunded = "PARTIAL_REFUNDED"
)

// Transaction is a spend at any point in its lifecycle.
type Transaction struct {
	TxID               string        `json:"tx_id"`
	StudentID          string        `json:"student_id"`
	MerchantID         string        `json:"merchant_id,omitempty"`
	Category           string        `json:"category"`
	Status             string        `json:"status"`
	RequestedCents     int64         `json:"amount_requested_cents"`
	CoveredCents       int64         `json:"amount_covered_cents"`
	ShortfallCents     int64         `json:"shortfall_cents"`
	AvailableCents     int64         `json:"available_cents,omitempty"`
	RefundedTotalCents int64         `json:"refunded_total_cents,omitempty"`
	Sponsors           []SponsorTake `json:"sponsors,omitempty"`
	CreatedAt          string        `json:"created_at"`
	ConfirmedAt        string        `json:"confirmed_at,omitempty"`
}

// SponsorTake records how much of a confirmed spend one sponsor's lots
// covered. Kept on the spend rows so refunds can restore usage.
type SponsorTake struct {
	SponsorID string `json:"sponsor_id"`
	Cents     int64  `json:"cents"`
}

// Service runs the spend engine.
type Service struct {
	store     store.Store
	budgets   *budget.Service
	lots      *lots.Service
	ledger    *ledger.Ledger
	idem      *idempotency.Cache
	merchants *merchants.Service
	emitter   *events.Emitter

	// refundRestoresBudget switches refunds from merchant-side-only to
	// also restoring budget usage.
	refundRestoresBudget bool

	// Now is the service clock; tests replace it.
	Now func() time.Time
}

// New creates a transaction service.
func New(s store.Store, b *budget.Service, lo *lots.Service, l *ledger.Ledger, idem *idempotency.Cache, m *merchants.Service, em *events.Emitter, refundRestoresBudget bool) *Service {
	return &Service{
		store:                s,
		budgets:              b,
		lots:                 lo,
		ledger:               l,
		idem:                 idem,
		merchants:            m,
		emitter:              em,
		refundRestoresBudget: refundRestoresBudget,
		Now:                  time.Now,
	}
}

// resolveCategory applies the strict category rule: a merchant pins the
// category to its business info; otherwise the caller must name a
// canonical category.
func (s *Service) resolveCategory(ctx context.Context, merchantID, category string) (string, error) {
	if merchantID != "" {
		m, err := s.merchants.VerifyForSpend(ctx, merchantID)
		if err != nil {
			return "", err
		}
		return m.Category, nil
	}
	if category == "" {
		return "", ErrCategoryRequired
	}
	return categories.Canonical(category)
}

// Prepare quotes coverage for a spend and parks a pending transaction.
// Nothing is consumed yet.
func (s *Service) Prepare(ctx context.Context, studentID, merchantID, category string, amountCents int64, idemKey string) (Transaction, error) {
	if amountCents <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	scope := "PREPARE#" + studentID
	if cached, ok := idempotency.Replay[Transaction](ctx, s.idem, scope, idemKey); ok {
		return cached, nil
	}

	resolved, err := s.resolveCategory(ctx, merchantID, category)
	if err != nil {
		return Transaction{}, err
	}
	available, err := s.budgets.Availability(ctx, studentID, resolved)
	if err != nil {
		return Transaction{}, err
	}

	now := s.Now()
	covered := min(amountCents, available)
	tx := Transaction{
		TxID:           idgen.WithPrefix("tx_"),
		StudentID:      studentID,
		MerchantID:     merchantID,
		Category:       resolved,
		Status:         StatusPending,
		RequestedCents: amountCents,
		CoveredCents:   covered,
		ShortfallCents: amountCents - covered,
		AvailableCents: available,
		CreatedAt:      keys.Timestamp(now),
	}

	err = s.store.Put(ctx, store.Item{
		store.AttrPk:      keys.Student(studentID),
		store.AttrSk:      keys.PendingTx(now, tx.TxID),
		"tx_id":           tx.TxID,
		"student_id":      studentID,
		"merchant_id":     merchantID,
		"category":        resolved,
		"status":          StatusPending,
		"requested_cents": amountCents,
		"covered_cents":   covered,
		"shortfall_cents": tx.ShortfallCents,
		"created_at":      tx.CreatedAt,
	}, &store.Cond{NotExists: true})
	if err != nil {
		return Transaction{}, err
	}

	metrics.TransactionsTotal.WithLabelValues("prepared").Inc()
	s.idem.Store(ctx, scope, idemKey, tx)
	s.emitter.EmitTxPrepared(studentID, tx.TxID, resolved, amountCents, covered)
	return tx, nil
}

// Confirm commits a prepared transaction. When coverage drifted since
// prepare, the pending row is rewritten and ErrReconfirmRequired is
// returned alongside the updated snapshot.
func (s *Service) Confirm(ctx context.Context, studentID, txID, idemKey string) (Transaction, error) {
	scope := "CONFIRM#" + txID
	if cached, ok := idempotency.Replay[Transaction](ctx, s.idem, scope, idemKey); ok {
		return cached, nil
	}

	pending, pendingSk, err := s.findPending(ctx, studentID, txID)
	if err != nil {
		return Transaction{}, err
	}
	if pending == nil {
		// Gone: either never existed or a previous confirm committed.
		if spend, ok, err := s.findSpend(ctx, studentID, txID); err != nil {
			return Transaction{}, err
		} else if ok {
			return spend, nil
		}
		return Transaction{}, ErrTxNotFound
	}

	tx := pendingToTransaction(pending)

	// Same verification as prepare; a merchant whose category moved in
	// between invalidates the quote entirely.
	resolved, err := s.resolveCategory(ctx, tx.MerchantID, tx.Category)
	if err != nil {
		return Transaction{}, err
	}
	if resolved != tx.Category {
		return Transaction{}, ErrCategoryMismatch
	}

	available, err := s.budgets.Availability(ctx, studentID, tx.Category)
	if err != nil {
		return Transaction{}, err
	}
	covered := min(tx.RequestedCents, available)

	// FIFO plan against live lots. The plan can come up short of the
	// budget-row availability when lots were contended away; that is
	// coverage drift too.
	all, err := s.lots.List(ctx, studentID, tx.Category, true)
	if err != nil {
		return Transaction{}, err
	}
	takes := lots.PlanConsumption(all, covered)
	var planned int64
	for _, t := range takes {
		planned += t.Cents
	}
	if planned < covered {
		covered = planned
	}

	if covered != tx.CoveredCents {
		return s.requireReconfirm(ctx, tx, pendingSk, covered, available)
	}

	now := keys.Timestamp(s.Now())
	final := tx
	final.Status = StatusApproved
	if covered < final.RequestedCents {
		final.Status = StatusPartialApproved
	}
	final.CoveredCents = covered
	final.ShortfallCents = final.RequestedCents - covered
	final.AvailableCents = 0
	final.ConfirmedAt = now
	final.Sponsors = groupBySponsor(takes)

	ops := make([]store.Op, 0, len(takes)+len(final.Sponsors)+5)
	for _, t := range takes {
		ops = append(ops, s.lots.DecrementOp(t))
	}
	for _, st := range final.Sponsors {
		ops = append(ops, s.budgets.UsedAddOp(studentID, st.SponsorID, tx.Category, st.Cents))
	}
	ops = append(ops, store.Op{Put: &store.PutOp{
		Item: s.spendItem(final),
		Cond: &store.Cond{NotExists: true},
	}})
	if final.MerchantID != "" {
		ops = append(ops,
			store.Op{Put: &store.PutOp{
				Item: s.merchantTxItem(final),
				Cond: &store.Cond{NotExists: true},
			}},
			s.merchants.ConfirmOp(final.MerchantID, final.TxID, studentID, tx.Category, covered),
		)
	}
	ops = append(ops, store.Op{Delete: &store.DeleteOp{
		Pk:   keys.Student(studentID),
		Sk:   pendingSk,
		Cond: &store.Cond{Exists: true},
	}})
	if idemKey != "" {
		idemOp, err := s.idem.PutOp(scope, idemKey, final)
		if err != nil {
			return Transaction{}, err
		}
		ops = append(ops, idemOp)
	}

	if err := s.store.TransactWrite(ctx, ops); err != nil {
		if store.IsConditionFailed(err) {
			return Transaction{}, ErrConflict
		}
		return Transaction{}, err
	}

	metrics.TransactionsTotal.WithLabelValues(final.Status).Inc()
	s.ledger.AppendBestEffort(ctx, keys.Student(studentID), ledger.Entry{
		Type:        ledger.TypeSpend,
		AmountCents: covered,
		Category:    tx.Category,
		StudentID:   studentID,
		TxID:        final.TxID,
	})
	s.emitter.EmitTxConfirmed(studentID, final.TxID, final.MerchantID, final.Status, covered)
	return final, nil
}

// requireReconfirm rewrites the quote on the pending row and surfaces
// the reconfirm round-trip.
func (s *Service) requireReconfirm(ctx context.Context, tx Transaction, pendingSk string, covered, available int64) (Transaction, error) {
	tx.CoveredCents = covered
	tx.ShortfallCents = tx.RequestedCents - covered
	tx.AvailableCents = available
	_, err := s.store.Update(ctx, keys.Student(tx.StudentID), pendingSk, store.Update{
		Set: map[string]any{
			"covered_cents":   covered,
			"shortfall_cents": tx.ShortfallCents,
		},
	}, nil)
	if err != nil {
		return Transaction{}, err
	}
	metrics.ReconfirmsTotal.Inc()
	return tx, ErrReconfirmRequired
}

// findPending scans the student's pending partition band for txID.
func (s *Service) findPending(ctx context.Context, studentID, txID string) (store.Item, string, error) {
	var cursor *store.Key
	for {
		page, err := s.store.Query(ctx, store.Query{
			Pk:       keys.Student(studentID),
			SkPrefix: keys.PendingTxPrefix,
			Forward:  true,
			Limit:    200,
			Cursor:   cursor,
		})
		if err != nil {
			return nil, "", err
		}
		for _, item := range page.Items {
			if store.Str(item, "tx_id") == txID {
				return item, store.Str(item, store.AttrSk), nil
			}
		}
		if page.LastKey == nil {
			return nil, "", nil
		}
		cursor = page.LastKey
	}
}

// findSpend scans the student's spend history for txID.
func (s *Service) findSpend(ctx context.Context, studentID, txID string) (Transaction, bool, error) {
	var cursor *store.Key
	for {
		page, err := s.store.Query(ctx, store.Query{
			Pk:       keys.Student(studentID),
			SkPrefix: keys.SpendPrefix,
			Forward:  false,
			Limit:    200,
			Cursor:   cursor,
		})
		if err != nil {
			return Transaction{}, false, err
		}
		for _, item := range page.Items {
			if store.Str(item, "tx_id") == txID {
				return spendToTransaction(item), true, nil
			}
		}
		if page.LastKey == nil {
			return Transaction{}, false, nil
		}
		cursor = page.LastKey
	}
}

func (s *Service) spendItem(tx Transaction) store.Item {
	item := store.Item{
		store.AttrPk:           keys.Student(tx.StudentID),
		store.AttrSk:           keys.Spend(tx.ConfirmedAt, tx.TxID),
		"tx_id":                tx.TxID,
		"student_id":           tx.StudentID,
		"category":             tx.Category,
		"status":               tx.Status,
		"requested_cents":      tx.RequestedCents,
		"amount_cents":         tx.CoveredCents,
		"shortfall_cents":      tx.ShortfallCents,
		"refunded_total_cents": int64(0),
		"sponsors":             sponsorList(tx.Sponsors),
		"created_at":           tx.ConfirmedAt,
	}
	if tx.MerchantID != "" {
		item["merchant_id"] = tx.MerchantID
	}
	return item
}

func (s *Service) merchantTxItem(tx Transaction) store.Item {
	return store.Item{
		store.AttrPk:           keys.Merchant(tx.MerchantID),
		store.AttrSk:           keys.MerchantTx(tx.ConfirmedAt, tx.TxID),
		"tx_id":                tx.TxID,
		"student_id":           tx.StudentID,
		"merchant_id":          tx.MerchantID,
		"category":             tx.Category,
		"status":               tx.Status,
		"amount_cents":         tx.CoveredCents,
		"refunded_total_cents": int64(0),
		"sponsors":             sponsorList(tx.Sponsors),
		"created_at":           tx.ConfirmedAt,
	}
}

// groupBySponsor folds lot takes into per-sponsor totals, preserving
// FIFO encounter order.
func groupBySponsor(takes []lots.Take) []SponsorTake {
	idx := make(map[string]int)
	var out []SponsorTake
	for _, t := range takes {
		if i, ok := idx[t.Lot.SponsorID]; ok {
			out[i].Cents += t.Cents
		} else {
			idx[t.Lot.SponsorID] = len(out)
			out = append(out, SponsorTake{SponsorID: t.Lot.SponsorID, Cents: t.Cents})
		}
	}
	return out
}

func sponsorList(sts []SponsorTake) []any {
	out := make([]any, 0, len(sts))
	for _, st := range sts {
		out = append(out, map[string]any{"sponsor_id": st.SponsorID, "cents": st.Cents})
	}
	return out
}

func sponsorsFromItem(item store.Item) []SponsorTake {
	raw := store.List(item, "sponsors")
	out := make([]SponsorTake, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, SponsorTake{
			SponsorID: store.Str(m, "sponsor_id"),
			Cents:     store.Int(m, "cents"),
		})
	}
	return out
}

func pendingToTransaction(item store.Item) Transaction {
	return Transaction{
		TxID:           store.Str(item, "tx_id"),
		StudentID:      store.Str(item, "student_id"),
		MerchantID:     store.Str(item, "merchant_id"),
		Category:       store.Str(item, "category"),
		Status:         store.Str(item, "status"),
		RequestedCents: store.Int(item, "requested_cents"),
		CoveredCents:   store.Int(item, "covered_cents"),
		ShortfallCents: store.Int(item, "shortfall_cents"),
		CreatedAt:      store.Str(item, "created_at"),
	}
}

func spendToTransaction(item store.Item) Transaction {
	covered := store.Int(item, "amount_cents")
	requested := store.Int(item, "requested_cents")
	return Transaction{
		TxID:               store.Str(item, "tx_id"),
		StudentID:          store.Str(item, "student_id"),
		MerchantID:         store.Str(item, "merchant_id"),
		Category:           store.Str(item, "category"),
		Status:             store.Str(item, "status"),
		RequestedCents:     requested,
		CoveredCents:       covered,
		ShortfallCents:     requested - covered,
		RefundedTotalCents: store.Int(item, "refunded_total_cents"),
		Sponsors:           sponsorsFromItem(item),
		CreatedAt:          store.Str(item, "created_at"),
		ConfirmedAt:        store.Str(item, "created_at"),
	}
}
