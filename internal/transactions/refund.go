package transactions

import (
	"context"

	"github.com/kudupay/kudu/internal/idempotency"
	"github.com/kudupay/kudu/internal/keys"
	"github.com/kudupay/kudu/internal/ledger"
	"github.com/kudupay/kudu/internal/logging"
	"github.com/kudupay/kudu/internal/metrics"
	"github.com/kudupay/kudu/internal/store"
)

// refundSearchPages bounds the backwards walk over the merchant's
// transaction history when resolving a refund target.
const (
	refundSearchPages    = 10
	refundSearchPageSize = 100
)

// Refund walks back a confirmed payment on the merchant side. Budget
// usage and lots stay consumed unless the service was configured with
// REFUND_RESTORES_BUDGET.
func (s *Service) Refund(ctx context.Context, merchantID, txID string, amountCents int64, reason, idemKey string) (Transaction, error) {
	scope := "REFUND#" + merchantID + "#" + txID
	if cached, ok := idempotency.Replay[Transaction](ctx, s.idem, scope, idemKey); ok {
		return cached, nil
	}

	item, err := s.findMerchantTx(ctx, merchantID, txID)
	if err != nil {
		return Transaction{}, err
	}
	if item == nil {
		return Transaction{}, ErrTxNotFound
	}

	tx := spendToTransaction(item)
	if tx.Status == StatusRefunded {
		return Transaction{}, ErrAlreadyRefunded
	}
	remainder := tx.CoveredCents - tx.RefundedTotalCents
	if remainder <= 0 {
		return Transaction{}, ErrAlreadyRefunded
	}
	if amountCents == 0 {
		amountCents = remainder
	}
	if amountCents < 0 {
		return Transaction{}, ErrInvalidAmount
	}
	if amountCents > remainder {
		return Transaction{}, ErrRefundExceedsSpend
	}

	newStatus := StatusPartialRefunded
	kind := "partial"
	if amountCents == remainder {
		newStatus = StatusRefunded
		kind = "full"
	}

	// The status condition pins the row against a concurrent refund;
	// the loser re-reads through a retry.
	sk := store.Str(item, store.AttrSk)
	_, err = s.store.Update(ctx, keys.Merchant(merchantID), sk, store.Update{
		Set: map[string]any{"status": newStatus},
		Add: map[string]int64{"refunded_total_cents": amountCents},
	}, &store.Cond{Eq: map[string]any{"status": tx.Status}})
	if err != nil {
		if store.IsConditionFailed(err) {
			return Transaction{}, ErrConflict
		}
		return Transaction{}, err
	}

	now := keys.Timestamp(s.Now())
	if err := s.store.Put(ctx, store.Item{
		store.AttrPk:   keys.Merchant(merchantID),
		store.AttrSk:   keys.MerchantRefund(now, txID),
		"tx_id":        txID,
		"merchant_id":  merchantID,
		"student_id":   tx.StudentID,
		"amount_cents": amountCents,
		"reason":       reason,
		"created_at":   now,
	}, nil); err != nil {
		logging.L(ctx).Warn("refund record write failed", "tx_id", txID, "error", err)
	}

	s.ledger.AppendBestEffort(ctx, keys.Merchant(merchantID), ledger.Entry{
		Type:        ledger.TypeMerchantRefund,
		AmountCents: amountCents,
		TxID:        txID,
		StudentID:   tx.StudentID,
	})
	s.ledger.AppendBestEffort(ctx, keys.Student(tx.StudentID), ledger.Entry{
		Type:        ledger.TypeStudentSpendReversal,
		AmountCents: amountCents,
		Category:    tx.Category,
		TxID:        txID,
	})
	s.mirrorSpendStatus(ctx, tx, newStatus, amountCents)
	s.merchants.RefundAdjust(ctx, merchantID, amountCents)
	if s.refundRestoresBudget {
		s.restoreBudgetUsage(ctx, tx, amountCents)
	}

	final := tx
	final.Status = newStatus
	final.RefundedTotalCents += amountCents
	metrics.RefundsTotal.WithLabelValues(kind).Inc()
	s.idem.Store(ctx, scope, idemKey, final)
	s.emitter.EmitTxRefunded(merchantID, txID, newStatus, amountCents)
	return final, nil
}

// findMerchantTx pages backwards through the merchant's transaction
// band looking for txID. The walk is bounded; very old transactions are
// not refundable through this path.
func (s *Service) findMerchantTx(ctx context.Context, merchantID, txID string) (store.Item, error) {
	var cursor *store.Key
	for page := 0; page < refundSearchPages; page++ {
		res, err := s.store.Query(ctx, store.Query{
			Pk:       keys.Merchant(merchantID),
			SkPrefix: keys.MerchantTxPrefix,
			Forward:  false,
			Limit:    refundSearchPageSize,
			Cursor:   cursor,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range res.Items {
			if store.Str(item, "tx_id") == txID {
				return item, nil
			}
		}
		if res.LastKey == nil {
			return nil, nil
		}
		cursor = res.LastKey
	}
	return nil, nil
}

// mirrorSpendStatus reflects the refund on the student's spend row,
// best-effort.
func (s *Service) mirrorSpendStatus(ctx context.Context, tx Transaction, status string, amountCents int64) {
	_, err := s.store.Update(ctx, keys.Student(tx.StudentID), keys.Spend(tx.ConfirmedAt, tx.TxID), store.Update{
		Set: map[string]any{"status": status},
		Add: map[string]int64{"refunded_total_cents": amountCents},
	}, &store.Cond{Exists: true})
	if err != nil {
		logging.L(ctx).Warn("spend row refund mirror failed",
			"tx_id", tx.TxID, "student_id", tx.StudentID, "error", err)
	}
}

// restoreBudgetUsage walks the spend's per-sponsor breakdown in FIFO
// order and gives usage back until the refund amount is consumed. Each
// restoration is guarded so usage never goes negative; failures skip
// the row.
func (s *Service) restoreBudgetUsage(ctx context.Context, tx Transaction, amountCents int64) {
	residual := amountCents
	for _, st := range tx.Sponsors {
		if residual <= 0 {
			return
		}
		give := min(st.Cents, residual)
		if err := s.budgets.AddUsed(ctx, tx.StudentID, st.SponsorID, tx.Category, -give); err != nil {
			logging.L(ctx).Warn("budget usage restoration failed",
				"tx_id", tx.TxID, "sponsor_id", st.SponsorID, "error", err)
			continue
		}
		s.ledger.AppendBestEffort(ctx, keys.Student(tx.StudentID), ledger.Entry{
			Type:        ledger.TypeRefund,
			AmountCents: give,
			Category:    tx.Category,
			SponsorID:   st.SponsorID,
			TxID:        tx.TxID,
		})
		residual -= give
	}
}
