// Package merchants is the read surface over merchant business info and
// the running aggregates the transaction engine maintains on it.
//
// Merchant onboarding lives in an external service; the core receives
// merchant metadata by id. An operator (admin) seeds or updates the
// BUSINESS_INFO row; prepare/confirm read it to resolve the merchant's
// canonical category and to enforce the approved+active invariant.
package merchants

import (
	"context"
	"errors"
	"time"

	"github.com/kudupay/kudu/internal/categories"
	"github.com/kudupay/kudu/internal/keys"
	"github.com/kudupay/kudu/internal/logging"
	"github.com/kudupay/kudu/internal/store"
)

var (
	ErrNotFound    = errors.New("merchant not found")
	ErrNotApproved = errors.New("merchant not approved")
	ErrInactive    = errors.New("merchant not active")
)

// StatusApproved is the only status that may receive payments.
const StatusApproved = "approved"

// lastTransactionsKept bounds the compact summary list on the business
// info row.
const lastTransactionsKept = 5

// Merchant is the business info snapshot.
type Merchant struct {
	ID                       string `json:"id"`
	Name                     string `json:"name"`
	Category                 string `json:"category"`
	Status                   string `json:"status"`
	Active                   bool   `json:"active"`
	WithdrawableBalanceCents int64  `json:"withdrawable_balance_cents"`
	TotalReceivedCents       int64  `json:"total_received_cents"`
	TotalTransactions        int64  `json:"total_transactions"`
	LastTransactions         []any  `json:"last_transactions,omitempty"`
}

// Service reads and seeds merchant rows.
type Service struct {
	store store.Store

	// Now is the service clock; tests replace it.
	Now func() time.Time
}

// New creates a merchant service over s.
func New(s store.Store) *Service {
	return &Service{store: s, Now: time.Now}
}

// Get returns the merchant, or ErrNotFound.
func (s *Service) Get(ctx context.Context, merchantID string) (Merchant, error) {
	item, err := s.store.Get(ctx, keys.Merchant(merchantID), keys.BusinessInfo)
	if err != nil {
		return Merchant{}, err
	}
	if item == nil {
		return Merchant{}, ErrNotFound
	}
	return fromItem(merchantID, item), nil
}

// VerifyForSpend loads the merchant and enforces the spend invariant:
// it must exist, be approved, and be active. Returns the merchant's
// canonical category. Prepare and confirm run the identical check so
// category drift between the phases is always caught.
func (s *Service) VerifyForSpend(ctx context.Context, merchantID string) (Merchant, error) {
	m, err := s.Get(ctx, merchantID)
	if err != nil {
		return Merchant{}, err
	}
	if m.Status != StatusApproved {
		return Merchant{}, ErrNotApproved
	}
	if !m.Active {
		return Merchant{}, ErrInactive
	}
	canonical, err := categories.Canonical(m.Category)
	if err != nil {
		return Merchant{}, err
	}
	m.Category = canonical
	return m, nil
}

// Seed writes or overwrites a merchant's business info, preserving any
// aggregates already accumulated. Category must be canonical.
func (s *Service) Seed(ctx context.Context, m Merchant) (Merchant, error) {
	canonical, err := categories.Canonical(m.Category)
	if err != nil {
		return Merchant{}, err
	}
	m.Category = canonical

	existing, err := s.store.Get(ctx, keys.Merchant(m.ID), keys.BusinessInfo)
	if err != nil {
		return Merchant{}, err
	}
	item := store.Item{
		store.AttrPk:                 keys.Merchant(m.ID),
		store.AttrSk:                 keys.BusinessInfo,
		"merchant_id":                m.ID,
		"name":                       m.Name,
		"category":                   m.Category,
		"status":                     m.Status,
		"active":                     m.Active,
		"withdrawable_balance_cents": int64(0),
		"total_received_cents":       int64(0),
		"total_transactions":         int64(0),
		"updated_at":                 keys.Timestamp(s.Now()),
	}
	if existing != nil {
		item["withdrawable_balance_cents"] = store.Int(existing, "withdrawable_balance_cents")
		item["total_received_cents"] = store.Int(existing, "total_received_cents")
		item["total_transactions"] = store.Int(existing, "total_transactions")
		if lt := store.List(existing, "last_transactions"); lt != nil {
			item["last_transactions"] = lt
		}
	}
	if err := s.store.Put(ctx, item, nil); err != nil {
		return Merchant{}, err
	}
	return fromItem(m.ID, item), nil
}

// ConfirmOp stages the business-info side of a confirmed payment for the
// confirm batch: aggregates grow and a compact summary lands at the head
// of the bounded last-transactions list.
func (s *Service) ConfirmOp(merchantID, txID, studentID, category string, amount int64) store.Op {
	return store.Op{Update: &store.UpdateOp{
		Pk: keys.Merchant(merchantID),
		Sk: keys.BusinessInfo,
		Update: store.Update{
			Add: map[string]int64{
				"withdrawable_balance_cents": amount,
				"total_received_cents":       amount,
				"total_transactions":         1,
			},
			Append: &store.BoundedAppend{
				Field: "last_transactions",
				Value: map[string]any{
					"tx_id":        txID,
					"student_id":   studentID,
					"category":     category,
					"amount_cents": amount,
					"at":           keys.Timestamp(s.Now()),
				},
				Max: lastTransactionsKept,
			},
		},
		Cond: &store.Cond{Exists: true},
	}}
}

// RefundAdjust walks back the merchant aggregates after a refund,
// best-effort: a failure logs a warning and never fails the refund.
func (s *Service) RefundAdjust(ctx context.Context, merchantID string, amount int64) {
	_, err := s.store.Update(ctx, keys.Merchant(merchantID), keys.BusinessInfo, store.Update{
		Add: map[string]int64{
			"withdrawable_balance_cents": -amount,
			"total_received_cents":       -amount,
		},
	}, &store.Cond{GTE: map[string]int64{"withdrawable_balance_cents": amount}})
	if err != nil {
		logging.L(ctx).Warn("merchant aggregate refund adjustment failed",
			"merchant_id", merchantID, "amount_cents", amount, "error", err)
	}
}

func fromItem(merchantID string, item store.Item) Merchant {
	id := store.Str(item, "merchant_id")
	if id == "" {
		id = merchantID
	}
	return Merchant{
		ID:                       id,
		Name:                     store.Str(item, "name"),
		Category:                 store.Str(item, "category"),
		Status:                   store.Str(item, "status"),
		Active:                   store.Bool(item, "active"),
		WithdrawableBalanceCents: store.Int(item, "withdrawable_balance_cents"),
		TotalReceivedCents:       store.Int(item, "total_received_cents"),
		TotalTransactions:        store.Int(item, "total_transactions"),
		LastTransactions:         store.List(item, "last_transactions"),
	}
}
