package merchants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kudupay/kudu/internal/categories"
	"github.com/kudupay/kudu/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	m := store.NewMemoryStore()
	t.Cleanup(m.Stop)
	return New(m), m
}

func TestSeedAndGet(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	seeded, err := s.Seed(ctx, Merchant{
		ID:       "m1",
		Name:     "Campus Cafe",
		Category: "food & groceries",
		Status:   StatusApproved,
		Active:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "Food & Groceries", seeded.Category, "category canonicalized")

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Campus Cafe", got.Name)
	assert.Equal(t, int64(0), got.WithdrawableBalanceCents)
}

func TestSeedRejectsUnknownCategory(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Seed(context.Background(), Merchant{ID: "m1", Category: "Snacks"})
	assert.ErrorIs(t, err, categories.ErrUnknownCategory)
}

func TestGetMissing(t *testing.T) {
	s, _ := newTestService(t)
	_, err := s.Get(context.Background(), "m_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyForSpendInvariants(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.VerifyForSpend(ctx, "m_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Seed(ctx, Merchant{ID: "m1", Category: "Transport", Status: "pending", Active: true})
	require.NoError(t, err)
	_, err = s.VerifyForSpend(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotApproved)

	_, err = s.Seed(ctx, Merchant{ID: "m1", Category: "Transport", Status: StatusApproved, Active: false})
	require.NoError(t, err)
	_, err = s.VerifyForSpend(ctx, "m1")
	assert.ErrorIs(t, err, ErrInactive)

	_, err = s.Seed(ctx, Merchant{ID: "m1", Category: "Transport", Status: StatusApproved, Active: true})
	require.NoError(t, err)
	m, err := s.VerifyForSpend(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "Transport", m.Category)
}

func TestConfirmOpGrowsAggregatesAndBoundsList(t *testing.T) {
	s, m := newTestService(t)
	ctx := context.Background()

	_, err := s.Seed(ctx, Merchant{ID: "m1", Category: "Transport", Status: StatusApproved, Active: true})
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		op := s.ConfirmOp("m1", "tx"+string(rune('a'+i)), "st1", "Transport", 1_000)
		require.NoError(t, m.TransactWrite(ctx, []store.Op{op}))
	}

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(7_000), got.WithdrawableBalanceCents)
	assert.Equal(t, int64(7_000), got.TotalReceivedCents)
	assert.Equal(t, int64(7), got.TotalTransactions)
	require.Len(t, got.LastTransactions, 5, "summary list stays bounded")

	// Newest first: the last confirm heads the list.
	head, ok := got.LastTransactions[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "txg", store.Str(head, "tx_id"))
}

func TestConfirmOpRequiresExistingMerchant(t *testing.T) {
	s, m := newTestService(t)
	op := s.ConfirmOp("m_missing", "tx1", "st1", "Transport", 1_000)
	err := m.TransactWrite(context.Background(), []store.Op{op})
	assert.True(t, store.IsConditionFailed(err), "expected condition failure, got %v", err)
}

func TestRefundAdjustGuardsAgainstOverdraw(t *testing.T) {
	s, m := newTestService(t)
	ctx := context.Background()

	_, err := s.Seed(ctx, Merchant{ID: "m1", Category: "Transport", Status: StatusApproved, Active: true})
	require.NoError(t, err)
	op := s.ConfirmOp("m1", "tx1", "st1", "Transport", 5_000)
	require.NoError(t, m.TransactWrite(ctx, []store.Op{op}))

	// Best-effort: overdraw is silently skipped, balance untouched.
	s.RefundAdjust(ctx, "m1", 9_000)
	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), got.WithdrawableBalanceCents)

	s.RefundAdjust(ctx, "m1", 5_000)
	got, err = s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.WithdrawableBalanceCents)
}

func TestSeedPreservesAggregates(t *testing.T) {
	s, m := newTestService(t)
	ctx := context.Background()

	_, err := s.Seed(ctx, Merchant{ID: "m1", Name: "Old Name", Category: "Transport", Status: StatusApproved, Active: true})
	require.NoError(t, err)
	op := s.ConfirmOp("m1", "tx1", "st1", "Transport", 5_000)
	require.NoError(t, m.TransactWrite(ctx, []store.Op{op}))

	// A metadata update must not zero the running totals.
	_, err = s.Seed(ctx, Merchant{ID: "m1", Name: "New Name", Category: "Transport", Status: StatusApproved, Active: true})
	require.NoError(t, err)

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "New Name", got.Name)
	assert.Equal(t, int64(5_000), got.WithdrawableBalanceCents)
	assert.Equal(t, int64(1), got.TotalTransactions)
	assert.Len(t, got.LastTransactions, 1)
}
