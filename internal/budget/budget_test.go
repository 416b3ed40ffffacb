package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kudupay/kudu/internal/keys"
	"github.com/kudupay/kudu/internal/ledger"
	"github.com/kudupay/kudu/internal/store"
)

func newTestService(t *testing.T) (*Service, *ledger.Ledger, *store.MemoryStore) {
	t.Helper()
	m := store.NewMemoryStore()
	t.Cleanup(m.Stop)
	l := ledger.New(m)
	return New(m, l), l, m
}

func TestCreditSeedsAndAccumulates(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	sum, err := s.Credit(ctx, "sp1", 200_000)
	require.NoError(t, err)
	assert.Equal(t, int64(200_000), sum.ApprovedTotalCents)
	assert.Equal(t, int64(200_000), sum.BalanceCents)
	assert.Equal(t, int64(0), sum.AllocatedTotalCents)

	sum, err = s.Credit(ctx, "sp1", 50_000)
	require.NoError(t, err)
	assert.Equal(t, int64(250_000), sum.ApprovedTotalCents)
	assert.Equal(t, int64(250_000), sum.BalanceCents)
}

func TestReserveAndReleaseKeepConservation(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Credit(ctx, "sp1", 200_000)
	require.NoError(t, err)

	require.NoError(t, s.ReserveAllocation(ctx, "sp1", 170_000))
	sum, err := s.Summary(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, int64(200_000), sum.ApprovedTotalCents)
	assert.Equal(t, int64(170_000), sum.AllocatedTotalCents)
	assert.Equal(t, int64(30_000), sum.BalanceCents)
	assert.Equal(t, sum.ApprovedTotalCents-sum.AllocatedTotalCents, sum.BalanceCents)

	require.NoError(t, s.ReleaseAllocation(ctx, "sp1", 20_000))
	sum, err = s.Summary(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, int64(150_000), sum.AllocatedTotalCents)
	assert.Equal(t, int64(50_000), sum.BalanceCents)
}

func TestSummaryFallsBackToLedgerWhenAggregateMissing(t *testing.T) {
	s, l, _ := newTestService(t)
	ctx := context.Background()

	// Two approved deposits reached the ledger but no aggregate row exists.
	require.NoError(t, l.Append(ctx, keys.Sponsor("sp1"), ledger.Entry{
		Type: ledger.TypeDepositApproved, AmountCents: 120_000,
	}))
	require.NoError(t, l.Append(ctx, keys.Sponsor("sp1"), ledger.Entry{
		Type: ledger.TypeDepositApproved, AmountCents: 80_000,
	}))

	sum, err := s.Summary(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, int64(200_000), sum.ApprovedTotalCents)
	assert.Equal(t, int64(200_000), sum.BalanceCents)
}

func TestSummaryFallsBackWhenAggregateZeroed(t *testing.T) {
	s, l, _ := newTestService(t)
	ctx := context.Background()

	// Aggregate row exists but records nothing; the ledger knows better.
	require.NoError(t, s.ReserveAllocation(ctx, "sp1", 0))
	require.NoError(t, l.Append(ctx, keys.Sponsor("sp1"), ledger.Entry{
		Type: ledger.TypeDepositApproved, AmountCents: 75_000,
	}))

	sum, err := s.Summary(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, int64(75_000), sum.ApprovedTotalCents)
	assert.Equal(t, int64(75_000), sum.BalanceCents)
}

func TestBudgetRowLifecycle(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	row, err := s.AddAllocated(ctx, "st1", "sp1", "Transport", 50_000)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), row.AllocatedCents)
	assert.Equal(t, int64(0), row.UsedCents)
	assert.Equal(t, int64(50_000), row.AvailableCents())

	// Second allocation into the same row accumulates.
	row, err = s.AddAllocated(ctx, "st1", "sp1", "Transport", 10_000)
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), row.AllocatedCents)

	require.NoError(t, s.AddUsed(ctx, "st1", "sp1", "Transport", 25_000))
	row, ok, err := s.Get(ctx, "st1", "sp1", "Transport")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(25_000), row.UsedCents)
	assert.Equal(t, int64(35_000), row.AvailableCents())
}

func TestAddUsedNegativeGuard(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.AddAllocated(ctx, "st1", "sp1", "Transport", 10_000)
	require.NoError(t, err)
	require.NoError(t, s.AddUsed(ctx, "st1", "sp1", "Transport", 4_000))

	// Restoring more than was used must fail the guard, not go negative.
	err = s.AddUsed(ctx, "st1", "sp1", "Transport", -5_000)
	assert.True(t, store.IsConditionFailed(err), "expected condition failure, got %v", err)

	require.NoError(t, s.AddUsed(ctx, "st1", "sp1", "Transport", -4_000))
	row, _, err := s.Get(ctx, "st1", "sp1", "Transport")
	require.NoError(t, err)
	assert.Equal(t, int64(0), row.UsedCents)
}

func TestAvailabilitySumsAcrossSponsors(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.AddAllocated(ctx, "st1", "sp1", "Transport", 50_000)
	require.NoError(t, err)
	_, err = s.AddAllocated(ctx, "st1", "sp2", "Transport", 30_000)
	require.NoError(t, err)
	_, err = s.AddAllocated(ctx, "st1", "sp1", "Books", 10_000)
	require.NoError(t, err)
	require.NoError(t, s.AddUsed(ctx, "st1", "sp2", "Transport", 5_000))

	avail, err := s.Availability(ctx, "st1", "Transport")
	require.NoError(t, err)
	assert.Equal(t, int64(75_000), avail)

	avail, err = s.Availability(ctx, "st1", "Tuition")
	require.NoError(t, err)
	assert.Equal(t, int64(0), avail)
}

func TestRowsForPairFiltersBySponsor(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.AddAllocated(ctx, "st1", "sp1", "Transport", 10_000)
	require.NoError(t, err)
	_, err = s.AddAllocated(ctx, "st1", "sp1", "Books", 5_000)
	require.NoError(t, err)
	_, err = s.AddAllocated(ctx, "st1", "sp2", "Transport", 7_000)
	require.NoError(t, err)

	rows, err := s.RowsForPair(ctx, "st1", "sp1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, "sp1", r.SponsorID)
	}
}

func TestRollupByCategory(t *testing.T) {
	rows := []Row{
		{Category: "Transport", SponsorID: "sp1", AllocatedCents: 50_000, UsedCents: 20_000},
		{Category: "Transport", SponsorID: "sp2", AllocatedCents: 30_000, UsedCents: 0},
		{Category: "Books", SponsorID: "sp1", AllocatedCents: 10_000, UsedCents: 10_000},
	}

	rollup := RollupByCategory(rows)
	require.Len(t, rollup, 2)
	assert.Equal(t, "Transport", rollup[0].Category)
	assert.Equal(t, int64(80_000), rollup[0].AllocatedCents)
	assert.Equal(t, int64(20_000), rollup[0].UsedCents)
	assert.Equal(t, int64(60_000), rollup[0].AvailableCents)
	assert.Equal(t, "Books", rollup[1].Category)
	assert.Equal(t, int64(0), rollup[1].AvailableCents)
}

func TestAddSponsorStudentAggregate(t *testing.T) {
	s, _, m := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.AddSponsorStudent(ctx, "sp1", "st1", 100_000))
	require.NoError(t, s.AddSponsorStudent(ctx, "sp1", "st1", -30_000))

	item, err := m.Get(ctx, keys.Student("st1"), keys.SponsorStudentAgg("sp1"))
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, int64(70_000), store.Int(item, "allocated_total_cents"))
}
