package deposits

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kudupay/kudu/internal/budget"
	"github.com/kudupay/kudu/internal/events"
	"github.com/kudupay/kudu/internal/idempotency"
	"github.com/kudupay/kudu/internal/keys"
	"github.com/kudupay/kudu/internal/ledger"
	"github.com/kudupay/kudu/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *ledger.Ledger) {
	t.Helper()
	m := store.NewMemoryStore()
	t.Cleanup(m.Stop)
	l := ledger.New(m)
	b := budget.New(m, l)
	idem := idempotency.New(m, 0)
	em := events.NewEmitter(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return New(m, l, b, idem, em), m, l
}

func TestSubmitRejectsNonPositiveAmount(t *testing.T) {
	s, _, _ := newTestService(t)
	for _, amt := range []int64{0, -100} {
		_, err := s.Submit(context.Background(), "sp1", amt, "", "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
}

func TestSubmitWritesNotificationLookupAndMirror(t *testing.T) {
	s, m, _ := newTestService(t)
	ctx := context.Background()

	d, err := s.Submit(ctx, "sp1", 200_000, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, d.Status)
	assert.NotEmpty(t, d.Reference)

	// Sponsor-partition notification.
	notif, err := m.Get(ctx, keys.Sponsor("sp1"), keys.EFTNotify(d.CreatedAt, d.ID))
	require.NoError(t, err)
	require.NotNil(t, notif)
	assert.Equal(t, int64(200_000), store.Int(notif, "amount_cents"))

	// Id lookup.
	lookup, err := m.Get(ctx, keys.EFTIDLookup, d.ID)
	require.NoError(t, err)
	require.NotNil(t, lookup)
	assert.Equal(t, "sp1", store.Str(lookup, "sponsor_id"))

	// Admin mirror in the "new" band.
	mirror, err := m.Get(ctx, keys.EFTAll, keys.EFTMirror(StatusNew, d.CreatedAt, d.ID))
	require.NoError(t, err)
	require.NotNil(t, mirror)
}

func TestGenerateReferenceShape(t *testing.T) {
	s, _, _ := newTestService(t)
	ref := s.GenerateReference("sponsor-ab9f")
	assert.Regexp(t, regexp.MustCompile(`^KUDU-AB9F-[0-9A-F]{4}\d{4}$`), ref)

	// Short sponsor ids use the whole id.
	ref = s.GenerateReference("s1")
	assert.Regexp(t, regexp.MustCompile(`^KUDU-S1-[0-9A-F]{4}\d{4}$`), ref)
}

func TestApproveCreditsSponsorAndRotatesMirror(t *testing.T) {
	s, m, _ := newTestService(t)
	ctx := context.Background()

	d, err := s.Submit(ctx, "sp1", 200_000, "", "")
	require.NoError(t, err)

	result, err := s.Approve(ctx, "admin1", d.ID, 200_000, "")
	require.NoError(t, err)
	assert.Equal(t, StatusAllocated, result.Deposit.Status)
	assert.Equal(t, int64(200_000), result.Deposit.ApprovedAmountCents)
	assert.Equal(t, "admin1", result.Deposit.ApprovedBy)
	assert.Equal(t, int64(200_000), result.Summary.ApprovedTotalCents)
	assert.Equal(t, int64(200_000), result.Summary.BalanceCents)

	// The "new" mirror row is gone; the "allocated" one exists.
	oldMirror, err := m.Get(ctx, keys.EFTAll, keys.EFTMirror(StatusNew, d.CreatedAt, d.ID))
	require.NoError(t, err)
	assert.Nil(t, oldMirror)
	newMirror, err := m.Get(ctx, keys.EFTAll, keys.EFTMirror(StatusAllocated, d.CreatedAt, d.ID))
	require.NoError(t, err)
	require.NotNil(t, newMirror)
	assert.Equal(t, int64(200_000), store.Int(newMirror, "approved_amount_cents"))
}

func TestApproveClampsToClaimedAmount(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	d, err := s.Submit(ctx, "sp1", 100_000, "", "")
	require.NoError(t, err)

	result, err := s.Approve(ctx, "admin1", d.ID, 250_000, "")
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), result.Deposit.ApprovedAmountCents)
	assert.Equal(t, int64(100_000), result.Summary.BalanceCents)
}

func TestApproveWritesAuthoritativeLedgerEntry(t *testing.T) {
	s, _, l := newTestService(t)
	ctx := context.Background()

	d, err := s.Submit(ctx, "sp1", 50_000, "", "")
	require.NoError(t, err)
	_, err = s.Approve(ctx, "admin1", d.ID, 50_000, "")
	require.NoError(t, err)

	total, err := l.SumDepositApproved(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), total)
}

func TestStateMachineIsTerminal(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	d, err := s.Submit(ctx, "sp1", 100_000, "", "")
	require.NoError(t, err)
	_, err = s.Approve(ctx, "admin1", d.ID, 100_000, "")
	require.NoError(t, err)

	_, err = s.Approve(ctx, "admin2", d.ID, 100_000, "")
	assert.ErrorIs(t, err, ErrAlreadyApproved)
	_, err = s.Reject(ctx, "admin2", d.ID, "too late", "")
	assert.ErrorIs(t, err, ErrAlreadyApproved)
}

func TestRejectThenApprove(t *testing.T) {
	s, _, l := newTestService(t)
	ctx := context.Background()

	d, err := s.Submit(ctx, "sp1", 100_000, "", "")
	require.NoError(t, err)

	rejected, err := s.Reject(ctx, "admin1", d.ID, "wrong amount", "")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "wrong amount", rejected.RejectedReason)

	_, err = s.Approve(ctx, "admin1", d.ID, 100_000, "")
	assert.ErrorIs(t, err, ErrAlreadyRejected)

	// No credit appeared.
	sum, err := s.Summary(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.BalanceCents)

	// DEPOSIT_REJECTED recorded, no DEPOSIT_APPROVED.
	entries, _, err := l.List(ctx, keys.Sponsor("sp1"), 10, nil)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.TypeDepositRejected, entries[0].Type)
}

func TestApproveUnknownDeposit(t *testing.T) {
	s, _, _ := newTestService(t)
	_, err := s.Approve(context.Background(), "admin1", "eft_missing", 100, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApproveIdempotencyReplay(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	d, err := s.Submit(ctx, "sp1", 100_000, "", "")
	require.NoError(t, err)

	first, err := s.Approve(ctx, "admin1", d.ID, 100_000, "idem-1")
	require.NoError(t, err)

	// The retry replays the cached response instead of hitting the
	// terminal-state conflict.
	second, err := s.Approve(ctx, "admin1", d.ID, 100_000, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	sum, err := s.Summary(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), sum.ApprovedTotalCents, "credit applied exactly once")
}

func TestListSponsorByStatus(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	d1, err := s.Submit(ctx, "sp1", 10_000, "", "")
	require.NoError(t, err)
	d2, err := s.Submit(ctx, "sp1", 20_000, "", "")
	require.NoError(t, err)
	_, err = s.Submit(ctx, "sp2", 30_000, "", "")
	require.NoError(t, err)
	_, err = s.Approve(ctx, "admin1", d1.ID, 10_000, "")
	require.NoError(t, err)

	page, err := s.ListSponsor(ctx, "sp1", StatusNew, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Deposits, 1)
	assert.Equal(t, d2.ID, page.Deposits[0].ID)

	page, err = s.ListSponsor(ctx, "sp1", StatusAllocated, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Deposits, 1)
	assert.Equal(t, d1.ID, page.Deposits[0].ID)

	page, err = s.ListSponsor(ctx, "sp1", "", 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Deposits, 2)

	_, err = s.ListSponsor(ctx, "sp1", "bogus", 10, "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestListSponsorDegradedWithoutGSI1(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	d1, err := s.Submit(ctx, "sp1", 10_000, "", "")
	require.NoError(t, err)
	_, err = s.Submit(ctx, "sp1", 20_000, "", "")
	require.NoError(t, err)
	_, err = s.Approve(ctx, "admin1", d1.ID, 10_000, "")
	require.NoError(t, err)

	s.SetGSI1Available(false)
	page, err := s.ListSponsor(ctx, "sp1", StatusAllocated, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Deposits, 1)
	assert.Equal(t, d1.ID, page.Deposits[0].ID)
}

func TestListAdminAcrossSponsors(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.Submit(ctx, "sp1", 10_000, "", "")
	require.NoError(t, err)
	_, err = s.Submit(ctx, "sp2", 20_000, "", "")
	require.NoError(t, err)

	page, err := s.ListAdmin(ctx, StatusNew, 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Deposits, 2)

	page, err = s.ListAdmin(ctx, "", 10, "")
	require.NoError(t, err)
	assert.Len(t, page.Deposits, 2)

	_, err = s.ListAdmin(ctx, "bogus", 10, "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestTopup(t *testing.T) {
	s, _, l := newTestService(t)
	ctx := context.Background()

	sum, err := s.Topup(ctx, "sp1", 42_000, "")
	require.NoError(t, err)
	assert.Equal(t, int64(42_000), sum.BalanceCents)

	// The topup is ledger-backed like any approval.
	total, err := l.SumDepositApproved(ctx, "sp1")
	require.NoError(t, err)
	assert.Equal(t, int64(42_000), total)

	_, err = s.Topup(ctx, "sp1", 0, "")
	assert.True(t, errors.Is(err, ErrInvalidAmount))
}
