// Package budget owns the denormalized counter rows: the sponsor
// aggregate (approved/allocated/available), the per-student sponsor
// aggregate, and the (student, sponsor, category) budget rows backing
// availability queries.
//
// Every mutation is conditional arithmetic executed by the store; the
// package never reads a counter into memory, adds, and writes back.
// Rows are seeded with a create-if-absent Put whose condition failure is
// ignored, then mutated with Add updates.
package budget

import (
	"context"
	"time"

	"github.com/kudupay/kudu/internal/keys"
	"github.com/kudupay/kudu/internal/ledger"
	"github.com/kudupay/kudu/internal/store"
)

// Row is one (student, sponsor, category) budget.
type Row struct {
	StudentID      string `json:"student_id"`
	SponsorID      string `json:"sponsor_id"`
	Category       string `json:"category"`
	AllocatedCents int64  `json:"allocated_total_cents"`
	UsedCents      int64  `json:"used_total_cents"`
}

// AvailableCents is the spendable remainder of a budget row.
func (r Row) AvailableCents() int64 { return r.AllocatedCents - r.UsedCents }

// SponsorSummary is the sponsor-facing credit view.
type SponsorSummary struct {
	ApprovedTotalCents  int64 `json:"approved_total_cents"`
	AllocatedTotalCents int64 `json:"allocated_total_cents"`
	BalanceCents        int64 `json:"balance_cents"`
}

// Rollup aggregates one category across sponsors.
type Rollup struct {
	Category       string `json:"category"`
	AllocatedCents int64  `json:"allocated_total_cents"`
	UsedCents      int64  `json:"used_total_cents"`
	AvailableCents int64  `json:"available_cents"`
}

// Service reads and mutates aggregate rows.
type Service struct {
	store  store.Store
	ledger *ledger.Ledger

	// Now is the service clock; tests replace it.
	Now func() time.Time
}

// New creates a budget service. The ledger backs the fallback balance
// derivation for sponsors without an aggregate row.
func New(s store.Store, l *ledger.Ledger) *Service {
	return &Service{store: s, ledger: l, Now: time.Now}
}

// ---------------------------------------------------------------------
// Sponsor aggregate
// ---------------------------------------------------------------------

func (s *Service) seedSponsorAggregate(ctx context.Context, sponsorID string) error {
	err := s.store.Put(ctx, store.Item{
		store.AttrPk:            keys.Sponsor(sponsorID),
		store.AttrSk:            keys.Aggregate,
		"approved_total_cents":  int64(0),
		"allocated_total_cents": int64(0),
		"available_total_cents": int64(0),
		"created_at":            keys.Timestamp(s.Now()),
	}, &store.Cond{NotExists: true})
	if store.IsConditionFailed(err) {
		return nil // already seeded
	}
	return err
}

// Credit adds approved funds to a sponsor: approved and available both
// grow by amount. The row is seeded on first credit.
func (s *Service) Credit(ctx context.Context, sponsorID string, amount int64) (SponsorSummary, error) {
	if err := s.seedSponsorAggregate(ctx, sponsorID); err != nil {
		return SponsorSummary{}, err
	}
	item, err := s.store.Update(ctx, keys.Sponsor(sponsorID), keys.Aggregate, store.Update{
		Add: map[string]int64{
			"approved_total_cents":  amount,
			"available_total_cents": amount,
		},
	}, nil)
	if err != nil {
		return SponsorSummary{}, err
	}
	return summaryFromItem(item), nil
}

// ReserveAllocation moves amount from available to allocated.
func (s *Service) ReserveAllocation(ctx context.Context, sponsorID string, amount int64) error {
	if err := s.seedSponsorAggregate(ctx, sponsorID); err != nil {
		return err
	}
	_, err := s.store.Update(ctx, keys.Sponsor(sponsorID), keys.Aggregate, store.Update{
		Add: map[string]int64{
			"allocated_total_cents": amount,
			"available_total_cents": -amount,
		},
	}, nil)
	return err
}

// ReleaseAllocation moves amount back from allocated to available
// (reversal path).
func (s *Service) ReleaseAllocation(ctx context.Context, sponsorID string, amount int64) error {
	return s.ReserveAllocation(ctx, sponsorID, -amount)
}

// Summary returns the sponsor's effective credit view. When the
// aggregate row is missing, or both approved and available read zero,
// approved is re-derived from the sponsor's DEPOSIT_APPROVED ledger
// entries and the balance recomputed against allocated.
func (s *Service) Summary(ctx context.Context, sponsorID string) (SponsorSummary, error) {
	item, err := s.store.Get(ctx, keys.Sponsor(sponsorID), keys.Aggregate)
	if err != nil {
		return SponsorSummary{}, err
	}

	var sum SponsorSummary
	if item != nil {
		sum = summaryFromItem(item)
	}
	if item != nil && (sum.ApprovedTotalCents != 0 || sum.BalanceCents != 0) {
		return sum, nil
	}

	approved, err := s.ledger.SumDepositApproved(ctx, sponsorID)
	if err != nil {
		return SponsorSummary{}, err
	}
	sum.ApprovedTotalCents = approved
	sum.BalanceCents = approved - sum.AllocatedTotalCents
	return sum, nil
}

// Balance returns the sponsor's spendable credit.
func (s *Service) Balance(ctx context.Context, sponsorID string) (int64, error) {
	sum, err := s.Summary(ctx, sponsorID)
	if err != nil {
		return 0, err
	}
	return sum.BalanceCents, nil
}

func summaryFromItem(item store.Item) SponsorSummary {
	return SponsorSummary{
		ApprovedTotalCents:  store.Int(item, "approved_total_cents"),
		AllocatedTotalCents: store.Int(item, "allocated_total_cents"),
		BalanceCents:        store.Int(item, "available_total_cents"),
	}
}

// ---------------------------------------------------------------------
// Sponsor-student aggregate
// ---------------------------------------------------------------------

// AddSponsorStudent adjusts the per-student allocation total for one
// sponsor, seeding the row on first allocation.
func (s *Service) AddSponsorStudent(ctx context.Context, sponsorID, studentID string, delta int64) error {
	pk, sk := keys.Student(studentID), keys.SponsorStudentAgg(sponsorID)
	err := s.store.Put(ctx, store.Item{
		store.AttrPk:            pk,
		store.AttrSk:            sk,
		"sponsor_id":            sponsorID,
		"student_id":            studentID,
		"allocated_total_cents": int64(0),
		"created_at":            keys.Timestamp(s.Now()),
	}, &store.Cond{NotExists: true})
	if err != nil && !store.IsConditionFailed(err) {
		return err
	}
	_, err = s.store.Update(ctx, pk, sk, store.Update{
		Add: map[string]int64{"allocated_total_cents": delta},
	}, nil)
	return err
}

// ---------------------------------------------------------------------
// Budget rows
// ---------------------------------------------------------------------

// AddAllocated adjusts the allocated total of a budget row, seeding it
// with zero usage when absent.
func (s *Service) AddAllocated(ctx context.Context, studentID, sponsorID, category string, delta int64) (Row, error) {
	pk, sk := keys.Student(studentID), keys.Budget(sponsorID, category)
	err := s.store.Put(ctx, store.Item{
		store.AttrPk:            pk,
		store.AttrSk:            sk,
		"student_id":            studentID,
		"sponsor_id":            sponsorID,
		"category":              category,
		"allocated_total_cents": int64(0),
		"used_total_cents":      int64(0),
		"created_at":            keys.Timestamp(s.Now()),
	}, &store.Cond{NotExists: true})
	if err != nil && !store.IsConditionFailed(err) {
		return Row{}, err
	}
	item, err := s.store.Update(ctx, pk, sk, store.Update{
		Add: map[string]int64{"allocated_total_cents": delta},
	}, nil)
	if err != nil {
		return Row{}, err
	}
	return rowFromItem(item), nil
}

// UsedAddOp stages a used_total_cents increment for a TransactWrite
// batch. The Exists condition pins the row: a spend can only consume a
// budget that an allocation created.
func (s *Service) UsedAddOp(studentID, sponsorID, category string, delta int64) store.Op {
	return store.Op{Update: &store.UpdateOp{
		Pk:     keys.Student(studentID),
		Sk:     keys.Budget(sponsorID, category),
		Update: store.Update{Add: map[string]int64{"used_total_cents": delta}},
		Cond:   &store.Cond{Exists: true},
	}}
}

// AddUsed adjusts usage outside a batch (refund restoration path). The
// GTE guard keeps usage from going negative.
func (s *Service) AddUsed(ctx context.Context, studentID, sponsorID, category string, delta int64) error {
	var cond *store.Cond
	if delta < 0 {
		cond = &store.Cond{GTE: map[string]int64{"used_total_cents": -delta}}
	}
	_, err := s.store.Update(ctx, keys.Student(studentID), keys.Budget(sponsorID, category), store.Update{
		Add: map[string]int64{"used_total_cents": delta},
	}, cond)
	return err
}

// Get returns one budget row, or (zero, false) when absent.
func (s *Service) Get(ctx context.Context, studentID, sponsorID, category string) (Row, bool, error) {
	item, err := s.store.Get(ctx, keys.Student(studentID), keys.Budget(sponsorID, category))
	if err != nil {
		return Row{}, false, err
	}
	if item == nil {
		return Row{}, false, nil
	}
	return rowFromItem(item), true, nil
}

// RowsForStudent returns every budget row in the student partition.
func (s *Service) RowsForStudent(ctx context.Context, studentID string) ([]Row, error) {
	return s.queryRows(ctx, studentID, keys.BudgetPrefix)
}

// RowsForPair returns the budget rows one sponsor holds for a student.
func (s *Service) RowsForPair(ctx context.Context, studentID, sponsorID string) ([]Row, error) {
	return s.queryRows(ctx, studentID, keys.BudgetSponsorPrefix(sponsorID))
}

func (s *Service) queryRows(ctx context.Context, studentID, prefix string) ([]Row, error) {
	var rows []Row
	var cursor *store.Key
	for {
		page, err := s.store.Query(ctx, store.Query{
			Pk:       keys.Student(studentID),
			SkPrefix: prefix,
			Forward:  true,
			Limit:    200,
			Cursor:   cursor,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			rows = append(rows, rowFromItem(item))
		}
		if page.LastKey == nil {
			return rows, nil
		}
		cursor = page.LastKey
	}
}

// Availability sums allocated minus used for one category across all of
// a student's sponsors.
func (s *Service) Availability(ctx context.Context, studentID, category string) (int64, error) {
	rows, err := s.RowsForStudent(ctx, studentID)
	if err != nil {
		return 0, err
	}
	var available int64
	for _, r := range rows {
		if r.Category == category {
			available += r.AvailableCents()
		}
	}
	return available, nil
}

// RollupByCategory folds budget rows into per-category totals across
// sponsors.
func RollupByCategory(rows []Row) []Rollup {
	idx := make(map[string]int)
	var out []Rollup
	for _, r := range rows {
		i, ok := idx[r.Category]
		if !ok {
			i = len(out)
			idx[r.Category] = i
			out = append(out, Rollup{Category: r.Category})
		}
		out[i].AllocatedCents += r.AllocatedCents
		out[i].UsedCents += r.UsedCents
		out[i].AvailableCents += r.AvailableCents()
	}
	return out
}

func rowFromItem(item store.Item) Row {
	return Row{
		StudentID:      store.Str(item, "student_id"),
		SponsorID:      store.Str(item, "sponsor_id"),
		Category:       store.Str(item, "category"),
		AllocatedCents: store.Int(item, "allocated_total_cents"),
		UsedCents:      store.Int(item, "used_total_cents"),
	}
}
