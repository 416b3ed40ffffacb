package transactions

import (
	"context"

	"github.com/kudupay/kudu/internal/budget"
	"github.com/kudupay/kudu/internal/keys"
	"github.com/kudupay/kudu/internal/pagination"
	"github.com/kudupay/kudu/internal/store"
)

// Balance is the student-facing aggregated view.
type Balance struct {
	StudentID      string          `json:"student_id"`
	AllocatedCents int64           `json:"allocated_total_cents"`
	UsedCents      int64           `json:"used_total_cents"`
	AvailableCents int64           `json:"available_cents"`
	Categories     []budget.Rollup `json:"categories"`
}

// BudgetView pairs the raw per-sponsor rows with the per-category
// rollup.
type BudgetView struct {
	StudentID string          `json:"student_id"`
	Budgets   []budget.Row    `json:"budgets"`
	Rollup    []budget.Rollup `json:"rollup"`
}

// HistoryPage is one page of confirmed spends, newest first.
type HistoryPage struct {
	Transactions []Transaction `json:"transactions"`
	NextCursor   string        `json:"next_cursor,omitempty"`
}

// StudentBalance rolls the student's budget rows up into category and
// grand totals.
func (s *Service) StudentBalance(ctx context.Context, studentID string) (Balance, error) {
	rows, err := s.budgets.RowsForStudent(ctx, studentID)
	if err != nil {
		return Balance{}, err
	}
	out := Balance{StudentID: studentID, Categories: budget.RollupByCategory(rows)}
	for _, r := range rows {
		out.AllocatedCents += r.AllocatedCents
		out.UsedCents += r.UsedCents
	}
	out.AvailableCents = out.AllocatedCents - out.UsedCents
	return out, nil
}

// StudentBudgets returns the raw budget rows plus the rollup.
func (s *Service) StudentBudgets(ctx context.Context, studentID string) (BudgetView, error) {
	rows, err := s.budgets.RowsForStudent(ctx, studentID)
	if err != nil {
		return BudgetView{}, err
	}
	return BudgetView{
		StudentID: studentID,
		Budgets:   rows,
		Rollup:    budget.RollupByCategory(rows),
	}, nil
}

// History returns the student's confirmed spends, newest first.
func (s *Service) History(ctx context.Context, studentID string, limit int, cursor string) (HistoryPage, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return HistoryPage{}, err
	}
	page, err := s.store.Query(ctx, store.Query{
		Pk:       keys.Student(studentID),
		SkPrefix: keys.SpendPrefix,
		Forward:  false,
		Limit:    pagination.ClampLimit(limit),
		Cursor:   after,
	})
	if err != nil {
		return HistoryPage{}, err
	}
	out := HistoryPage{Transactions: make([]Transaction, 0, len(page.Items))}
	for _, item := range page.Items {
		out.Transactions = append(out.Transactions, spendToTransaction(item))
	}
	out.NextCursor = pagination.Encode(page.LastKey)
	return out, nil
}
