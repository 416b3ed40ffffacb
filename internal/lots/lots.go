// Package lots manages allocation lots: decrementable slices of a
// sponsor's credit earmarked for one (student, category).
//
// Lots are the source of truth for spend consumption (FIFO by creation
// time) and reversal (LIFO). A lot's remaining balance only ever moves
// through conditional decrements with a remaining_cents >= take guard,
// so concurrent consumers can never drive it negative. Drained lots are
// kept, not deleted.
package lots

import (
	"context"
	"time"

	"github.com/kudupay/kudu/internal/idgen"
	"github.com/kudupay/kudu/internal/keys"
	"github.com/kudupay/kudu/internal/store"
)

// Lot is one allocation lot.
type Lot struct {
	ID             string `json:"id"`
	StudentID      string `json:"student_id"`
	SponsorID      string `json:"sponsor_id"`
	Category       string `json:"category"`
	AmountCents    int64  `json:"amount_cents"`
	RemainingCents int64  `json:"remaining_cents"`
	TS             int64  `json:"ts"` // creation epoch ms; sort-key component
	CreatedAt      string `json:"created_at"`

	sk string // sort key, kept for decrement targeting
}

// Take is a planned consumption of one lot.
type Take struct {
	Lot   Lot
	Cents int64
}

// Service creates and drains lots.
type Service struct {
	store store.Store

	// Now is the service clock; tests replace it.
	Now func() time.Time
}

// New creates a lot service over s.
func New(s store.Store) *Service {
	return &Service{store: s, Now: time.Now}
}

// Create writes a fresh lot with remaining == amount. Same-millisecond
// lots are distinguished (and tie-broken in sort order) by lot id.
func (s *Service) Create(ctx context.Context, studentID, sponsorID, category string, amount int64) (Lot, error) {
	now := s.Now()
	lot := Lot{
		ID:             idgen.WithPrefix("lot_"),
		StudentID:      studentID,
		SponsorID:      sponsorID,
		Category:       category,
		AmountCents:    amount,
		RemainingCents: amount,
		TS:             now.UnixMilli(),
		CreatedAt:      keys.Timestamp(now),
	}
	lot.sk = keys.Lot(category, now, lot.ID)
	err := s.store.Put(ctx, store.Item{
		store.AttrPk:      keys.Student(studentID),
		store.AttrSk:      lot.sk,
		"id":              lot.ID,
		"student_id":      studentID,
		"sponsor_id":      sponsorID,
		"category":        category,
		"amount_cents":    amount,
		"remaining_cents": amount,
		"ts":              lot.TS,
		"created_at":      lot.CreatedAt,
	}, &store.Cond{NotExists: true})
	if err != nil {
		return Lot{}, err
	}
	return lot, nil
}

// List returns all lots for (student, category), oldest first when
// forward is true (FIFO order), newest first otherwise (LIFO order).
func (s *Service) List(ctx context.Context, studentID, category string, forward bool) ([]Lot, error) {
	var out []Lot
	var cursor *store.Key
	for {
		page, err := s.store.Query(ctx, store.Query{
			Pk:       keys.Student(studentID),
			SkPrefix: keys.LotCategoryPrefix(category),
			Forward:  forward,
			Limit:    200,
			Cursor:   cursor,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			out = append(out, fromItem(item))
		}
		if page.LastKey == nil {
			return out, nil
		}
		cursor = page.LastKey
	}
}

// PlanConsumption walks lots in the given order and collects takes until
// amount is satisfied. Lots with nothing remaining are skipped. The
// returned takes may cover less than amount when the lots run out.
func PlanConsumption(available []Lot, amount int64) []Take {
	var takes []Take
	residual := amount
	for _, lot := range available {
		if residual <= 0 {
			break
		}
		if lot.RemainingCents <= 0 {
			continue
		}
		take := min(lot.RemainingCents, residual)
		takes = append(takes, Take{Lot: lot, Cents: take})
		residual -= take
	}
	return takes
}

// DecrementOp stages a guarded decrement of one lot for a TransactWrite
// batch. The condition fails if another consumer got there first.
func (s *Service) DecrementOp(t Take) store.Op {
	return store.Op{Update: &store.UpdateOp{
		Pk:     keys.Student(t.Lot.StudentID),
		Sk:     t.Lot.sk,
		Update: store.Update{Add: map[string]int64{"remaining_cents": -t.Cents}},
		Cond:   &store.Cond{GTE: map[string]int64{"remaining_cents": t.Cents}},
	}}
}

// Decrement applies one guarded decrement immediately. Returns the cents
// actually taken: t.Cents on success, 0 when the condition failed (the
// lot changed underneath; reversal silently skips it).
func (s *Service) Decrement(ctx context.Context, t Take) (int64, error) {
	_, err := s.store.Update(ctx, keys.Student(t.Lot.StudentID), t.Lot.sk, store.Update{
		Add: map[string]int64{"remaining_cents": -t.Cents},
	}, &store.Cond{
		GTE: map[string]int64{"remaining_cents": t.Cents},
		GT:  map[string]int64{"remaining_cents": 0},
	})
	if store.IsConditionFailed(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return t.Cents, nil
}

// DrainLIFO drains up to amount from the sponsor's lots, newest first.
// Returns the cents actually drained; lots contended away mid-drain are
// skipped, so the result may be less than amount.
func (s *Service) DrainLIFO(ctx context.Context, studentID, sponsorID, category string, amount int64) (int64, error) {
	all, err := s.List(ctx, studentID, category, false)
	if err != nil {
		return 0, err
	}

	var drained int64
	residual := amount
	for _, lot := range all {
		if residual <= 0 {
			break
		}
		if lot.SponsorID != sponsorID || lot.RemainingCents <= 0 {
			continue
		}
		take := min(lot.RemainingCents, residual)
		got, err := s.Decrement(ctx, Take{Lot: lot, Cents: take})
		if err != nil {
			return drained, err
		}
		drained += got
		residual -= got
	}
	return drained, nil
}

// SumRemaining totals the remaining balance of one sponsor's lots.
func SumRemaining(all []Lot, sponsorID string) int64 {
	var sum int64
	for _, lot := range all {
		if lot.SponsorID == sponsorID {
			sum += lot.RemainingCents
		}
	}
	return sum
}

func fromItem(item store.Item) Lot {
	return Lot{
		ID:             store.Str(item, "id"),
		StudentID:      store.Str(item, "student_id"),
		SponsorID:      store.Str(item, "sponsor_id"),
		Category:       store.Str(item, "category"),
		AmountCents:    store.Int(item, "amount_cents"),
		RemainingCents: store.Int(item, "remaining_cents"),
		TS:             store.Int(item, "ts"),
		CreatedAt:      store.Str(item, "created_at"),
		sk:             store.Str(item, store.AttrSk),
	}
}
