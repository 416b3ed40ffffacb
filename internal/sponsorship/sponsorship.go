// Package sponsorship manages the sponsor side of funding: linking a
// student, allocating credit into per-category lots, and reversing
// allocations LIFO.
//
// Allocation is deliberately not one atomic batch: the balance check,
// aggregate arithmetic, lot creation, and ledger entries are independent
// conditional writes, and the ledger is the recovery source of truth
// when a step fails mid-way. Reversal only ever shrinks numbers through
// guarded decrements, so replays and races stay monotonic.
package sponsorship

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/kudupay/kudu/internal/budget"
	"github.com/kudupay/kudu/internal/categories"
	"github.com/kudupay/kudu/internal/events"
	"github.com/kudupay/kudu/internal/idempotency"
	"github.com/kudupay/kudu/internal/keys"
	"github.com/kudupay/kudu/internal/ledger"
	"github.com/kudupay/kudu/internal/lots"
	"github.com/kudupay/kudu/internal/metrics"
	"github.com/kudupay/kudu/internal/store"
)

var (
	ErrLinkNotFound        = errors.New("sponsorship link not found")
	ErrStudentRequired     = errors.New("student_id or student_email required")
	ErrEmptyEntries        = errors.New("entries must be non-empty")
	ErrInvalidAmount       = errors.New("amount_cents must be positive")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Entry is one (category, amount) line in an allocation or reversal
// request.
type Entry struct {
	Category    string `json:"category"`
	AmountCents int64  `json:"amount_cents"`
}

// LinkResult reports a link operation. AlreadyLinked is true when the
// link predated the call.
type LinkResult struct {
	SponsorID     string `json:"sponsor_id"`
	StudentID     string `json:"student_id"`
	AlreadyLinked bool   `json:"already_linked"`
}

// AllocateResult is the post-allocation view: the student's budget
// rollup across all sponsors.
type AllocateResult struct {
	StudentID      string          `json:"student_id"`
	AllocatedCents int64           `json:"allocated_cents"`
	Budgets        []budget.Rollup `json:"budgets"`
}

// ReverseResult reports what was actually reversed per category.
// Categories where nothing was reversible are omitted.
type ReverseResult struct {
	StudentID     string          `json:"student_id"`
	ReversedCents int64           `json:"reversed_cents"`
	Entries       []ReversedEntry `json:"entries"`
}

// ReversedEntry is the per-category outcome of a reversal.
type ReversedEntry struct {
	Category      string `json:"category"`
	ReversedCents int64  `json:"reversed_cents"`
}

// Resolver turns a student email into a student id. Production wires
// the user service; development derives a deterministic id.
type Resolver interface {
	Resolve(ctx context.Context, email string) (string, error)
}

// DevResolver derives a stable student id from the email. Good enough
// for development and tests; never used when a real resolver is wired.
type DevResolver struct{}

// Resolve hashes the normalized email into a stable id.
func (DevResolver) Resolve(_ context.Context, email string) (string, error) {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return "stu_" + hex.EncodeToString(sum[:6]), nil
}

// Service runs linking, allocation, and reversal.
type Service struct {
	store    store.Store
	budgets  *budget.Service
	lots     *lots.Service
	ledger   *ledger.Ledger
	idem     *idempotency.Cache
	emitter  *events.Emitter
	resolver Resolver

	// Now is the service clock; tests replace it.
	Now func() time.Time
}

// New creates a sponsorship service. A nil resolver falls back to
// DevResolver.
func New(s store.Store, b *budget.Service, lo *lots.Service, l *ledger.Ledger, idem *idempotency.Cache, em *events.Emitter, r Resolver) *Service {
	if r == nil {
		r = DevResolver{}
	}
	return &Service{
		store:    s,
		budgets:  b,
		lots:     lo,
		ledger:   l,
		idem:     idem,
		emitter:  em,
		resolver: r,
		Now:      time.Now,
	}
}

// Link connects a sponsor to a student. The operation is idempotent: a
// pre-existing link is reported, not rejected. Exactly one of studentID
// and email must be non-empty.
func (s *Service) Link(ctx context.Context, sponsorID, studentID, email string) (LinkResult, error) {
	if studentID == "" {
		if email == "" {
			return LinkResult{}, ErrStudentRequired
		}
		resolved, err := s.resolver.Resolve(ctx, email)
		if err != nil {
			return LinkResult{}, err
		}
		studentID = resolved
	}

	now := keys.Timestamp(s.Now())
	err := s.store.Put(ctx, store.Item{
		store.AttrPk:     keys.Sponsor(sponsorID),
		store.AttrSk:     keys.StudentLink(studentID),
		store.AttrGSI2Pk: keys.Student(studentID),
		store.AttrGSI2Sk: keys.GSI2SK(now, sponsorID),
		"sponsor_id":     sponsorID,
		"student_id":     studentID,
		"created_at":     now,
	}, &store.Cond{NotExists: true})
	if store.IsConditionFailed(err) {
		return LinkResult{SponsorID: sponsorID, StudentID: studentID, AlreadyLinked: true}, nil
	}
	if err != nil {
		return LinkResult{}, err
	}
	return LinkResult{SponsorID: sponsorID, StudentID: studentID}, nil
}

// Linked reports whether sponsor and student are linked.
func (s *Service) Linked(ctx context.Context, sponsorID, studentID string) (bool, error) {
	item, err := s.store.Get(ctx, keys.Sponsor(sponsorID), keys.StudentLink(studentID))
	if err != nil {
		return false, err
	}
	return item != nil, nil
}

// Sponsors lists the sponsor ids funding a student, via GSI2.
func (s *Service) Sponsors(ctx context.Context, studentID string) ([]string, error) {
	var out []string
	var cursor *store.Key
	for {
		page, err := s.store.QueryIndex(ctx, store.GSI2, store.Query{
			Pk:       keys.Student(studentID),
			SkPrefix: "SPON#",
			Forward:  true,
			Limit:    200,
			Cursor:   cursor,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			out = append(out, store.Str(item, "sponsor_id"))
		}
		if page.LastKey == nil {
			return out, nil
		}
		cursor = page.LastKey
	}
}

// Allocate earmarks sponsor credit for a student as per-category lots.
// The whole request is balance-checked up front; a shortfall mutates
// nothing.
func (s *Service) Allocate(ctx context.Context, sponsorID, studentID string, entries []Entry, idemKey string) (AllocateResult, error) {
	normalized, total, err := normalize(entries)
	if err != nil {
		return AllocateResult{}, err
	}

	linked, err := s.Linked(ctx, sponsorID, studentID)
	if err != nil {
		return AllocateResult{}, err
	}
	if !linked {
		return AllocateResult{}, ErrLinkNotFound
	}

	scope := "ALLOCATE#" + sponsorID + "#" + studentID
	if cached, ok := idempotency.Replay[AllocateResult](ctx, s.idem, scope, idemKey); ok {
		return cached, nil
	}

	balance, err := s.budgets.Balance(ctx, sponsorID)
	if err != nil {
		return AllocateResult{}, err
	}
	if balance < total {
		return AllocateResult{}, ErrInsufficientCredits
	}

	if err := s.budgets.ReserveAllocation(ctx, sponsorID, total); err != nil {
		return AllocateResult{}, err
	}
	if err := s.budgets.AddSponsorStudent(ctx, sponsorID, studentID, total); err != nil {
		return AllocateResult{}, err
	}

	for _, e := range normalized {
		if _, err := s.lots.Create(ctx, studentID, sponsorID, e.Category, e.AmountCents); err != nil {
			return AllocateResult{}, err
		}
		s.ledger.AppendBestEffort(ctx, keys.Sponsor(sponsorID), ledger.Entry{
			Type:        ledger.TypeAllocation,
			AmountCents: e.AmountCents,
			Category:    e.Category,
			StudentID:   studentID,
		})
		if _, err := s.budgets.AddAllocated(ctx, studentID, sponsorID, e.Category, e.AmountCents); err != nil {
			return AllocateResult{}, err
		}
		metrics.AllocationsTotal.WithLabelValues("create").Inc()
	}

	result, err := s.allocateResult(ctx, studentID, total)
	if err != nil {
		return AllocateResult{}, err
	}
	s.idem.Store(ctx, scope, idemKey, result)
	s.emitter.EmitAllocationCreated(sponsorID, studentID, total)
	return result, nil
}

// Reverse walks back allocations LIFO, bounded per category by the
// budget's unspent remainder and the sponsor's own lot balances.
func (s *Service) Reverse(ctx context.Context, sponsorID, studentID string, entries []Entry, idemKey string) (ReverseResult, error) {
	normalized, _, err := normalize(entries)
	if err != nil {
		return ReverseResult{}, err
	}

	scope := "REVERSE#" + sponsorID + "#" + studentID
	if cached, ok := idempotency.Replay[ReverseResult](ctx, s.idem, scope, idemKey); ok {
		return cached, nil
	}

	result := ReverseResult{StudentID: studentID}
	for _, e := range normalized {
		reversed, err := s.reverseCategory(ctx, sponsorID, studentID, e.Category, e.AmountCents)
		if err != nil {
			return ReverseResult{}, err
		}
		if reversed <= 0 {
			continue
		}
		result.Entries = append(result.Entries, ReversedEntry{Category: e.Category, ReversedCents: reversed})
		result.ReversedCents += reversed
		metrics.AllocationsTotal.WithLabelValues("reverse").Inc()
	}

	s.idem.Store(ctx, scope, idemKey, result)
	if result.ReversedCents > 0 {
		s.emitter.EmitAllocationReversed(sponsorID, studentID, result.ReversedCents)
	}
	return result, nil
}

func (s *Service) reverseCategory(ctx context.Context, sponsorID, studentID, category string, amount int64) (int64, error) {
	row, ok, err := s.budgets.Get(ctx, studentID, sponsorID, category)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	maxReducible := row.AllocatedCents - row.UsedCents
	if maxReducible <= 0 {
		return 0, nil
	}

	reversed, err := s.lots.DrainLIFO(ctx, studentID, sponsorID, category, min(amount, maxReducible))
	if err != nil || reversed == 0 {
		return reversed, err
	}

	if _, err := s.budgets.AddAllocated(ctx, studentID, sponsorID, category, -reversed); err != nil {
		return reversed, err
	}
	if err := s.budgets.AddSponsorStudent(ctx, sponsorID, studentID, -reversed); err != nil {
		return reversed, err
	}
	if err := s.budgets.ReleaseAllocation(ctx, sponsorID, reversed); err != nil {
		return reversed, err
	}
	s.ledger.AppendBestEffort(ctx, keys.Sponsor(sponsorID), ledger.Entry{
		Type:        ledger.TypeReversal,
		AmountCents: reversed,
		Category:    category,
		StudentID:   studentID,
	})
	return reversed, nil
}

// PairBudgets returns the budget rows one sponsor holds for a student.
func (s *Service) PairBudgets(ctx context.Context, sponsorID, studentID string) ([]budget.Row, error) {
	return s.budgets.RowsForPair(ctx, studentID, sponsorID)
}

// PairLedger returns the sponsor's recent ledger entries for one
// student, newest first.
func (s *Service) PairLedger(ctx context.Context, sponsorID, studentID string, limit int, cursor *store.Key) ([]ledger.Entry, *store.Key, error) {
	entries, last, err := s.ledger.List(ctx, keys.Sponsor(sponsorID), limit, cursor)
	if err != nil {
		return nil, nil, err
	}
	filtered := entries[:0]
	for _, e := range entries {
		if e.StudentID == studentID {
			filtered = append(filtered, e)
		}
	}
	return filtered, last, nil
}

func (s *Service) allocateResult(ctx context.Context, studentID string, total int64) (AllocateResult, error) {
	rows, err := s.budgets.RowsForStudent(ctx, studentID)
	if err != nil {
		return AllocateResult{}, err
	}
	return AllocateResult{
		StudentID:      studentID,
		AllocatedCents: total,
		Budgets:        budget.RollupByCategory(rows),
	}, nil
}

// normalize canonicalizes categories and validates amounts, merging
// duplicate categories.
func normalize(entries []Entry) ([]Entry, int64, error) {
	if len(entries) == 0 {
		return nil, 0, ErrEmptyEntries
	}
	idx := make(map[string]int)
	var out []Entry
	var total int64
	for _, e := range entries {
		if e.AmountCents <= 0 {
			return nil, 0, ErrInvalidAmount
		}
		canonical, err := categories.Canonical(e.Category)
		if err != nil {
			return nil, 0, err
		}
		if i, ok := idx[canonical]; ok {
			out[i].AmountCents += e.AmountCents
		} else {
			idx[canonical] = len(out)
			out = append(out, Entry{Category: canonical, AmountCents: e.AmountCents})
		}
		total += e.AmountCents
	}
	return out, total, nil
}
