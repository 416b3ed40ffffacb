// Package deposits implements the EFT notification lifecycle: a sponsor
// claims a bank transfer arrived, an admin approves or rejects the
// claim, and only approval turns it into spendable sponsor credit.
//
// The state machine is new -> allocated | rejected, both terminal. Every
// transition is a conditional batch guarded on status = "new": the
// sponsor-partition notification is updated, the old admin-mirror row
// deleted, and the new one written, all-or-nothing. A condition failure
// re-reads the notification and reports the terminal state it found.
package deposits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kudupay/kudu/internal/budget"
	"github.com/kudupay/kudu/internal/events"
	"github.com/kudupay/kudu/internal/idempotency"
	"github.com/kudupay/kudu/internal/idgen"
	"github.com/kudupay/kudu/internal/keys"
	"github.com/kudupay/kudu/internal/ledger"
	"github.com/kudupay/kudu/internal/logging"
	"github.com/kudupay/kudu/internal/metrics"
	"github.com/kudupay/kudu/internal/store"
)

var (
	ErrNotFound        = errors.New("eft deposit not found")
	ErrInvalidAmount   = errors.New("amount_cents must be positive")
	ErrInvalidStatus   = errors.New("invalid status filter")
	ErrAlreadyApproved = errors.New("eft deposit already approved")
	ErrAlreadyRejected = errors.New("eft deposit already rejected")
	ErrConflict        = errors.New("eft deposit state changed, retry")
)

// Deposit statuses.
const (
	StatusNew       = "new"
	StatusAllocated = "allocated"
	StatusRejected  = "rejected"
)

// Deposit is an EFT notification snapshot.
type Deposit struct {
	ID                  string `json:"id"`
	SponsorID           string `json:"sponsor_id"`
	Reference           string `json:"reference"`
	AmountCents         int64  `json:"amount_cents"`
	Status              string `json:"status"`
	CreatedAt           string `json:"created_at"`
	ApprovedAmountCents int64  `json:"approved_amount_cents,omitempty"`
	ApprovedBy          string `json:"approved_by,omitempty"`
	ApprovedAt          string `json:"approved_at,omitempty"`
	RejectedReason      string `json:"rejected_reason,omitempty"`
}

// ApproveResult is the admin approval response: the terminal deposit
// plus the sponsor's recomputed credit summary.
type ApproveResult struct {
	Deposit Deposit               `json:"deposit"`
	Summary budget.SponsorSummary `json:"summary"`
}

// Service runs the deposit lifecycle.
type Service struct {
	store   store.Store
	ledger  *ledger.Ledger
	budgets *budget.Service
	idem    *idempotency.Cache
	emitter *events.Emitter

	gsi1Available bool

	// Now is the service clock; tests replace it.
	Now func() time.Time
}

// New creates a deposit service. GSI1 is assumed present until the
// server's startup probe says otherwise.
func New(s store.Store, l *ledger.Ledger, b *budget.Service, idem *idempotency.Cache, em *events.Emitter) *Service {
	return &Service{
		store:         s,
		ledger:        l,
		budgets:       b,
		idem:          idem,
		emitter:       em,
		gsi1Available: true,
		Now:           time.Now,
	}
}

// SetGSI1Available records the startup probe outcome. Without GSI1 the
// sponsor status listing degrades to a primary-partition query with
// in-process filtering.
func (s *Service) SetGSI1Available(ok bool) { s.gsi1Available = ok }

// GenerateReference builds a deposit reference the sponsor puts on the
// bank transfer: KUDU-{last4 of sponsor id}-{4 random hex}{4 epoch
// digits}. Collisions are harmless; the id is the identity.
func (s *Service) GenerateReference(sponsorID string) string {
	tail := sponsorID
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	epoch := fmt.Sprintf("%d", s.Now().Unix())
	return fmt.Sprintf("KUDU-%s-%s%s",
		strings.ToUpper(tail),
		strings.ToUpper(idgen.Hex(2)),
		epoch[len(epoch)-4:])
}

// Submit records a sponsor's EFT notification in status "new". One
// batch writes the sponsor-partition notification, the id lookup, and
// the admin mirror.
func (s *Service) Submit(ctx context.Context, sponsorID string, amountCents int64, reference, idemKey string) (Deposit, error) {
	if amountCents <= 0 {
		return Deposit{}, ErrInvalidAmount
	}
	scope := "EFT_SUBMIT#" + sponsorID
	if cached, ok := idempotency.Replay[Deposit](ctx, s.idem, scope, idemKey); ok {
		return cached, nil
	}

	if reference == "" {
		reference = s.GenerateReference(sponsorID)
	}
	now := s.Now()
	d := Deposit{
		ID:          idgen.WithPrefix("eft_"),
		SponsorID:   sponsorID,
		Reference:   reference,
		AmountCents: amountCents,
		Status:      StatusNew,
		CreatedAt:   keys.Timestamp(now),
	}

	notification := s.notificationItem(d)
	err := s.store.TransactWrite(ctx, []store.Op{
		{Put: &store.PutOp{Item: notification, Cond: &store.Cond{NotExists: true}}},
		{Put: &store.PutOp{Item: store.Item{
			store.AttrPk: keys.EFTIDLookup,
			store.AttrSk: d.ID,
			"sponsor_id": sponsorID,
			"created_at": d.CreatedAt,
		}, Cond: &store.Cond{NotExists: true}}},
		{Put: &store.PutOp{Item: s.mirrorItem(d)}},
	})
	if err != nil {
		return Deposit{}, err
	}

	metrics.DepositsTotal.WithLabelValues(StatusNew).Inc()
	s.idem.Store(ctx, scope, idemKey, d)
	s.emitter.EmitEFTSubmitted(sponsorID, d.ID, amountCents)
	return d, nil
}

// Approve transitions the deposit to "allocated" and credits the
// sponsor. The credit happens only after the state change committed;
// the DEPOSIT_APPROVED ledger entry is authoritative and its failure
// fails the call (the aggregate credit that follows is recoverable from
// it).
func (s *Service) Approve(ctx context.Context, adminID, eftID string, approvedCents int64, idemKey string) (ApproveResult, error) {
	if approvedCents <= 0 {
		return ApproveResult{}, ErrInvalidAmount
	}
	scope := "ADMIN_APPROVE#" + eftID
	if cached, ok := idempotency.Replay[ApproveResult](ctx, s.idem, scope, idemKey); ok {
		return cached, nil
	}

	d, err := s.byID(ctx, eftID)
	if err != nil {
		return ApproveResult{}, err
	}
	switch d.Status {
	case StatusAllocated:
		return ApproveResult{}, ErrAlreadyApproved
	case StatusRejected:
		return ApproveResult{}, ErrAlreadyRejected
	}

	// Clamp: an admin can approve at most what the sponsor claimed.
	approved := min(approvedCents, d.AmountCents)
	now := keys.Timestamp(s.Now())

	next := d
	next.Status = StatusAllocated
	next.ApprovedAmountCents = approved
	next.ApprovedBy = adminID
	next.ApprovedAt = now

	err = s.store.TransactWrite(ctx, []store.Op{
		{Update: &store.UpdateOp{
			Pk: keys.Sponsor(d.SponsorID),
			Sk: keys.EFTNotify(d.CreatedAt, d.ID),
			Update: store.Update{Set: map[string]any{
				"status":                StatusAllocated,
				"approved_amount_cents": approved,
				"approved_by":           adminID,
				"approved_at":           now,
				store.AttrGSI1Sk:        keys.GSI1SK(StatusAllocated, d.CreatedAt),
			}},
			Cond: &store.Cond{Eq: map[string]any{"status": StatusNew}},
		}},
		{Delete: &store.DeleteOp{
			Pk: keys.EFTAll,
			Sk: keys.EFTMirror(StatusNew, d.CreatedAt, d.ID),
		}},
		{Put: &store.PutOp{Item: s.mirrorItem(next)}},
	})
	if err != nil {
		if store.IsConditionFailed(err) {
			return ApproveResult{}, s.reclassify(ctx, d)
		}
		return ApproveResult{}, err
	}
	metrics.DepositsTotal.WithLabelValues(StatusAllocated).Inc()

	// Authoritative ledger entry: the fallback balance derivation sums
	// these, so a silent miss here would lose money.
	if err := s.ledger.Append(ctx, keys.Sponsor(d.SponsorID), ledger.Entry{
		Type:        ledger.TypeDepositApproved,
		AmountCents: approved,
		EFTID:       d.ID,
	}); err != nil {
		return ApproveResult{}, fmt.Errorf("deposit approved but ledger append failed: %w", err)
	}

	summary, err := s.budgets.Credit(ctx, d.SponsorID, approved)
	if err != nil {
		// The ledger entry stands; balance derivation recovers the
		// credit even though the aggregate write failed.
		logging.L(ctx).Warn("sponsor aggregate credit failed after approval",
			"sponsor_id", d.SponsorID, "eft_id", d.ID, "error", err)
		summary, err = s.budgets.Summary(ctx, d.SponsorID)
		if err != nil {
			return ApproveResult{}, err
		}
	}

	result := ApproveResult{Deposit: next, Summary: summary}
	s.idem.Store(ctx, scope, idemKey, result)
	s.emitter.EmitEFTApproved(d.SponsorID, d.ID, approved)
	return result, nil
}

// Reject transitions the deposit to "rejected". No balance changes.
func (s *Service) Reject(ctx context.Context, adminID, eftID, reason, idemKey string) (Deposit, error) {
	scope := "ADMIN_REJECT#" + eftID
	if cached, ok := idempotency.Replay[Deposit](ctx, s.idem, scope, idemKey); ok {
		return cached, nil
	}

	d, err := s.byID(ctx, eftID)
	if err != nil {
		return Deposit{}, err
	}
	switch d.Status {
	case StatusAllocated:
		return Deposit{}, ErrAlreadyApproved
	case StatusRejected:
		return Deposit{}, ErrAlreadyRejected
	}

	next := d
	next.Status = StatusRejected
	next.RejectedReason = reason

	err = s.store.TransactWrite(ctx, []store.Op{
		{Update: &store.UpdateOp{
			Pk: keys.Sponsor(d.SponsorID),
			Sk: keys.EFTNotify(d.CreatedAt, d.ID),
			Update: store.Update{Set: map[string]any{
				"status":          StatusRejected,
				"rejected_reason": reason,
				store.AttrGSI1Sk:  keys.GSI1SK(StatusRejected, d.CreatedAt),
			}},
			Cond: &store.Cond{Eq: map[string]any{"status": StatusNew}},
		}},
		{Delete: &store.DeleteOp{
			Pk: keys.EFTAll,
			Sk: keys.EFTMirror(StatusNew, d.CreatedAt, d.ID),
		}},
		{Put: &store.PutOp{Item: s.mirrorItem(next)}},
	})
	if err != nil {
		if store.IsConditionFailed(err) {
			return Deposit{}, s.reclassify(ctx, d)
		}
		return Deposit{}, err
	}
	metrics.DepositsTotal.WithLabelValues(StatusRejected).Inc()

	s.ledger.AppendBestEffort(ctx, keys.Sponsor(d.SponsorID), ledger.Entry{
		Type:        ledger.TypeDepositRejected,
		AmountCents: d.AmountCents,
		EFTID:       d.ID,
	})
	s.idem.Store(ctx, scope, idemKey, next)
	s.emitter.EmitEFTRejected(d.SponsorID, d.ID, reason)
	return next, nil
}

// Topup credits a sponsor directly, bypassing the EFT flow. Development
// convenience; the server only mounts it outside production.
func (s *Service) Topup(ctx context.Context, sponsorID string, amountCents int64, idemKey string) (budget.SponsorSummary, error) {
	if amountCents <= 0 {
		return budget.SponsorSummary{}, ErrInvalidAmount
	}
	scope := "TOPUP#" + sponsorID
	if cached, ok := idempotency.Replay[budget.SponsorSummary](ctx, s.idem, scope, idemKey); ok {
		return cached, nil
	}

	if err := s.ledger.Append(ctx, keys.Sponsor(sponsorID), ledger.Entry{
		Type:        ledger.TypeDepositApproved,
		AmountCents: amountCents,
		EFTID:       "TOPUP",
	}); err != nil {
		return budget.SponsorSummary{}, err
	}
	summary, err := s.budgets.Credit(ctx, sponsorID, amountCents)
	if err != nil {
		return budget.SponsorSummary{}, err
	}
	s.idem.Store(ctx, scope, idemKey, summary)
	return summary, nil
}

// Summary returns the sponsor's credit view.
func (s *Service) Summary(ctx context.Context, sponsorID string) (budget.SponsorSummary, error) {
	return s.budgets.Summary(ctx, sponsorID)
}

// reclassify re-reads the notification after a cancelled transition and
// names the terminal state that beat us.
func (s *Service) reclassify(ctx context.Context, d Deposit) error {
	current, err := s.byID(ctx, d.ID)
	if err != nil {
		return ErrConflict
	}
	switch current.Status {
	case StatusAllocated:
		return ErrAlreadyApproved
	case StatusRejected:
		return ErrAlreadyRejected
	default:
		return ErrConflict
	}
}

// byID resolves a deposit through the EFT#ID lookup partition.
func (s *Service) byID(ctx context.Context, eftID string) (Deposit, error) {
	lookup, err := s.store.Get(ctx, keys.EFTIDLookup, eftID)
	if err != nil {
		return Deposit{}, err
	}
	if lookup == nil {
		return Deposit{}, ErrNotFound
	}
	item, err := s.store.Get(ctx,
		keys.Sponsor(store.Str(lookup, "sponsor_id")),
		keys.EFTNotify(store.Str(lookup, "created_at"), eftID))
	if err != nil {
		return Deposit{}, err
	}
	if item == nil {
		return Deposit{}, ErrNotFound
	}
	return fromItem(item), nil
}

func (s *Service) notificationItem(d Deposit) store.Item {
	item := store.Item{
		store.AttrPk:     keys.Sponsor(d.SponsorID),
		store.AttrSk:     keys.EFTNotify(d.CreatedAt, d.ID),
		store.AttrGSI1Pk: keys.Sponsor(d.SponsorID),
		store.AttrGSI1Sk: keys.GSI1SK(d.Status, d.CreatedAt),
	}
	fillSnapshot(item, d)
	return item
}

func (s *Service) mirrorItem(d Deposit) store.Item {
	item := store.Item{
		store.AttrPk: keys.EFTAll,
		store.AttrSk: keys.EFTMirror(d.Status, d.CreatedAt, d.ID),
	}
	fillSnapshot(item, d)
	return item
}

func fillSnapshot(item store.Item, d Deposit) {
	item["id"] = d.ID
	item["sponsor_id"] = d.SponsorID
	item["reference"] = d.Reference
	item["amount_cents"] = d.AmountCents
	item["status"] = d.Status
	item["created_at"] = d.CreatedAt
	if d.ApprovedAmountCents > 0 {
		item["approved_amount_cents"] = d.ApprovedAmountCents
		item["approved_by"] = d.ApprovedBy
		item["approved_at"] = d.ApprovedAt
	}
	if d.RejectedReason != "" {
		item["rejected_reason"] = d.RejectedReason
	}
}

func fromItem(item store.Item) Deposit {
	return Deposit{
		ID:                  store.Str(item, "id"),
		SponsorID:           store.Str(item, "sponsor_id"),
		Reference:           store.Str(item, "reference"),
		AmountCents:         store.Int(item, "amount_cents"),
		Status:              store.Str(item, "status"),
		CreatedAt:           store.Str(item, "created_at"),
		ApprovedAmountCents: store.Int(item, "approved_amount_cents"),
		ApprovedBy:          store.Str(item, "approved_by"),
		ApprovedAt:          store.Str(item, "approved_at"),
		RejectedReason:      store.Str(item, "rejected_reason"),
	}
}
