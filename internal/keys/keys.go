// Package keys builds the composite store keys the data model uses.
// Centralizing the formats keeps partitions and sort prefixes consistent
// across the packages that read each other's rows.
package keys

import (
	"fmt"
	"time"
)

// Partition builders.
func Sponsor(sponsorID string) string   { return "SPONSOR#" + sponsorID }
func Student(studentID string) string   { return "STUDENT#" + studentID }
func Merchant(merchantID string) string { return "MERCHANT#" + merchantID }

// Fixed partitions.
const (
	EFTAll      = "EFT#ALL" // admin mirror of every EFT notification
	EFTIDLookup = "EFT#ID"  // id -> primary key resolution
)

// Sort-key prefixes. Query callers append to these with begins_with
// semantics.
const (
	Aggregate        = "AGGREGATE" // sponsor aggregate row (full sk)
	EFTNotifyPrefix  = "EFT_NOTIFY#"
	StatusPrefix     = "STATUS#"
	StudentLinkPfx   = "STUDENT_LINK#"
	SponsorAggPrefix = "AGG#SPONSOR#"
	BudgetPrefix     = "BUDGET#"
	LotPrefix        = "ALLOT#"
	PendingTxPrefix  = "TX#PENDING#"
	SpendPrefix      = "SPEND#"
	MerchantTxPrefix = "TX#"
	RefundPrefix     = "REFUND#"
	LedgerPrefix     = "LEDGER#"
	BusinessInfo     = "BUSINESS_INFO" // merchant metadata row (full sk)
)

// PadMillis renders t as a zero-padded 13-digit epoch-millisecond
// string, so lexicographic order on sort keys matches time order.
func PadMillis(t time.Time) string {
	return fmt.Sprintf("%013d", t.UnixMilli())
}

// Timestamp renders t as the ISO-8601 UTC string embedded in createdAt
// sort keys. Millisecond precision; lexicographic order matches time
// order within the same format.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// EFTNotify is the sponsor-partition sort key of an EFT notification.
func EFTNotify(createdAt, id string) string {
	return EFTNotifyPrefix + createdAt + "#" + id
}

// EFTMirror is the admin-mirror sort key of an EFT notification.
func EFTMirror(status, createdAt, id string) string {
	return StatusPrefix + status + "#" + createdAt + "#" + id
}

// GSI1SK projects an EFT notification into the per-sponsor status index.
func GSI1SK(status, createdAt string) string {
	return "EFT#" + status + "#" + createdAt
}

// GSI1StatusPrefix matches every index entry in one status band.
func GSI1StatusPrefix(status string) string {
	return "EFT#" + status + "#"
}

// EFTMirrorPrefix matches every admin-mirror row in one status band.
func EFTMirrorPrefix(status string) string {
	return StatusPrefix + status + "#"
}

// GSI2SK projects a sponsorship link into the per-student funding index.
func GSI2SK(createdAt, id string) string {
	return "SPON#" + createdAt + "#" + id
}

// StudentLink is the sponsor-partition sort key of a sponsor-student link.
func StudentLink(studentID string) string {
	return StudentLinkPfx + studentID
}

// SponsorStudentAgg is the student-partition sort key of the per-sponsor
// allocation aggregate.
func SponsorStudentAgg(sponsorID string) string {
	return SponsorAggPrefix + sponsorID
}

// Budget is the student-partition sort key of a (sponsor, category)
// budget row.
func Budget(sponsorID, category string) string {
	return BudgetPrefix + "SPONSOR#" + sponsorID + "#CATEGORY#" + category
}

// BudgetSponsorPrefix matches all budget rows of one sponsor for a
// student partition.
func BudgetSponsorPrefix(sponsorID string) string {
	return BudgetPrefix + "SPONSOR#" + sponsorID + "#CATEGORY#"
}

// Lot is the student-partition sort key of an allocation lot. Lots for
// one category sort by creation time, tie-broken by lot id.
func Lot(category string, createdAt time.Time, lotID string) string {
	return LotPrefix + category + "#" + PadMillis(createdAt) + "#" + lotID
}

// LotCategoryPrefix matches all lots of one category.
func LotCategoryPrefix(category string) string {
	return LotPrefix + category + "#"
}

// PendingTx is the student-partition sort key of a prepared transaction.
func PendingTx(createdAt time.Time, txID string) string {
	return PendingTxPrefix + PadMillis(createdAt) + "#" + txID
}

// Spend is the student-partition sort key of a confirmed spend.
func Spend(createdAt, txID string) string {
	return SpendPrefix + createdAt + "#" + txID
}

// MerchantTx is the merchant-partition sort key of a received payment.
func MerchantTx(createdAt, txID string) string {
	return MerchantTxPrefix + createdAt + "#" + txID
}

// MerchantRefund is the merchant-partition sort key of a refund event.
func MerchantRefund(createdAt, txID string) string {
	return RefundPrefix + createdAt + "#" + txID
}

// Ledger is the sort key of a ledger entry: 13-digit epoch ms plus a
// random uid so same-millisecond entries never collide.
func Ledger(at time.Time, uid string) string {
	return LedgerPrefix + PadMillis(at) + "#" + uid
}

// Idempotency is the partition of idempotency records for one scope.
func Idempotency(scope string) string {
	return "IDEMPOTENCY#" + scope
}
