// Package events emits lifecycle events to an optional outbound sink.
//
// The sink is explicit capability passing: services hold an Emitter and
// call typed emit methods; the Emitter fans out to whatever Sink the
// server wired (a signed webhook POST to QUEUE_URL, the admin realtime
// feed, or nothing). All emission is fire-and-forget — errors are
// counted and logged, never returned to the request path.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/kudupay/kudu/internal/idgen"
	"github.com/kudupay/kudu/internal/metrics"
)

// Event types.
const (
	TypeEFTSubmitted       = "eft.submitted"
	TypeEFTApproved        = "eft.approved"
	TypeEFTRejected        = "eft.rejected"
	TypeAllocationCreated  = "allocation.created"
	TypeAllocationReversed = "allocation.reversed"
	TypeTxPrepared         = "tx.prepared"
	TypeTxConfirmed        = "tx.confirmed"
	TypeTxRefunded         = "tx.refunded"
)

// Event is one emitted envelope.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Sink delivers events somewhere. Implementations must be safe for
// concurrent use.
type Sink interface {
	Deliver(ctx context.Context, event *Event) error
}

// NoopSink drops everything. Used when QUEUE_URL is not configured.
type NoopSink struct{}

// Deliver discards the event.
func (NoopSink) Deliver(context.Context, *Event) error { return nil }

// Multi fans an event out to several sinks; the first error wins but
// every sink is attempted.
type Multi []Sink

// Deliver sends the event to every sink.
func (m Multi) Deliver(ctx context.Context, event *Event) error {
	var first error
	for _, s := range m {
		if err := s.Deliver(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// deliverTimeout bounds one fire-and-forget delivery.
const deliverTimeout = 30 * time.Second

// Emitter is the typed front door services emit through.
type Emitter struct {
	sink   Sink
	logger *slog.Logger
}

// NewEmitter creates an emitter over sink. A nil sink disables emission.
func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Emitter{sink: sink, logger: logger}
}

func (e *Emitter) emit(eventType string, data map[string]any) {
	if e == nil {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()
		if err := e.sink.Deliver(ctx, event); err != nil {
			metrics.EventDeliveriesTotal.WithLabelValues("error").Inc()
			e.logger.Warn("event delivery failed", "type", eventType, "error", err)
			return
		}
		metrics.EventDeliveriesTotal.WithLabelValues("ok").Inc()
	}()
}

// EmitEFTSubmitted emits eft.submitted.
func (e *Emitter) EmitEFTSubmitted(sponsorID, eftID string, amountCents int64) {
	e.emit(TypeEFTSubmitted, map[string]any{
		"sponsor_id":   sponsorID,
		"eft_id":       eftID,
		"amount_cents": amountCents,
	})
}

// EmitEFTApproved emits eft.approved.
func (e *Emitter) EmitEFTApproved(sponsorID, eftID string, approvedCents int64) {
	e.emit(TypeEFTApproved, map[string]any{
		"sponsor_id":            sponsorID,
		"eft_id":                eftID,
		"approved_amount_cents": approvedCents,
	})
}

// EmitEFTRejected emits eft.rejected.
func (e *Emitter) EmitEFTRejected(sponsorID, eftID, reason string) {
	e.emit(TypeEFTRejected, map[string]any{
		"sponsor_id": sponsorID,
		"eft_id":     eftID,
		"reason":     reason,
	})
}

// EmitAllocationCreated emits allocation.created.
func (e *Emitter) EmitAllocationCreated(sponsorID, studentID string, totalCents int64) {
	e.emit(TypeAllocationCreated, map[string]any{
		"sponsor_id":  sponsorID,
		"student_id":  studentID,
		"total_cents": totalCents,
	})
}

// EmitAllocationReversed emits allocation.reversed.
func (e *Emitter) EmitAllocationReversed(sponsorID, studentID string, reversedCents int64) {
	e.emit(TypeAllocationReversed, map[string]any{
		"sponsor_id":     sponsorID,
		"student_id":     studentID,
		"reversed_cents": reversedCents,
	})
}

// EmitTxPrepared emits tx.prepared.
func (e *Emitter) EmitTxPrepared(studentID, txID, category string, requested, covered int64) {
	e.emit(TypeTxPrepared, map[string]any{
		"student_id":             studentID,
		"tx_id":                  txID,
		"category":               category,
		"amount_requested_cents": requested,
		"amount_covered_cents":   covered,
	})
}

// EmitTxConfirmed emits tx.confirmed.
func (e *Emitter) EmitTxConfirmed(studentID, txID, merchantID, status string, amountCents int64) {
	e.emit(TypeTxConfirmed, map[string]any{
		"student_id":   studentID,
		"tx_id":        txID,
		"merchant_id":  merchantID,
		"status":       status,
		"amount_cents": amountCents,
	})
}

// EmitTxRefunded emits tx.refunded.
func (e *Emitter) EmitTxRefunded(merchantID, txID, status string, amountCents int64) {
	e.emit(TypeTxRefunded, map[string]any{
		"merchant_id":  merchantID,
		"tx_id":        txID,
		"status":       status,
		"amount_cents": amountCents,
	})
}
