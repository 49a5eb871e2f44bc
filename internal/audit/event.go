package audit

import (
	"context"
	"sync"
	"time"

	"github.com/angelmondragon/unilevel-ledger/pkg/enums"
	"github.com/angelmondragon/unilevel-ledger/pkg/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event is one append-only audit record.
type Event struct {
	ID         uuid.UUID            `json:"id"`
	Type       enums.AuditEventType `json:"type"`
	AccountID  string               `json:"account_id,omitempty"`
	BatchID    uuid.UUID            `json:"batch_id,omitempty"`
	Amount     decimal.Decimal      `json:"amount"`
	Reason     string               `json:"reason,omitempty"`
	Actor      string               `json:"actor,omitempty"`
	Data       map[string]any       `json:"data,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// NewEvent stamps an event with a fresh id.
func NewEvent(typ enums.AuditEventType, accountID string, amount decimal.Decimal, reason string, at time.Time) Event {
	return Event{
		ID:         uuid.New(),
		Type:       typ,
		AccountID:  accountID,
		Amount:     amount,
		Reason:     reason,
		OccurredAt: at,
	}
}

// Sink receives audit events. Implementations must never mutate or drop an
// accepted event.
type Sink interface {
	Append(ctx context.Context, events ...Event) error
}

// LogSink mirrors events into the structured log.
type LogSink struct {
	logg *logger.Logger
}

func NewLogSink(logg *logger.Logger) *LogSink {
	return &LogSink{logg: logg}
}

func (s *LogSink) Append(ctx context.Context, events ...Event) error {
	for _, ev := range events {
		fields := map[string]any{
			"audit_id":   ev.ID.String(),
			"audit_type": string(ev.Type),
			"amount":     ev.Amount.String(),
		}
		if ev.AccountID != "" {
			fields["account_id"] = ev.AccountID
		}
		if ev.BatchID != uuid.Nil {
			fields["batch_id"] = ev.BatchID.String()
		}
		if ev.Reason != "" {
			fields["reason"] = ev.Reason
		}
		if ev.Actor != "" {
			fields["actor"] = ev.Actor
		}
		for k, v := range ev.Data {
			fields[k] = v
		}
		s.logg.Info(s.logg.WithFields(ctx, fields), "audit")
	}
	return nil
}

// MemorySink keeps events in memory, in append order.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(_ context.Context, events ...Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType filters recorded events by type.
func (s *MemorySink) OfType(typ enums.AuditEventType) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// MultiSink fans out to every sink in order and stops at the first error.
type MultiSink []Sink

func (m MultiSink) Append(ctx context.Context, events ...Event) error {
	for _, s := range m {
		if err := s.Append(ctx, events...); err != nil {
			return err
		}
	}
	return nil
}
