// Package notify carries fire-and-forget notification requests out of the
// core. Publishing happens after commit on a background worker; a failed or
// dropped notification never affects the transaction that produced it.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	TicketPurchased    EventType = "ticket.purchased"
	TransferCreated    EventType = "transfer.created"
	TransferAccepted   EventType = "transfer.accepted"
	TransferCancelled  EventType = "transfer.cancelled"
	TransferExpired    EventType = "transfer.expired"
	HoldExpired        EventType = "hold.expired"
	PaymentUnapplied   EventType = "payment.unapplied"
	TicketRescanned    EventType = "security.ticket_rescanned"
	IntegrityViolation EventType = "ops.integrity_violation"
)

type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Key        string                 `json:"key"`
	OccurredAt time.Time              `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload"`
}

// NewEvent builds an event. key is the partition/routing key, usually a user or tier id.
func NewEvent(t EventType, key string, payload map[string]interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Notifier delivers one event to a broker.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Emitter is what the core services depend on. Emit must never block.
type Emitter interface {
	Emit(ev Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}
