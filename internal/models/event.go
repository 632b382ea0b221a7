package models

import (
	"time"

	"github.com/uptrace/bun"
)

type EventStatus string

const (
	EventScheduled EventStatus = "scheduled"
	EventCancelled EventStatus = "cancelled"
)

// Event is the read-only projection of the event catalog this service needs:
// when doors open and when the event is over.
type Event struct {
	bun.BaseModel `bun:"table:events"`

	ID        string      `bun:"id,pk" json:"id"`
	Name      string      `bun:"name,notnull" json:"name"`
	Status    EventStatus `bun:"status,notnull" json:"status"`
	StartAt   time.Time   `bun:"start_at,notnull" json:"start_at"`
	EndAt     time.Time   `bun:"end_at,notnull" json:"end_at"`
	CreatedAt time.Time   `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt time.Time   `bun:"updated_at,notnull" json:"updated_at"`
}

func (e *Event) Started(now time.Time) bool {
	return !now.Before(e.StartAt)
}

func (e *Event) Ended(now time.Time) bool {
	return !now.Before(e.EndAt)
}
