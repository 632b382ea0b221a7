package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// TicketTier is one priced pool of tickets for an event.
// available + held + sold == total at all times.
type TicketTier struct {
	bun.BaseModel `bun:"table:ticket_tiers"`

	ID                string          `bun:"id,pk" json:"id"`
	EventID           string          `bun:"event_id,notnull" json:"event_id"`
	Name              string          `bun:"name,notnull" json:"name"`
	Price             decimal.Decimal `bun:"price,type:numeric(12,2),notnull" json:"price"`
	TotalQuantity     int             `bun:"total_quantity,notnull" json:"total_quantity"`
	AvailableQuantity int             `bun:"available_quantity,notnull" json:"available_quantity"`
	HeldQuantity      int             `bun:"held_quantity,notnull" json:"held_quantity"`
	SoldQuantity      int             `bun:"sold_quantity,notnull" json:"sold_quantity"`
	IsActive          bool            `bun:"is_active,notnull" json:"is_active"`
	CreatedAt         time.Time       `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt         time.Time       `bun:"updated_at,notnull" json:"updated_at"`
}

// CheckInvariant reports the first broken count rule, or nil.
func (t *TicketTier) CheckInvariant() error {
	switch {
	case t.AvailableQuantity < 0:
		return fmt.Errorf("available_quantity=%d is negative", t.AvailableQuantity)
	case t.HeldQuantity < 0:
		return fmt.Errorf("held_quantity=%d is negative", t.HeldQuantity)
	case t.SoldQuantity < 0:
		return fmt.Errorf("sold_quantity=%d is negative", t.SoldQuantity)
	case t.AvailableQuantity+t.HeldQuantity+t.SoldQuantity != t.TotalQuantity:
		return fmt.Errorf("available(%d)+held(%d)+sold(%d) != total(%d)",
			t.AvailableQuantity, t.HeldQuantity, t.SoldQuantity, t.TotalQuantity)
	}
	return nil
}
