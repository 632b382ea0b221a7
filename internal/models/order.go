package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Order is written exactly once, when a hold is confirmed. One order per hold
// and one order per payment reference.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID             string          `bun:"id,pk" json:"id"`
	HoldID         string          `bun:"hold_id,unique,notnull" json:"hold_id"`
	UserID         string          `bun:"user_id,notnull" json:"user_id"`
	EventID        string          `bun:"event_id,notnull" json:"event_id"`
	TierID         string          `bun:"tier_id,notnull" json:"tier_id"`
	Quantity       int             `bun:"quantity,notnull" json:"quantity"`
	UnitPrice      decimal.Decimal `bun:"unit_price,type:numeric(12,2),notnull" json:"unit_price"`
	Subtotal       decimal.Decimal `bun:"subtotal,type:numeric(12,2),notnull" json:"subtotal"`
	DiscountAmount decimal.Decimal `bun:"discount_amount,type:numeric(12,2),notnull" json:"discount_amount"`
	Total          decimal.Decimal `bun:"total,type:numeric(12,2),notnull" json:"total"`
	PromoCode      string          `bun:"promo_code,nullzero" json:"promo_code,omitempty"`
	PaymentRef     string          `bun:"payment_ref,unique,notnull" json:"payment_ref"`
	CreatedAt      time.Time       `bun:"created_at,notnull" json:"created_at"`
}
