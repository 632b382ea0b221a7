package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFlatOff    DiscountType = "flat_off"
)

func (d DiscountType) Valid() bool {
	return d == DiscountPercentage || d == DiscountFlatOff
}

// PromoCode caps of 0 mean uncapped. UsedCount only ever grows.
type PromoCode struct {
	bun.BaseModel `bun:"table:promo_codes"`

	ID             string          `bun:"id,pk" json:"id"`
	Code           string          `bun:"code,unique,notnull" json:"code"`
	DiscountType   DiscountType    `bun:"discount_type,notnull" json:"discount_type"`
	DiscountValue  decimal.Decimal `bun:"discount_value,type:numeric(12,2),notnull" json:"discount_value"`
	MaxDiscount    decimal.Decimal `bun:"max_discount,type:numeric(12,2),notnull" json:"max_discount"`
	MaxUsesPerUser int             `bun:"max_uses_per_user,notnull" json:"max_uses_per_user"`
	MaxTotalUses   int             `bun:"max_total_uses,notnull" json:"max_total_uses"`
	UsedCount      int             `bun:"used_count,notnull" json:"used_count"`
	ValidFrom      time.Time       `bun:"valid_from,notnull" json:"valid_from"`
	ValidUntil     time.Time       `bun:"valid_until,notnull" json:"valid_until"`
	IsActive       bool            `bun:"is_active,notnull" json:"is_active"`
	EventID        string          `bun:"event_id,nullzero" json:"event_id,omitempty"`
	CreatedAt      time.Time       `bun:"created_at,notnull" json:"created_at"`
}
