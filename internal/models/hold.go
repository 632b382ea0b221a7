package models

import (
	"time"

	"github.com/uptrace/bun"
)

type HoldStatus string

const (
	HoldActive    HoldStatus = "active"
	HoldReleased  HoldStatus = "released"
	HoldConfirmed HoldStatus = "confirmed"
	HoldExpired   HoldStatus = "expired"
)

var holdTransitions = map[HoldStatus][]HoldStatus{
	HoldActive: {HoldReleased, HoldConfirmed, HoldExpired},
}

func (s HoldStatus) CanTransitionTo(next HoldStatus) bool {
	for _, allowed := range holdTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal holds never change again.
func (s HoldStatus) Terminal() bool {
	return len(holdTransitions[s]) == 0
}

// CartHold is a time-boxed reservation of inventory for one buyer.
type CartHold struct {
	bun.BaseModel `bun:"table:cart_holds"`

	ID          string     `bun:"id,pk" json:"id"`
	UserID      string     `bun:"user_id,notnull" json:"user_id"`
	TierID      string     `bun:"tier_id,notnull" json:"tier_id"`
	EventID     string     `bun:"event_id,notnull" json:"event_id"`
	Quantity    int        `bun:"quantity,notnull" json:"quantity"`
	PromoCode   string     `bun:"promo_code,nullzero" json:"promo_code,omitempty"`
	Status      HoldStatus `bun:"status,notnull" json:"status"`
	CreatedAt   time.Time  `bun:"created_at,notnull" json:"created_at"`
	ExpiresAt   time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	ReleasedAt  time.Time  `bun:"released_at,nullzero" json:"released_at,omitempty"`
	ConfirmedAt time.Time  `bun:"confirmed_at,nullzero" json:"confirmed_at,omitempty"`
}

// Expired is true once now has reached expires_at.
func (h *CartHold) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}
