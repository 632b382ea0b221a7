package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferAccepted  TransferStatus = "accepted"
	TransferExpired   TransferStatus = "expired"
	TransferCancelled TransferStatus = "cancelled"
)

var transferTransitions = map[TransferStatus][]TransferStatus{
	TransferPending: {TransferAccepted, TransferExpired, TransferCancelled},
}

func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	for _, allowed := range transferTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type TicketTransfer struct {
	bun.BaseModel `bun:"table:ticket_transfers"`

	ID         string         `bun:"id,pk" json:"id"`
	TicketID   string         `bun:"ticket_id,notnull" json:"ticket_id"`
	FromUserID string         `bun:"from_user_id,notnull" json:"from_user_id"`
	ToUserID   string         `bun:"to_user_id,notnull" json:"to_user_id"`
	Status     TransferStatus `bun:"status,notnull" json:"status"`
	CreatedAt  time.Time      `bun:"created_at,notnull" json:"created_at"`
	ExpiresAt  time.Time      `bun:"expires_at,notnull" json:"expires_at"`
	ResolvedAt time.Time      `bun:"resolved_at,nullzero" json:"resolved_at,omitempty"`
}

func (t *TicketTransfer) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
