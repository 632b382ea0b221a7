package models

import (
	"time"

	"github.com/uptrace/bun"
)

type TicketStatus string

const (
	TicketActive          TicketStatus = "active"
	TicketUsed            TicketStatus = "used"
	TicketTransferPending TicketStatus = "transfer_pending"
	TicketTransferred     TicketStatus = "transferred"
	TicketExpired         TicketStatus = "expired"
)

// A transfer that completes is recorded on the transfer row; the ticket itself
// goes transfer_pending -> active under its new owner. "transferred" is kept
// for tickets whose previous owner views history.
var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketActive:          {TicketUsed, TicketTransferPending, TicketExpired},
	TicketTransferPending: {TicketActive, TicketTransferred},
	TicketTransferred:     {TicketActive},
}

func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	for _, allowed := range ticketTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Ticket is a wallet entry. QRCode is unique and unguessable.
type Ticket struct {
	bun.BaseModel `bun:"table:tickets"`

	ID              string       `bun:"id,pk" json:"id"`
	OrderID         string       `bun:"order_id,notnull" json:"order_id"`
	OwnerUserID     string       `bun:"owner_user_id,notnull" json:"owner_user_id"`
	EventID         string       `bun:"event_id,notnull" json:"event_id"`
	TierID          string       `bun:"tier_id,notnull" json:"tier_id"`
	QRCode          string       `bun:"qr_code,unique,notnull" json:"qr_code"`
	Status          TicketStatus `bun:"status,notnull" json:"status"`
	IssuedAt        time.Time    `bun:"issued_at,notnull" json:"issued_at"`
	UsedAt          time.Time    `bun:"used_at,nullzero" json:"used_at,omitempty"`
	UsedBy          string       `bun:"used_by,nullzero" json:"used_by,omitempty"`
	ScannerLocation string       `bun:"scanner_location,nullzero" json:"scanner_location,omitempty"`
	UpdatedAt       time.Time    `bun:"updated_at,notnull" json:"updated_at"`
}
