package models

import (
	"time"

	"github.com/uptrace/bun"
)

type ScanResult string

const (
	ScanValid       ScanResult = "valid"
	ScanAlreadyUsed ScanResult = "already_used"
	ScanInvalid     ScanResult = "invalid"
)

// ScanRecord is append-only. Failed scans are recorded too.
type ScanRecord struct {
	bun.BaseModel `bun:"table:scan_records"`

	ID        string     `bun:"id,pk" json:"id"`
	TicketID  string     `bun:"ticket_id,nullzero" json:"ticket_id,omitempty"`
	QRCode    string     `bun:"qr_code,notnull" json:"-"`
	EventID   string     `bun:"event_id,notnull" json:"event_id"`
	ScannerID string     `bun:"scanner_id,notnull" json:"scanner_id"`
	Location  string     `bun:"location,nullzero" json:"location,omitempty"`
	Result    ScanResult `bun:"result,notnull" json:"result"`
	Reason    string     `bun:"reason,nullzero" json:"reason,omitempty"`
	ScannedAt time.Time  `bun:"scanned_at,notnull" json:"scanned_at"`
}
