package database

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"ms-ticket-inventory/internal/models"
)

// Models lists every table this service owns, in creation order.
func Models() []interface{} {
	return []interface{}{
		(*models.Event)(nil),
		(*models.TicketTier)(nil),
		(*models.PromoCode)(nil),
		(*models.CartHold)(nil),
		(*models.Order)(nil),
		(*models.Ticket)(nil),
		(*models.TicketTransfer)(nil),
		(*models.ScanRecord)(nil),
	}
}

type index struct {
	model   interface{}
	name    string
	columns []string
}

var indexes = []index{
	{(*models.TicketTier)(nil), "idx_ticket_tiers_event", []string{"event_id"}},
	{(*models.CartHold)(nil), "idx_cart_holds_status_expires", []string{"status", "expires_at"}},
	{(*models.CartHold)(nil), "idx_cart_holds_tier_status", []string{"tier_id", "status"}},
	{(*models.Order)(nil), "idx_orders_user_promo", []string{"user_id", "promo_code"}},
	{(*models.Ticket)(nil), "idx_tickets_owner", []string{"owner_user_id"}},
	{(*models.Ticket)(nil), "idx_tickets_event_status", []string{"event_id", "status"}},
	{(*models.TicketTransfer)(nil), "idx_ticket_transfers_status_expires", []string{"status", "expires_at"}},
	{(*models.ScanRecord)(nil), "idx_scan_records_ticket", []string{"ticket_id"}},
}

// CreateSchema builds the tables straight from the bun models. Tests and
// local SQLite runs use it; PostgreSQL deployments run the SQL migrations.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	for _, m := range Models() {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", m, err)
		}
	}
	for _, idx := range indexes {
		if _, err := db.NewCreateIndex().Model(idx.model).Index(idx.name).Column(idx.columns...).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// DropSchema removes every table, newest first.
func DropSchema(ctx context.Context, db bun.IDB) error {
	ms := Models()
	for i := len(ms) - 1; i >= 0; i-- {
		if _, err := db.NewDropTable().Model(ms[i]).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("drop table for %T: %w", ms[i], err)
		}
	}
	return nil
}
