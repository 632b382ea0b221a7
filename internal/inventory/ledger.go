// Package inventory owns the per-tier ticket counts. Every change to
// available, held or sold goes through one conditional UPDATE on the tier row,
// so concurrent callers can never both consume the last unit.
package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"ms-ticket-inventory/internal/clock"
	"ms-ticket-inventory/internal/database"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/models"
	"ms-ticket-inventory/internal/notify"
)

type Ledger struct {
	db     *database.DB
	clock  clock.Clock
	logger *logger.Logger
	alerts notify.Emitter
}

type Option func(*Ledger)

func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithAlerts routes integrity violations to operators.
func WithAlerts(e notify.Emitter) Option {
	return func(l *Ledger) { l.alerts = e }
}

func NewLedger(db *database.DB, log *logger.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		db:     db,
		clock:  clock.NewSystem(),
		logger: log,
		alerts: notify.Discard{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type CreateTierRequest struct {
	EventID  string
	Name     string
	Price    decimal.Decimal
	Quantity int
}

func (l *Ledger) CreateTier(ctx context.Context, req CreateTierRequest) (*models.TicketTier, error) {
	if req.EventID == "" || req.Name == "" {
		return nil, fmt.Errorf("%w: event_id and name are required", models.ErrInvalidInput)
	}
	if req.Quantity < 0 {
		return nil, fmt.Errorf("%w: quantity must not be negative", models.ErrInvalidInput)
	}
	if req.Price.IsNegative() {
		return nil, fmt.Errorf("%w: price must not be negative", models.ErrInvalidInput)
	}

	known, err := l.db.Conn(ctx).NewSelect().Model((*models.Event)(nil)).Where("id = ?", req.EventID).Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("look up event %s: %w", req.EventID, err)
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", models.ErrEventNotFound, req.EventID)
	}

	now := l.clock.Now()
	tier := &models.TicketTier{
		ID:                uuid.NewString(),
		EventID:           req.EventID,
		Name:              req.Name,
		Price:             req.Price.Round(2),
		TotalQuantity:     req.Quantity,
		AvailableQuantity: req.Quantity,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if _, err := l.db.Conn(ctx).NewInsert().Model(tier).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert tier: %w", err)
	}

	l.logger.LogDatabase("INSERT", "ticket_tiers", fmt.Sprintf("tier %s (%s) with %d tickets", tier.ID, tier.Name, tier.TotalQuantity))
	return tier, nil
}

func (l *Ledger) GetTier(ctx context.Context, tierID string) (*models.TicketTier, error) {
	tier := new(models.TicketTier)
	err := l.db.Conn(ctx).NewSelect().Model(tier).Where("id = ?", tierID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tier %s: %w", tierID, err)
	}
	return tier, nil
}

func (l *Ledger) ListTiersByEvent(ctx context.Context, eventID string) ([]models.TicketTier, error) {
	var tiers []models.TicketTier
	err := l.db.Conn(ctx).NewSelect().Model(&tiers).
		Where("event_id = ?", eventID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tiers for event %s: %w", eventID, err)
	}
	return tiers, nil
}

// DeactivateTier stops new reservations. Existing holds can still be
// confirmed or released.
func (l *Ledger) DeactivateTier(ctx context.Context, tierID string) error {
	res, err := l.db.Conn(ctx).NewUpdate().Model((*models.TicketTier)(nil)).
		Set("is_active = ?", false).
		Set("updated_at = ?", l.clock.Now()).
		Where("id = ?", tierID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("deactivate tier %s: %w", tierID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrTierNotFound
	}
	l.logger.LogDatabase("UPDATE", "ticket_tiers", fmt.Sprintf("tier %s deactivated", tierID))
	return nil
}

// Reserve moves qty from available to held. It fails with
// ErrInsufficientInventory when fewer than qty are available; nothing is
// reserved in that case.
func (l *Ledger) Reserve(ctx context.Context, tierID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", models.ErrInvalidInput)
	}
	return l.db.WithTx(ctx, func(ctx context.Context) error {
		res, err := l.db.Conn(ctx).NewUpdate().Model((*models.TicketTier)(nil)).
			Set("available_quantity = available_quantity - ?", qty).
			Set("held_quantity = held_quantity + ?", qty).
			Set("updated_at = ?", l.clock.Now()).
			Where("id = ?", tierID).
			Where("is_active = ?", true).
			Where("available_quantity >= ?", qty).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("reserve on tier %s: %w", tierID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			tier, err := l.GetTier(ctx, tierID)
			if err != nil {
				return err
			}
			if !tier.IsActive {
				return models.ErrTierInactive
			}
			return models.ErrInsufficientInventory
		}
		return l.verify(ctx, tierID, "reserve")
	})
}

// Release moves qty from held back to available.
func (l *Ledger) Release(ctx context.Context, tierID string, qty int) error {
	return l.moveHeld(ctx, tierID, qty, "available_quantity", "release")
}

// ConfirmSale moves qty from held to sold. It must follow a successful Reserve.
func (l *Ledger) ConfirmSale(ctx context.Context, tierID string, qty int) error {
	return l.moveHeld(ctx, tierID, qty, "sold_quantity", "confirm_sale")
}

func (l *Ledger) moveHeld(ctx context.Context, tierID string, qty int, target, op string) error {
	if qty <= 0 {
		return fmt.Errorf("%w: quantity must be positive", models.ErrInvalidInput)
	}
	return l.db.WithTx(ctx, func(ctx context.Context) error {
		res, err := l.db.Conn(ctx).NewUpdate().Model((*models.TicketTier)(nil)).
			Set("held_quantity = held_quantity - ?", qty).
			Set("? = ? + ?", bun.Ident(target), bun.Ident(target), qty).
			Set("updated_at = ?", l.clock.Now()).
			Where("id = ?", tierID).
			Where("held_quantity >= ?", qty).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("%s on tier %s: %w", op, tierID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			tier, err := l.GetTier(ctx, tierID)
			if err != nil {
				return err
			}
			// Moving more than is held means a hold was credited twice.
			return l.violation(tier, fmt.Sprintf("%s of %d exceeds held_quantity=%d", op, qty, tier.HeldQuantity))
		}
		return l.verify(ctx, tierID, op)
	})
}

// verify re-reads the tier inside the transaction and aborts it if the counts
// no longer add up.
func (l *Ledger) verify(ctx context.Context, tierID, op string) error {
	tier, err := l.GetTier(ctx, tierID)
	if err != nil {
		return err
	}
	if err := tier.CheckInvariant(); err != nil {
		return l.violation(tier, fmt.Sprintf("after %s: %v", op, err))
	}
	return nil
}

func (l *Ledger) violation(tier *models.TicketTier, detail string) error {
	l.logger.LogIntegrity(tier.ID, detail)
	l.alerts.Emit(notify.NewEvent(notify.IntegrityViolation, tier.ID, map[string]interface{}{
		"tier_id":            tier.ID,
		"event_id":           tier.EventID,
		"detail":             detail,
		"total_quantity":     tier.TotalQuantity,
		"available_quantity": tier.AvailableQuantity,
		"held_quantity":      tier.HeldQuantity,
		"sold_quantity":      tier.SoldQuantity,
	}))
	return fmt.Errorf("%w: tier %s: %s", models.ErrIntegrityViolation, tier.ID, detail)
}
