// Package checkout turns a paid hold into an order and tickets. Everything a
// confirmation writes (hold status, tier counts, promo usage, order, tickets)
// commits together or not at all.
package checkout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ms-ticket-inventory/internal/clock"
	"ms-ticket-inventory/internal/database"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/models"
	"ms-ticket-inventory/internal/notify"
	"ms-ticket-inventory/internal/promo"
)

type Holds interface {
	GetHold(ctx context.Context, holdID string) (*models.CartHold, error)
	MarkConfirmed(ctx context.Context, holdID string) (bool, error)
	ExpireHold(ctx context.Context, holdID string) (bool, error)
	ReleaseHold(ctx context.Context, holdID string) error
	Forget(ctx context.Context, holdID string)
}

type Inventory interface {
	GetTier(ctx context.Context, tierID string) (*models.TicketTier, error)
	ConfirmSale(ctx context.Context, tierID string, qty int) error
}

type Promos interface {
	Redeem(ctx context.Context, code, eventID, userID string) (*models.PromoCode, error)
}

type Issuer interface {
	Issue(ctx context.Context, order *models.Order) ([]models.Ticket, error)
	ListByOrder(ctx context.Context, orderID string) ([]models.Ticket, error)
}

type Confirmation struct {
	Order   *models.Order   `json:"order"`
	Tickets []models.Ticket `json:"tickets"`
	// Replayed is set when the payment had already been applied.
	Replayed bool `json:"replayed"`
}

type Coordinator struct {
	db        *database.DB
	holds     Holds
	inventory Inventory
	promos    Promos
	issuer    Issuer
	clock     clock.Clock
	logger    *logger.Logger
	events    notify.Emitter
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithNotifier(e notify.Emitter) Option {
	return func(co *Coordinator) { co.events = e }
}

func NewCoordinator(db *database.DB, holds Holds, inv Inventory, promos Promos, issuer Issuer, log *logger.Logger, opts ...Option) *Coordinator {
	co := &Coordinator{
		db:        db,
		holds:     holds,
		inventory: inv,
		promos:    promos,
		issuer:    issuer,
		clock:     clock.NewSystem(),
		logger:    log,
		events:    notify.Discard{},
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// ConfirmPayment applies a successful payment to a hold. Replaying the same
// payment reference returns the original confirmation, so payment callbacks
// may be delivered more than once.
func (co *Coordinator) ConfirmPayment(ctx context.Context, holdID, paymentRef string) (*Confirmation, error) {
	if holdID == "" || paymentRef == "" {
		return nil, fmt.Errorf("%w: hold_id and payment_ref are required", models.ErrInvalidInput)
	}

	var (
		conf    *Confirmation
		expired bool
	)
	err := co.db.WithTx(ctx, func(ctx context.Context) error {
		conf, expired = nil, false

		hold, err := co.holds.GetHold(ctx, holdID)
		if err != nil {
			return err
		}
		switch hold.Status {
		case models.HoldActive:
		case models.HoldConfirmed:
			conf, err = co.replay(ctx, hold, paymentRef)
			return err
		case models.HoldExpired:
			return models.ErrHoldExpired
		default:
			return fmt.Errorf("%w: hold is %s", models.ErrHoldNotActive, hold.Status)
		}
		if hold.Expired(co.clock.Now()) {
			expired = true
			return models.ErrHoldExpired
		}

		won, err := co.holds.MarkConfirmed(ctx, holdID)
		if err != nil {
			return err
		}
		if !won {
			// Lost to a release or expiry between the read and the update.
			hold, err = co.holds.GetHold(ctx, holdID)
			if err != nil {
				return err
			}
			if hold.Status == models.HoldActive || hold.Status == models.HoldExpired {
				expired = hold.Status == models.HoldActive
				return models.ErrHoldExpired
			}
			return fmt.Errorf("%w: hold is %s", models.ErrHoldNotActive, hold.Status)
		}

		tier, err := co.inventory.GetTier(ctx, hold.TierID)
		if err != nil {
			return err
		}
		if err := co.inventory.ConfirmSale(ctx, hold.TierID, hold.Quantity); err != nil {
			return err
		}

		var code *models.PromoCode
		if hold.PromoCode != "" {
			code, err = co.promos.Redeem(ctx, hold.PromoCode, hold.EventID, hold.UserID)
			if err != nil {
				return err
			}
		}
		pricing, err := promo.Price(code, tier.Price, hold.Quantity)
		if err != nil {
			return err
		}

		order := &models.Order{
			ID:             uuid.NewString(),
			HoldID:         hold.ID,
			UserID:         hold.UserID,
			EventID:        hold.EventID,
			TierID:         hold.TierID,
			Quantity:       hold.Quantity,
			UnitPrice:      pricing.UnitPrice,
			Subtotal:       pricing.Subtotal,
			DiscountAmount: pricing.DiscountAmount,
			Total:          pricing.Total,
			PromoCode:      hold.PromoCode,
			PaymentRef:     paymentRef,
			CreatedAt:      co.clock.Now(),
		}
		if _, err := co.db.Conn(ctx).NewInsert().Model(order).Exec(ctx); err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("%w: payment reference %s already used", models.ErrInvalidInput, paymentRef)
			}
			return fmt.Errorf("insert order: %w", err)
		}

		tickets, err := co.issuer.Issue(ctx, order)
		if err != nil {
			return err
		}
		conf = &Confirmation{Order: order, Tickets: tickets}
		return nil
	})
	if err != nil {
		if expired {
			co.expire(ctx, holdID)
		}
		// A reused payment reference was already applied to another hold.
		if models.CategoryOf(err) != models.CategoryInternal && !errors.Is(err, models.ErrInvalidInput) {
			co.unapplied(holdID, paymentRef, err)
		}
		return nil, err
	}

	if conf.Replayed {
		co.logger.LogOrder("REPLAY", conf.Order.ID, fmt.Sprintf("payment %s already applied", paymentRef))
		return conf, nil
	}

	order := conf.Order
	co.logger.LogOrder("CONFIRM", order.ID, fmt.Sprintf("hold %s paid by %s: %d tickets, total %s",
		holdID, paymentRef, order.Quantity, order.Total.StringFixed(2)))
	co.holds.Forget(ctx, holdID)

	ticketIDs := make([]string, 0, len(conf.Tickets))
	for _, t := range conf.Tickets {
		ticketIDs = append(ticketIDs, t.ID)
	}
	co.events.Emit(notify.NewEvent(notify.TicketPurchased, order.UserID, map[string]interface{}{
		"order_id":   order.ID,
		"event_id":   order.EventID,
		"tier_id":    order.TierID,
		"quantity":   order.Quantity,
		"total":      order.Total.StringFixed(2),
		"ticket_ids": ticketIDs,
	}))
	return conf, nil
}

func (co *Coordinator) replay(ctx context.Context, hold *models.CartHold, paymentRef string) (*Confirmation, error) {
	order, err := co.OrderForHold(ctx, hold.ID)
	if err != nil {
		return nil, err
	}
	if order.PaymentRef != paymentRef {
		return nil, fmt.Errorf("%w: hold already confirmed by another payment", models.ErrHoldNotActive)
	}
	tickets, err := co.issuer.ListByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &Confirmation{Order: order, Tickets: tickets, Replayed: true}, nil
}

// unapplied reports a payment that was taken but will never turn into an
// order, so the payment side can refund it.
func (co *Coordinator) unapplied(holdID, paymentRef string, cause error) {
	co.logger.Warn("CHECKOUT", fmt.Sprintf("Payment %s for hold %s not applied: %v", paymentRef, holdID, cause))
	co.events.Emit(notify.NewEvent(notify.PaymentUnapplied, paymentRef, map[string]interface{}{
		"hold_id":     holdID,
		"payment_ref": paymentRef,
		"category":    models.CategoryOf(cause).String(),
		"reason":      cause.Error(),
	}))
}

func (co *Coordinator) expire(ctx context.Context, holdID string) {
	if _, err := co.holds.ExpireHold(ctx, holdID); err != nil {
		co.logger.Warn("CHECKOUT", fmt.Sprintf("Failed to expire hold %s after late payment: %v", holdID, err))
	}
}

// RejectPayment releases the hold after a failed payment and reports the
// failure to the caller as ErrPaymentRejected.
func (co *Coordinator) RejectPayment(ctx context.Context, holdID, paymentRef string) error {
	hold, err := co.holds.GetHold(ctx, holdID)
	if err != nil {
		return err
	}
	if hold.Status == models.HoldConfirmed {
		return fmt.Errorf("%w: hold already confirmed", models.ErrHoldNotActive)
	}
	if err := co.holds.ReleaseHold(ctx, holdID); err != nil {
		return err
	}
	co.logger.LogOrder("REJECT", holdID, fmt.Sprintf("payment %s failed, hold released", paymentRef))
	return fmt.Errorf("%w: payment %s", models.ErrPaymentRejected, paymentRef)
}

func (co *Coordinator) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return co.findOrder(ctx, "id = ?", orderID)
}

func (co *Coordinator) OrderForHold(ctx context.Context, holdID string) (*models.Order, error) {
	return co.findOrder(ctx, "hold_id = ?", holdID)
}

func (co *Coordinator) findOrder(ctx context.Context, where, arg string) (*models.Order, error) {
	order := new(models.Order)
	err := co.db.Conn(ctx).NewSelect().Model(order).Where(where, arg).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}
