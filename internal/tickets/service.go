// Package tickets runs the lifecycle of issued tickets: issuance, door scans
// and owner-to-owner transfers.
package tickets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-inventory/internal/clock"
	"ms-ticket-inventory/internal/config"
	"ms-ticket-inventory/internal/database"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/models"
	"ms-ticket-inventory/internal/notify"
	"ms-ticket-inventory/internal/tickets/qr"
)

type EventCatalog interface {
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
}

// ScanPublisher receives every scan record after it is stored.
type ScanPublisher interface {
	PublishScan(rec models.ScanRecord)
}

// TransferScheduler is told about transfer deadlines. Like hold expiry keys
// it only speeds things up; the sweeper still reverts overdue transfers.
type TransferScheduler interface {
	ScheduleTransfer(ctx context.Context, transferID string, at time.Time) error
	CancelTransfer(ctx context.Context, transferID string) error
}

type Engine struct {
	db          *database.DB
	catalog     EventCatalog
	signer      *qr.Signer
	clock       clock.Clock
	logger      *logger.Logger
	events      notify.Emitter
	scans       ScanPublisher
	scheduler   TransferScheduler
	transferTTL time.Duration
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithNotifier(n notify.Emitter) Option {
	return func(e *Engine) { e.events = n }
}

func WithScanPublisher(p ScanPublisher) Option {
	return func(e *Engine) { e.scans = p }
}

func WithScheduler(s TransferScheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

func NewEngine(db *database.DB, catalog EventCatalog, signer *qr.Signer, cfg config.TransferConfig, log *logger.Logger, opts ...Option) *Engine {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	e := &Engine{
		db:          db,
		catalog:     catalog,
		signer:      signer,
		clock:       clock.NewSystem(),
		logger:      log,
		events:      notify.Discard{},
		transferTTL: ttl,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Issue writes one active ticket per unit of the order, each with its own
// code. It runs inside the checkout transaction.
func (e *Engine) Issue(ctx context.Context, order *models.Order) ([]models.Ticket, error) {
	if order.Quantity < 1 {
		return nil, fmt.Errorf("%w: order %s has no tickets", models.ErrInvalidInput, order.ID)
	}
	now := e.clock.Now()
	tickets := make([]models.Ticket, 0, order.Quantity)
	for i := 0; i < order.Quantity; i++ {
		id := uuid.NewString()
		code, err := e.signer.Generate(id)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, models.Ticket{
			ID:          id,
			OrderID:     order.ID,
			OwnerUserID: order.UserID,
			EventID:     order.EventID,
			TierID:      order.TierID,
			QRCode:      code,
			Status:      models.TicketActive,
			IssuedAt:    now,
			UpdatedAt:   now,
		})
	}
	if _, err := e.db.Conn(ctx).NewInsert().Model(&tickets).Exec(ctx); err != nil {
		return nil, fmt.Errorf("insert tickets for order %s: %w", order.ID, err)
	}
	e.logger.LogTicket("ISSUE", order.ID, fmt.Sprintf("%d tickets issued to %s", len(tickets), order.UserID))
	return tickets, nil
}

func (e *Engine) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	return e.getTicket(ctx, "id = ?", ticketID)
}

func (e *Engine) getTicket(ctx context.Context, where string, arg interface{}) (*models.Ticket, error) {
	t := new(models.Ticket)
	err := e.db.Conn(ctx).NewSelect().Model(t).Where(where, arg).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket: %w", err)
	}
	return t, nil
}

// ListWallet returns the tickets a user currently owns, newest first.
func (e *Engine) ListWallet(ctx context.Context, userID string) ([]models.Ticket, error) {
	tickets := []models.Ticket{}
	err := e.db.Conn(ctx).NewSelect().Model(&tickets).
		Where("owner_user_id = ?", userID).
		Order("issued_at DESC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list wallet for %s: %w", userID, err)
	}
	return tickets, nil
}

// ListByOrder returns the tickets issued for an order.
func (e *Engine) ListByOrder(ctx context.Context, orderID string) ([]models.Ticket, error) {
	tickets := []models.Ticket{}
	err := e.db.Conn(ctx).NewSelect().Model(&tickets).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tickets for order %s: %w", orderID, err)
	}
	return tickets, nil
}

// RenderQR returns the PNG of the ticket's current code. Only the owner may
// fetch it; an empty userID skips the check for internal callers.
func (e *Engine) RenderQR(ctx context.Context, ticketID, userID string) ([]byte, error) {
	t, err := e.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if userID != "" && t.OwnerUserID != userID {
		return nil, models.ErrForbidden
	}
	if t.Status != models.TicketActive {
		return nil, fmt.Errorf("%w: ticket is %s", models.ErrWrongStatus, t.Status)
	}
	return e.signer.Render(t.QRCode)
}

// ExpireEndedEventTickets retires active tickets of events that are over.
func (e *Engine) ExpireEndedEventTickets(ctx context.Context) (int, error) {
	if !models.TicketActive.CanTransitionTo(models.TicketExpired) {
		return 0, errors.New("ticket transition active -> expired not allowed")
	}
	now := e.clock.Now()
	conn := e.db.Conn(ctx)
	ended := conn.NewSelect().Model((*models.Event)(nil)).Column("id").Where("end_at <= ?", now)
	res, err := conn.NewUpdate().Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketExpired).
		Set("updated_at = ?", now).
		Where("status = ?", models.TicketActive).
		Where("event_id IN (?)", ended).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("expire tickets of ended events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		e.logger.LogTicket("EXPIRE", "-", fmt.Sprintf("%d tickets of ended events expired", n))
	}
	return int(n), nil
}

// moveTicket performs a conditional status change on one ticket row and
// reports whether it won. set may add more columns.
func (e *Engine) moveTicket(ctx context.Context, ticketID string, from, to models.TicketStatus, set func(*bun.UpdateQuery) *bun.UpdateQuery) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("ticket transition %s -> %s not allowed", from, to)
	}
	q := e.db.Conn(ctx).NewUpdate().Model((*models.Ticket)(nil)).
		Set("status = ?", to).
		Set("updated_at = ?", e.clock.Now()).
		Where("id = ?", ticketID).
		Where("status = ?", from)
	if set != nil {
		q = set(q)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("ticket %s %s -> %s: %w", ticketID, from, to, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (e *Engine) event(ctx context.Context, eventID string) (*models.Event, error) {
	if e.catalog == nil {
		return nil, models.ErrEventNotFound
	}
	return e.catalog.GetEvent(ctx, eventID)
}
