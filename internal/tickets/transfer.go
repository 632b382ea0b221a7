package tickets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-inventory/internal/models"
	"ms-ticket-inventory/internal/notify"
)

type CreateTransferRequest struct {
	FromUserID string
	TicketID   string
	ToUserID   string
	TTL        time.Duration
}

// CreateTransfer offers a ticket to another user. The ticket is parked in
// transfer_pending until the offer is accepted, cancelled or runs out. An
// offer never outlives the start of the event.
func (e *Engine) CreateTransfer(ctx context.Context, req CreateTransferRequest) (*models.TicketTransfer, error) {
	if req.FromUserID == "" || req.ToUserID == "" || req.TicketID == "" {
		return nil, fmt.Errorf("%w: from, to and ticket_id are required", models.ErrInvalidInput)
	}
	if req.FromUserID == req.ToUserID {
		return nil, fmt.Errorf("%w: cannot transfer a ticket to its owner", models.ErrInvalidInput)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = e.transferTTL
	}

	var tr *models.TicketTransfer
	err := e.db.WithTx(ctx, func(ctx context.Context) error {
		ticket, err := e.GetTicket(ctx, req.TicketID)
		if err != nil {
			return err
		}
		if ticket.OwnerUserID != req.FromUserID {
			return models.ErrForbidden
		}
		if ticket.Status != models.TicketActive {
			return fmt.Errorf("%w: ticket is %s", models.ErrWrongStatus, ticket.Status)
		}
		ev, err := e.event(ctx, ticket.EventID)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if ev.Started(now) {
			return models.ErrEventStarted
		}

		expires := now.Add(ttl)
		if ev.StartAt.Before(expires) {
			expires = ev.StartAt
		}

		won, err := e.moveTicket(ctx, ticket.ID, models.TicketActive, models.TicketTransferPending, func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Where("owner_user_id = ?", req.FromUserID)
		})
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("%w: ticket changed concurrently", models.ErrWrongStatus)
		}

		tr = &models.TicketTransfer{
			ID:         uuid.NewString(),
			TicketID:   ticket.ID,
			FromUserID: req.FromUserID,
			ToUserID:   req.ToUserID,
			Status:     models.TransferPending,
			CreatedAt:  now,
			ExpiresAt:  expires,
		}
		if _, err := e.db.Conn(ctx).NewInsert().Model(tr).Exec(ctx); err != nil {
			return fmt.Errorf("insert transfer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.LogTicket("TRANSFER_CREATE", tr.TicketID, fmt.Sprintf("offered by %s to %s until %s",
		tr.FromUserID, tr.ToUserID, tr.ExpiresAt.Format(time.RFC3339)))
	if e.scheduler != nil {
		if err := e.scheduler.ScheduleTransfer(ctx, tr.ID, tr.ExpiresAt); err != nil {
			e.logger.Warn("TICKETS", fmt.Sprintf("Failed to schedule expiry for transfer %s: %v", tr.ID, err))
		}
	}
	e.emitTransfer(notify.TransferCreated, tr.ToUserID, tr)
	return tr, nil
}

func (e *Engine) GetTransfer(ctx context.Context, transferID string) (*models.TicketTransfer, error) {
	tr := new(models.TicketTransfer)
	err := e.db.Conn(ctx).NewSelect().Model(tr).Where("id = ?", transferID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", transferID, err)
	}
	return tr, nil
}

// AcceptTransfer hands the ticket to the recipient with a fresh code, so the
// previous owner's copy of the QR stops working.
func (e *Engine) AcceptTransfer(ctx context.Context, transferID, userID string) (*models.Ticket, error) {
	var (
		tr      *models.TicketTransfer
		ticket  *models.Ticket
		overdue bool
	)
	err := e.db.WithTx(ctx, func(ctx context.Context) error {
		overdue = false
		var err error
		tr, err = e.GetTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		switch tr.Status {
		case models.TransferPending:
		case models.TransferExpired:
			return models.ErrTransferExpired
		default:
			return fmt.Errorf("%w: transfer is %s", models.ErrWrongStatus, tr.Status)
		}
		now := e.clock.Now()
		if tr.Expired(now) {
			overdue = true
			return models.ErrTransferExpired
		}
		if tr.ToUserID != userID {
			return models.ErrForbidden
		}

		ticket, err = e.GetTicket(ctx, tr.TicketID)
		if err != nil {
			return err
		}
		ev, err := e.event(ctx, ticket.EventID)
		if err != nil {
			return err
		}
		if ev.Started(now) {
			return models.ErrEventStarted
		}

		won, err := e.resolveTransfer(ctx, tr.ID, models.TransferAccepted, func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Where("expires_at > ?", now)
		})
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("%w: transfer resolved concurrently", models.ErrWrongStatus)
		}

		won, err = e.moveTicket(ctx, ticket.ID, models.TicketTransferPending, models.TicketTransferred, func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Set("owner_user_id = ?", tr.ToUserID).Where("owner_user_id = ?", tr.FromUserID)
		})
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("%w: ticket %s is not pending transfer", models.ErrIntegrityViolation, ticket.ID)
		}

		code, err := e.signer.Generate(ticket.ID)
		if err != nil {
			return err
		}
		won, err = e.moveTicket(ctx, ticket.ID, models.TicketTransferred, models.TicketActive, func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Set("qr_code = ?", code)
		})
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("%w: ticket %s lost during transfer", models.ErrIntegrityViolation, ticket.ID)
		}

		ticket, err = e.GetTicket(ctx, ticket.ID)
		return err
	})
	if err != nil {
		if overdue {
			if _, xerr := e.ExpireTransfer(ctx, transferID); xerr != nil {
				e.logger.Warn("TICKETS", fmt.Sprintf("Failed to expire overdue transfer %s: %v", transferID, xerr))
			}
		}
		return nil, err
	}

	e.logger.LogTicket("TRANSFER_ACCEPT", ticket.ID, fmt.Sprintf("now owned by %s", ticket.OwnerUserID))
	e.cancelSchedule(ctx, tr.ID)
	e.emitTransfer(notify.TransferAccepted, tr.FromUserID, tr)
	return ticket, nil
}

// CancelTransfer lets the sender withdraw a pending offer. Cancelling an
// already cancelled offer succeeds.
func (e *Engine) CancelTransfer(ctx context.Context, transferID, userID string) error {
	var tr *models.TicketTransfer
	cancelled := false
	err := e.db.WithTx(ctx, func(ctx context.Context) error {
		cancelled = false
		var err error
		tr, err = e.GetTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if tr.FromUserID != userID {
			return models.ErrForbidden
		}
		switch tr.Status {
		case models.TransferCancelled:
			return nil
		case models.TransferPending:
		default:
			return fmt.Errorf("%w: transfer is %s", models.ErrWrongStatus, tr.Status)
		}

		won, err := e.resolveTransfer(ctx, tr.ID, models.TransferCancelled, nil)
		if err != nil || !won {
			return err
		}
		cancelled = true
		return e.returnToSender(ctx, tr)
	})
	if err != nil {
		return err
	}
	if cancelled {
		e.logger.LogTicket("TRANSFER_CANCEL", tr.TicketID, fmt.Sprintf("withdrawn by %s", tr.FromUserID))
		e.cancelSchedule(ctx, tr.ID)
		e.emitTransfer(notify.TransferCancelled, tr.ToUserID, tr)
	}
	return nil
}

// ExpireTransfer reverts an overdue pending transfer. It reports whether this
// call did the work.
func (e *Engine) ExpireTransfer(ctx context.Context, transferID string) (bool, error) {
	var tr *models.TicketTransfer
	claimed := false
	err := e.db.WithTx(ctx, func(ctx context.Context) error {
		var err error
		now := e.clock.Now()
		claimed, err = e.resolveTransfer(ctx, transferID, models.TransferExpired, func(q *bun.UpdateQuery) *bun.UpdateQuery {
			return q.Where("expires_at <= ?", now)
		})
		if err != nil || !claimed {
			return err
		}
		tr, err = e.GetTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		return e.returnToSender(ctx, tr)
	})
	if err != nil || !claimed {
		return false, err
	}

	e.logger.LogTicket("TRANSFER_EXPIRE", tr.TicketID, fmt.Sprintf("offer to %s lapsed, back with %s", tr.ToUserID, tr.FromUserID))
	e.emitTransfer(notify.TransferExpired, tr.FromUserID, tr)
	return true, nil
}

// ListExpiredTransfers returns ids of pending transfers past their deadline.
func (e *Engine) ListExpiredTransfers(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := e.db.Conn(ctx).NewSelect().Model((*models.TicketTransfer)(nil)).
		Column("id").
		Where("status = ?", models.TransferPending).
		Where("expires_at <= ?", e.clock.Now()).
		Order("expires_at ASC").
		Limit(limit).
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("list expired transfers: %w", err)
	}
	return ids, nil
}

func (e *Engine) resolveTransfer(ctx context.Context, transferID string, to models.TransferStatus, set func(*bun.UpdateQuery) *bun.UpdateQuery) (bool, error) {
	if !models.TransferPending.CanTransitionTo(to) {
		return false, fmt.Errorf("transfer transition pending -> %s not allowed", to)
	}
	q := e.db.Conn(ctx).NewUpdate().Model((*models.TicketTransfer)(nil)).
		Set("status = ?", to).
		Set("resolved_at = ?", e.clock.Now()).
		Where("id = ?", transferID).
		Where("status = ?", models.TransferPending)
	if set != nil {
		q = set(q)
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("transfer %s -> %s: %w", transferID, to, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (e *Engine) returnToSender(ctx context.Context, tr *models.TicketTransfer) error {
	won, err := e.moveTicket(ctx, tr.TicketID, models.TicketTransferPending, models.TicketActive, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Where("owner_user_id = ?", tr.FromUserID)
	})
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: ticket %s is not pending transfer", models.ErrIntegrityViolation, tr.TicketID)
	}
	return nil
}

func (e *Engine) cancelSchedule(ctx context.Context, transferID string) {
	if e.scheduler == nil {
		return
	}
	if err := e.scheduler.CancelTransfer(ctx, transferID); err != nil {
		e.logger.Debug("TICKETS", fmt.Sprintf("Failed to cancel expiry key for transfer %s: %v", transferID, err))
	}
}

func (e *Engine) emitTransfer(t notify.EventType, key string, tr *models.TicketTransfer) {
	e.events.Emit(notify.NewEvent(t, key, map[string]interface{}{
		"transfer_id":  tr.ID,
		"ticket_id":    tr.TicketID,
		"from_user_id": tr.FromUserID,
		"to_user_id":   tr.ToUserID,
		"expires_at":   tr.ExpiresAt,
	}))
}
