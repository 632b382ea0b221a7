package tickets

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-ticket-inventory/internal/models"
	"ms-ticket-inventory/internal/notify"
)

type ScanRequest struct {
	QRCode    string
	EventID   string
	ScannerID string
	Location  string
}

// Scan admits the holder of a ticket exactly once. Every attempt, good or
// bad, leaves a scan record. The returned error names why entry was refused.
func (e *Engine) Scan(ctx context.Context, req ScanRequest) (*models.ScanRecord, error) {
	if req.QRCode == "" || req.EventID == "" || req.ScannerID == "" {
		return nil, fmt.Errorf("%w: qr_code, event_id and scanner_id are required", models.ErrInvalidInput)
	}

	rec := &models.ScanRecord{
		ID:        uuid.NewString(),
		QRCode:    req.QRCode,
		EventID:   req.EventID,
		ScannerID: req.ScannerID,
		Location:  req.Location,
		ScannedAt: e.clock.Now(),
	}

	var refused error
	if _, err := e.signer.Verify(req.QRCode); err != nil {
		refused = e.refuse(rec, models.ScanInvalid, "forged_code", models.ErrTicketNotFound)
		if err := e.record(ctx, rec); err != nil {
			return nil, err
		}
		e.afterScan(rec)
		return rec, refused
	}

	err := e.db.WithTx(ctx, func(ctx context.Context) error {
		refused = nil
		rec.Result, rec.Reason, rec.TicketID = "", "", ""

		if err := e.admit(ctx, rec); err != nil {
			if !isRefusal(err) {
				return err
			}
			refused = err
		}
		return e.record(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	e.afterScan(rec)
	return rec, refused
}

// admit decides the outcome for rec and, on success, marks the ticket used.
func (e *Engine) admit(ctx context.Context, rec *models.ScanRecord) error {
	ticket, err := e.getTicket(ctx, "qr_code = ?", rec.QRCode)
	if errors.Is(err, models.ErrTicketNotFound) {
		return e.refuse(rec, models.ScanInvalid, "unknown_code", models.ErrTicketNotFound)
	}
	if err != nil {
		return err
	}
	if ticket.EventID != rec.EventID {
		return e.refuse(rec, models.ScanInvalid, "wrong_event", models.ErrTicketNotFound)
	}
	rec.TicketID = ticket.ID

	if err := e.checkStatus(rec, ticket); err != nil {
		return err
	}

	ev, err := e.event(ctx, ticket.EventID)
	if errors.Is(err, models.ErrEventNotFound) {
		return e.refuse(rec, models.ScanInvalid, "unknown_event", models.ErrTicketNotFound)
	}
	if err != nil {
		return err
	}
	if !ev.Started(rec.ScannedAt) {
		return e.refuse(rec, models.ScanInvalid, "event_not_started", models.ErrEventNotStarted)
	}

	won, err := e.moveTicket(ctx, ticket.ID, models.TicketActive, models.TicketUsed, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		q = q.Set("used_at = ?", rec.ScannedAt).Set("used_by = ?", rec.ScannerID)
		if rec.Location != "" {
			q = q.Set("scanner_location = ?", rec.Location)
		}
		return q
	})
	if err != nil {
		return err
	}
	if !won {
		// Another scanner got there first.
		ticket, err = e.GetTicket(ctx, ticket.ID)
		if err != nil {
			return err
		}
		if err := e.checkStatus(rec, ticket); err != nil {
			return err
		}
		return fmt.Errorf("ticket %s changed during scan", ticket.ID)
	}

	rec.Result = models.ScanValid
	e.logger.LogTicket("SCAN", ticket.ID, fmt.Sprintf("admitted by %s at %s", rec.ScannerID, rec.Location))
	return nil
}

func (e *Engine) checkStatus(rec *models.ScanRecord, t *models.Ticket) error {
	switch t.Status {
	case models.TicketActive:
		return nil
	case models.TicketUsed:
		e.logger.LogSecurity("TICKET_RESCAN", fmt.Sprintf("ticket %s scanned again by %s at %s, first used %s by %s",
			t.ID, rec.ScannerID, rec.Location, t.UsedAt.Format("15:04:05"), t.UsedBy))
		return e.refuse(rec, models.ScanAlreadyUsed, "already_used", models.ErrAlreadyUsed)
	default:
		return e.refuse(rec, models.ScanInvalid, "status_"+string(t.Status), models.ErrWrongStatus)
	}
}

type refusal struct{ err error }

func (r *refusal) Error() string { return r.err.Error() }
func (r *refusal) Unwrap() error { return r.err }

func isRefusal(err error) bool {
	var r *refusal
	return errors.As(err, &r)
}

func (e *Engine) refuse(rec *models.ScanRecord, result models.ScanResult, reason string, cause error) error {
	rec.Result = result
	rec.Reason = reason
	return &refusal{err: fmt.Errorf("%w: %s", cause, reason)}
}

func (e *Engine) record(ctx context.Context, rec *models.ScanRecord) error {
	if _, err := e.db.Conn(ctx).NewInsert().Model(rec).Exec(ctx); err != nil {
		return fmt.Errorf("insert scan record: %w", err)
	}
	return nil
}

func (e *Engine) afterScan(rec *models.ScanRecord) {
	if e.scans != nil {
		e.scans.PublishScan(*rec)
	}
	if rec.Result == models.ScanAlreadyUsed {
		e.events.Emit(notify.NewEvent(notify.TicketRescanned, rec.TicketID, map[string]interface{}{
			"ticket_id":  rec.TicketID,
			"event_id":   rec.EventID,
			"scanner_id": rec.ScannerID,
			"location":   rec.Location,
		}))
	}
}
