package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-ticket-inventory/internal/auth"
	"ms-ticket-inventory/internal/models"
	"ms-ticket-inventory/internal/tickets"
	"ms-ticket-inventory/internal/utils"
)

type scanRequest struct {
	QRCode   string `json:"qr_code"`
	EventID  string `json:"event_id"`
	Location string `json:"location,omitempty"`
}

func (h *Handler) ScanTicket(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, "ScanTicket", err)
		return
	}

	rec, err := h.svc.Tickets.Scan(r.Context(), tickets.ScanRequest{
		QRCode:    req.QRCode,
		EventID:   req.EventID,
		ScannerID: auth.UserID(r.Context()),
		Location:  req.Location,
	})
	if err != nil && rec == nil {
		h.writeError(w, "ScanTicket", err)
		return
	}
	if err != nil {
		status, code := statusFor(err)
		h.write(w, status, utils.ErrorResponse("Entry refused", err.Error()).WithCode(code).WithData(map[string]interface{}{
			"valid":  false,
			"reason": rec.Reason,
			"scan":   rec,
		}))
		return
	}
	h.ok(w, http.StatusOK, "Entry granted", map[string]interface{}{
		"valid":     true,
		"ticket_id": rec.TicketID,
		"scan":      rec,
	})
}

// ownedTicket loads a ticket the caller may see. Someone else's ticket
// reads as missing.
func (h *Handler) ownedTicket(w http.ResponseWriter, r *http.Request, op string) (*models.Ticket, bool) {
	t, err := h.svc.Tickets.GetTicket(r.Context(), chi.URLParam(r, "ticketId"))
	if err == nil && !h.mayAct(r, t.OwnerUserID) {
		err = models.ErrTicketNotFound
	}
	if err != nil {
		h.writeError(w, op, err)
		return nil, false
	}
	return t, true
}

func (h *Handler) GetTicket(w http.ResponseWriter, r *http.Request) {
	t, ok := h.ownedTicket(w, r, "GetTicket")
	if !ok {
		return
	}
	h.ok(w, http.StatusOK, "Ticket found", t)
}

func (h *Handler) GetTicketQR(w http.ResponseWriter, r *http.Request) {
	t, ok := h.ownedTicket(w, r, "GetTicketQR")
	if !ok {
		return
	}
	png, err := h.svc.Tickets.RenderQR(r.Context(), t.ID, t.OwnerUserID)
	if err != nil {
		h.writeError(w, "GetTicketQR", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(png); err != nil {
		h.logger.Error("API", fmt.Sprintf("GetTicketQR: failed to write image: %v", err))
	}
}

func (h *Handler) ListUserTickets(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if !h.mayAct(r, userID) {
		h.writeError(w, "ListUserTickets", models.ErrForbidden)
		return
	}
	list, err := h.svc.Tickets.ListWallet(r.Context(), userID)
	if err != nil {
		h.writeError(w, "ListUserTickets", err)
		return
	}
	h.ok(w, http.StatusOK, fmt.Sprintf("%d tickets", len(list)), list)
}

type createTransferRequest struct {
	TicketID   string `json:"ticket_id"`
	ToUserID   string `json:"to_user_id"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req createTransferRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, "CreateTransfer", err)
		return
	}
	tr, err := h.svc.Tickets.CreateTransfer(r.Context(), tickets.CreateTransferRequest{
		FromUserID: auth.UserID(r.Context()),
		TicketID:   req.TicketID,
		ToUserID:   req.ToUserID,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.writeError(w, "CreateTransfer", err)
		return
	}
	h.ok(w, http.StatusCreated, "Transfer created", map[string]interface{}{
		"transfer_id": tr.ID,
		"expires_at":  tr.ExpiresAt,
		"transfer":    tr,
	})
}

func (h *Handler) AcceptTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Tickets.AcceptTransfer(r.Context(), chi.URLParam(r, "transferId"), auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, "AcceptTransfer", err)
		return
	}
	h.ok(w, http.StatusOK, "Transfer accepted", map[string]interface{}{
		"ticket_id": t.ID,
		"ticket":    t,
	})
}

func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transferId")
	if err := h.svc.Tickets.CancelTransfer(r.Context(), id, auth.UserID(r.Context())); err != nil {
		h.writeError(w, "CancelTransfer", err)
		return
	}
	h.ok(w, http.StatusOK, "Transfer cancelled", map[string]string{"transfer_id": id})
}

// StreamScans pushes the event's scan records to the client as server-sent
// events until it disconnects.
func (h *Handler) StreamScans(w http.ResponseWriter, r *http.Request) {
	if h.svc.Scans == nil {
		http.NotFound(w, r)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	eventID := chi.URLParam(r, "eventId")
	ctx := r.Context()
	scans := h.svc.Scans.Subscribe(ctx, eventID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\",\"event_id\":%q}\n\n", eventID)
	flusher.Flush()
	h.logger.Info("SSE", fmt.Sprintf("Client connected to scan feed for event: %s", eventID))

	keepAlive := time.NewTicker(30 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case rec, ok := <-scans:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				h.logger.Error("SSE", fmt.Sprintf("Failed to serialize scan record: %v", err))
				continue
			}
			fmt.Fprintf(w, "event: scan\ndata: %s\n\n", data)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			h.logger.Debug("SSE", fmt.Sprintf("Client disconnected from scan feed for event: %s", eventID))
			return
		}
	}
}
