package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-ticket-inventory/internal/auth"
	"ms-ticket-inventory/internal/checkout"
	"ms-ticket-inventory/internal/holds"
	"ms-ticket-inventory/internal/models"
	"ms-ticket-inventory/internal/utils"
)

type createHoldRequest struct {
	TierID     string `json:"tier_id"`
	Quantity   int    `json:"quantity"`
	PromoCode  string `json:"promo_code,omitempty"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

func (h *Handler) CreateHold(w http.ResponseWriter, r *http.Request) {
	var req createHoldRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, "CreateHold", err)
		return
	}

	hold, err := h.svc.Holds.CreateHold(r.Context(), holds.CreateRequest{
		UserID:    auth.UserID(r.Context()),
		TierID:    req.TierID,
		Quantity:  req.Quantity,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
		PromoCode: req.PromoCode,
	})
	if err != nil {
		h.writeError(w, "CreateHold", err)
		return
	}
	h.ok(w, http.StatusCreated, "Hold created", map[string]interface{}{
		"hold_id":    hold.ID,
		"expires_at": hold.ExpiresAt,
		"hold":       hold,
	})
}

// ownedHold loads a hold the caller may see. Someone else's hold reads as
// missing.
func (h *Handler) ownedHold(w http.ResponseWriter, r *http.Request, op string) (*models.CartHold, bool) {
	hold, err := h.svc.Holds.GetHold(r.Context(), chi.URLParam(r, "holdId"))
	if err == nil && !h.mayAct(r, hold.UserID) {
		err = models.ErrHoldNotFound
	}
	if err != nil {
		h.writeError(w, op, err)
		return nil, false
	}
	return hold, true
}

func (h *Handler) GetHold(w http.ResponseWriter, r *http.Request) {
	hold, ok := h.ownedHold(w, r, "GetHold")
	if !ok {
		return
	}
	h.ok(w, http.StatusOK, "Hold found", hold)
}

func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	hold, ok := h.ownedHold(w, r, "ReleaseHold")
	if !ok {
		return
	}
	if err := h.svc.Holds.ReleaseHold(r.Context(), hold.ID); err != nil {
		h.writeError(w, "ReleaseHold", err)
		return
	}
	h.ok(w, http.StatusOK, "Hold released", map[string]string{"hold_id": hold.ID})
}

type confirmRequest struct {
	HoldID     string `json:"hold_id"`
	PaymentRef string `json:"payment_ref"`
	// Status is "succeeded" (default) or "failed".
	Status string `json:"status,omitempty"`
}

func (h *Handler) ConfirmCheckout(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, "ConfirmCheckout", err)
		return
	}
	hold, err := h.svc.Holds.GetHold(r.Context(), req.HoldID)
	if err == nil && !h.mayAct(r, hold.UserID) {
		err = models.ErrHoldNotFound
	}
	if err != nil {
		h.writeError(w, "ConfirmCheckout", err)
		return
	}

	switch strings.ToLower(req.Status) {
	case "", "succeeded", "success", "paid":
	case "failed", "declined":
		h.writeError(w, "ConfirmCheckout", h.svc.Checkout.RejectPayment(r.Context(), req.HoldID, req.PaymentRef))
		return
	default:
		h.badRequest(w, "ConfirmCheckout", fmt.Errorf("unknown payment status %q", req.Status))
		return
	}

	conf, err := h.svc.Checkout.ConfirmPayment(r.Context(), req.HoldID, req.PaymentRef)
	if err != nil {
		h.writeError(w, "ConfirmCheckout", err)
		return
	}
	h.ok(w, http.StatusOK, "Checkout confirmed", confirmationBody(conf))
}

func confirmationBody(conf *checkout.Confirmation) map[string]interface{} {
	ids := make([]string, 0, len(conf.Tickets))
	for _, t := range conf.Tickets {
		ids = append(ids, t.ID)
	}
	return map[string]interface{}{
		"order_id":   conf.Order.ID,
		"ticket_ids": ids,
		"total":      conf.Order.Total.StringFixed(2),
		"replayed":   conf.Replayed,
		"order":      conf.Order,
	}
}

type validatePromoRequest struct {
	Code    string `json:"code"`
	EventID string `json:"event_id"`
}

// GetOrder returns one of the caller's orders with its tickets.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.Checkout.GetOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err == nil && !h.mayAct(r, order.UserID) {
		err = models.ErrOrderNotFound
	}
	if err != nil {
		h.writeError(w, "GetOrder", err)
		return
	}
	tickets, err := h.svc.Tickets.ListByOrder(r.Context(), order.ID)
	if err != nil {
		h.writeError(w, "GetOrder", err)
		return
	}
	h.ok(w, http.StatusOK, "Order found", map[string]interface{}{
		"order":   order,
		"tickets": tickets,
	})
}

func (h *Handler) ValidatePromo(w http.ResponseWriter, r *http.Request) {
	var req validatePromoRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, "ValidatePromo", err)
		return
	}
	res, err := h.svc.Promos.Validate(r.Context(), req.Code, req.EventID, auth.UserID(r.Context()))
	if err != nil {
		h.writeError(w, "ValidatePromo", err)
		return
	}
	h.ok(w, http.StatusOK, "Promo code valid", res)
}
