package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"ms-ticket-inventory/internal/inventory"
	"ms-ticket-inventory/internal/models"
	"ms-ticket-inventory/internal/payment"
	"ms-ticket-inventory/internal/promo"
	"ms-ticket-inventory/internal/utils"
)

type upsertEventRequest struct {
	Name    string             `json:"name"`
	Status  models.EventStatus `json:"status,omitempty"`
	StartAt time.Time          `json:"start_at"`
	EndAt   time.Time          `json:"end_at"`
}

func (h *Handler) UpsertEvent(w http.ResponseWriter, r *http.Request) {
	var req upsertEventRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, "UpsertEvent", err)
		return
	}
	ev := &models.Event{
		ID:      chi.URLParam(r, "eventId"),
		Name:    req.Name,
		Status:  req.Status,
		StartAt: req.StartAt,
		EndAt:   req.EndAt,
	}
	if err := h.svc.Catalog.UpsertEvent(r.Context(), ev); err != nil {
		h.writeError(w, "UpsertEvent", err)
		return
	}
	saved, err := h.svc.Catalog.GetEvent(r.Context(), ev.ID)
	if err != nil {
		h.writeError(w, "UpsertEvent", err)
		return
	}
	h.ok(w, http.StatusOK, "Event saved", saved)
}

type createTierRequest struct {
	EventID  string          `json:"event_id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

func (h *Handler) CreateTier(w http.ResponseWriter, r *http.Request) {
	var req createTierRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, "CreateTier", err)
		return
	}
	tier, err := h.svc.Inventory.CreateTier(r.Context(), inventory.CreateTierRequest{
		EventID:  req.EventID,
		Name:     req.Name,
		Price:    req.Price,
		Quantity: req.Quantity,
	})
	if err != nil {
		h.writeError(w, "CreateTier", err)
		return
	}
	h.ok(w, http.StatusCreated, "Tier created", tier)
}

func (h *Handler) GetTier(w http.ResponseWriter, r *http.Request) {
	tier, err := h.svc.Inventory.GetTier(r.Context(), chi.URLParam(r, "tierId"))
	if err != nil {
		h.writeError(w, "GetTier", err)
		return
	}
	h.ok(w, http.StatusOK, "Tier found", tier)
}

func (h *Handler) DeactivateTier(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tierId")
	if err := h.svc.Inventory.DeactivateTier(r.Context(), id); err != nil {
		h.writeError(w, "DeactivateTier", err)
		return
	}
	h.ok(w, http.StatusOK, "Tier deactivated", map[string]string{"tier_id": id})
}

type createPromoRequest struct {
	Code           string              `json:"code"`
	DiscountType   models.DiscountType `json:"discount_type"`
	DiscountValue  decimal.Decimal     `json:"discount_value"`
	MaxDiscount    decimal.Decimal     `json:"max_discount"`
	MaxUsesPerUser int                 `json:"max_uses_per_user"`
	MaxTotalUses   int                 `json:"max_total_uses"`
	ValidFrom      time.Time           `json:"valid_from"`
	ValidUntil     time.Time           `json:"valid_until"`
	EventID        string              `json:"event_id,omitempty"`
}

func (h *Handler) CreatePromo(w http.ResponseWriter, r *http.Request) {
	var req createPromoRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.badRequest(w, "CreatePromo", err)
		return
	}
	p, err := h.svc.Promos.Create(r.Context(), promo.CreateRequest{
		Code:           req.Code,
		DiscountType:   req.DiscountType,
		DiscountValue:  req.DiscountValue,
		MaxDiscount:    req.MaxDiscount,
		MaxUsesPerUser: req.MaxUsesPerUser,
		MaxTotalUses:   req.MaxTotalUses,
		ValidFrom:      req.ValidFrom,
		ValidUntil:     req.ValidUntil,
		EventID:        req.EventID,
	})
	if err != nil {
		h.writeError(w, "CreatePromo", err)
		return
	}
	h.ok(w, http.StatusCreated, "Promo code created", p)
}

func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	res := h.svc.Sweeper.SweepOnce(r.Context())
	h.ok(w, http.StatusOK, "Sweep complete", res)
}

const maxWebhookBytes = 65536

// StripeWebhook hands a signed Stripe event to the payment adapter. The
// status code tells Stripe whether to redeliver.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.svc.Webhooks == nil {
		http.NotFound(w, r)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.logger.Warn("API", fmt.Sprintf("StripeWebhook: failed to read body: %v", err))
		http.Error(w, "request body too large or unreadable", http.StatusBadRequest)
		return
	}

	err = h.svc.Webhooks.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		var webhookErr *payment.WebhookError
		if errors.As(err, &webhookErr) {
			h.logger.Info("API", fmt.Sprintf("StripeWebhook: handling webhook error category=%s, status=%d",
				webhookErr.Category, webhookErr.StatusCode))
			if webhookErr.StatusCode < http.StatusBadRequest {
				h.ok(w, webhookErr.StatusCode, webhookErr.PublicError, map[string]bool{"received": true})
				return
			}
			http.Error(w, webhookErr.PublicError, webhookErr.StatusCode)
			return
		}
		h.logger.Error("API", fmt.Sprintf("StripeWebhook: failed to process webhook: %v", err))
		http.Error(w, "Webhook processing error", http.StatusInternalServerError)
		return
	}
	h.ok(w, http.StatusOK, "Webhook processed", map[string]bool{"received": true})
}
