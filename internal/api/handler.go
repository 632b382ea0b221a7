// Package api exposes holds, checkout, promos and the ticket lifecycle over
// HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ms-ticket-inventory/internal/auth"
	"ms-ticket-inventory/internal/checkout"
	"ms-ticket-inventory/internal/holds"
	"ms-ticket-inventory/internal/inventory"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/models"
	"ms-ticket-inventory/internal/promo"
	"ms-ticket-inventory/internal/sweeper"
	"ms-ticket-inventory/internal/tickets"
	"ms-ticket-inventory/internal/utils"
)

type HoldService interface {
	CreateHold(ctx context.Context, req holds.CreateRequest) (*models.CartHold, error)
	GetHold(ctx context.Context, holdID string) (*models.CartHold, error)
	ReleaseHold(ctx context.Context, holdID string) error
}

type CheckoutService interface {
	ConfirmPayment(ctx context.Context, holdID, paymentRef string) (*checkout.Confirmation, error)
	RejectPayment(ctx context.Context, holdID, paymentRef string) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
}

type PromoService interface {
	Validate(ctx context.Context, code, eventID, userID string) (*promo.Result, error)
	Create(ctx context.Context, req promo.CreateRequest) (*models.PromoCode, error)
}

type TicketService interface {
	Scan(ctx context.Context, req tickets.ScanRequest) (*models.ScanRecord, error)
	CreateTransfer(ctx context.Context, req tickets.CreateTransferRequest) (*models.TicketTransfer, error)
	AcceptTransfer(ctx context.Context, transferID, userID string) (*models.Ticket, error)
	CancelTransfer(ctx context.Context, transferID, userID string) error
	GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error)
	RenderQR(ctx context.Context, ticketID, userID string) ([]byte, error)
	ListWallet(ctx context.Context, userID string) ([]models.Ticket, error)
	ListByOrder(ctx context.Context, orderID string) ([]models.Ticket, error)
}

type InventoryService interface {
	CreateTier(ctx context.Context, req inventory.CreateTierRequest) (*models.TicketTier, error)
	GetTier(ctx context.Context, tierID string) (*models.TicketTier, error)
	DeactivateTier(ctx context.Context, tierID string) error
}

type CatalogService interface {
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
	UpsertEvent(ctx context.Context, e *models.Event) error
}

type SweepRunner interface {
	SweepOnce(ctx context.Context) sweeper.Result
}

type WebhookHandler interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

type ScanStream interface {
	Subscribe(ctx context.Context, eventID string) <-chan models.ScanRecord
}

// Services bundles what the handlers call. Webhooks and Scans may be nil;
// their routes then answer 404.
type Services struct {
	Holds     HoldService
	Checkout  CheckoutService
	Promos    PromoService
	Tickets   TicketService
	Inventory InventoryService
	Catalog   CatalogService
	Sweeper   SweepRunner
	Webhooks  WebhookHandler
	Scans     ScanStream
}

type Options struct {
	// Auth authenticates every route except health and webhooks.
	Auth func(http.Handler) http.Handler
	// EnforceRoles turns on the scanner and admin role checks.
	EnforceRoles bool
	ScannerRole  string
	AdminRole    string
}

type Handler struct {
	svc    Services
	opts   Options
	logger *logger.Logger
}

func NewHandler(svc Services, opts Options, log *logger.Logger) *Handler {
	if opts.Auth == nil {
		opts.Auth = auth.HeaderMiddleware()
	}
	if opts.ScannerRole == "" {
		opts.ScannerRole = "SCANNER"
	}
	if opts.AdminRole == "" {
		opts.AdminRole = "ADMIN"
	}
	return &Handler{svc: svc, opts: opts, logger: log}
}

func (h *Handler) requireRole(role string) func(http.Handler) http.Handler {
	if !h.opts.EnforceRoles {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.RequireRole(role)
}

func (h *Handler) isAdmin(r *http.Request) bool {
	return auth.HasRole(r.Context(), h.opts.AdminRole)
}

// mayAct reports whether the caller may act on something owned by ownerID.
func (h *Handler) mayAct(r *http.Request, ownerID string) bool {
	return auth.UserID(r.Context()) == ownerID || h.isAdmin(r)
}

// statusFor maps a domain error to its HTTP status and response code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInsufficientInventory):
		return http.StatusConflict, "insufficient_inventory"
	case errors.Is(err, models.ErrHoldExpired):
		return http.StatusGone, "hold_expired"
	case errors.Is(err, models.ErrTransferExpired):
		return http.StatusGone, "transfer_expired"
	case errors.Is(err, models.ErrHoldNotActive):
		return http.StatusConflict, "hold_not_active"
	case errors.Is(err, models.ErrAlreadyUsed):
		return http.StatusConflict, "already_used"
	case errors.Is(err, models.ErrWrongStatus):
		return http.StatusConflict, "wrong_status"
	case errors.Is(err, models.ErrEventNotStarted):
		return http.StatusTooEarly, "event_not_started"
	case errors.Is(err, models.ErrEventStarted):
		return http.StatusUnprocessableEntity, "event_started"
	case errors.Is(err, models.ErrTierInactive):
		return http.StatusUnprocessableEntity, "tier_inactive"
	case errors.Is(err, models.ErrPromoInvalid):
		return http.StatusUnprocessableEntity, "promo_invalid"
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, models.ErrPaymentRejected):
		return http.StatusPaymentRequired, "payment_rejected"
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	}

	switch models.CategoryOf(err) {
	case models.CategoryNotFound:
		return http.StatusNotFound, "not_found"
	case models.CategoryIntegrity:
		return http.StatusInternalServerError, "integrity_violation"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("API", fmt.Sprintf("%s: %v", op, err))
		msg = "internal error"
	} else {
		h.logger.Debug("API", fmt.Sprintf("%s: %v", op, err))
	}

	resp := utils.ErrorResponse(op+" failed", msg).WithCode(code)
	if reason, ok := promo.ReasonOf(err); ok {
		resp = resp.WithData(map[string]interface{}{"valid": false, "reason": reason})
	}
	h.write(w, status, resp)
}

func (h *Handler) badRequest(w http.ResponseWriter, op string, err error) {
	h.writeError(w, op, fmt.Errorf("%w: %v", models.ErrInvalidInput, err))
}

func (h *Handler) write(w http.ResponseWriter, status int, resp utils.APIResponse) {
	if err := utils.WriteJSON(w, status, resp); err != nil {
		h.logger.Error("API", fmt.Sprintf("failed to encode response: %v", err))
	}
}

func (h *Handler) ok(w http.ResponseWriter, status int, message string, data interface{}) {
	h.write(w, status, utils.SuccessResponse(message, data))
}
