package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ms-ticket-inventory/internal/logger"
)

// Routes builds the service's HTTP router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Get("/health", h.Health)
	r.Post("/api/payments/stripe/webhook", h.StripeWebhook)

	r.Group(func(r chi.Router) {
		r.Use(h.opts.Auth)

		r.Route("/api", func(r chi.Router) {
			r.Route("/holds", func(r chi.Router) {
				r.Post("/", h.CreateHold)
				r.Get("/{holdId}", h.GetHold)
				r.Post("/{holdId}/release", h.ReleaseHold)
			})
			r.Post("/checkout/confirm", h.ConfirmCheckout)
			r.Get("/orders/{orderId}", h.GetOrder)
			r.Post("/promo/validate", h.ValidatePromo)
			r.Get("/tiers/{tierId}", h.GetTier)

			r.With(h.requireRole(h.opts.ScannerRole)).Post("/tickets/scan", h.ScanTicket)
			r.Get("/tickets/{ticketId}", h.GetTicket)
			r.Get("/tickets/{ticketId}/qr", h.GetTicketQR)
			r.Get("/users/{userId}/tickets", h.ListUserTickets)

			r.Route("/transfers", func(r chi.Router) {
				r.Post("/", h.CreateTransfer)
				r.Post("/{transferId}/accept", h.AcceptTransfer)
				r.Post("/{transferId}/cancel", h.CancelTransfer)
			})

			r.With(h.requireRole(h.opts.ScannerRole)).Get("/events/{eventId}/scans/stream", h.StreamScans)

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.requireRole(h.opts.AdminRole))
				r.Put("/events/{eventId}", h.UpsertEvent)
				r.Post("/tiers", h.CreateTier)
				r.Post("/tiers/{tierId}/deactivate", h.DeactivateTier)
				r.Post("/promos", h.CreatePromo)
				r.Post("/sweep", h.Sweep)
			})
		})
	})

	return r
}

func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.LogAPI(r.Method, r.URL.Path, strconv.Itoa(status), time.Since(start).Round(time.Microsecond).String())
		})
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.ok(w, http.StatusOK, "ok", map[string]string{"status": "up"})
}
