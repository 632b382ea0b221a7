// Package payment adapts the payment processor's callbacks to checkout
// confirmations. The processor itself is opaque: it only tells us whether
// the charge for a hold succeeded.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"ms-ticket-inventory/internal/checkout"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/models"
)

// HoldMetadataKey is the PaymentIntent metadata entry naming the hold.
const HoldMetadataKey = "hold_id"

type PaymentHandler interface {
	ConfirmPayment(ctx context.Context, holdID, paymentRef string) (*checkout.Confirmation, error)
	RejectPayment(ctx context.Context, holdID, paymentRef string) error
}

// WebhookError represents an error that occurred during webhook processing
type WebhookError struct {
	Category      string // "configuration", "validation", "processing"
	StatusCode    int    // HTTP status code
	PublicError   string // Safe to expose to clients
	InternalError string // Detailed error for logs only
	OriginalErr   error  // Underlying error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

type StripeAdapter struct {
	secret   string
	payments PaymentHandler
	logger   *logger.Logger
}

func NewStripeAdapter(webhookSecret string, payments PaymentHandler, log *logger.Logger) *StripeAdapter {
	return &StripeAdapter{secret: webhookSecret, payments: payments, logger: log}
}

// HandleWebhook verifies and applies one Stripe event. A nil error or a
// WebhookError with a 2xx/4xx status tells Stripe not to redeliver; a 5xx
// asks it to try again later.
func (a *StripeAdapter) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	if a.secret == "" {
		a.logger.Error("WEBHOOK", "Stripe webhook secret is not configured")
		return &WebhookError{
			Category:      "configuration",
			StatusCode:    http.StatusInternalServerError,
			PublicError:   "Webhook processing error",
			InternalError: "Stripe webhook secret is not configured",
		}
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, a.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		a.logger.LogSecurity("WEBHOOK_SIGNATURE", fmt.Sprintf("Rejected Stripe webhook: %v", err))
		return &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Webhook signature verification failed",
			InternalError: fmt.Sprintf("Webhook signature verification failed: %v", err),
			OriginalErr:   err,
		}
	}

	eventType := string(event.Type)
	a.logger.Info("WEBHOOK", fmt.Sprintf("Processing Stripe webhook event: %s", eventType))

	switch eventType {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
	default:
		a.logger.Info("WEBHOOK", fmt.Sprintf("Unhandled event type: %s", eventType))
		return nil
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid event data",
			InternalError: fmt.Sprintf("Failed to unmarshal payment intent: %v", err),
			OriginalErr:   err,
		}
	}
	holdID := intent.Metadata[HoldMetadataKey]
	if holdID == "" {
		return &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusBadRequest,
			PublicError:   "Invalid payment intent data",
			InternalError: fmt.Sprintf("Payment intent %s has no %s in metadata", intent.ID, HoldMetadataKey),
		}
	}

	if eventType == "payment_intent.succeeded" {
		conf, err := a.payments.ConfirmPayment(ctx, holdID, intent.ID)
		if err != nil {
			return a.processingError(holdID, intent.ID, err)
		}
		a.logger.Info("WEBHOOK", fmt.Sprintf("Payment %s confirmed hold %s as order %s", intent.ID, holdID, conf.Order.ID))
		return nil
	}

	err = a.payments.RejectPayment(ctx, holdID, intent.ID)
	if err != nil && !errors.Is(err, models.ErrPaymentRejected) {
		return a.processingError(holdID, intent.ID, err)
	}
	a.logger.Info("WEBHOOK", fmt.Sprintf("Released hold %s after failed payment %s", holdID, intent.ID))
	return nil
}

// processingError decides whether Stripe should redeliver. Domain outcomes
// (expired hold, sold out) will not change on retry.
func (a *StripeAdapter) processingError(holdID, ref string, err error) error {
	status := http.StatusOK
	if models.CategoryOf(err) == models.CategoryInternal {
		status = http.StatusInternalServerError
	}
	a.logger.Error("WEBHOOK", fmt.Sprintf("Payment %s for hold %s not applied: %v", ref, holdID, err))
	return &WebhookError{
		Category:      "processing",
		StatusCode:    status,
		PublicError:   "Failed to process payment",
		InternalError: fmt.Sprintf("payment %s for hold %s: %v", ref, holdID, err),
		OriginalErr:   err,
	}
}
