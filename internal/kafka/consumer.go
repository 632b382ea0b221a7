package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"ms-ticket-inventory/internal/checkout"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/models"
)

// PaymentResult is what the payment service publishes once it knows the
// outcome of a charge.
type PaymentResult struct {
	HoldID     string `json:"hold_id"`
	PaymentRef string `json:"payment_ref"`
	Status     string `json:"status"`
}

const (
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
)

type PaymentHandler interface {
	ConfirmPayment(ctx context.Context, holdID, paymentRef string) (*checkout.Confirmation, error)
	RejectPayment(ctx context.Context, holdID, paymentRef string) error
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer applies payment results from Kafka to holds.
type Consumer struct {
	reader     messageReader
	topic      string
	handler    PaymentHandler
	logger     *logger.Logger
	retries    uint64
	fetchRetry time.Duration
}

// NewConsumer creates a new Kafka consumer for the given topic and group
func NewConsumer(brokers []string, topic, groupID string, handler PaymentHandler, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: reader, topic: topic, handler: handler, logger: log, retries: 5, fetchRetry: 500 * time.Millisecond}
}

// Start consumes until ctx is cancelled. A message is committed once it has
// been applied or has failed for a reason retrying cannot fix. Read errors
// back off exponentially up to 30s.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.LogKafka("CONSUME", c.topic, "consumer started")

	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = c.fetchRetry
	wait.MaxInterval = 30 * time.Second
	wait.MaxElapsedTime = 0

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := wait.NextBackOff()
			c.logger.Error("KAFKA", fmt.Sprintf("Error reading message, retrying in %s: %v", delay, err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		wait.Reset()

		if err := c.process(ctx, msg.Value); err != nil {
			c.logger.Error("KAFKA", fmt.Sprintf("Giving up on message at offset %d: %v", msg.Offset, err))
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("KAFKA", fmt.Sprintf("Failed to commit offset %d: %v", msg.Offset, err))
		}
	}
}

// process applies one payment result, retrying infrastructure failures.
func (c *Consumer) process(ctx context.Context, value []byte) error {
	var res PaymentResult
	if err := json.Unmarshal(value, &res); err != nil {
		return fmt.Errorf("decode payment result: %w", err)
	}
	if res.HoldID == "" || res.PaymentRef == "" {
		return fmt.Errorf("%w: payment result without hold_id or payment_ref", models.ErrInvalidInput)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(policy, c.retries), ctx)

	op := func() error {
		err := c.apply(ctx, res)
		if err != nil && models.CategoryOf(err) != models.CategoryInternal {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, b)
	if err == nil || errors.Is(err, models.ErrPaymentRejected) {
		return nil
	}
	// The buyer's payment went through but the hold could not be honored;
	// the payment service owns the refund.
	c.logger.Warn("KAFKA", fmt.Sprintf("Payment %s for hold %s not applied: %v", res.PaymentRef, res.HoldID, err))
	if models.CategoryOf(err) == models.CategoryInternal {
		return err
	}
	return nil
}

func (c *Consumer) apply(ctx context.Context, res PaymentResult) error {
	switch res.Status {
	case PaymentSucceeded:
		conf, err := c.handler.ConfirmPayment(ctx, res.HoldID, res.PaymentRef)
		if err != nil {
			return err
		}
		c.logger.LogOrder("CONFIRM", conf.Order.ID, fmt.Sprintf("from payment result %s", res.PaymentRef))
		return nil
	case PaymentFailed:
		return c.handler.RejectPayment(ctx, res.HoldID, res.PaymentRef)
	default:
		return fmt.Errorf("%w: unknown payment status %q", models.ErrInvalidInput, res.Status)
	}
}

// Close gracefully shuts down the Kafka reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
