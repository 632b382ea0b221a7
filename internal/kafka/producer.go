package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/notify"
)

// Producer publishes notification requests to one topic, keyed so that all
// events of a user land on the same partition.
type Producer struct {
	writer *kafka.Writer
	logger *logger.Logger
}

func NewProducer(brokers []string, topic string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &Producer{writer: writer, logger: log}
}

// Publish implements notify.Notifier.
func (p *Producer) Publish(ctx context.Context, ev notify.Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "event_id", Value: []byte(ev.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", ev.Type, p.writer.Topic, err)
	}

	p.logger.LogKafka("PUBLISH", p.writer.Topic, fmt.Sprintf("%s key=%s", ev.Type, ev.Key))
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
