package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"ms-ticket-inventory/internal/logger"
)

// LogNotifier writes events to the service log. It is the default backend
// when no broker is configured.
type LogNotifier struct {
	Logger *logger.Logger
}

func (n *LogNotifier) Publish(_ context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	n.Logger.Info("NOTIFY", fmt.Sprintf("%s key=%s %s", ev.Type, ev.Key, body))
	return nil
}

func (n *LogNotifier) Close() error { return nil }
