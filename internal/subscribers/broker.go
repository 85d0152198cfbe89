package subscribers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sisrua/geoprep/internal/eventbus"
)

// BrokerPublisher is satisfied by the RabbitMQ client
type BrokerPublisher interface {
	RoutingKey(topic string) string
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// BrokerBridge forwards event envelopes to a message broker
type BrokerBridge struct {
	broker BrokerPublisher
	logger *slog.Logger
}

// NewBrokerBridge creates a bridge for broker
func NewBrokerBridge(broker BrokerPublisher, logger *slog.Logger) *BrokerBridge {
	return &BrokerBridge{broker: broker, logger: logger}
}

// Handle is the event bus handler
func (b *BrokerBridge) Handle(ctx context.Context, evt eventbus.Event) error {
	body, err := NewEnvelope(evt).encode()
	if err != nil {
		return fmt.Errorf("failed to encode broker envelope: %w", err)
	}
	if err := b.broker.PublishWithRetry(ctx, b.broker.RoutingKey(evt.Topic), body, "application/json"); err != nil {
		return fmt.Errorf("failed to forward %s: %w", evt.Topic, err)
	}
	return nil
}
