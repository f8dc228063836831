package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// Decode parses a message payload into T.
func Decode[T any](msg *domain.Message) (*T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", msg.Topic, err)
	}
	return &v, nil
}

// SubscribeShared subscribes through a queue group when the bus supports
// one, so each message reaches a single member. Other buses fall back to a
// plain subscription.
func SubscribeShared(ctx context.Context, b domain.EventBus, tenantID, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if qs, ok := b.(domain.QueueSubscriber); ok {
		return qs.QueueSubscribe(ctx, tenantID, topic, queue, handler)
	}
	return b.Subscribe(ctx, tenantID, topic, handler)
}
