package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/services"
)

// PubSubReturnEventPublisher publishes return lifecycle events to a Pub/Sub
// topic consumed by the notification workers.
type PubSubReturnEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubReturnEventPublisher constructs a Pub/Sub backed event publisher.
func NewPubSubReturnEventPublisher(topic *pubsub.Topic) (*PubSubReturnEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub return event publisher: topic is required")
	}
	return &PubSubReturnEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishReturnEvent enqueues a lifecycle event on the configured topic.
// Attributes carry the routing fields so subscribers can filter without
// decoding the payload.
func (p *PubSubReturnEventPublisher) PublishReturnEvent(ctx context.Context, event services.ReturnEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub return event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal return event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "returnId", event.ReturnID)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "sku", event.SKU)
	setAttr(attrs, "dealerId", event.DealerID)
	setAttr(attrs, "status", string(event.Status))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish return event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

var _ services.NotificationPublisher = (*PubSubReturnEventPublisher)(nil)
