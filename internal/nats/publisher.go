package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Publisher provides typed methods for publishing events to NATS JetStream.
type Publisher struct {
	js jetstream.JetStream
}

// NewPublisher creates a new Publisher.
func NewPublisher(js jetstream.JetStream) *Publisher {
	return &Publisher{js: js}
}

// PublishWebhook enqueues a webhook delivery. The event id doubles as the
// JetStream message id so duplicate receipts inside the dedup window collapse.
func (p *Publisher) PublishWebhook(ctx context.Context, msg WebhookDelivery) error {
	return p.publish(ctx, SubjectWebhookDelivery, msg, jetstream.WithMsgID(msg.EventID))
}

// PublishPriceSwap publishes a price tier change command, deduplicated by the
// billing event that caused it.
func (p *Publisher) PublishPriceSwap(ctx context.Context, cmd PriceSwap) error {
	return p.publish(ctx, SubjectPriceSwap, cmd, jetstream.WithMsgID("price-swap:"+cmd.EventID))
}

// PublishAuditEvent publishes an audit event.
func (p *Publisher) PublishAuditEvent(ctx context.Context, event AuditEvent) error {
	return p.publish(ctx, SubjectAuditEvent, event)
}

func (p *Publisher) publish(ctx context.Context, subject string, data any, opts ...jetstream.PublishOpt) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling event for %s: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = payload
	_, err = p.js.PublishMsg(ctx, msg, opts...)
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}
