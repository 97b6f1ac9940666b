package billing

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/partyline/relaybank/internal/apperr"
	inats "github.com/partyline/relaybank/internal/nats"
)

const consumerName = "billing-sync"

// Ingester applies one webhook payload.
type Ingester interface {
	Ingest(ctx context.Context, payload []byte) (*Result, error)
}

// Consumer drains queued webhook deliveries into the sync. Failed deliveries
// are Nak'd so JetStream redelivers them after a backoff.
type Consumer struct {
	sync        Ingester
	consumerMgr *inats.ConsumerManager
	maxDeliver  int
}

func NewConsumer(sync Ingester, consumerMgr *inats.ConsumerManager, maxDeliver int) *Consumer {
	return &Consumer{
		sync:        sync,
		consumerMgr: consumerMgr,
		maxDeliver:  maxDeliver,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.consumerMgr.EnsureConsumer(ctx, inats.StreamBilling, consumerName, inats.SubjectWebhookDelivery, c.maxDeliver)
	if err != nil {
		return err
	}

	slog.Info("billing consumer started", "consumer", consumerName, "max_deliver", c.maxDeliver)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("billing consumer: fetching deliveries", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handle(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	var delivery inats.WebhookDelivery
	if err := json.Unmarshal(msg.Data(), &delivery); err != nil {
		slog.Error("billing consumer: unmarshaling delivery", "error", err)
		_ = msg.Term()
		return
	}

	if _, err := c.sync.Ingest(ctx, delivery.Payload); err != nil {
		if apperr.Is(err, apperr.InvalidRequest) {
			slog.Error("billing consumer: dropping invalid delivery", "error", err, "event_id", delivery.EventID)
			_ = msg.Term()
			return
		}
		slog.Warn("billing consumer: delivery will be retried", "error", err, "event_id", delivery.EventID)
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()
}
