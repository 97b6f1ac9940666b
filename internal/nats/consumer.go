package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ConsumerManager handles durable consumer creation and retrieval.
type ConsumerManager struct {
	js jetstream.JetStream
}

// NewConsumerManager creates a new ConsumerManager.
func NewConsumerManager(js jetstream.JetStream) *ConsumerManager {
	return &ConsumerManager{js: js}
}

// EnsureConsumer creates or updates a durable consumer on the given stream.
// Nak'd messages are redelivered after a linear backoff, at most maxDeliver
// times (0 means unlimited).
func (cm *ConsumerManager) EnsureConsumer(ctx context.Context, stream, name, filterSubject string, maxDeliver int) (jetstream.Consumer, error) {
	cfg := jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
	}
	if maxDeliver > 0 {
		cfg.MaxDeliver = maxDeliver
		cfg.BackOff = backoff(maxDeliver)
	}

	consumer, err := cm.js.CreateOrUpdateConsumer(ctx, stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("ensuring consumer %s on %s: %w", name, stream, err)
	}
	return consumer, nil
}

func backoff(maxDeliver int) []time.Duration {
	steps := make([]time.Duration, 0, maxDeliver-1)
	for i := 1; i < maxDeliver; i++ {
		steps = append(steps, time.Duration(i)*10*time.Second)
	}
	return steps
}
