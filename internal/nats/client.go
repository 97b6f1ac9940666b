package nats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/partyline/relaybank/internal/config"
)

// Client owns the NATS connection and the relay JetStream streams.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewClient connects and creates or updates RELAY_BILLING and RELAY_EVENTS.
func NewClient(ctx context.Context, cfg config.NATSConfig) (*Client, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats connection lost", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening jetstream: %w", err)
	}

	for _, sc := range streamConfigs() {
		if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
			nc.Close()
			return nil, fmt.Errorf("ensuring stream %s: %w", sc.Name, err)
		}
	}

	slog.Info("connected to nats", "client", cfg.ClientName)
	return &Client{conn: nc, js: js}, nil
}

// streamConfigs lists the streams the service publishes to. Billing work is
// consumed once and deduplicated by message id for a day, so a processor
// retrying a webhook inside that window is enqueued only once.
func streamConfigs() []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:       StreamBilling,
			Subjects:   []string{"relay.billing.>"},
			Retention:  jetstream.WorkQueuePolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 24 * time.Hour,
		},
		{
			Name:      StreamEvents,
			Subjects:  []string{"relay.events.>"},
			Retention: jetstream.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
		},
	}
}

func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Healthy reports whether the connection is currently up.
func (c *Client) Healthy() bool {
	return c.conn.IsConnected()
}

// Close drains in-flight messages before closing.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		slog.Warn("draining nats connection", "error", err)
	}
}
