package nats

import (
	"encoding/json"
	"time"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamBilling = "RELAY_BILLING"
	StreamEvents  = "RELAY_EVENTS"
)

// Subject constants.
const (
	SubjectWebhookDelivery = "relay.billing.webhook"
	SubjectPriceSwap       = "relay.billing.price_swap"
	SubjectAuditEvent      = "relay.events.audit"
)

// WebhookDelivery carries a verified billing webhook payload to the sync worker.
type WebhookDelivery struct {
	EventID    string          `json:"event_id"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// PriceSwap asks the billing integration to move a subscription to another
// price tier before its next renewal.
type PriceSwap struct {
	EventID        string    `json:"event_id"`
	UserID         string    `json:"user_id"`
	SubscriptionID string    `json:"subscription_id"`
	PlanType       string    `json:"plan_type"`
	Tier           string    `json:"tier"` // standard, loyalty
	PriceCents     int       `json:"price_cents"`
	RequestedAt    time.Time `json:"requested_at"`
}

// AuditEvent is published for user-visible ledger history.
type AuditEvent struct {
	OwnerUserID  string    `json:"owner_user_id"`
	EventType    string    `json:"event_type"`
	Severity     string    `json:"severity"` // info or warning
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Details      string    `json:"details"`
	Timestamp    time.Time `json:"timestamp"`
}
