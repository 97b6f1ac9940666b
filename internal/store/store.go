// Package store is the transactional persistence layer shared by the ledger,
// the relay session machine and the billing sync.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store runs fn as one atomic unit of work. If fn returns an error nothing it
// wrote is kept.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes row operations inside a unit of work. Getters return (nil, nil)
// when the row does not exist. Returned rows are copies; write them back with
// the matching update call.
type Tx interface {
	// Profiles. GetProfile locks the row for the rest of the transaction.
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	InsertProfile(ctx context.Context, p *Profile) error
	UpdateProfile(ctx context.Context, p *Profile) error
	// ListRenewalDue returns users on a paid, self-managed plan whose renewal
	// cursor is unset or at or before dueBefore.
	ListRenewalDue(ctx context.Context, dueBefore time.Time, limit int) ([]string, error)

	// Buckets, ordered by expires_at then created_at.
	ListBuckets(ctx context.Context, userID string) ([]Bucket, error)
	InsertBucket(ctx context.Context, b *Bucket) error
	UpdateBucketRemaining(ctx context.Context, id uuid.UUID, remaining float64) error
	DeleteBucket(ctx context.Context, id uuid.UUID) error

	// Game layer rows.
	GetLobby(ctx context.Context, lobbyID string) (*Lobby, error)
	GetPlayer(ctx context.Context, lobbyID, playerID string) (*Player, error)

	// Relay sessions. ListSessions returns newest first; no statuses means all.
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)
	ListSessions(ctx context.Context, lobbyID string, statuses ...SessionStatus) ([]Session, error)
	InsertSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	GetSelfMeter(ctx context.Context, lobbyID, playerID string) (*SelfMeter, error)
	UpsertSelfMeter(ctx context.Context, m *SelfMeter) error

	// Webhook dedup log. InsertWebhookEvent reports false when the id exists.
	// GetWebhookEvent locks the row.
	InsertWebhookEvent(ctx context.Context, e *WebhookEvent) (bool, error)
	GetWebhookEvent(ctx context.Context, eventID string) (*WebhookEvent, error)
	UpdateWebhookEvent(ctx context.Context, e *WebhookEvent) error

	// Billing snapshots. UserForCustomer returns "" for unknown customers.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
	UpsertSubscription(ctx context.Context, s *Subscription) error
	LinkCustomer(ctx context.Context, customerID, userID string) error
	UserForCustomer(ctx context.Context, customerID string) (string, error)
	GetCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error)
	UpsertCheckoutSession(ctx context.Context, c *CheckoutSession) error
}

// HasStatus reports whether s is one of statuses. An empty list matches all.
func HasStatus(s SessionStatus, statuses []SessionStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if s == st {
			return true
		}
	}
	return false
}
