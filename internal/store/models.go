package store

import (
	"time"

	"github.com/google/uuid"
)

type PlanType string

const (
	PlanFree PlanType = "FREE"
	PlanCore PlanType = "CORE"
	PlanPro  PlanType = "PRO"
)

type BucketSource string

const (
	SourceMonthlyGrant BucketSource = "MONTHLY_GRANT"
	SourceCreditPack   BucketSource = "CREDIT_PACK"
)

type SessionStatus string

const (
	SessionPending  SessionStatus = "PENDING"
	SessionApproved SessionStatus = "APPROVED"
	SessionActive   SessionStatus = "ACTIVE"
	SessionDenied   SessionStatus = "DENIED"
	SessionEnded    SessionStatus = "ENDED"
)

// Terminal reports whether the status can no longer change.
func (s SessionStatus) Terminal() bool {
	return s == SessionDenied || s == SessionEnded
}

type EventStatus string

const (
	EventReceived  EventStatus = "RECEIVED"
	EventProcessed EventStatus = "PROCESSED"
	EventFailed    EventStatus = "FAILED"
)

type LobbyMode string

const (
	LobbyVirtual  LobbyMode = "VIRTUAL"
	LobbyInPerson LobbyMode = "IN_PERSON"
)

type LobbyStatus string

const (
	LobbyWaiting    LobbyStatus = "WAITING"
	LobbyInProgress LobbyStatus = "IN_PROGRESS"
	LobbyFinished   LobbyStatus = "FINISHED"
)

// Profile matches the relay_profiles table schema.
type Profile struct {
	UserID          string     `json:"user_id"`
	PlanType        PlanType   `json:"plan_type"`
	MonthlyHours    float64    `json:"monthly_hours"`
	BankedHours     float64    `json:"banked_hours"`
	LoyaltyActive   bool       `json:"loyalty_active"`
	IsStripeManaged bool       `json:"is_stripe_managed"`
	LastRenewalDate *time.Time `json:"last_renewal_date,omitempty"`
	BankExpiryDate  *time.Time `json:"bank_expiry_date,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Bucket matches the hour_buckets table schema.
type Bucket struct {
	ID             uuid.UUID    `json:"id"`
	UserID         string       `json:"user_id"`
	Source         BucketSource `json:"source"`
	TotalHours     float64      `json:"total_hours"`
	RemainingHours float64      `json:"remaining_hours"`
	ExpiresAt      time.Time    `json:"expires_at"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Session matches the relay_sessions table schema.
type Session struct {
	ID                      uuid.UUID     `json:"id"`
	LobbyID                 string        `json:"lobby_id"`
	RequesterPlayerID       string        `json:"requester_player_id"`
	RequesterUserID         string        `json:"requester_user_id,omitempty"`
	HostPlayerID            string        `json:"host_player_id"`
	HostUserID              string        `json:"host_user_id"`
	Status                  SessionStatus `json:"status"`
	MaxMinutesGranted       int           `json:"max_minutes_granted"`
	BaseRate                float64       `json:"base_rate"`
	StartedAt               *time.Time    `json:"started_at,omitempty"`
	LastDeductedAt          *time.Time    `json:"last_deducted_at,omitempty"`
	ExpiresAt               time.Time     `json:"expires_at"`
	ActiveVideoParticipants int           `json:"active_video_participants"`
	Note                    string        `json:"note,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
	UpdatedAt               time.Time     `json:"updated_at"`
}

// SelfMeter tracks self-serve metering for a player who spends their own hours.
type SelfMeter struct {
	LobbyID        string    `json:"lobby_id"`
	PlayerID       string    `json:"player_id"`
	UserID         string    `json:"user_id"`
	LastDeductedAt time.Time `json:"last_deducted_at"`
}

// WebhookEvent matches the webhook_events dedup table.
type WebhookEvent struct {
	EventID      string      `json:"event_id"`
	EventType    string      `json:"event_type"`
	Status       EventStatus `json:"status"`
	Attempts     int         `json:"attempts"`
	ProcessedAt  *time.Time  `json:"processed_at,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Subscription is the last known snapshot of a user's billing subscription.
type Subscription struct {
	UserID             string     `json:"user_id"`
	SubscriptionID     string     `json:"subscription_id"`
	CustomerID         string     `json:"customer_id"`
	PlanType           PlanType   `json:"plan_type"`
	Status             string     `json:"status"`
	PriceTier          string     `json:"price_tier"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty"`

	// EventAt is the creation time of the last subscription event applied.
	EventAt   *time.Time `json:"event_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// CheckoutSession records whether a payment checkout has already been applied.
type CheckoutSession struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Mode        string     `json:"mode"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Lobby is the game layer's lobby row, read only here.
type Lobby struct {
	ID           string      `json:"id"`
	Mode         LobbyMode   `json:"mode"`
	Status       LobbyStatus `json:"status"`
	HostPlayerID string      `json:"host_player_id"`
}

// Active reports whether the lobby's game has not finished.
func (l *Lobby) Active() bool {
	return l.Status == LobbyWaiting || l.Status == LobbyInProgress
}

// Player is the game layer's participant row, read only here.
type Player struct {
	ID          string     `json:"id"`
	LobbyID     string     `json:"lobby_id"`
	UserID      string     `json:"user_id,omitempty"`
	DisplayName string     `json:"display_name"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
}

func (p *Player) Departed() bool {
	return p.LeftAt != nil
}
