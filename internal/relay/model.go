// Package relay runs the per-lobby workflow that lets a player spend the
// host's banked hours on video relay: request, host decision, activation and
// metered ticks.
package relay

import (
	"time"

	"github.com/google/uuid"

	"github.com/partyline/relaybank/internal/config"
	"github.com/partyline/relaybank/internal/store"
)

// End reasons recorded in the session note.
const (
	ReasonExpired          = "expired"
	ReasonApprovalExpired  = "approval_expired"
	ReasonDurationCap      = "duration_cap"
	ReasonInsufficient     = "insufficient_credit"
	ReasonParticipantCap   = "participant_cap"
	ReasonHostLeft         = "host_left"
	ReasonDeniedByHost     = "denied_by_host"
	ReasonEndedByRequester = "ended_by_requester"
	ReasonEndedByHost      = "ended_by_host"
)

// Mode says whose hours a relay is billed to.
type Mode string

const (
	ModeHost Mode = "host"
	ModeSelf Mode = "self"
)

// DefaultConfig returns the stock relay limits.
func DefaultConfig() config.RelayConfig {
	return config.RelayConfig{
		RequestTTL:       24 * time.Hour,
		ActivationWindow: 15 * time.Minute,
		MinMinutes:       5,
		DefaultMinutes:   60,
		MaxMinutes:       120,
		HardCapMinutes:   120,
		TickCooldown:     50 * time.Second,
		MaxParticipants:  6,
		BaseRate:         0.0167,
	}
}

type ActivationResult struct {
	Mode           Mode                `json:"mode"`
	SessionID      *uuid.UUID          `json:"session_id,omitempty"`
	Status         store.SessionStatus `json:"status,omitempty"`
	HostPlayerID   string              `json:"host_player_id,omitempty"`
	MaxMinutes     int                 `json:"max_minutes,omitempty"`
	StartedAt      *time.Time          `json:"started_at,omitempty"`
	BaseRate       float64             `json:"base_rate"`
	AvailableHours float64             `json:"available_hours"`
}

type TickResult struct {
	Mode           Mode                `json:"mode"`
	SessionID      *uuid.UUID          `json:"session_id,omitempty"`
	Status         store.SessionStatus `json:"status,omitempty"`
	DeductedHours  float64             `json:"deducted_hours"`
	RemainingHours float64             `json:"remaining_hours"`
	CoolingDown    bool                `json:"cooling_down,omitempty"`
	Ended          bool                `json:"ended"`
	Reason         string              `json:"reason,omitempty"`
}

type Eligibility struct {
	CanEnable bool       `json:"can_enable"`
	OwnHours  float64    `json:"own_hours"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
}

// RequestResult wraps a request call. Created is false when an open request
// from the same player was returned instead.
type RequestResult struct {
	Session *store.Session `json:"session"`
	Created bool           `json:"created"`
}
