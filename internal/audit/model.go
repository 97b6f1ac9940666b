package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	EventPackGranted      = "pack_granted"
	EventPlanChanged      = "plan_changed"
	EventRenewalGranted   = "renewal_granted"
	EventRelayRequested   = "relay_requested"
	EventRelayApproved    = "relay_approved"
	EventRelayDenied      = "relay_denied"
	EventRelayActivated   = "relay_activated"
	EventRelayEnded       = "relay_ended"
	EventWebhookProcessed = "webhook_processed"
	EventWebhookFailed    = "webhook_failed"
)

// AuditLog matches the audit_logs table schema.
type AuditLog struct {
	ID           uuid.UUID       `json:"id"`
	OwnerUserID  string          `json:"owner_user_id"`
	EventType    string          `json:"event_type"`
	Severity     string          `json:"severity"`
	ResourceType string          `json:"resource_type,omitempty"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ListParams holds pagination and filtering parameters for audit log queries.
type ListParams struct {
	EventType string
	Severity  string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 20,
	}
}
