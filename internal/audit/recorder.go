package audit

import (
	"context"
	"log/slog"
	"time"

	inats "github.com/partyline/relaybank/internal/nats"
)

// Publisher is the subset of the NATS publisher the recorder needs.
type Publisher interface {
	PublishAuditEvent(ctx context.Context, event inats.AuditEvent) error
}

// Recorder publishes audit events after the unit of work that caused them
// has committed. A nil Recorder, or one without a publisher, drops events.
type Recorder struct {
	pub Publisher
}

func NewRecorder(pub Publisher) *Recorder {
	return &Recorder{pub: pub}
}

// Record publishes one event. Failures are logged and never returned: the
// ledger change is already committed.
func (r *Recorder) Record(ctx context.Context, ownerUserID, eventType, severity, resourceType, resourceID, details string) {
	if r == nil || r.pub == nil || ownerUserID == "" {
		return
	}
	if severity == "" {
		severity = "info"
	}

	event := inats.AuditEvent{
		OwnerUserID:  ownerUserID,
		EventType:    eventType,
		Severity:     severity,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		Timestamp:    time.Now().UTC(),
	}
	if err := r.pub.PublishAuditEvent(ctx, event); err != nil {
		slog.Warn("publishing audit event", "error", err, "event_type", eventType, "owner", ownerUserID)
	}
}
