package billing

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/partyline/relaybank/internal/api"
	"github.com/partyline/relaybank/internal/apperr"
	inats "github.com/partyline/relaybank/internal/nats"
)

const maxPayloadBytes = 1 << 20

// Enqueuer queues verified deliveries for the billing consumer.
type Enqueuer interface {
	PublishWebhook(ctx context.Context, msg inats.WebhookDelivery) error
}

// Receiver is the HTTP endpoint the signature-verifying proxy forwards
// webhook payloads to. With a queue it acknowledges with 202 and lets the
// consumer apply the event; without one it applies the event inline.
type Receiver struct {
	sync  Ingester
	queue Enqueuer
}

func NewReceiver(sync Ingester, queue Enqueuer) *Receiver {
	return &Receiver{sync: sync, queue: queue}
}

func (h *Receiver) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		api.HandleError(w, apperr.New(apperr.InvalidRequest, "unreadable or oversized payload"))
		return
	}

	ev, err := ParseEvent(body)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	if h.queue != nil {
		err := h.queue.PublishWebhook(r.Context(), inats.WebhookDelivery{
			EventID:    ev.ID,
			Payload:    body,
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			slog.Error("queueing webhook delivery", "error", err, "event_id", ev.ID)
			api.HandleError(w, api.ErrInternalServer)
			return
		}
		api.JSON(w, http.StatusAccepted, map[string]string{"event_id": ev.ID, "status": "queued"})
		return
	}

	res, err := h.sync.Ingest(r.Context(), body)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, res)
}
