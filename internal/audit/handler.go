package audit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/partyline/relaybank/internal/api"
	"github.com/partyline/relaybank/internal/auth"
)

// Lister reads a user's audit trail.
type Lister interface {
	ListByOwner(ctx context.Context, ownerUserID string, params ListParams) ([]AuditLog, int64, error)
}

type Handler struct {
	repo Lister
}

func NewHandler(repo Lister) *Handler {
	return &Handler{repo: repo}
}

// ListAuditLogs returns the caller's ledger and relay audit trail, newest first.
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	params := parseListParams(r)

	logs, total, err := h.repo.ListByOwner(r.Context(), userID, params)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	if logs == nil {
		logs = []AuditLog{}
	}

	api.JSONPaginated(w, http.StatusOK, logs, total, params.Page, params.PageSize)
}

func parseListParams(r *http.Request) ListParams {
	params := DefaultListParams()
	q := r.URL.Query()

	params.EventType = q.Get("event_type")
	params.Severity = q.Get("severity")
	if page, err := strconv.Atoi(q.Get("page")); err == nil && page > 0 {
		params.Page = page
	}
	if size, err := strconv.Atoi(q.Get("page_size")); err == nil && size > 0 && size <= 100 {
		params.PageSize = size
	}
	if t, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		params.From = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		params.To = &t
	}
	return params
}
