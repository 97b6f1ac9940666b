package ledger

import (
	"log/slog"
	"net/http"

	"github.com/partyline/relaybank/internal/api"
	"github.com/partyline/relaybank/internal/auth"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	ledger *Ledger
}

func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// Profile returns the caller's relay hour summary, catching up renewals first.
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	summary, err := h.ledger.Summary(r.Context(), userID)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, summary)
}

// Statement streams the caller's buckets as an XLSX workbook.
func (h *Handler) Statement(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	summary, buckets, err := h.ledger.Statement(r.Context(), userID)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="relay-statement.xlsx"`)
	if err := WriteStatement(w, summary, buckets); err != nil {
		slog.Error("writing statement", "error", err, "user_id", userID)
	}
}
