package relay

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/partyline/relaybank/internal/api"
	"github.com/partyline/relaybank/internal/apperr"
	"github.com/partyline/relaybank/internal/auth"
)

type Handler struct {
	svc      *Service
	validate *validator.Validate
}

func NewHandler(svc *Service) *Handler {
	return &Handler{
		svc:      svc,
		validate: validator.New(),
	}
}

type PlayerRequest struct {
	PlayerID string `json:"player_id" validate:"required,max=128"`
}

type DecisionRequest struct {
	PlayerID   string `json:"player_id" validate:"required,max=128"`
	Approve    *bool  `json:"approve" validate:"required"`
	MaxMinutes *int   `json:"max_minutes" validate:"omitempty,min=1,max=1440"`
}

type TickRequest struct {
	PlayerID     string `json:"player_id" validate:"required,max=128"`
	Participants int    `json:"participants" validate:"min=0,max=64"`
}

func (h *Handler) RequestAccess(w http.ResponseWriter, r *http.Request) {
	var req PlayerRequest
	actor, ok := h.bind(w, r, &req, func() string { return req.PlayerID })
	if !ok {
		return
	}

	res, err := h.svc.RequestAccess(r.Context(), chi.URLParam(r, "lobbyID"), actor)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	api.JSON(w, status, res.Session)
}

func (h *Handler) ListOpen(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		api.HandleError(w, apperr.New(apperr.InvalidRequest, "player_id is required"))
		return
	}

	sessions, err := h.svc.ListOpen(r.Context(), chi.URLParam(r, "lobbyID"), Actor{PlayerID: playerID, UserID: userID})
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, sessions)
}

func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	requestID, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		api.HandleError(w, apperr.New(apperr.InvalidRequest, "invalid request ID"))
		return
	}

	var req DecisionRequest
	actor, ok := h.bind(w, r, &req, func() string { return req.PlayerID })
	if !ok {
		return
	}

	sess, err := h.svc.Decide(r.Context(), requestID, actor, *req.Approve, req.MaxMinutes)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, sess)
}

func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	var req PlayerRequest
	actor, ok := h.bind(w, r, &req, func() string { return req.PlayerID })
	if !ok {
		return
	}

	res, err := h.svc.Activate(r.Context(), chi.URLParam(r, "lobbyID"), actor)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, res)
}

func (h *Handler) Tick(w http.ResponseWriter, r *http.Request) {
	var req TickRequest
	actor, ok := h.bind(w, r, &req, func() string { return req.PlayerID })
	if !ok {
		return
	}

	res, err := h.svc.DeductTick(r.Context(), chi.URLParam(r, "lobbyID"), actor, req.Participants)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, res)
}

func (h *Handler) End(w http.ResponseWriter, r *http.Request) {
	var req PlayerRequest
	actor, ok := h.bind(w, r, &req, func() string { return req.PlayerID })
	if !ok {
		return
	}

	sess, err := h.svc.End(r.Context(), chi.URLParam(r, "lobbyID"), actor)
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, sess)
}

func (h *Handler) Eligibility(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		api.HandleError(w, apperr.New(apperr.InvalidRequest, "player_id is required"))
		return
	}

	el, err := h.svc.CanEnable(r.Context(), chi.URLParam(r, "lobbyID"), Actor{PlayerID: playerID, UserID: userID})
	if err != nil {
		api.HandleError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, el)
}

// bind authenticates the caller, decodes and validates the body into dst and
// returns the acting player.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any, playerID func() string) (Actor, bool) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		api.HandleError(w, api.ErrUnauthorized)
		return Actor{}, false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		api.HandleError(w, apperr.New(apperr.InvalidRequest, "invalid request body"))
		return Actor{}, false
	}
	if err := h.validate.Struct(dst); err != nil {
		api.HandleError(w, apperr.New(apperr.InvalidRequest, err.Error()))
		return Actor{}, false
	}
	return Actor{PlayerID: playerID(), UserID: userID}, true
}
