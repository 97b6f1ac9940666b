package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partyline/relaybank/internal/auth"
	"github.com/partyline/relaybank/internal/ledger"
)

func newTestRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/lobbies/{lobbyID}/relay/requests", h.RequestAccess)
	r.Get("/lobbies/{lobbyID}/relay/requests", h.ListOpen)
	r.Post("/relay/requests/{requestID}/decision", h.Decide)
	r.Post("/lobbies/{lobbyID}/relay/activate", h.Activate)
	r.Post("/lobbies/{lobbyID}/relay/tick", h.Tick)
	r.Post("/lobbies/{lobbyID}/relay/end", h.End)
	r.Get("/lobbies/{lobbyID}/relay/eligibility", h.Eligibility)
	return r
}

func do(t *testing.T, router http.Handler, userID, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req = req.WithContext(auth.WithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
	Code  string          `json:"code"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHandler_RequestApproveTick(t *testing.T) {
	f := newFixture(t)
	f.pack(host.UserID, ledger.PackSmall)
	router := newTestRouter(NewHandler(f.svc))

	rec := do(t, router, alice.UserID, http.MethodPost, "/lobbies/lobby-1/relay/requests", `{"player_id":"p-alice"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sess struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &sess))
	assert.Equal(t, "PENDING", sess.Status)

	rec = do(t, router, alice.UserID, http.MethodPost, "/lobbies/lobby-1/relay/requests", `{"player_id":"p-alice"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, host.UserID, http.MethodPost, "/relay/requests/"+sess.ID+"/decision",
		`{"player_id":"p-host","approve":true,"max_minutes":45}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, alice.UserID, http.MethodPost, "/lobbies/lobby-1/relay/activate", `{"player_id":"p-alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, alice.UserID, http.MethodPost, "/lobbies/lobby-1/relay/tick", `{"player_id":"p-alice","participants":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tick TickResult
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &tick))
	assert.Equal(t, ModeHost, tick.Mode)
	assert.InDelta(t, 0.0334, tick.DeductedHours, 1e-9)

	rec = do(t, router, alice.UserID, http.MethodGet, "/lobbies/lobby-1/relay/eligibility?player_id=p-alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var el Eligibility
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &el))
	assert.True(t, el.CanEnable)

	rec = do(t, router, alice.UserID, http.MethodPost, "/lobbies/lobby-1/relay/end", `{"player_id":"p-alice"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_Errors(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(NewHandler(f.svc))

	cases := []struct {
		name   string
		userID string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unauthenticated", "", http.MethodPost, "/lobbies/lobby-1/relay/requests", `{"player_id":"p-alice"}`, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"malformed body", alice.UserID, http.MethodPost, "/lobbies/lobby-1/relay/requests", `{`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"missing player", alice.UserID, http.MethodPost, "/lobbies/lobby-1/relay/activate", `{}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"someone else's player", bob.UserID, http.MethodPost, "/lobbies/lobby-1/relay/requests", `{"player_id":"p-alice"}`, http.StatusForbidden, "FORBIDDEN"},
		{"bad request id", host.UserID, http.MethodPost, "/relay/requests/nope/decision", `{"player_id":"p-host","approve":true}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"decision without verdict", host.UserID, http.MethodPost, "/relay/requests/00000000-0000-0000-0000-000000000001/decision", `{"player_id":"p-host"}`, http.StatusBadRequest, "INVALID_REQUEST"},
		{"no hours to activate", bob.UserID, http.MethodPost, "/lobbies/lobby-1/relay/activate", `{"player_id":"p-bob"}`, http.StatusPaymentRequired, "INSUFFICIENT_CREDIT"},
		{"unknown lobby", alice.UserID, http.MethodGet, "/lobbies/nowhere/relay/requests?player_id=p-alice", "", http.StatusNotFound, "NOT_FOUND"},
		{"list without player", alice.UserID, http.MethodGet, "/lobbies/lobby-1/relay/requests", "", http.StatusBadRequest, "INVALID_REQUEST"},
		{"list as another account", bob.UserID, http.MethodGet, "/lobbies/lobby-1/relay/requests?player_id=p-alice", "", http.StatusForbidden, "FORBIDDEN"},
		{"list from outside the lobby", "u-stranger", http.MethodGet, "/lobbies/lobby-1/relay/requests?player_id=p-stranger", "", http.StatusNotFound, "NOT_FOUND"},
		{"eligibility without player", alice.UserID, http.MethodGet, "/lobbies/lobby-1/relay/eligibility", "", http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, router, tc.userID, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, decode(t, rec).Code)
		})
	}
}
