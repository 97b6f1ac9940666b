package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/partyline/relaybank/internal/auth"
	"github.com/partyline/relaybank/internal/store"
)

func TestHandler_Profile(t *testing.T) {
	f := newFixture(t)
	f.profile("u1", store.PlanPro, nil, false)
	h := NewHandler(f.l)

	req := httptest.NewRequest(http.MethodGet, "/relay/profile", nil)
	rec := httptest.NewRecorder()
	h.Profile(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = req.WithContext(auth.WithUserID(context.Background(), "u1"))
	rec = httptest.NewRecorder()
	h.Profile(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data Summary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, store.PlanPro, body.Data.PlanType)
	assert.Equal(t, 15.0, body.Data.BankedHours)
	assert.Equal(t, 45.0, body.Data.BankCap)
}

func TestHandler_Statement(t *testing.T) {
	f := newFixture(t)
	_, err := f.l.GrantCreditPack(context.Background(), "u1", PackMedium)
	require.NoError(t, err)
	h := NewHandler(f.l)

	req := httptest.NewRequest(http.MethodGet, "/relay/statement", nil)
	req = req.WithContext(auth.WithUserID(req.Context(), "u1"))
	rec := httptest.NewRecorder()
	h.Statement(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))

	wb, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer wb.Close()
	total, err := wb.GetCellValue(bucketsSheet, "C2")
	require.NoError(t, err)
	assert.Equal(t, "10", total)
}
