package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/partyline/relaybank/internal/apperr"
	"github.com/partyline/relaybank/internal/auth"
	"github.com/partyline/relaybank/internal/ledger"
	"github.com/partyline/relaybank/internal/store"
)

func run(t *testing.T, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	var out bytes.Buffer
	cli := CLI{out: &out}
	parser, err := kong.New(&cli, kong.Name("relayctl"), kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &out, ctx.Run(&cli)
}

func TestGrantPack(t *testing.T) {
	out, err := run(t, "--memory", "grant-pack", "u1", "medium")
	require.NoError(t, err)

	var s ledger.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &s))
	assert.Equal(t, 10.0, s.PackHours)
	assert.Equal(t, store.PlanFree, s.PlanType)
}

func TestSetPlan(t *testing.T) {
	out, err := run(t, "--memory", "set-plan", "u1", "pro")
	require.NoError(t, err)

	var s ledger.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &s))
	assert.Equal(t, store.PlanPro, s.PlanType)
	assert.Equal(t, 45.0, s.BankCap)

	_, err = run(t, "--memory", "set-plan", "u1", "platinum")
	assert.Equal(t, apperr.InvalidRequest, apperr.CodeOf(err))
}

func TestSummaryAndRenew(t *testing.T) {
	out, err := run(t, "--memory", "summary", "u1")
	require.NoError(t, err)
	var body struct {
		Summary ledger.Summary `json:"summary"`
		Buckets []store.Bucket `json:"buckets"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	assert.Equal(t, "u1", body.Summary.UserID)
	assert.Empty(t, body.Buckets)

	out, err = run(t, "--memory", "renew", "u1")
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"plan_type": "FREE"`)
}

func TestSweep(t *testing.T) {
	out, err := run(t, "--memory", "sweep", "--batch", "10")
	require.NoError(t, err)
	assert.JSONEq(t, `{"renewed":0}`, out.String())
}

func TestExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statement.xlsx")
	_, err := run(t, "--memory", "export", "u1", "--out", path)
	require.NoError(t, err)

	wb, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer wb.Close()
	assert.NotEmpty(t, wb.GetSheetList())
}

func TestToken(t *testing.T) {
	t.Setenv("JWT_ACCESS_SECRET", "access-secret-that-is-at-least-32-chars!")
	t.Setenv("JWT_ISSUER", "partyline-auth")

	out, err := run(t, "token", "u1", "--ttl", "5m")
	require.NoError(t, err)

	var body map[string]string
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	claims, err := auth.NewJWTManager("access-secret-that-is-at-least-32-chars!", "partyline-auth", 0).
		ValidateAccessToken(body["access_token"])
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
}

func TestMigrateNeedsDatabase(t *testing.T) {
	_, err := run(t, "--memory", "migrate")
	assert.Error(t, err)
}
