package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/sla-escrow/sla-escrow-app/config"
	"github.com/compose-network/sla-escrow/x/auth"
	"github.com/compose-network/sla-escrow/x/sla"
	"github.com/compose-network/sla-escrow/x/sla/sqlstore"
)

var manager = common.HexToAddress("0x1000000000000000000000000000000000000001")

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.API.ListenAddr = "127.0.0.1:0"
	cfg.API.RateLimit.Enabled = false
	cfg.Metrics.ReportInterval = 0
	cfg.Ledger.Genesis = []config.Allocation{{Address: manager.Hex(), Amount: "1000"}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewApp_HealthAndStats(t *testing.T) {
	app, err := NewApp(t.Context(), testConfig(t), zerolog.Nop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.apiServer.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = httptest.NewRecorder()
	app.apiServer.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"next_sla_id":0`)

	rec = httptest.NewRecorder()
	app.apiServer.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 0, stats["slas_total"])
	assert.Equal(t, Version, stats["app_version"])
	assert.Equal(t, "0", stats["custody_balance"])

	rec = httptest.NewRecorder()
	app.apiServer.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewApp_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = config.StoreSQLite
	cfg.Store.DSN = filepath.Join(t.TempDir(), "escrow.db")

	app, err := NewApp(t.Context(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, app.shutdownFns, 1)

	next, err := app.registry.NextSLAID(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next)

	app.runShutdownFns()
	assert.Empty(t, app.shutdownFns)
}

func TestNewApp_SQLiteRestartKeepsCustody(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = config.StoreSQLite
	cfg.Store.DSN = filepath.Join(t.TempDir(), "escrow.db")

	serve := func(app *App, method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(auth.HeaderCaller, manager.Hex())
		rec := httptest.NewRecorder()
		app.apiServer.Handler().ServeHTTP(rec, req)
		return rec
	}

	app, err := NewApp(t.Context(), cfg, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, serve(app, http.MethodPost, "/v1/ledger/approve", `{"amount":"1000"}`).Code)
	require.Equal(t, http.StatusCreated, serve(app, http.MethodPost, "/v1/slas",
		`{"escrow_amount":"100","verifier_stake":"10","description":"outlive the process"}`).Code)
	app.runShutdownFns()

	app, err = NewApp(t.Context(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(app.runShutdownFns)

	stats := app.GetStats(t.Context())
	assert.Equal(t, 1, stats["slas_total"])
	assert.Equal(t, "100", stats["custody_balance"])

	rec := serve(app, http.MethodGet, "/v1/ledger/"+manager.Hex(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var account struct {
		Balance   string `json:"balance"`
		Allowance string `json:"allowance"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &account))
	assert.Equal(t, "900", account.Balance)
	assert.Equal(t, "900", account.Allowance)
}

func TestNewApp_RefusesCustodyShortfall(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = config.StoreSQLite
	cfg.Store.DSN = filepath.Join(t.TempDir(), "escrow.db")

	s, err := sqlstore.Open(t.Context(), cfg.Store.DSN)
	require.NoError(t, err)
	_, err = s.Insert(t.Context(), &sla.SLA{
		Manager:       manager,
		EscrowAmount:  uint256.NewInt(100),
		VerifierStake: uint256.NewInt(10),
		State:         sla.StateCreated,
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = NewApp(t.Context(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custody check failed")
	assert.ErrorIs(t, err, sla.ErrSettlementFault)
}

func TestNewApp_BadStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = config.StoreSQLite
	cfg.Store.DSN = filepath.Join(t.TempDir(), "missing", "dir", "escrow.db")

	_, err := NewApp(t.Context(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestApp_RunServesRegistry(t *testing.T) {
	app, err := NewApp(t.Context(), testConfig(t), zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, func() bool {
		return app.apiServer.Addr() != "127.0.0.1:0"
	}, 5*time.Second, 10*time.Millisecond)
	base := "http://" + app.apiServer.Addr()

	post := func(path, body string) *http.Response {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewBufferString(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(auth.HeaderCaller, manager.Hex())
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := post("/v1/ledger/approve", `{"amount":"1000"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post("/v1/slas", `{"escrow_amount":"100","verifier_stake":"10","description":"summarize"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	stats := app.GetStats(ctx)
	assert.Equal(t, 1, stats["slas_total"])
	assert.Equal(t, "100", stats["custody_balance"])
	assert.Equal(t, 1, stats["journal_entries"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not shut down")
	}
}
