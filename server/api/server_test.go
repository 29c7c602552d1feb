package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/sla-escrow/x/auth"
)

func TestServer_StartAndShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	s := NewServer(cfg, zerolog.Nop())
	s.Router.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"pong": "ok"})
	}).Methods(http.MethodGet)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != cfg.ListenAddr }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s := NewServer(DefaultConfig(), zerolog.Nop())
	s.Router.HandleFunc("/v1/slas", func(http.ResponseWriter, *http.Request) {}).Methods(http.MethodPost)
	s.EnableCORS([]string{"https://dashboard.example"})

	req := httptest.NewRequest(http.MethodOptions, "/v1/slas", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", auth.HeaderSignature)
	rec := httptest.NewRecorder()
	s.buildHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://dashboard.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Amount string `json:"amount"`
	}
	decode := func(raw string) (body, error) {
		var v body
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(raw))
		err := DecodeJSON(httptest.NewRecorder(), req, &v)
		return v, err
	}

	v, err := decode(`{"amount":"5"}`)
	require.NoError(t, err)
	assert.Equal(t, "5", v.Amount)

	_, err = decode(``)
	require.ErrorContains(t, err, "empty body")

	_, err = decode(`{"amount":"5","tip":"1"}`)
	require.ErrorContains(t, err, "unknown field")

	_, err = decode(`{"amount":"5"}{"amount":"6"}`)
	require.ErrorContains(t, err, "after JSON object")

	_, err = decode(`{"amount":"` + strings.Repeat("9", MaxBodyBytes) + `"}`)
	require.ErrorContains(t, err, "exceeds")
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusConflict, "AlreadyVoted", "already voted", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var out struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "AlreadyVoted", out.Error.Code)
	assert.Equal(t, "already voted", out.Error.Message)
}
