package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/sla-escrow/x/auth"
)

func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFrom(r.Context())
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Body", string(body))
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(caller.Hex()))
	})
}

func TestRequestID(t *testing.T) {
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(RequestIDFrom(r.Context())))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(rec.Body.String())
	require.NoError(t, err)
	assert.Equal(t, rec.Body.String(), rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-chosen")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "client-chosen", rec.Body.String())

	for _, bad := range []string{"has space", "line\nbreak", strings.Repeat("a", maxRequestIDLength+1)} {
		req = httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", bad)
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		_, err = uuid.Parse(rec.Body.String())
		assert.NoError(t, err, "client id %q should be replaced", bad)
	}

	assert.Empty(t, RequestIDFrom(t.Context()))
}

func TestCaller_Unsigned(t *testing.T) {
	h := Caller(nil, zerolog.Nop())(echoCaller())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	addr := common.HexToAddress("0x1000000000000000000000000000000000000001")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(auth.HeaderCaller, addr.Hex())
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, addr.Hex(), rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(auth.HeaderCaller, "alice")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCaller_Signed(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	h := Caller(auth.NewVerifier(time.Minute), zerolog.Nop())(echoCaller())

	body := []byte(`{"amount":"5"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := auth.Sign(key, auth.Message(http.MethodPost, "/v1/slas/0/bids", ts, "bid-1", body))
	require.NoError(t, err)

	signed := func(nonce, signature string) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/slas/0/bids", bytes.NewReader(body))
		req.Header.Set(auth.HeaderCaller, addr.Hex())
		req.Header.Set(auth.HeaderTimestamp, ts)
		req.Header.Set(auth.HeaderNonce, nonce)
		if signature != "" {
			req.Header.Set(auth.HeaderSignature, signature)
		}
		return req
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signed("bid-1", sig))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, addr.Hex(), rec.Body.String())
	assert.Equal(t, string(body), rec.Header().Get("X-Body"), "body is replayed to the handler")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signed("bid-2", ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_signature")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signed("", sig))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_nonce")
}

func TestCaller_RejectsReplayedSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	admitted := 0
	h := Caller(auth.NewVerifier(time.Minute), zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		admitted++
		w.WriteHeader(http.StatusCreated)
	}))

	body := []byte(`{"escrow_amount":"100","verifier_stake":"10"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := auth.Sign(key, auth.Message(http.MethodPost, "/v1/slas", ts, "create-1", body))
	require.NoError(t, err)

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/v1/slas", bytes.NewReader(body))
		req.Header.Set(auth.HeaderCaller, addr.Hex())
		req.Header.Set(auth.HeaderTimestamp, ts)
		req.Header.Set(auth.HeaderNonce, "create-1")
		req.Header.Set(auth.HeaderSignature, sig)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusUnauthorized {
			assert.Contains(t, rec.Body.String(), "replayed_request")
		}
	}

	assert.Equal(t, []int{http.StatusCreated, http.StatusUnauthorized, http.StatusUnauthorized}, codes)
	assert.Equal(t, 1, admitted)
}

func TestRateLimiter(t *testing.T) {
	l := NewRateLimiter(1, 2, time.Minute, zerolog.Nop())
	now := time.Unix(1_750_000_000, 0)
	l.clock = func() time.Time { return now }

	h := Caller(nil, zerolog.Nop())(l.Handler(echoCaller()))

	send := func(caller string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if caller != "" {
			req.Header.Set(auth.HeaderCaller, caller)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	alice := "0x1000000000000000000000000000000000000001"
	bob := "0x2000000000000000000000000000000000000002"
	assert.Equal(t, http.StatusOK, send(alice))
	assert.Equal(t, http.StatusOK, send(alice))
	assert.Equal(t, http.StatusTooManyRequests, send(alice))
	assert.Equal(t, http.StatusOK, send(bob), "buckets are per caller")

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, send(alice))

	var disabled *RateLimiter
	assert.Nil(t, NewRateLimiter(0, 1, 0, zerolog.Nop()))
	assert.True(t, disabled.Allow("anyone"))
}

func TestRecover(t *testing.T) {
	h := Recover(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}

func TestLogger_RouteAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.InfoLevel)

	r := mux.NewRouter()
	r.Use(TagRoute)
	r.HandleFunc("/v1/slas/{id:[0-9]+}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Name("sla")
	r.HandleFunc("/health", func(http.ResponseWriter, *http.Request) {})

	h := RequestID()(Logger(log)(r))

	req := httptest.NewRequest(http.MethodGet, "/v1/slas/42", nil)
	req.Header.Set(auth.HeaderCaller, "0x1000000000000000000000000000000000000001")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "sla", line["route"])
	assert.Equal(t, "/v1/slas/42", line["path"])
	assert.EqualValues(t, 404, line["status"])
	assert.Equal(t, "0x1000000000000000000000000000000000000001", line["caller"])
	assert.NotEmpty(t, line["request_id"])

	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Empty(t, buf.String(), "health checks log at debug")

	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "unmatched", line["route"])
}

func TestErrorEnvelope(t *testing.T) {
	var got map[string]any
	h := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ErrorEnvelope(r, "not_found", "sla 7 not found", map[string]uint64{"sla_id": 7})
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	body, ok := got["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "not_found", body["code"])
	assert.Equal(t, "sla 7 not found", body["message"])
	assert.NotEmpty(t, body["request_id"])
	assert.Equal(t, map[string]uint64{"sla_id": 7}, body["details"])

	got = ErrorEnvelope(httptest.NewRequest(http.MethodGet, "/", nil), "x", "y", nil)
	_, hasDetails := got["error"].(map[string]any)["details"]
	assert.False(t, hasDetails)
}
