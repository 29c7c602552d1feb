package main

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apimw "github.com/compose-network/sla-escrow/server/api/middleware"
	"github.com/compose-network/sla-escrow/x/auth"
	"github.com/compose-network/sla-escrow/x/ledger"
	"github.com/compose-network/sla-escrow/x/sla"
	slahttp "github.com/compose-network/sla-escrow/x/sla/http"
)

func TestLoadConfig(t *testing.T) {
	read := func(string) ([]byte, error) {
		return []byte("actions:\n  - type: wait\n    duration: 2\n"), nil
	}
	cfg, err := loadConfig("workflow.yaml", read)
	require.NoError(t, err)
	assert.Equal(t, defaultAPIAddr, cfg.APIAddr)
	assert.Equal(t, defaultRequestTimeout, cfg.Timeout.Duration)
	require.Len(t, cfg.Actions, 1)
	assert.Equal(t, "2s", cfg.Actions[0].Duration.String())

	_, err = loadConfig("x", func(string) ([]byte, error) { return []byte("api_addr: x\n"), nil })
	require.ErrorContains(t, err, "at least one action")

	_, err = loadConfig("x", func(string) ([]byte, error) { return nil, errors.New("boom") })
	require.ErrorContains(t, err, "read config")
}

func TestLoadConfig_SampleWorkflow(t *testing.T) {
	cfg, err := loadConfig("workflow.yaml", os.ReadFile)
	require.NoError(t, err)

	actors, err := parseActors(cfg.Actors)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), actors["manager"].address)
}

func TestParseActors_Invalid(t *testing.T) {
	_, err := parseActors(map[string]string{"bob": "zz"})
	require.ErrorContains(t, err, "actor bob")
}

// newNode serves the registry API behind signature checks, funding each address with 1000.
func newNode(t *testing.T, funded ...common.Address) *httptest.Server {
	t.Helper()
	log := zerolog.Nop()

	tokens := ledger.NewMemory(log)
	for _, addr := range funded {
		require.NoError(t, tokens.Mint(t.Context(), addr, uint256.NewInt(1000)))
	}
	registry, err := sla.New(log, sla.WithLedger(tokens), sla.WithMetrics(false))
	require.NoError(t, err)

	r := mux.NewRouter()
	slahttp.NewHandler(slahttp.Config{Registry: registry, Ledger: tokens}, log).RegisterMux(r)

	srv := httptest.NewServer(apimw.Caller(auth.NewVerifier(0), log)(r))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_SignedRejectFlow(t *testing.T) {
	keys := make(map[string]string)
	var addrs []common.Address
	for _, name := range []string{"manager", "worker", "v1", "v2"} {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		keys[name] = fmt.Sprintf("%x", crypto.FromECDSA(key))
		addrs = append(addrs, crypto.PubkeyToAddress(key.PublicKey))
	}
	srv := newNode(t, addrs...)

	cfg := config{
		APIAddr: srv.URL,
		Actors:  keys,
		Timeout: duration{defaultRequestTimeout},
		Actions: []actionSpec{
			{Type: "approve", Actor: "manager", Amount: "1000"},
			{Type: "approve", Actor: "v1", Amount: "1000"},
			{Type: "approve", Actor: "v2", Amount: "1000"},
			{Type: "create", Actor: "manager", As: "job", Escrow: "100", Stake: "10", Description: "label images"},
			{Type: "bid", Actor: "manager", SLA: "job", Amount: "80", Status: 403},
			{Type: "bid", Actor: "worker", SLA: "job", Amount: "80"},
			{Type: "select", Actor: "manager", SLA: "job", Worker: "worker"},
			{Type: "stake", Actor: "v1", SLA: "0"},
			{Type: "stake", Actor: "v1", SLA: "job", Status: 409},
			{Type: "stake", Actor: "v2", SLA: "job"},
			{Type: "verify", Actor: "v1", SLA: "job", Decision: "REJECT"},
			{Type: "verify", Actor: "v2", SLA: "job", Decision: "REJECT"},
			{Type: "expect", SLA: "job", State: "resolved", Balances: map[string]string{
				"manager": "1000",
				"worker":  "1000",
				"v1":      "1000",
				"v2":      "1000",
			}},
		},
	}

	require.NoError(t, run(t.Context(), cfg, srv.Client(), zerolog.Nop()))
}

func TestRun_UnexpectedStatus(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	srv := newNode(t)

	cfg := config{
		APIAddr: srv.URL,
		Actors:  map[string]string{"manager": fmt.Sprintf("%x", crypto.FromECDSA(key))},
		Timeout: duration{defaultRequestTimeout},
		Actions: []actionSpec{
			{Type: "create", Actor: "manager", Escrow: "100", Stake: "10"},
		},
	}

	err = run(t.Context(), cfg, srv.Client(), zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action 1 (create)")
	assert.Contains(t, err.Error(), "want 201")
}

func TestRun_UnknownReferences(t *testing.T) {
	srv := newNode(t)
	base := config{APIAddr: srv.URL, Timeout: duration{defaultRequestTimeout}}

	cfg := base
	cfg.Actions = []actionSpec{{Type: "bid", Actor: "ghost", SLA: "0", Amount: "1"}}
	require.ErrorContains(t, run(t.Context(), cfg, srv.Client(), zerolog.Nop()), `unknown actor "ghost"`)

	cfg = base
	cfg.Actions = []actionSpec{{Type: "expect", SLA: "job", State: "CREATED"}}
	require.ErrorContains(t, run(t.Context(), cfg, srv.Client(), zerolog.Nop()), "neither a label nor an id")

	cfg = base
	cfg.Actions = []actionSpec{{Type: "wait"}}
	require.ErrorContains(t, run(t.Context(), cfg, srv.Client(), zerolog.Nop()), "positive duration")
}
