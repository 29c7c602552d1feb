package main

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/compose-network/sla-escrow/x/auth"
)

const (
	defaultAPIAddr        = "http://127.0.0.1:8090"
	defaultRequestTimeout = 5 * time.Second
)

var (
	errMissingConfigPath = errors.New("missing required flag: -config")
)

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		d.Duration = 0
		return nil
	}

	switch value.Tag {
	case "!!int":
		secs, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = time.Duration(secs) * time.Second
	case "!!str", "":
		if value.Value == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("unsupported duration type tag %q", value.Tag)
	}
	return nil
}

type config struct {
	APIAddr string            `yaml:"api_addr"`
	Actors  map[string]string `yaml:"actors"` // name -> hex private key
	Timeout duration          `yaml:"timeout"`
	Actions []actionSpec      `yaml:"actions"`
}

type actionSpec struct {
	Type  string `yaml:"type"`
	Actor string `yaml:"actor"`

	// SLA reference: a label set by an earlier create action, or a numeric id.
	SLA string `yaml:"sla"`
	As  string `yaml:"as"`

	Amount      string `yaml:"amount"`
	Escrow      string `yaml:"escrow"`
	Stake       string `yaml:"stake"`
	Description string `yaml:"description"`
	Worker      string `yaml:"worker"`
	Decision    string `yaml:"decision"`

	State    string            `yaml:"state"`
	Balances map[string]string `yaml:"balances"`
	Status   int               `yaml:"status"`

	Duration duration `yaml:"duration"`
}

type actor struct {
	name    string
	key     *ecdsa.PrivateKey
	address common.Address
}

func main() {
	cfgPath := flag.String("config", "", "Path to YAML file describing the workflow")
	flag.Parse()

	if *cfgPath == "" {
		flag.Usage()
		fmt.Fprintln(os.Stderr, errMissingConfigPath)
		os.Exit(2)
	}

	cfg, err := loadConfig(*cfgPath, os.ReadFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	if err := run(context.Background(), cfg, http.DefaultClient, logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string, reader func(string) ([]byte, error)) (config, error) {
	data, err := reader(path)
	if err != nil {
		return config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config{}, fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.APIAddr == "" {
		cfg.APIAddr = defaultAPIAddr
	}
	cfg.APIAddr = strings.TrimRight(cfg.APIAddr, "/")
	if cfg.Timeout.Duration == 0 {
		cfg.Timeout.Duration = defaultRequestTimeout
	}
	if len(cfg.Actions) == 0 {
		return config{}, errors.New("config must include at least one action")
	}
	return cfg, nil
}

func parseActors(raw map[string]string) (map[string]actor, error) {
	actors := make(map[string]actor, len(raw))
	for name, hexKey := range raw {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("actor %s: invalid private key: %w", name, err)
		}
		actors[name] = actor{name: name, key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
	}
	return actors, nil
}

// workflow carries the state shared by consecutive actions.
type workflow struct {
	cfg    config
	client *http.Client
	actors map[string]actor
	labels map[string]uint64
	clock  func() time.Time
}

func run(ctx context.Context, cfg config, client *http.Client, logger zerolog.Logger) error {
	actors, err := parseActors(cfg.Actors)
	if err != nil {
		return err
	}
	for _, a := range actors {
		logger.Info().Str("actor", a.name).Str("address", a.address.Hex()).Msg("loaded actor")
	}

	wf := &workflow{
		cfg:    cfg,
		client: client,
		actors: actors,
		labels: make(map[string]uint64),
		clock:  time.Now,
	}

	for idx, action := range cfg.Actions {
		logger := logger.With().Int("step", idx+1).Str("action", action.Type).Logger()
		if err := wf.execute(ctx, action, logger); err != nil {
			return fmt.Errorf("action %d (%s): %w", idx+1, action.Type, err)
		}
	}

	logger.Info().Int("actions", len(cfg.Actions)).Msg("workflow complete")
	return nil
}

func (wf *workflow) execute(ctx context.Context, action actionSpec, logger zerolog.Logger) error {
	switch action.Type {
	case "wait", "sleep":
		if action.Duration.Duration <= 0 {
			return errors.New("wait action requires a positive duration")
		}
		logger.Info().Dur("duration", action.Duration.Duration).Msg("sleeping")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(action.Duration.Duration):
		}
		return nil

	case "expect":
		return wf.expect(ctx, action, logger)
	}

	who, ok := wf.actors[action.Actor]
	if !ok {
		return fmt.Errorf("unknown actor %q", action.Actor)
	}

	var (
		path string
		body any
	)
	switch action.Type {
	case "approve":
		path, body = "/v1/ledger/approve", map[string]string{"amount": action.Amount}
	case "create":
		path = "/v1/slas"
		body = map[string]string{
			"escrow_amount":  action.Escrow,
			"verifier_stake": action.Stake,
			"description":    action.Description,
		}
	case "bid", "stake", "select", "verify":
		id, err := wf.slaID(action.SLA)
		if err != nil {
			return err
		}
		switch action.Type {
		case "bid":
			path, body = fmt.Sprintf("/v1/slas/%d/bids", id), map[string]string{"amount": action.Amount}
		case "stake":
			path, body = fmt.Sprintf("/v1/slas/%d/verifiers", id), struct{}{}
		case "select":
			worker, err := wf.address(action.Worker)
			if err != nil {
				return err
			}
			path, body = fmt.Sprintf("/v1/slas/%d/worker", id), map[string]string{"worker": worker.Hex()}
		case "verify":
			path, body = fmt.Sprintf("/v1/slas/%d/verifications", id), map[string]string{"decision": action.Decision}
		}
	default:
		return fmt.Errorf("unsupported type %q", action.Type)
	}

	status, payload, err := wf.do(ctx, http.MethodPost, path, who, body)
	if err != nil {
		return err
	}

	want := action.Status
	if want == 0 {
		want = http.StatusOK
		if action.Type == "create" {
			want = http.StatusCreated
		}
	}
	if status != want {
		return fmt.Errorf("POST %s: status %d, want %d: %s", path, status, want, strings.TrimSpace(string(payload)))
	}

	if action.Type == "create" && status == http.StatusCreated {
		var rec struct {
			ID uint64 `json:"id"`
		}
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode created record: %w", err)
		}
		if action.As != "" {
			wf.labels[action.As] = rec.ID
		}
		logger = logger.With().Uint64("sla_id", rec.ID).Logger()
	}

	logger.Info().Str("actor", who.name).Int("status", status).Msg("request accepted")
	return nil
}

func (wf *workflow) expect(ctx context.Context, action actionSpec, logger zerolog.Logger) error {
	if action.State != "" {
		id, err := wf.slaID(action.SLA)
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/v1/slas/%d", id)
		status, payload, err := wf.do(ctx, http.MethodGet, path, actor{}, nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("GET %s: status %d", path, status)
		}
		var rec struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(payload, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if !strings.EqualFold(rec.State, action.State) {
			return fmt.Errorf("sla %d state %s, want %s", id, rec.State, action.State)
		}
		logger.Info().Uint64("sla_id", id).Str("state", rec.State).Msg("state matches")
	}

	for name, want := range action.Balances {
		addr, err := wf.address(name)
		if err != nil {
			return err
		}
		path := "/v1/ledger/" + addr.Hex()
		status, payload, err := wf.do(ctx, http.MethodGet, path, actor{}, nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("GET %s: status %d", path, status)
		}
		var acct struct {
			Balance string `json:"balance"`
		}
		if err := json.Unmarshal(payload, &acct); err != nil {
			return fmt.Errorf("decode account: %w", err)
		}
		if acct.Balance != want {
			return fmt.Errorf("balance of %s is %s, want %s", name, acct.Balance, want)
		}
		logger.Info().Str("actor", name).Str("balance", acct.Balance).Msg("balance matches")
	}
	return nil
}

// do sends a request. A zero actor sends it anonymously; otherwise it is signed by the actor's key.
func (wf *workflow) do(ctx context.Context, method, path string, who actor, body any) (int, []byte, error) {
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return 0, nil, fmt.Errorf("encode body: %w", err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, wf.cfg.Timeout.Duration)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, wf.cfg.APIAddr+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if who.key != nil {
		ts := strconv.FormatInt(wf.clock().Unix(), 10)
		nonce := uuid.NewString()
		sig, err := auth.Sign(who.key, auth.Message(method, path, ts, nonce, raw))
		if err != nil {
			return 0, nil, fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set(auth.HeaderCaller, who.address.Hex())
		req.Header.Set(auth.HeaderTimestamp, ts)
		req.Header.Set(auth.HeaderNonce, nonce)
		req.Header.Set(auth.HeaderSignature, sig)
	}

	resp, err := wf.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, payload, nil
}

func (wf *workflow) slaID(ref string) (uint64, error) {
	ref = strings.TrimSpace(ref)
	if id, ok := wf.labels[ref]; ok {
		return id, nil
	}
	id, err := strconv.ParseUint(ref, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sla %q is neither a label nor an id", ref)
	}
	return id, nil
}

// address resolves an actor name or a literal hex address.
func (wf *workflow) address(ref string) (common.Address, error) {
	if a, ok := wf.actors[ref]; ok {
		return a.address, nil
	}
	if common.IsHexAddress(ref) {
		return common.HexToAddress(ref), nil
	}
	return common.Address{}, fmt.Errorf("unknown actor or address %q", ref)
}
