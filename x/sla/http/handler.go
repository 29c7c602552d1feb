package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	apicommon "github.com/compose-network/sla-escrow/server/api"
	"github.com/compose-network/sla-escrow/server/api/middleware"
	"github.com/compose-network/sla-escrow/x/journal"
	"github.com/compose-network/sla-escrow/x/ledger"
	"github.com/compose-network/sla-escrow/x/sla"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Registry is the subset of *sla.Registry served over HTTP.
type Registry interface {
	Address() common.Address
	CreateSLA(ctx context.Context, caller common.Address, escrow, stake *uint256.Int, description string) (uint64, error)
	SubmitBid(ctx context.Context, caller common.Address, id uint64, amount *uint256.Int) error
	SelectWorker(ctx context.Context, caller common.Address, id uint64, worker common.Address) error
	StakeAsVerifier(ctx context.Context, caller common.Address, id uint64) error
	SubmitVerification(ctx context.Context, caller common.Address, id uint64, decision sla.Decision) error
	GetSLA(ctx context.Context, id uint64) (*sla.SLA, error)
	GetBid(ctx context.Context, id uint64, worker common.Address) (*uint256.Int, error)
	ListSLAs(ctx context.Context, offset, limit uint64) ([]*sla.SLA, error)
	NextSLAID(ctx context.Context) (uint64, error)
	Custody(ctx context.Context) (*uint256.Int, error)
}

// EventSource serves journaled events.
type EventSource interface {
	Since(after uint64, limit int) []journal.Entry
	ForSLA(id uint64) []journal.Entry
	Latest() uint64
}

// LogEncoder renders events as EVM logs.
type LogEncoder interface {
	Encode(ev sla.Event) (*types.Log, error)
}

// Config wires the handler's collaborators. Events and Logs are optional.
type Config struct {
	Registry      Registry
	Ledger        ledger.Ledger
	Events        EventSource
	Logs          LogEncoder
	FaucetEnabled bool
}

type Handler struct {
	registry Registry
	ledger   ledger.Ledger
	events   EventSource
	logs     LogEncoder
	faucet   bool
	log      zerolog.Logger
}

func NewHandler(cfg Config, log zerolog.Logger) *Handler {
	return &Handler{
		registry: cfg.Registry,
		ledger:   cfg.Ledger,
		events:   cfg.Events,
		logs:     cfg.Logs,
		faucet:   cfg.FaucetEnabled,
		log:      log.With().Str("component", "sla-http").Logger(),
	}
}

func (h *Handler) handleRegistry(w http.ResponseWriter, r *http.Request) {
	next, err := h.registry.NextSLAID(r.Context())
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	custody, err := h.registry.Custody(r.Context())
	if err != nil {
		apicommon.WriteError(w, r, http.StatusServiceUnavailable, "ledger_unavailable", err.Error(), nil)
		return
	}

	resp := map[string]any{
		"address":     h.registry.Address().Hex(),
		"next_sla_id": next,
		"custody":     custody,
	}
	if h.events != nil {
		resp["latest_event_seq"] = h.events.Latest()
	}
	apicommon.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}

	var req createReq
	if !h.decode(w, r, &req) {
		return
	}
	escrow, err := parseAmount("escrow_amount", req.EscrowAmount)
	if err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_amount", err.Error(), nil)
		return
	}
	stake, err := parseAmount("verifier_stake", req.VerifierStake)
	if err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_amount", err.Error(), nil)
		return
	}

	id, err := h.registry.CreateSLA(r.Context(), caller, escrow, stake, req.Description)
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}

	rec, err := h.registry.GetSLA(r.Context(), id)
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	apicommon.WriteJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := queryUint(q.Get("offset"), 0)
	if err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_query", "offset: "+err.Error(), nil)
		return
	}
	limit, err := queryUint(q.Get("limit"), defaultPageSize)
	if err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_query", "limit: "+err.Error(), nil)
		return
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	recs, err := h.registry.ListSLAs(r.Context(), offset, limit)
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	next, err := h.registry.NextSLAID(r.Context())
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}

	apicommon.WriteJSON(w, http.StatusOK, map[string]any{
		"slas":   recs,
		"offset": offset,
		"total":  next,
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := slaID(w, r)
	if !ok {
		return
	}
	rec, err := h.registry.GetSLA(r.Context(), id)
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	apicommon.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleSubmitBid(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := slaID(w, r)
	if !ok {
		return
	}

	var req bidReq
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_amount", err.Error(), nil)
		return
	}

	if err := h.registry.SubmitBid(r.Context(), caller, id, amount); err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	apicommon.WriteJSON(w, http.StatusOK, bidResp{SLAID: id, Worker: caller.Hex(), Amount: amount})
}

func (h *Handler) handleGetBid(w http.ResponseWriter, r *http.Request) {
	id, ok := slaID(w, r)
	if !ok {
		return
	}
	worker, ok := pathAddress(w, r, "worker")
	if !ok {
		return
	}

	amount, err := h.registry.GetBid(r.Context(), id, worker)
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	apicommon.WriteJSON(w, http.StatusOK, bidResp{SLAID: id, Worker: worker.Hex(), Amount: amount})
}

func (h *Handler) handleSelectWorker(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := slaID(w, r)
	if !ok {
		return
	}

	var req selectReq
	if !h.decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.Worker) {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_worker", "worker must be a hex address", nil)
		return
	}

	if err := h.registry.SelectWorker(r.Context(), caller, id, common.HexToAddress(req.Worker)); err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	h.writeRecord(w, r, id)
}

func (h *Handler) handleStake(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := slaID(w, r)
	if !ok {
		return
	}

	if err := h.registry.StakeAsVerifier(r.Context(), caller, id); err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	h.writeRecord(w, r, id)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := slaID(w, r)
	if !ok {
		return
	}

	var req verifyReq
	if !h.decode(w, r, &req) {
		return
	}
	decision, err := sla.ParseDecision(req.Decision)
	if err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, sla.ErrorKindInvalidDecision.String(), err.Error(), nil)
		return
	}

	if err := h.registry.SubmitVerification(r.Context(), caller, id, decision); err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	h.writeRecord(w, r, id)
}

func (h *Handler) handleSLAEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := slaID(w, r)
	if !ok {
		return
	}
	if _, err := h.registry.GetSLA(r.Context(), id); err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	h.writeEntries(w, r, h.events.ForSLA(id))
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := queryUint(q.Get("since"), 0)
	if err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_query", "since: "+err.Error(), nil)
		return
	}
	limit, err := queryUint(q.Get("limit"), defaultPageSize)
	if err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_query", "limit: "+err.Error(), nil)
		return
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	h.writeEntries(w, r, h.events.Since(since, int(limit)))
}

type evmEntry struct {
	Seq uint64     `json:"seq"`
	Log *types.Log `json:"log"`
}

func (h *Handler) writeEntries(w http.ResponseWriter, r *http.Request, entries []journal.Entry) {
	latest := h.events.Latest()

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		apicommon.WriteJSON(w, http.StatusOK, map[string]any{"latest": latest, "entries": entries})

	case "evm":
		if h.logs == nil {
			apicommon.WriteError(w, r, http.StatusNotImplemented, "format_unavailable", "evm log encoding is not configured", nil)
			return
		}
		out := make([]evmEntry, 0, len(entries))
		for _, e := range entries {
			l, err := h.logs.Encode(e.Event)
			if err != nil {
				h.log.Error().Err(err).Uint64("seq", e.Seq).Msg("Failed to encode event log")
				apicommon.WriteError(w, r, http.StatusInternalServerError, "encode_failed", err.Error(), nil)
				return
			}
			l.Index = uint(e.Seq)
			out = append(out, evmEntry{Seq: e.Seq, Log: l})
		}
		apicommon.WriteJSON(w, http.StatusOK, map[string]any{"latest": latest, "entries": out})

	default:
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_query", fmt.Sprintf("unknown format %q", format), nil)
	}
}

func (h *Handler) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return
	}

	balance, err := h.ledger.BalanceOf(r.Context(), addr)
	if err != nil {
		apicommon.WriteError(w, r, http.StatusServiceUnavailable, "ledger_unavailable", err.Error(), nil)
		return
	}
	spender := h.registry.Address()
	allowance, err := h.ledger.Allowance(r.Context(), addr, spender)
	if err != nil {
		apicommon.WriteError(w, r, http.StatusServiceUnavailable, "ledger_unavailable", err.Error(), nil)
		return
	}

	apicommon.WriteJSON(w, http.StatusOK, accountResp{
		Address:   addr.Hex(),
		Balance:   balance,
		Allowance: allowance,
		Spender:   spender.Hex(),
	})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.requireCaller(w, r)
	if !ok {
		return
	}
	approver, ok := h.ledger.(ledger.Approver)
	if !ok {
		apicommon.WriteError(w, r, http.StatusNotImplemented, "unsupported", "ledger does not accept approvals", nil)
		return
	}

	var req approveReq
	if !h.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_amount", err.Error(), nil)
		return
	}

	spender := h.registry.Address()
	if err := approver.Approve(r.Context(), caller, spender, amount); err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, "approve_failed", err.Error(), nil)
		return
	}

	h.log.Info().Str("owner", caller.Hex()).Str("amount", amount.Dec()).Msg("Registry allowance set")
	apicommon.WriteJSON(w, http.StatusOK, map[string]any{
		"owner":     caller.Hex(),
		"spender":   spender.Hex(),
		"allowance": amount,
	})
}

func (h *Handler) handleFaucet(w http.ResponseWriter, r *http.Request) {
	minter, ok := h.ledger.(ledger.Minter)
	if !ok {
		apicommon.WriteError(w, r, http.StatusNotImplemented, "unsupported", "ledger cannot mint", nil)
		return
	}

	var req faucetReq
	if !h.decode(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.Address) {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_address", "address must be a hex address", nil)
		return
	}
	to := common.HexToAddress(req.Address)
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_amount", err.Error(), nil)
		return
	}

	if err := minter.Mint(r.Context(), to, amount); err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, "mint_failed", err.Error(), nil)
		return
	}

	h.log.Info().Str("to", to.Hex()).Str("amount", amount.Dec()).Msg("Faucet mint")
	balance, err := h.ledger.BalanceOf(r.Context(), to)
	if err != nil {
		apicommon.WriteError(w, r, http.StatusServiceUnavailable, "ledger_unavailable", err.Error(), nil)
		return
	}
	apicommon.WriteJSON(w, http.StatusOK, map[string]any{"address": to.Hex(), "balance": balance})
}

func (h *Handler) writeRecord(w http.ResponseWriter, r *http.Request, id uint64) {
	rec, err := h.registry.GetSLA(r.Context(), id)
	if err != nil {
		h.writeRegistryError(w, r, err)
		return
	}
	apicommon.WriteJSON(w, http.StatusOK, rec)
}

func (h *Handler) requireCaller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok {
		apicommon.WriteError(w, r, http.StatusUnauthorized, "missing_caller", "X-Caller-Address header is required", nil)
		return common.Address{}, false
	}
	return caller, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := apicommon.DecodeJSON(w, r, v); err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_json", "failed to decode request", err.Error())
		return false
	}
	return true
}

// writeRegistryError maps registry error kinds onto HTTP statuses.
func (h *Handler) writeRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	kind := sla.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("kind", kind.String()).Msg("Registry call failed")
	}

	var (
		details any
		e       *sla.Error
	)
	if errors.As(err, &e) && len(e.Context) > 0 {
		details = e.Context
	}
	apicommon.WriteError(w, r, status, kind.String(), err.Error(), details)
}

func statusFor(kind sla.ErrorKind) int {
	switch kind {
	case sla.ErrorKindNotFound:
		return http.StatusNotFound
	case sla.ErrorKindInvalidState, sla.ErrorKindDuplicateVerifier, sla.ErrorKindAlreadyVoted:
		return http.StatusConflict
	case sla.ErrorKindUnauthorized:
		return http.StatusForbidden
	case sla.ErrorKindNoBidFound, sla.ErrorKindBidExceedsEscrow,
		sla.ErrorKindInsufficientFunds, sla.ErrorKindInsufficientAllowance:
		return http.StatusUnprocessableEntity
	case sla.ErrorKindInvalidDecision, sla.ErrorKindInvalidAmount:
		return http.StatusBadRequest
	case sla.ErrorKindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func slaID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_sla_id", fmt.Sprintf("bad sla id %q", raw), nil)
		return 0, false
	}
	return id, true
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := strings.TrimSpace(mux.Vars(r)[name])
	if !common.IsHexAddress(raw) {
		apicommon.WriteError(w, r, http.StatusBadRequest, "invalid_"+name, name+" must be a hex address", nil)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func queryUint(raw string, def uint64) (uint64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
