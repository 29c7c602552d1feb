package sla

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/compose-network/sla-escrow/x/ledger"
)

// Registry is the SLA settlement engine. It owns the record store, custodies escrow and
// verifier stakes in its ledger account and pays them out when the second verdict lands.
//
// Every mutating call runs under one exclusive lock, so no two mutations interleave,
// and every rejected call leaves records and balances untouched.
type Registry struct {
	address   common.Address
	ledger    ledger.Settler
	store     Store
	observers []Observer
	clock     func() time.Time
	log       zerolog.Logger
	metrics   *Metrics

	mu sync.RWMutex
}

// New creates a registry. A ledger is required; the store defaults to an in-memory one.
func New(log zerolog.Logger, opts ...Option) (*Registry, error) {
	cfg := &Config{
		Address:        DefaultAddress,
		MetricsEnabled: true,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("registry address cannot be zero")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	r := &Registry{
		address:   cfg.Address,
		ledger:    cfg.Ledger,
		store:     cfg.Store,
		observers: cfg.Observers,
		clock:     cfg.Clock,
		log:       log.With().Str("component", "sla-registry").Logger(),
	}
	if cfg.MetricsEnabled {
		r.metrics = NewMetrics()
	}

	return r, nil
}

// Address returns the custody account. Managers and verifiers approve it as spender.
func (r *Registry) Address() common.Address {
	return r.address
}

// CreateSLA locks escrow from the caller and opens a new SLA in CREATED.
func (r *Registry) CreateSLA(
	ctx context.Context,
	caller common.Address,
	escrow, stake *uint256.Int,
	description string,
) (id uint64, err error) {
	const op = "create_sla"
	defer r.observe(op, time.Now(), &err)

	if err := r.checkCaller(op, caller); err != nil {
		return 0, err
	}
	if escrow == nil || stake == nil {
		return 0, NewError(ErrorKindInvalidAmount, op, "escrow and stake are required")
	}
	if !custodyFits(escrow, stake) {
		return 0, NewError(ErrorKindInvalidAmount, op, "escrow plus both stakes overflows 256 bits").
			WithContext("escrow", escrow.Dec()).
			WithContext("stake", stake.Dec())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// a failed pull consumes no identifier
	if err := r.ledger.TransferFrom(ctx, r.address, caller, r.address, escrow); err != nil {
		return 0, fromLedger(op, err).WithContext("amount", escrow.Dec())
	}

	now := r.clock()
	rec := &SLA{
		Manager:       caller,
		EscrowAmount:  escrow.Clone(),
		VerifierStake: stake.Clone(),
		AcceptedBid:   new(uint256.Int),
		State:         StateCreated,
		Description:   description,
		Bids:          make(map[common.Address]*uint256.Int),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	id, err = r.store.Insert(ctx, rec)
	if err != nil {
		storeErr := NewError(ErrorKindStorage, op, "persist record").WithCause(err)
		return 0, r.compensate(ctx, op, 0, false, caller, escrow, storeErr)
	}

	r.metrics.recordEscrow(escrow)
	r.metrics.recordTransition(StateCreated)
	r.emit(ctx, SLACreated{
		SLAID:         id,
		Manager:       caller,
		EscrowAmount:  escrow.Clone(),
		VerifierStake: stake.Clone(),
		Description:   description,
	})

	r.log.Info().
		Uint64("sla_id", id).
		Str("manager", caller.Hex()).
		Str("escrow", escrow.Dec()).
		Str("verifier_stake", stake.Dec()).
		Msg("SLA created")

	return id, nil
}

// SubmitBid records or overwrites the caller's bid. No funds move at bid time.
func (r *Registry) SubmitBid(ctx context.Context, caller common.Address, id uint64, amount *uint256.Int) (err error) {
	const op = "submit_bid"
	defer r.observe(op, time.Now(), &err)

	if err := r.checkCaller(op, caller); err != nil {
		return err
	}
	if amount == nil {
		return NewError(ErrorKindInvalidAmount, op, "bid amount is required").WithSLA(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load(ctx, op, id)
	if err != nil {
		return err
	}
	if rec.State != StateCreated {
		return invalidState(op, rec, StateCreated)
	}
	if caller == rec.Manager {
		return NewError(ErrorKindUnauthorized, op, "manager cannot bid on own SLA").WithSLA(id)
	}

	rec.Bids[caller] = amount.Clone()
	rec.UpdatedAt = r.clock()
	if err := r.save(ctx, op, rec); err != nil {
		return err
	}

	r.emit(ctx, BidSubmitted{SLAID: id, Worker: caller, BidAmount: amount.Clone()})

	r.log.Info().
		Uint64("sla_id", id).
		Str("worker", caller.Hex()).
		Str("bid", amount.Dec()).
		Msg("Bid submitted")

	return nil
}

// SelectWorker lets the manager accept a recorded bid, moving the SLA to BIDDING.
func (r *Registry) SelectWorker(ctx context.Context, caller common.Address, id uint64, worker common.Address) (err error) {
	const op = "select_worker"
	defer r.observe(op, time.Now(), &err)

	if err := r.checkCaller(op, caller); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load(ctx, op, id)
	if err != nil {
		return err
	}
	if rec.State != StateCreated {
		return invalidState(op, rec, StateCreated)
	}
	if caller != rec.Manager {
		return NewError(ErrorKindUnauthorized, op, "only the manager can select a worker").WithSLA(id)
	}
	bid, ok := rec.Bids[worker]
	if !ok {
		return NewError(ErrorKindNoBidFound, op, "worker has not bid").
			WithSLA(id).
			WithContext("worker", worker.Hex())
	}
	if bid.Gt(rec.EscrowAmount) {
		return NewError(ErrorKindBidExceedsEscrow, op, "accepted bid would exceed escrow").
			WithSLA(id).
			WithContext("bid", bid.Dec()).
			WithContext("escrow", rec.EscrowAmount.Dec())
	}

	rec.Worker = worker
	rec.AcceptedBid = bid.Clone()
	rec.State = StateBidding
	rec.UpdatedAt = r.clock()
	if err := r.save(ctx, op, rec); err != nil {
		return err
	}

	r.metrics.recordTransition(StateBidding)
	r.emit(ctx, WorkerSelected{SLAID: id, Worker: worker, AcceptedBid: bid.Clone()})

	r.log.Info().
		Uint64("sla_id", id).
		Str("worker", worker.Hex()).
		Str("accepted_bid", bid.Dec()).
		Msg("Worker selected")

	return nil
}

// StakeAsVerifier pulls the verifier stake from the caller and assigns the next free verifier
// slot. The second stake moves the SLA to VERIFYING.
func (r *Registry) StakeAsVerifier(ctx context.Context, caller common.Address, id uint64) (err error) {
	const op = "stake_as_verifier"
	defer r.observe(op, time.Now(), &err)

	if err := r.checkCaller(op, caller); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load(ctx, op, id)
	if err != nil {
		return err
	}
	if rec.State != StateBidding {
		return invalidState(op, rec, StateBidding)
	}
	if caller == rec.Manager || caller == rec.Worker {
		return NewError(ErrorKindUnauthorized, op, "manager and worker cannot verify").WithSLA(id)
	}
	if caller == rec.Verifier1 {
		return NewError(ErrorKindDuplicateVerifier, op, "caller already holds the first verifier slot").WithSLA(id)
	}

	stake := rec.VerifierStake.Clone()
	if err := r.ledger.TransferFrom(ctx, r.address, caller, r.address, stake); err != nil {
		return fromLedger(op, err).WithSLA(id).WithContext("amount", stake.Dec())
	}

	first := rec.Verifier1 == (common.Address{})
	if first {
		rec.Verifier1 = caller
	} else {
		rec.Verifier2 = caller
		rec.State = StateVerifying
	}
	rec.UpdatedAt = r.clock()

	if err := r.store.Update(ctx, rec); err != nil {
		storeErr := NewError(ErrorKindStorage, op, "persist record").WithSLA(id).WithCause(err)
		return r.compensate(ctx, op, id, true, caller, stake, storeErr)
	}

	if !first {
		r.metrics.recordTransition(StateVerifying)
	}
	r.emit(ctx, VerifierStaked{SLAID: id, Verifier: caller, IsFirstVerifier: first})

	r.log.Info().
		Uint64("sla_id", id).
		Str("verifier", caller.Hex()).
		Bool("first", first).
		Str("stake", stake.Dec()).
		Str("state", rec.State.String()).
		Msg("Verifier staked")

	return nil
}

// SubmitVerification records a verifier's verdict. The second verdict resolves the SLA in the
// same call: payouts are made, the state becomes RESOLVED and SLAResolved is emitted.
//
// A payout failure returns a SettlementFault. The vote stays recorded and the SLA stays in
// VERIFYING; nothing is paid.
func (r *Registry) SubmitVerification(ctx context.Context, caller common.Address, id uint64, decision Decision) (err error) {
	const op = "submit_verification"
	defer r.observe(op, time.Now(), &err)

	if err := r.checkCaller(op, caller); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load(ctx, op, id)
	if err != nil {
		return err
	}
	if rec.State != StateVerifying {
		return invalidState(op, rec, StateVerifying)
	}
	if !decision.Final() {
		return NewError(ErrorKindInvalidDecision, op, "decision must be APPROVE or REJECT").
			WithSLA(id).
			WithContext("decision", decision.String())
	}

	var mine, other *Decision
	switch rec.VerifierSlot(caller) {
	case 1:
		mine, other = &rec.Decision1, &rec.Decision2
	case 2:
		mine, other = &rec.Decision2, &rec.Decision1
	default:
		return NewError(ErrorKindUnauthorized, op, "caller is not a staked verifier").WithSLA(id)
	}
	if *mine != DecisionPending {
		return NewError(ErrorKindAlreadyVoted, op, "verifier already submitted a decision").
			WithSLA(id).
			WithContext("decision", mine.String())
	}

	*mine = decision
	rec.UpdatedAt = r.clock()
	voted := VerificationSubmitted{SLAID: id, Verifier: caller, Decision: decision}

	if *other == DecisionPending {
		if err := r.save(ctx, op, rec); err != nil {
			return err
		}
		r.emit(ctx, voted)
		r.log.Info().
			Uint64("sla_id", id).
			Str("verifier", caller.Hex()).
			Str("decision", decision.String()).
			Msg("Verification submitted")
		return nil
	}

	return r.resolve(ctx, op, rec, voted)
}

// resolve runs exactly once per SLA, with the lock held and both decisions final.
func (r *Registry) resolve(ctx context.Context, op string, rec *SLA, voted VerificationSubmitted) error {
	settlement, err := Settle(rec)
	if err == nil {
		err = r.payout(ctx, settlement)
	}
	if err != nil {
		r.metrics.recordFault()
		fault := NewError(ErrorKindSettlementFault, op, "resolution payout failed").WithSLA(rec.ID).WithCause(err)
		r.log.Error().Err(err).
			Uint64("sla_id", rec.ID).
			Str("custody", r.address.Hex()).
			Msg("Settlement fault: payout failed, SLA left in VERIFYING")

		if serr := r.store.Update(ctx, rec); serr != nil {
			r.log.Error().Err(serr).Uint64("sla_id", rec.ID).Msg("Failed to persist vote after settlement fault")
			return fault.WithContext("vote_persisted", false)
		}
		r.emit(ctx, voted)
		return fault
	}

	now := r.clock()
	rec.State = StateResolved
	rec.UpdatedAt = now
	rec.Resolution = &Resolution{
		Approved:        settlement.Approved,
		SlashedVerifier: settlement.SlashedVerifier,
		SlashAmount:     settlement.SlashAmount.Clone(),
		Payouts:         settlement.Payouts,
		ResolvedAt:      now,
	}

	if err := r.store.Update(ctx, rec); err != nil {
		// funds already left custody; the record no longer matches the ledger
		r.metrics.recordFault()
		r.log.Error().Err(err).
			Uint64("sla_id", rec.ID).
			Msg("Settlement fault: payouts applied but record not persisted")
		return NewError(ErrorKindSettlementFault, op, "persist resolved record").WithSLA(rec.ID).WithCause(err)
	}

	r.metrics.recordTransition(StateResolved)
	r.metrics.recordResolution(settlement)
	r.emit(ctx, voted)
	r.emit(ctx, SLAResolved{
		SLAID:           rec.ID,
		Worker:          rec.Worker,
		Approved:        settlement.Approved,
		SlashedVerifier: settlement.SlashedVerifier,
		SlashAmount:     settlement.SlashAmount.Clone(),
	})

	r.log.Info().
		Uint64("sla_id", rec.ID).
		Str("worker", rec.Worker.Hex()).
		Bool("approved", settlement.Approved).
		Str("slashed_verifier", settlement.SlashedVerifier.Hex()).
		Str("slash_amount", settlement.SlashAmount.Dec()).
		Str("paid_out", settlement.Total().Dec()).
		Msg("SLA resolved")

	return nil
}

func (r *Registry) payout(ctx context.Context, s *Settlement) error {
	legs := s.ledgerPayouts()
	if len(legs) == 0 {
		return nil
	}

	return r.ledger.TransferBatch(ctx, r.address, legs)
}

// GetSLA returns a copy of the record, reflecting the last committed mutation.
func (r *Registry) GetSLA(ctx context.Context, id uint64) (*SLA, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.load(ctx, "get_sla", id)
}

// GetBid returns the caller's last bid on an SLA, or zero when it never bid.
func (r *Registry) GetBid(ctx context.Context, id uint64, worker common.Address) (*uint256.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, err := r.load(ctx, "get_bid", id)
	if err != nil {
		return nil, err
	}
	if bid, ok := rec.Bids[worker]; ok {
		return bid.Clone(), nil
	}
	return new(uint256.Int), nil
}

// NextSLAID returns the identifier the next CreateSLA will receive.
func (r *Registry) NextSLAID(ctx context.Context) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	next, err := r.store.NextID(ctx)
	if err != nil {
		return 0, NewError(ErrorKindStorage, "next_sla_id", "read counter").WithCause(err)
	}
	return next, nil
}

// ListSLAs returns records in creation order. A zero limit means no limit.
func (r *Registry) ListSLAs(ctx context.Context, offset, limit uint64) ([]*SLA, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recs, err := r.store.List(ctx, offset, limit)
	if err != nil {
		return nil, NewError(ErrorKindStorage, "list_slas", "list records").WithCause(err)
	}
	return recs, nil
}

// VerifyCustody checks that the ledger holds at least what the stored records account for:
// open escrow and stakes plus forfeited stakes. A shortfall means records and balances have
// diverged, as when a durable store is reopened over a fresh ledger.
func (r *Registry) VerifyCustody(ctx context.Context) error {
	const op = "verify_custody"

	r.mu.RLock()
	defer r.mu.RUnlock()

	recs, err := r.store.List(ctx, 0, 0)
	if err != nil {
		return NewError(ErrorKindStorage, op, "list records").WithCause(err)
	}
	owed := new(uint256.Int)
	for _, rec := range recs {
		owed.Add(owed, rec.Custody())
		owed.Add(owed, rec.Forfeited())
	}

	held, err := r.ledger.BalanceOf(ctx, r.address)
	if err != nil {
		return NewError(ErrorKindSettlementFault, op, "read custody balance").WithCause(err)
	}
	if held.Lt(owed) {
		return NewError(ErrorKindSettlementFault, op, "ledger custody is short of stored obligations").
			WithContext("held", held.Dec()).
			WithContext("owed", owed.Dec())
	}
	return nil
}

// Custody returns the registry's ledger balance: open escrow and stakes plus forfeited stakes.
func (r *Registry) Custody(ctx context.Context) (*uint256.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ledger.BalanceOf(ctx, r.address)
}

// GetStats returns registry statistics.
func (r *Registry) GetStats(ctx context.Context) map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := map[string]interface{}{
		"registry_address": r.address.Hex(),
	}

	recs, err := r.store.List(ctx, 0, 0)
	if err != nil {
		stats["error"] = err.Error()
		return stats
	}

	byState := make(map[string]int, 4)
	open := new(uint256.Int)
	forfeited := new(uint256.Int)
	for _, rec := range recs {
		byState[rec.State.String()]++
		open.Add(open, rec.Custody())
		forfeited.Add(forfeited, rec.Forfeited())
	}

	stats["slas_total"] = len(recs)
	stats["slas_by_state"] = byState
	stats["open_custody"] = open.Dec()
	stats["forfeited"] = forfeited.Dec()

	if held, err := r.ledger.BalanceOf(ctx, r.address); err == nil {
		stats["custody_balance"] = held.Dec()
	}
	return stats
}

func (r *Registry) checkCaller(op string, caller common.Address) error {
	if caller == (common.Address{}) {
		return NewError(ErrorKindUnauthorized, op, "caller identity is required")
	}
	if caller == r.address {
		return NewError(ErrorKindUnauthorized, op, "custody account cannot take part in an SLA")
	}
	return nil
}

func (r *Registry) load(ctx context.Context, op string, id uint64) (*SLA, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, NewError(ErrorKindNotFound, op, "sla not found").WithSLA(id)
		}
		return nil, NewError(ErrorKindStorage, op, "load record").WithSLA(id).WithCause(err)
	}
	return rec, nil
}

func (r *Registry) save(ctx context.Context, op string, rec *SLA) error {
	if err := r.store.Update(ctx, rec); err != nil {
		return NewError(ErrorKindStorage, op, "persist record").WithSLA(rec.ID).WithCause(err)
	}
	return nil
}

// compensate returns a pulled amount after the record could not be persisted.
// When the refund itself fails the call escalates to a settlement fault.
func (r *Registry) compensate(
	ctx context.Context,
	op string,
	id uint64,
	hasSLA bool,
	to common.Address,
	amount *uint256.Int,
	cause *Error,
) error {
	err := r.ledger.Transfer(ctx, r.address, to, amount)
	if err == nil {
		return cause
	}

	r.metrics.recordFault()
	r.log.Error().Err(err).
		Str("operation", op).
		Str("to", to.Hex()).
		Str("amount", amount.Dec()).
		Msg("Settlement fault: refund after failed persist did not apply")

	fault := NewError(ErrorKindSettlementFault, op, "refund after failed persist").
		WithCause(errors.Join(cause, err))
	if hasSLA {
		fault = fault.WithSLA(id)
	}
	return fault
}

func (r *Registry) emit(ctx context.Context, ev Event) {
	for _, o := range r.observers {
		o.OnEvent(ctx, ev)
	}
}

func (r *Registry) observe(op string, start time.Time, errp *error) {
	err := *errp
	r.metrics.recordOperation(op, err, time.Since(start).Seconds())
	if err != nil && !IsFatal(err) {
		r.log.Debug().Err(err).Str("operation", op).Msg("Call rejected")
	}
}

func invalidState(op string, rec *SLA, want State) *Error {
	return NewError(ErrorKindInvalidState, op, fmt.Sprintf("state is %s, want %s", rec.State, want)).
		WithSLA(rec.ID)
}

// custodyFits reports whether escrow + 2*stake is representable.
func custodyFits(escrow, stake *uint256.Int) bool {
	double, overflow := new(uint256.Int).MulOverflow(stake, uint256.NewInt(2))
	if overflow {
		return false
	}
	_, overflow = new(uint256.Int).AddOverflow(escrow, double)
	return !overflow
}
