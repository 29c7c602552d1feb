package sla

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Event names, identical to the contract event names the presentation layer filters on.
const (
	EventSLACreated            = "SLACreated"
	EventBidSubmitted          = "BidSubmitted"
	EventWorkerSelected        = "WorkerSelected"
	EventVerifierStaked        = "VerifierStaked"
	EventVerificationSubmitted = "VerificationSubmitted"
	EventSLAResolved           = "SLAResolved"
)

// Event is a lifecycle notification emitted after a mutation commits.
type Event interface {
	Name() string
	SLA() uint64
}

type SLACreated struct {
	SLAID         uint64         `json:"sla_id"`
	Manager       common.Address `json:"manager"`
	EscrowAmount  *uint256.Int   `json:"escrow_amount"`
	VerifierStake *uint256.Int   `json:"verifier_stake"`
	Description   string         `json:"description"`
}

type BidSubmitted struct {
	SLAID     uint64         `json:"sla_id"`
	Worker    common.Address `json:"worker"`
	BidAmount *uint256.Int   `json:"bid_amount"`
}

type WorkerSelected struct {
	SLAID       uint64         `json:"sla_id"`
	Worker      common.Address `json:"worker"`
	AcceptedBid *uint256.Int   `json:"accepted_bid"`
}

type VerifierStaked struct {
	SLAID           uint64         `json:"sla_id"`
	Verifier        common.Address `json:"verifier"`
	IsFirstVerifier bool           `json:"is_first_verifier"`
}

type VerificationSubmitted struct {
	SLAID    uint64         `json:"sla_id"`
	Verifier common.Address `json:"verifier"`
	Decision Decision       `json:"decision"`
}

// SLAResolved carries the zero address and a zero amount when nobody was slashed.
type SLAResolved struct {
	SLAID           uint64         `json:"sla_id"`
	Worker          common.Address `json:"worker"`
	Approved        bool           `json:"approved"`
	SlashedVerifier common.Address `json:"slashed_verifier"`
	SlashAmount     *uint256.Int   `json:"slash_amount"`
}

func (e SLACreated) Name() string            { return EventSLACreated }
func (e BidSubmitted) Name() string          { return EventBidSubmitted }
func (e WorkerSelected) Name() string        { return EventWorkerSelected }
func (e VerifierStaked) Name() string        { return EventVerifierStaked }
func (e VerificationSubmitted) Name() string { return EventVerificationSubmitted }
func (e SLAResolved) Name() string           { return EventSLAResolved }

func (e SLACreated) SLA() uint64            { return e.SLAID }
func (e BidSubmitted) SLA() uint64          { return e.SLAID }
func (e WorkerSelected) SLA() uint64        { return e.SLAID }
func (e VerifierStaked) SLA() uint64        { return e.SLAID }
func (e VerificationSubmitted) SLA() uint64 { return e.SLAID }
func (e SLAResolved) SLA() uint64           { return e.SLAID }

// Observer receives events synchronously, in commit order, while the registry lock is held.
// Implementations must not call back into the registry.
type Observer interface {
	OnEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnEvent(ctx context.Context, ev Event) { f(ctx, ev) }
