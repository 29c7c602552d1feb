package sla

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// State is the lifecycle stage of an SLA. Values follow the on-chain enum order.
type State uint8

const (
	StateCreated State = iota
	StateBidding
	StateVerifying
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateBidding:
		return "BIDDING"
	case StateVerifying:
		return "VERIFYING"
	case StateResolved:
		return "RESOLVED"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	if s > StateResolved {
		return nil, fmt.Errorf("invalid state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseState accepts the state name (any case) or its numeric value.
func ParseState(v string) (State, error) {
	v = strings.TrimSpace(v)
	for s := StateCreated; s <= StateResolved; s++ {
		if strings.EqualFold(v, s.String()) {
			return s, nil
		}
	}
	if n, err := strconv.ParseUint(v, 10, 8); err == nil && State(n) <= StateResolved {
		return State(n), nil
	}
	return 0, fmt.Errorf("unknown state %q", v)
}

// Decision is a verifier's judgement. Values follow the on-chain enum order.
type Decision uint8

const (
	DecisionPending Decision = iota
	DecisionApprove
	DecisionReject
)

func (d Decision) String() string {
	switch d {
	case DecisionPending:
		return "PENDING"
	case DecisionApprove:
		return "APPROVE"
	case DecisionReject:
		return "REJECT"
	default:
		return fmt.Sprintf("DECISION(%d)", uint8(d))
	}
}

func (d Decision) MarshalText() ([]byte, error) {
	if d > DecisionReject {
		return nil, fmt.Errorf("invalid decision %d", uint8(d))
	}
	return []byte(d.String()), nil
}

func (d *Decision) UnmarshalText(b []byte) error {
	v, err := ParseDecision(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ParseDecision accepts the decision name (any case) or its numeric value.
func ParseDecision(v string) (Decision, error) {
	v = strings.TrimSpace(v)
	for d := DecisionPending; d <= DecisionReject; d++ {
		if strings.EqualFold(v, d.String()) {
			return d, nil
		}
	}
	if n, err := strconv.ParseUint(v, 10, 8); err == nil && Decision(n) <= DecisionReject {
		return Decision(n), nil
	}
	return 0, fmt.Errorf("unknown decision %q", v)
}

// Final reports whether the decision is a vote (APPROVE or REJECT).
func (d Decision) Final() bool {
	return d == DecisionApprove || d == DecisionReject
}

// PayoutReason labels a resolution transfer.
type PayoutReason string

const (
	PayoutWorkerPayment PayoutReason = "worker_payment"
	PayoutEscrowRefund  PayoutReason = "escrow_refund"
	PayoutStakeRefund   PayoutReason = "stake_refund"
)

// Payout is one transfer made out of custody during resolution.
type Payout struct {
	To     common.Address `json:"to"`
	Amount *uint256.Int   `json:"amount"`
	Reason PayoutReason   `json:"reason"`
}

// Resolution records the outcome of a resolved SLA.
type Resolution struct {
	Approved        bool           `json:"approved"`
	SlashedVerifier common.Address `json:"slashed_verifier"`
	SlashAmount     *uint256.Int   `json:"slash_amount"`
	Payouts         []Payout       `json:"payouts"`
	ResolvedAt      time.Time      `json:"resolved_at"`
}

// SLA is the registry record for one agreement. Records are never deleted.
type SLA struct {
	ID            uint64                          `json:"id"`
	Manager       common.Address                  `json:"manager"`
	Worker        common.Address                  `json:"worker"`
	Verifier1     common.Address                  `json:"verifier1"`
	Verifier2     common.Address                  `json:"verifier2"`
	EscrowAmount  *uint256.Int                    `json:"escrow_amount"`
	VerifierStake *uint256.Int                    `json:"verifier_stake"`
	AcceptedBid   *uint256.Int                    `json:"accepted_bid"`
	State         State                           `json:"state"`
	Decision1     Decision                        `json:"decision1"`
	Decision2     Decision                        `json:"decision2"`
	Description   string                          `json:"description"`
	Bids          map[common.Address]*uint256.Int `json:"bids"`
	Resolution    *Resolution                     `json:"resolution,omitempty"`
	CreatedAt     time.Time                       `json:"created_at"`
	UpdatedAt     time.Time                       `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (s *SLA) Clone() *SLA {
	if s == nil {
		return nil
	}
	cp := *s
	cp.EscrowAmount = cloneAmount(s.EscrowAmount)
	cp.VerifierStake = cloneAmount(s.VerifierStake)
	cp.AcceptedBid = cloneAmount(s.AcceptedBid)
	cp.Bids = make(map[common.Address]*uint256.Int, len(s.Bids))
	for who, amt := range s.Bids {
		cp.Bids[who] = cloneAmount(amt)
	}
	if s.Resolution != nil {
		res := *s.Resolution
		res.SlashAmount = cloneAmount(s.Resolution.SlashAmount)
		res.Payouts = make([]Payout, len(s.Resolution.Payouts))
		for i, p := range s.Resolution.Payouts {
			res.Payouts[i] = Payout{To: p.To, Amount: cloneAmount(p.Amount), Reason: p.Reason}
		}
		cp.Resolution = &res
	}
	return &cp
}

// VerifierSlot returns 1 or 2 when addr occupies a verifier slot, 0 otherwise.
func (s *SLA) VerifierSlot(addr common.Address) int {
	switch {
	case addr == (common.Address{}):
		return 0
	case addr == s.Verifier1:
		return 1
	case addr == s.Verifier2:
		return 2
	default:
		return 0
	}
}

// Custody is the value the registry holds for this SLA's open obligations:
// escrow plus posted stakes until resolution, nothing afterwards.
func (s *SLA) Custody() *uint256.Int {
	if s.State == StateResolved {
		return new(uint256.Int)
	}
	held := cloneAmount(s.EscrowAmount)
	stake := cloneAmount(s.VerifierStake)
	if s.Verifier1 != (common.Address{}) {
		held.Add(held, stake)
	}
	if s.Verifier2 != (common.Address{}) {
		held.Add(held, stake)
	}
	return held
}

// Forfeited is the slashed stake left in registry custody after resolution.
func (s *SLA) Forfeited() *uint256.Int {
	if s.Resolution == nil {
		return new(uint256.Int)
	}
	return cloneAmount(s.Resolution.SlashAmount)
}

// lessAddress orders identities by their numeric value, which matches the
// ordering of their lower-case hex form.
func lessAddress(a, b common.Address) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}
