package sla

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/compose-network/sla-escrow/x/ledger"
)

// Settlement is the fund flow computed when the second verdict lands.
type Settlement struct {
	Approved        bool
	SlashedVerifier common.Address
	SlashAmount     *uint256.Int
	Payouts         []Payout
}

// Settle computes the payouts for a record whose two decisions are both final.
//
//   - both APPROVE: worker receives the accepted bid, manager the rest of the escrow,
//     both verifiers their stake.
//   - both REJECT: manager receives the full escrow, both verifiers their stake.
//   - split vote: manager receives the full escrow; the verifier with the numerically
//     smaller address forfeits its stake, which stays in custody; the other is refunded.
//
// Zero-value legs are omitted.
func Settle(rec *SLA) (*Settlement, error) {
	if rec == nil {
		return nil, fmt.Errorf("record is required")
	}
	if !rec.Decision1.Final() || !rec.Decision2.Final() {
		return nil, fmt.Errorf("sla %d: decisions not final (%s, %s)", rec.ID, rec.Decision1, rec.Decision2)
	}
	if rec.Verifier1 == (common.Address{}) || rec.Verifier2 == (common.Address{}) {
		return nil, fmt.Errorf("sla %d: verifier slots incomplete", rec.ID)
	}

	escrow := cloneAmount(rec.EscrowAmount)
	stake := cloneAmount(rec.VerifierStake)

	s := &Settlement{
		SlashAmount: new(uint256.Int),
		Payouts:     make([]Payout, 0, 4),
	}

	switch {
	case rec.Decision1 == DecisionApprove && rec.Decision2 == DecisionApprove:
		bid := cloneAmount(rec.AcceptedBid)
		if bid.Gt(escrow) {
			return nil, fmt.Errorf("sla %d: accepted bid %s exceeds escrow %s", rec.ID, bid.Dec(), escrow.Dec())
		}
		s.Approved = true
		s.add(rec.Worker, bid, PayoutWorkerPayment)
		s.add(rec.Manager, new(uint256.Int).Sub(escrow, bid), PayoutEscrowRefund)
		s.add(rec.Verifier1, stake, PayoutStakeRefund)
		s.add(rec.Verifier2, stake, PayoutStakeRefund)

	case rec.Decision1 == DecisionReject && rec.Decision2 == DecisionReject:
		s.add(rec.Manager, escrow, PayoutEscrowRefund)
		s.add(rec.Verifier1, stake, PayoutStakeRefund)
		s.add(rec.Verifier2, stake, PayoutStakeRefund)

	default:
		slashed, kept := rec.Verifier1, rec.Verifier2
		if lessAddress(rec.Verifier2, rec.Verifier1) {
			slashed, kept = rec.Verifier2, rec.Verifier1
		}
		s.SlashedVerifier = slashed
		s.SlashAmount = stake.Clone()
		s.add(rec.Manager, escrow, PayoutEscrowRefund)
		s.add(kept, stake, PayoutStakeRefund)
	}

	return s, nil
}

func (s *Settlement) add(to common.Address, amount *uint256.Int, reason PayoutReason) {
	if amount.IsZero() {
		return
	}
	s.Payouts = append(s.Payouts, Payout{To: to, Amount: amount.Clone(), Reason: reason})
}

// Total is the value leaving custody.
func (s *Settlement) Total() *uint256.Int {
	total := new(uint256.Int)
	for _, p := range s.Payouts {
		total.Add(total, p.Amount)
	}
	return total
}

// PaidTo sums the payouts credited to one address.
func (s *Settlement) PaidTo(addr common.Address) *uint256.Int {
	total := new(uint256.Int)
	for _, p := range s.Payouts {
		if p.To == addr {
			total.Add(total, p.Amount)
		}
	}
	return total
}

func (s *Settlement) ledgerPayouts() []ledger.Payout {
	out := make([]ledger.Payout, 0, len(s.Payouts))
	for _, p := range s.Payouts {
		out = append(out, ledger.Payout{To: p.To, Amount: p.Amount.Clone()})
	}
	return out
}
