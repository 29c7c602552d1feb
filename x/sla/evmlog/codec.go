// Package evmlog renders registry events as EVM logs, matching the topics and data layout
// of the AgentSLA contract so existing log consumers can decode them unchanged.
package evmlog

import (
	_ "embed"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/compose-network/sla-escrow/x/sla"
)

// AgentSLA event ABI embedded at compile time
//
//go:embed abi/agent_sla_events.json
var eventsABIJSON string

// Codec converts between registry events and EVM logs emitted from a fixed address.
type Codec struct {
	address common.Address
	abi     abi.ABI
}

// NewCodec parses the embedded ABI. address is stamped on every encoded log.
func NewCodec(address common.Address) (*Codec, error) {
	parsed, err := abi.JSON(strings.NewReader(eventsABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse AgentSLA event ABI: %w", err)
	}
	return &Codec{address: address, abi: parsed}, nil
}

// Address returns the emitting address.
func (c *Codec) Address() common.Address {
	return c.address
}

// ABI returns the parsed event ABI.
func (c *Codec) ABI() abi.ABI {
	return c.abi
}

// Topic returns the signature hash of the named event.
func (c *Codec) Topic(name string) (common.Hash, error) {
	ev, ok := c.abi.Events[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("unknown event %q", name)
	}
	return ev.ID, nil
}

// Encode packs ev into a log. Topics are the event signature, the SLA id and the acting
// address; the remaining fields are ABI-encoded into Data.
func (c *Codec) Encode(ev sla.Event) (*types.Log, error) {
	var (
		actor common.Address
		data  []interface{}
	)

	switch e := ev.(type) {
	case sla.SLACreated:
		actor = e.Manager
		data = []interface{}{toBig(e.EscrowAmount), toBig(e.VerifierStake), e.Description}
	case sla.BidSubmitted:
		actor = e.Worker
		data = []interface{}{toBig(e.BidAmount)}
	case sla.WorkerSelected:
		actor = e.Worker
		data = []interface{}{toBig(e.AcceptedBid)}
	case sla.VerifierStaked:
		actor = e.Verifier
		data = []interface{}{e.IsFirstVerifier}
	case sla.VerificationSubmitted:
		actor = e.Verifier
		data = []interface{}{uint8(e.Decision)}
	case sla.SLAResolved:
		actor = e.Worker
		data = []interface{}{e.Approved, e.SlashedVerifier, toBig(e.SlashAmount)}
	default:
		return nil, fmt.Errorf("unsupported event type %T", ev)
	}

	event, ok := c.abi.Events[ev.Name()]
	if !ok {
		return nil, fmt.Errorf("unknown event %q", ev.Name())
	}

	packed, err := event.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s data: %w", ev.Name(), err)
	}

	return &types.Log{
		Address: c.address,
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(new(big.Int).SetUint64(ev.SLA())),
			common.BytesToHash(actor.Bytes()),
		},
		Data: packed,
	}, nil
}

// Decode reverses Encode. Logs from other addresses or with unknown signatures are rejected.
func (c *Codec) Decode(log types.Log) (sla.Event, error) {
	if log.Address != c.address {
		return nil, fmt.Errorf("log emitted by %s, want %s", log.Address.Hex(), c.address.Hex())
	}
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("expected 3 topics, got %d", len(log.Topics))
	}

	event, err := c.abi.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("unknown event signature %s: %w", log.Topics[0].Hex(), err)
	}

	idBig := log.Topics[1].Big()
	if !idBig.IsUint64() {
		return nil, fmt.Errorf("sla id %s out of range", idBig)
	}
	id := idBig.Uint64()
	actor := common.BytesToAddress(log.Topics[2].Bytes())

	values, err := event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s data: %w", event.Name, err)
	}

	switch event.Name {
	case sla.EventSLACreated:
		escrow, err := amountAt(values, 0)
		if err != nil {
			return nil, err
		}
		stake, err := amountAt(values, 1)
		if err != nil {
			return nil, err
		}
		desc, ok := values[2].(string)
		if !ok {
			return nil, fmt.Errorf("description: unexpected %T", values[2])
		}
		return sla.SLACreated{SLAID: id, Manager: actor, EscrowAmount: escrow, VerifierStake: stake, Description: desc}, nil

	case sla.EventBidSubmitted:
		bid, err := amountAt(values, 0)
		if err != nil {
			return nil, err
		}
		return sla.BidSubmitted{SLAID: id, Worker: actor, BidAmount: bid}, nil

	case sla.EventWorkerSelected:
		bid, err := amountAt(values, 0)
		if err != nil {
			return nil, err
		}
		return sla.WorkerSelected{SLAID: id, Worker: actor, AcceptedBid: bid}, nil

	case sla.EventVerifierStaked:
		first, ok := values[0].(bool)
		if !ok {
			return nil, fmt.Errorf("isFirstVerifier: unexpected %T", values[0])
		}
		return sla.VerifierStaked{SLAID: id, Verifier: actor, IsFirstVerifier: first}, nil

	case sla.EventVerificationSubmitted:
		d, ok := values[0].(uint8)
		if !ok {
			return nil, fmt.Errorf("decision: unexpected %T", values[0])
		}
		return sla.VerificationSubmitted{SLAID: id, Verifier: actor, Decision: sla.Decision(d)}, nil

	case sla.EventSLAResolved:
		approved, ok := values[0].(bool)
		if !ok {
			return nil, fmt.Errorf("approved: unexpected %T", values[0])
		}
		slashed, ok := values[1].(common.Address)
		if !ok {
			return nil, fmt.Errorf("slashedVerifier: unexpected %T", values[1])
		}
		amount, err := amountAt(values, 2)
		if err != nil {
			return nil, err
		}
		return sla.SLAResolved{
			SLAID:           id,
			Worker:          actor,
			Approved:        approved,
			SlashedVerifier: slashed,
			SlashAmount:     amount,
		}, nil
	}

	return nil, fmt.Errorf("unhandled event %s", event.Name)
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

func amountAt(values []interface{}, i int) (*uint256.Int, error) {
	b, ok := values[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("field %d: unexpected %T", i, values[i])
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("field %d: %s overflows uint256", i, b)
	}
	return v, nil
}
