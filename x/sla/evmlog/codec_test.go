package evmlog

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/sla-escrow/x/sla"
)

var (
	registryAddr = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	manager      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	worker       = common.HexToAddress("0x2000000000000000000000000000000000000002")
	verifier     = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(registryAddr)
	require.NoError(t, err)
	return c
}

func TestCodec_TopicsMatchContractSignatures(t *testing.T) {
	c := newCodec(t)

	signatures := map[string]string{
		sla.EventSLACreated:            "SLACreated(uint256,address,uint256,uint256,string)",
		sla.EventBidSubmitted:          "BidSubmitted(uint256,address,uint256)",
		sla.EventWorkerSelected:        "WorkerSelected(uint256,address,uint256)",
		sla.EventVerifierStaked:        "VerifierStaked(uint256,address,bool)",
		sla.EventVerificationSubmitted: "VerificationSubmitted(uint256,address,uint8)",
		sla.EventSLAResolved:           "SLAResolved(uint256,address,bool,address,uint256)",
	}
	for name, sig := range signatures {
		topic, err := c.Topic(name)
		require.NoError(t, err, name)
		assert.Equal(t, crypto.Keccak256Hash([]byte(sig)), topic, name)
	}

	_, err := c.Topic("Transfer")
	require.Error(t, err)
}

func TestCodec_EncodeLayout(t *testing.T) {
	c := newCodec(t)

	log, err := c.Encode(sla.SLAResolved{
		SLAID:           12,
		Worker:          worker,
		Approved:        false,
		SlashedVerifier: verifier,
		SlashAmount:     uint256.NewInt(10),
	})
	require.NoError(t, err)

	assert.Equal(t, registryAddr, log.Address)
	require.Len(t, log.Topics, 3)
	assert.Equal(t, common.BigToHash(big.NewInt(12)), log.Topics[1])
	assert.Equal(t, worker, common.BytesToAddress(log.Topics[2].Bytes()))
	// bool, address, uint256: three static words
	assert.Len(t, log.Data, 3*32)
	assert.Equal(t, byte(10), log.Data[95])
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newCodec(t)

	events := []sla.Event{
		sla.SLACreated{
			SLAID:         0,
			Manager:       manager,
			EscrowAmount:  uint256.NewInt(100),
			VerifierStake: uint256.NewInt(10),
			Description:   "summarise the quarterly report",
		},
		sla.BidSubmitted{SLAID: 1, Worker: worker, BidAmount: uint256.NewInt(80)},
		sla.WorkerSelected{SLAID: 1, Worker: worker, AcceptedBid: uint256.NewInt(80)},
		sla.VerifierStaked{SLAID: 1, Verifier: verifier, IsFirstVerifier: true},
		sla.VerificationSubmitted{SLAID: 1, Verifier: verifier, Decision: sla.DecisionReject},
		sla.SLAResolved{
			SLAID:       1,
			Worker:      worker,
			Approved:    true,
			SlashAmount: new(uint256.Int),
		},
		sla.SLACreated{
			SLAID:         2,
			Manager:       manager,
			EscrowAmount:  new(uint256.Int).SetAllOne(),
			VerifierStake: new(uint256.Int),
		},
	}

	for _, ev := range events {
		t.Run(ev.Name(), func(t *testing.T) {
			log, err := c.Encode(ev)
			require.NoError(t, err)

			got, err := c.Decode(*log)
			require.NoError(t, err)
			assert.Equal(t, ev, got)
		})
	}
}

func TestCodec_DecodeRejectsForeignLogs(t *testing.T) {
	c := newCodec(t)

	log, err := c.Encode(sla.BidSubmitted{SLAID: 1, Worker: worker, BidAmount: uint256.NewInt(5)})
	require.NoError(t, err)

	foreign := *log
	foreign.Address = manager
	_, err = c.Decode(foreign)
	require.Error(t, err)

	unknown := *log
	unknown.Topics = []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")), log.Topics[1], log.Topics[2]}
	_, err = c.Decode(unknown)
	require.Error(t, err)

	_, err = c.Decode(types.Log{Address: registryAddr, Topics: log.Topics[:1]})
	require.Error(t, err)

	truncated := *log
	truncated.Data = log.Data[:10]
	_, err = c.Decode(truncated)
	require.Error(t, err)
}

type otherEvent struct{}

func (otherEvent) Name() string { return "Other" }
func (otherEvent) SLA() uint64  { return 0 }

func TestCodec_EncodeUnknownEvent(t *testing.T) {
	_, err := newCodec(t).Encode(otherEvent{})
	require.Error(t, err)
}
