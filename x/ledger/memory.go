package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	_ Ledger          = (*Memory)(nil)
	_ BatchTransferer = (*Memory)(nil)
	_ Approver        = (*Memory)(nil)
	_ Minter          = (*Memory)(nil)
	_ Settler         = (*Memory)(nil)
	_ GenesisMinter   = (*Memory)(nil)
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// Memory is an in-process ERC-20 style ledger. Suitable for tests and single-instance deployments.
type Memory struct {
	mu         sync.RWMutex
	balances   map[common.Address]*uint256.Int
	allowances map[allowanceKey]*uint256.Int
	supply     *uint256.Int
	genesis    bool

	log     zerolog.Logger
	metrics *Metrics
}

// NewMemory returns an empty ledger.
func NewMemory(log zerolog.Logger) *Memory {
	return &Memory{
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[allowanceKey]*uint256.Int),
		supply:     new(uint256.Int),
		log:        log.With().Str("component", "ledger").Logger(),
		metrics:    NewMetrics(),
	}
}

func (m *Memory) BalanceOf(_ context.Context, owner common.Address) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceLocked(owner).Clone(), nil
}

func (m *Memory) Allowance(_ context.Context, owner, spender common.Address) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.allowances[allowanceKey{owner, spender}]
	if !ok {
		return new(uint256.Int), nil
	}
	return a.Clone(), nil
}

// TotalSupply returns the amount minted so far.
func (m *Memory) TotalSupply() *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.supply.Clone()
}

func (m *Memory) Approve(_ context.Context, owner, spender common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrNilAmount
	}

	m.mu.Lock()
	m.allowances[allowanceKey{owner, spender}] = amount.Clone()
	m.mu.Unlock()

	m.log.Debug().
		Str("owner", owner.Hex()).
		Str("spender", spender.Hex()).
		Str("amount", amount.Dec()).
		Msg("Allowance set")
	return nil
}

func (m *Memory) Mint(_ context.Context, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrNilAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mintLocked(to, amount)
}

// MintGenesis mints grants unless a genesis was already applied to this ledger.
func (m *Memory) MintGenesis(_ context.Context, grants []Payout) (bool, error) {
	total := new(uint256.Int)
	for i, g := range grants {
		if g.Amount == nil {
			return false, fmt.Errorf("grant %d: %w", i, ErrNilAmount)
		}
		if _, overflow := total.AddOverflow(total, g.Amount); overflow {
			return false, fmt.Errorf("grant %d: %w", i, ErrBalanceOverflow)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.genesis {
		return false, nil
	}
	if _, overflow := new(uint256.Int).AddOverflow(m.supply, total); overflow {
		return false, fmt.Errorf("genesis %s: %w", total.Dec(), ErrBalanceOverflow)
	}
	for _, g := range grants {
		if err := m.mintLocked(g.To, g.Amount); err != nil {
			return false, err
		}
	}
	m.genesis = true
	return true, nil
}

func (m *Memory) mintLocked(to common.Address, amount *uint256.Int) error {
	supply, overflow := new(uint256.Int).AddOverflow(m.supply, amount)
	if overflow {
		return fmt.Errorf("mint %s: %w", amount.Dec(), ErrBalanceOverflow)
	}
	// supply bounds every balance, so the credit below cannot overflow
	m.supply = supply
	m.balances[to] = new(uint256.Int).Add(m.balanceLocked(to), amount)

	m.metrics.RecordTransfer("mint", amount)
	m.log.Info().Str("to", to.Hex()).Str("amount", amount.Dec()).Msg("Minted")
	return nil
}

func (m *Memory) Transfer(_ context.Context, from, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrNilAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.moveLocked(from, to, amount); err != nil {
		m.metrics.RecordFailure("transfer")
		return err
	}
	m.metrics.RecordTransfer("transfer", amount)
	return nil
}

func (m *Memory) TransferFrom(_ context.Context, spender, owner, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrNilAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := allowanceKey{owner, spender}
	allowed, ok := m.allowances[key]
	if !ok {
		allowed = new(uint256.Int)
	}
	if allowed.Lt(amount) {
		m.metrics.RecordFailure("transfer_from")
		return fmt.Errorf("%s allows %s %s, need %s: %w",
			owner.Hex(), spender.Hex(), allowed.Dec(), amount.Dec(), ErrInsufficientAllowance)
	}
	if err := m.moveLocked(owner, to, amount); err != nil {
		m.metrics.RecordFailure("transfer_from")
		return err
	}
	m.allowances[key] = new(uint256.Int).Sub(allowed, amount)

	m.metrics.RecordTransfer("transfer_from", amount)
	return nil
}

// TransferBatch applies all payouts from a single account or none of them.
func (m *Memory) TransferBatch(_ context.Context, from common.Address, payouts []Payout) error {
	total := new(uint256.Int)
	for i, p := range payouts {
		if p.Amount == nil {
			return fmt.Errorf("payout %d: %w", i, ErrNilAmount)
		}
		if _, overflow := total.AddOverflow(total, p.Amount); overflow {
			return fmt.Errorf("payout %d: %w", i, ErrBalanceOverflow)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if bal := m.balanceLocked(from); bal.Lt(total) {
		m.metrics.RecordFailure("transfer_batch")
		return fmt.Errorf("%s holds %s, batch needs %s: %w", from.Hex(), bal.Dec(), total.Dec(), ErrInsufficientFunds)
	}
	for _, p := range payouts {
		// balances are bounded by supply, and the sender holds the full total, so no leg can fail
		if err := m.moveLocked(from, p.To, p.Amount); err != nil {
			return err
		}
		m.metrics.RecordTransfer("transfer_batch", p.Amount)
	}
	return nil
}

func (m *Memory) moveLocked(from, to common.Address, amount *uint256.Int) error {
	fromBal := m.balanceLocked(from)
	if fromBal.Lt(amount) {
		return fmt.Errorf("%s holds %s, need %s: %w", from.Hex(), fromBal.Dec(), amount.Dec(), ErrInsufficientFunds)
	}
	if from == to {
		return nil
	}
	toBal, overflow := new(uint256.Int).AddOverflow(m.balanceLocked(to), amount)
	if overflow {
		return fmt.Errorf("credit %s: %w", to.Hex(), ErrBalanceOverflow)
	}
	m.balances[from] = new(uint256.Int).Sub(fromBal, amount)
	m.balances[to] = toBal

	m.log.Debug().
		Str("from", from.Hex()).
		Str("to", to.Hex()).
		Str("amount", amount.Dec()).
		Msg("Transfer applied")
	return nil
}

func (m *Memory) balanceLocked(owner common.Address) *uint256.Int {
	if b, ok := m.balances[owner]; ok {
		return b
	}
	return new(uint256.Int)
}
