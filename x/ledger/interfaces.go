package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Ledger is the account-balance collaborator the SLA registry custodies value through.
// Implementations must make every transfer atomic: it either fully applies or fails.
type Ledger interface {
	BalanceOf(ctx context.Context, owner common.Address) (*uint256.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error)

	// Transfer moves amount from `from` to `to`. Fails with ErrInsufficientFunds.
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error

	// TransferFrom debits owner and credits to on behalf of spender, consuming allowance.
	// Fails with ErrInsufficientAllowance or ErrInsufficientFunds.
	TransferFrom(ctx context.Context, spender, owner, to common.Address, amount *uint256.Int) error
}

// Payout is one leg of a batched transfer.
type Payout struct {
	To     common.Address
	Amount *uint256.Int
}

// BatchTransferer is implemented by ledgers that can apply several transfers from one account
// as a single all-or-nothing step.
type BatchTransferer interface {
	TransferBatch(ctx context.Context, from common.Address, payouts []Payout) error
}

// Approver lets an owner authorise a spender.
type Approver interface {
	Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) error
}

// Minter creates new supply. Only the in-process ledger supports it.
type Minter interface {
	Mint(ctx context.Context, to common.Address, amount *uint256.Int) error
}

// Settler is a ledger the registry can custody value with. Resolution payouts go out as one
// batch, so a failed leg never leaves earlier legs applied.
type Settler interface {
	Ledger
	BatchTransferer
}

// GenesisMinter applies the initial allocation at most once per ledger. It reports whether the
// grants were minted by this call.
type GenesisMinter interface {
	MintGenesis(ctx context.Context, grants []Payout) (bool, error)
}
