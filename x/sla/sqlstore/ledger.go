package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/compose-network/sla-escrow/x/ledger"
)

var (
	_ ledger.Settler       = (*Ledger)(nil)
	_ ledger.Approver      = (*Ledger)(nil)
	_ ledger.Minter        = (*Ledger)(nil)
	_ ledger.GenesisMinter = (*Ledger)(nil)
)

const (
	metaSupply  = "supply"
	metaGenesis = "genesis"
)

var ledgerSchema = []string{
	`CREATE TABLE IF NOT EXISTS balances (
		address TEXT PRIMARY KEY,
		amount TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS allowances (
		owner TEXT NOT NULL,
		spender TEXT NOT NULL,
		amount TEXT NOT NULL,
		PRIMARY KEY (owner, spender)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// Ledger keeps balances, allowances and total supply in SQLite. Sharing the records' database
// means registry custody and the SLAs that account for it are restored together.
// Amounts are stored as decimal text; every operation runs in one transaction.
type Ledger struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *ledger.Metrics
}

// Ledger opens the token ledger stored alongside the records.
func (s *Store) Ledger(ctx context.Context, log zerolog.Logger) (*Ledger, error) {
	return NewLedger(ctx, s.db, log)
}

// NewLedger wraps an existing handle and creates the ledger tables when missing.
func NewLedger(ctx context.Context, db *sql.DB, log zerolog.Logger) (*Ledger, error) {
	for _, stmt := range ledgerSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return &Ledger{
		db:      db,
		log:     log.With().Str("component", "ledger").Str("backend", "sqlite").Logger(),
		metrics: ledger.NewMetrics(),
	}, nil
}

func (l *Ledger) BalanceOf(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	return readAmount(ctx, l.db, `SELECT amount FROM balances WHERE address = ?`, owner.Hex())
}

func (l *Ledger) Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error) {
	return readAmount(ctx, l.db,
		`SELECT amount FROM allowances WHERE owner = ? AND spender = ?`, owner.Hex(), spender.Hex())
}

// TotalSupply returns the amount minted so far.
func (l *Ledger) TotalSupply(ctx context.Context) (*uint256.Int, error) {
	return readAmount(ctx, l.db, `SELECT value FROM ledger_meta WHERE key = ?`, metaSupply)
}

func (l *Ledger) Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ledger.ErrNilAmount
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO allowances (owner, spender, amount) VALUES (?, ?, ?)
		ON CONFLICT(owner, spender) DO UPDATE SET amount = excluded.amount`,
		owner.Hex(), spender.Hex(), amount.Dec(),
	)
	if err != nil {
		return fmt.Errorf("approve %s: %w", spender.Hex(), err)
	}

	l.log.Debug().
		Str("owner", owner.Hex()).
		Str("spender", spender.Hex()).
		Str("amount", amount.Dec()).
		Msg("Allowance set")
	return nil
}

func (l *Ledger) Mint(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ledger.ErrNilAmount
	}
	return l.inTx(ctx, func(tx *sql.Tx) error {
		return l.mint(ctx, tx, to, amount)
	})
}

// MintGenesis mints grants in one transaction and marks the database, so later starts
// over the same file leave supply untouched.
func (l *Ledger) MintGenesis(ctx context.Context, grants []ledger.Payout) (bool, error) {
	for i, g := range grants {
		if g.Amount == nil {
			return false, fmt.Errorf("grant %d: %w", i, ledger.ErrNilAmount)
		}
	}

	applied := false
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		var at string
		err := tx.QueryRowContext(ctx, `SELECT value FROM ledger_meta WHERE key = ?`, metaGenesis).Scan(&at)
		if err == nil {
			l.log.Info().Str("applied_at", at).Msg("Genesis already applied")
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read genesis marker: %w", err)
		}

		for _, g := range grants {
			if err := l.mint(ctx, tx, g.To, g.Amount); err != nil {
				return err
			}
		}
		if err := setMeta(ctx, tx, metaGenesis, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (l *Ledger) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ledger.ErrNilAmount
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		return l.move(ctx, tx, from, to, amount)
	})
	if err != nil {
		l.metrics.RecordFailure("transfer")
		return err
	}
	l.metrics.RecordTransfer("transfer", amount)
	return nil
}

func (l *Ledger) TransferFrom(ctx context.Context, spender, owner, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ledger.ErrNilAmount
	}
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		allowed, err := readAmount(ctx, tx,
			`SELECT amount FROM allowances WHERE owner = ? AND spender = ?`, owner.Hex(), spender.Hex())
		if err != nil {
			return err
		}
		if allowed.Lt(amount) {
			return fmt.Errorf("%s allows %s %s, need %s: %w",
				owner.Hex(), spender.Hex(), allowed.Dec(), amount.Dec(), ledger.ErrInsufficientAllowance)
		}
		if err := l.move(ctx, tx, owner, to, amount); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE allowances SET amount = ? WHERE owner = ? AND spender = ?`,
			new(uint256.Int).Sub(allowed, amount).Dec(), owner.Hex(), spender.Hex(),
		)
		if err != nil {
			return fmt.Errorf("consume allowance: %w", err)
		}
		return nil
	})
	if err != nil {
		l.metrics.RecordFailure("transfer_from")
		return err
	}
	l.metrics.RecordTransfer("transfer_from", amount)
	return nil
}

// TransferBatch applies all payouts from a single account or none of them.
func (l *Ledger) TransferBatch(ctx context.Context, from common.Address, payouts []ledger.Payout) error {
	total := new(uint256.Int)
	for i, p := range payouts {
		if p.Amount == nil {
			return fmt.Errorf("payout %d: %w", i, ledger.ErrNilAmount)
		}
		if _, overflow := total.AddOverflow(total, p.Amount); overflow {
			return fmt.Errorf("payout %d: %w", i, ledger.ErrBalanceOverflow)
		}
	}

	err := l.inTx(ctx, func(tx *sql.Tx) error {
		for i, p := range payouts {
			if err := l.move(ctx, tx, from, p.To, p.Amount); err != nil {
				return fmt.Errorf("payout %d of %d: %w", i+1, len(payouts), err)
			}
		}
		return nil
	})
	if err != nil {
		l.metrics.RecordFailure("transfer_batch")
		return err
	}
	for _, p := range payouts {
		l.metrics.RecordTransfer("transfer_batch", p.Amount)
	}
	return nil
}

func (l *Ledger) mint(ctx context.Context, tx *sql.Tx, to common.Address, amount *uint256.Int) error {
	supply, err := readAmount(ctx, tx, `SELECT value FROM ledger_meta WHERE key = ?`, metaSupply)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(supply, amount)
	if overflow {
		return fmt.Errorf("mint %s: %w", amount.Dec(), ledger.ErrBalanceOverflow)
	}
	bal, err := balanceOf(ctx, tx, to)
	if err != nil {
		return err
	}
	// supply bounds every balance, so the credit cannot overflow
	if err := setBalance(ctx, tx, to, bal.Add(bal, amount)); err != nil {
		return err
	}
	if err := setMeta(ctx, tx, metaSupply, next.Dec()); err != nil {
		return err
	}

	l.metrics.RecordTransfer("mint", amount)
	l.log.Info().Str("to", to.Hex()).Str("amount", amount.Dec()).Msg("Minted")
	return nil
}

func (l *Ledger) move(ctx context.Context, tx *sql.Tx, from, to common.Address, amount *uint256.Int) error {
	fromBal, err := balanceOf(ctx, tx, from)
	if err != nil {
		return err
	}
	if fromBal.Lt(amount) {
		return fmt.Errorf("%s holds %s, need %s: %w", from.Hex(), fromBal.Dec(), amount.Dec(), ledger.ErrInsufficientFunds)
	}
	if from == to {
		return nil
	}
	toBal, err := balanceOf(ctx, tx, to)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return fmt.Errorf("credit %s: %w", to.Hex(), ledger.ErrBalanceOverflow)
	}
	if err := setBalance(ctx, tx, from, fromBal.Sub(fromBal, amount)); err != nil {
		return err
	}
	if err := setBalance(ctx, tx, to, credited); err != nil {
		return err
	}

	l.log.Debug().
		Str("from", from.Hex()).
		Str("to", to.Hex()).
		Str("amount", amount.Dec()).
		Msg("Transfer applied")
	return nil
}

func (l *Ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// readAmount scans one decimal column; a missing row reads as zero.
func readAmount(ctx context.Context, q queryer, query string, args ...any) (*uint256.Int, error) {
	var raw string
	err := q.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read amount: %w", err)
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode amount %q: %w", raw, err)
	}
	return v, nil
}

func balanceOf(ctx context.Context, q queryer, owner common.Address) (*uint256.Int, error) {
	return readAmount(ctx, q, `SELECT amount FROM balances WHERE address = ?`, owner.Hex())
}

func setBalance(ctx context.Context, e execer, owner common.Address, amount *uint256.Int) error {
	_, err := e.ExecContext(ctx,
		`INSERT INTO balances (address, amount) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET amount = excluded.amount`,
		owner.Hex(), amount.Dec(),
	)
	if err != nil {
		return fmt.Errorf("write balance %s: %w", owner.Hex(), err)
	}
	return nil
}

func setMeta(ctx context.Context, e execer, key, value string) error {
	_, err := e.ExecContext(ctx,
		`INSERT INTO ledger_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
