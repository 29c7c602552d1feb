package sla

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/compose-network/sla-escrow/x/ledger"
)

// DefaultAddress is the custody account used when none is configured.
var DefaultAddress = common.BytesToAddress(crypto.Keccak256([]byte("sla-escrow/registry"))[12:])

// Option configures the registry
type Option func(*Config)

// Config holds registry configuration
type Config struct {
	Address        common.Address
	Ledger         ledger.Settler
	Store          Store
	Observers      []Observer
	Clock          func() time.Time
	MetricsEnabled bool
}

// WithAddress sets the custody account the registry pulls funds into
func WithAddress(addr common.Address) Option {
	return func(c *Config) {
		c.Address = addr
	}
}

// WithLedger sets the token ledger. Payouts go through its batch transfer.
func WithLedger(l ledger.Settler) Option {
	return func(c *Config) {
		c.Ledger = l
	}
}

// WithStore sets the record store
func WithStore(s Store) Option {
	return func(c *Config) {
		c.Store = s
	}
}

// WithObserver appends an event observer
func WithObserver(o Observer) Option {
	return func(c *Config) {
		c.Observers = append(c.Observers, o)
	}
}

// WithClock overrides the timestamp source
func WithClock(clock func() time.Time) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithMetrics enables metrics collection
func WithMetrics(enabled bool) Option {
	return func(c *Config) {
		c.MetricsEnabled = enabled
	}
}
