package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/viper"

	apisrv "github.com/compose-network/sla-escrow/server/api"
	"github.com/compose-network/sla-escrow/x/journal"
	"github.com/compose-network/sla-escrow/x/sla"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config holds the complete application configuration
type Config struct {
	API      apisrv.Config  `mapstructure:"api"      yaml:"api"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  yaml:"metrics"`
	Log      LogConfig      `mapstructure:"log"      yaml:"log"`
	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	Ledger   LedgerConfig   `mapstructure:"ledger"   yaml:"ledger"`
	Store    StoreConfig    `mapstructure:"store"    yaml:"store"`
	Journal  JournalConfig  `mapstructure:"journal"  yaml:"journal"`
	Auth     AuthConfig     `mapstructure:"auth"     yaml:"auth"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled        bool          `mapstructure:"enabled"         yaml:"enabled"         env:"METRICS_ENABLED"`
	Path           string        `mapstructure:"path"            yaml:"path"            env:"METRICS_PATH"`
	ReportInterval time.Duration `mapstructure:"report_interval" yaml:"report_interval" env:"METRICS_REPORT_INTERVAL"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"  env:"LOG_LEVEL"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty" env:"LOG_PRETTY"`
	Output string `mapstructure:"output" yaml:"output" env:"LOG_OUTPUT"`
	File   string `mapstructure:"file"   yaml:"file"   env:"LOG_FILE"`
}

// RegistryConfig holds the custody account of the registry
type RegistryConfig struct {
	Address string `mapstructure:"address" yaml:"address" env:"REGISTRY_ADDRESS"`
}

// LedgerConfig holds the in-process token ledger setup
type LedgerConfig struct {
	Genesis       []Allocation `mapstructure:"genesis"        yaml:"genesis"`
	FaucetEnabled bool         `mapstructure:"faucet_enabled" yaml:"faucet_enabled" env:"LEDGER_FAUCET_ENABLED"`
}

// Allocation mints Amount base units to Address at startup.
type Allocation struct {
	Address string `mapstructure:"address" yaml:"address"`
	Amount  string `mapstructure:"amount"  yaml:"amount"`
}

// StoreConfig selects the SLA record store
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver" env:"STORE_DRIVER"`
	DSN    string `mapstructure:"dsn"    yaml:"dsn"    env:"STORE_DSN"`
}

// JournalConfig bounds the in-memory event journal
type JournalConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity" env:"JOURNAL_CAPACITY"`
}

// AuthConfig controls request signature checks on the caller header
type AuthConfig struct {
	Enabled bool          `mapstructure:"enabled"  yaml:"enabled"  env:"AUTH_ENABLED"`
	MaxSkew time.Duration `mapstructure:"max_skew" yaml:"max_skew" env:"AUTH_MAX_SKEW"`
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	api := apisrv.DefaultConfig()
	v.SetDefault("api.listen_addr", api.ListenAddr)
	v.SetDefault("api.read_header_timeout", "5s")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.idle_timeout", "120s")
	v.SetDefault("api.max_header_bytes", 1048576)
	v.SetDefault("api.cors.enabled", api.CORS.Enabled)
	v.SetDefault("api.cors.allowed_origins", api.CORS.AllowedOrigins)
	v.SetDefault("api.rate_limit.enabled", api.RateLimit.Enabled)
	v.SetDefault("api.rate_limit.rps", api.RateLimit.RPS)
	v.SetDefault("api.rate_limit.burst", api.RateLimit.Burst)
	v.SetDefault("api.rate_limit.idle_ttl", "10m")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.report_interval", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.output", "stdout")

	v.SetDefault("registry.address", sla.DefaultAddress.Hex())

	v.SetDefault("ledger.faucet_enabled", false)

	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.dsn", "")

	v.SetDefault("journal.capacity", journal.DefaultCapacity)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.max_skew", "5m")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateMetrics(); err != nil {
		return err
	}
	if err := c.validateRegistry(); err != nil {
		return err
	}
	if err := c.validateLedger(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if c.Journal.Capacity <= 0 {
		return fmt.Errorf("journal.capacity must be positive, got %d", c.Journal.Capacity)
	}
	if c.Auth.Enabled && c.Auth.MaxSkew <= 0 {
		return fmt.Errorf("auth.max_skew must be positive when auth enabled")
	}
	return nil
}

func (c *Config) validateAPI() error {
	if strings.TrimSpace(c.API.ListenAddr) == "" {
		return fmt.Errorf("api.listen_addr is required")
	}
	rl := c.API.RateLimit
	if rl.Enabled && (rl.RPS <= 0 || rl.Burst <= 0) {
		return fmt.Errorf("api.rate_limit rps and burst must be positive when enabled, got %v/%d", rl.RPS, rl.Burst)
	}
	if c.API.CORS.Enabled && len(c.API.CORS.AllowedOrigins) == 0 {
		return fmt.Errorf("api.cors.allowed_origins is empty but cors is enabled")
	}
	return nil
}

func (c *Config) validateMetrics() error {
	if !c.Metrics.Enabled {
		return nil
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/', got %q", c.Metrics.Path)
	}
	if c.Metrics.ReportInterval < 0 {
		return fmt.Errorf("metrics.report_interval must not be negative")
	}
	return nil
}

func (c *Config) validateRegistry() error {
	addr, err := c.RegistryAddress()
	if err != nil {
		return err
	}
	if addr == (common.Address{}) {
		return fmt.Errorf("registry.address must not be the zero address")
	}
	return nil
}

func (c *Config) validateLedger() error {
	_, err := c.GenesisAllocations()
	return err
}

func (c *Config) validateStore() error {
	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case StoreMemory:
		return nil
	case StoreSQLite:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for the sqlite driver")
		}
		return nil
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", StoreMemory, StoreSQLite, c.Store.Driver)
	}
}

// RegistryAddress parses registry.address.
func (c *Config) RegistryAddress() (common.Address, error) {
	raw := strings.TrimSpace(c.Registry.Address)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("registry.address %q is not a hex address", raw)
	}
	return common.HexToAddress(raw), nil
}

// Grant is a parsed genesis allocation.
type Grant struct {
	Address common.Address
	Amount  *uint256.Int
}

// GenesisAllocations parses ledger.genesis.
func (c *Config) GenesisAllocations() ([]Grant, error) {
	grants := make([]Grant, 0, len(c.Ledger.Genesis))
	for i, a := range c.Ledger.Genesis {
		raw := strings.TrimSpace(a.Address)
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("ledger.genesis[%d].address %q is not a hex address", i, raw)
		}
		amount, err := uint256.FromDecimal(strings.TrimSpace(a.Amount))
		if err != nil {
			return nil, fmt.Errorf("ledger.genesis[%d].amount %q: %w", i, a.Amount, err)
		}
		grants = append(grants, Grant{Address: common.HexToAddress(raw), Amount: amount})
	}
	return grants, nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		API: apisrv.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled:        true,
			Path:           "/metrics",
			ReportInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
			Output: "stdout",
		},
		Registry: RegistryConfig{
			Address: sla.DefaultAddress.Hex(),
		},
		Ledger: LedgerConfig{
			Genesis:       []Allocation{},
			FaucetEnabled: false,
		},
		Store: StoreConfig{
			Driver: StoreMemory,
		},
		Journal: JournalConfig{
			Capacity: journal.DefaultCapacity,
		},
		Auth: AuthConfig{
			Enabled: false,
			MaxSkew: 5 * time.Minute,
		},
	}
}
