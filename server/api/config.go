package api

import "time"

// Config defines runtime parameters for the HTTP API server.
type Config struct {
	ListenAddr        string          `mapstructure:"listen_addr" yaml:"listen_addr"`
	ReadHeaderTimeout time.Duration   `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ReadTimeout       time.Duration   `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout      time.Duration   `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout       time.Duration   `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaxHeaderBytes    int             `mapstructure:"max_header_bytes" yaml:"max_header_bytes"`
	CORS              CORSConfig      `mapstructure:"cors" yaml:"cors"`
	RateLimit         RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// CORSConfig controls cross-origin access for the browser dashboard.
type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// RateLimitConfig bounds request rate per caller (or per remote address when anonymous).
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	RPS     float64       `mapstructure:"rps" yaml:"rps"`
	Burst   int           `mapstructure:"burst" yaml:"burst"`
	IdleTTL time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":8090",
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     20,
			Burst:   40,
			IdleTTL: 10 * time.Minute,
		},
	}
}
