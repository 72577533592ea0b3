// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Environment configuration for peers, descriptor tables and logging.

package control

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/momentics/hioload-bus/api"
	"github.com/momentics/hioload-bus/fdtable"
	"github.com/momentics/hioload-bus/pool"
)

// Config holds all bus configuration.
type Config struct {
	Peer    PeerConfig    `envconfig:"PEER"`
	Logging LogConfig     `envconfig:"LOG"`
	Metrics MetricsConfig `envconfig:"METRICS"`
}

// PeerConfig holds per-peer defaults.
type PeerConfig struct {
	PoolSize uint64 `envconfig:"POOL_SIZE" default:"1048576"`
	FDLimit  int    `envconfig:"FD_LIMIT" default:"1024"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// MetricsConfig toggles metric collection.
type MetricsConfig struct {
	Enabled bool `envconfig:"ENABLED" default:"true"`
}

// Load reads configuration from the environment: BUS_PEER_POOL_SIZE,
// BUS_PEER_FD_LIMIT, BUS_LOG_LEVEL, BUS_LOG_DEV and BUS_METRICS_ENABLED.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("bus", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Peer: PeerConfig{
			PoolSize: 1 << 20,
			FDLimit:  fdtable.DefaultLimit,
		},
		Logging: LogConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Validate checks the pool size against the platform page size.
func (c *Config) Validate() error {
	if c.Peer.PoolSize == 0 || c.Peer.PoolSize%pool.PageSize() != 0 {
		return api.ErrInvalidArgument.WithContext("pool_size", c.Peer.PoolSize)
	}
	if c.Peer.FDLimit < 0 {
		return api.ErrInvalidArgument.WithContext("fd_limit", c.Peer.FDLimit)
	}
	return nil
}
