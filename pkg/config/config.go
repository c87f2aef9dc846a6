// Package config loads the node's configuration: node identity, consensus
// timing, mempool timers, the p2p operating mode and storage location.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a bftcore node.
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Mempool   MempoolConfig   `mapstructure:"mempool"`
	P2P       P2PConfig       `mapstructure:"p2p"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// NodeConfig holds node-specific configuration.
type NodeConfig struct {
	ID            string `mapstructure:"id"`
	DataDirectory string `mapstructure:"data_directory"`
	MinStake      uint64 `mapstructure:"min_stake"`
}

// ConsensusConfig holds consensus timing configuration.
type ConsensusConfig struct {
	SlotDuration     time.Duration `mapstructure:"slot_duration"`
	TimeoutBase      time.Duration `mapstructure:"timeout_base"`
	TimeoutIncrement time.Duration `mapstructure:"timeout_increment"`
}

// TimeoutAfter implements timeout_after(view): linear backoff resolving
// the "exponential or configurable" open question (see DESIGN.md).
func (c ConsensusConfig) TimeoutAfter(view uint64) time.Duration {
	return c.TimeoutBase + time.Duration(view)*c.TimeoutIncrement
}

// MempoolConfig holds mempool timer and GC configuration.
type MempoolConfig struct {
	NewDPTickInterval     time.Duration `mapstructure:"new_dp_tick_interval"`
	DisseminateInterval   time.Duration `mapstructure:"disseminate_interval"`
	BufferGCTicks         int           `mapstructure:"buffer_gc_ticks"`
	WorkerPoolSize        int64         `mapstructure:"worker_pool_size"`
}

// P2PMode selects where staking updates are sourced from.
type P2PMode string

const (
	P2PModeValidator   P2PMode = "validator"
	P2PModeLaneManager P2PMode = "lane_manager"
)

// P2PConfig holds the p2p.mode switch.
type P2PConfig struct {
	Mode P2PMode `mapstructure:"mode"`
}

// StorageConfig holds lane storage configuration.
type StorageConfig struct {
	Engine    string `mapstructure:"engine"`
	Path      string `mapstructure:"path"`
	CacheSize int64  `mapstructure:"cache_size"`
	Sync      bool   `mapstructure:"sync"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// MetricsConfig holds metrics exporter configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:            "",
			DataDirectory: "./data",
			MinStake:      1000,
		},
		Consensus: ConsensusConfig{
			SlotDuration:     2 * time.Second,
			TimeoutBase:      1 * time.Second,
			TimeoutIncrement: 500 * time.Millisecond,
		},
		Mempool: MempoolConfig{
			NewDPTickInterval:   500 * time.Millisecond,
			DisseminateInterval: 3 * time.Second,
			BufferGCTicks:       20,
			WorkerPoolSize:      3,
		},
		P2P: P2PConfig{
			Mode: P2PModeValidator,
		},
		Storage: StorageConfig{
			Engine:    "badger",
			Path:      "",
			CacheSize: 100 * 1024 * 1024,
			Sync:      true,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Development: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0:9091",
			Path:    "/metrics",
		},
	}
}

// LoadConfig loads configuration from an optional file and from environment
// variables prefixed BFTCORE_.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()

	v.SetDefault("node.id", cfg.Node.ID)
	v.SetDefault("node.data_directory", cfg.Node.DataDirectory)
	v.SetDefault("node.min_stake", cfg.Node.MinStake)

	v.SetDefault("consensus.slot_duration", cfg.Consensus.SlotDuration)
	v.SetDefault("consensus.timeout_base", cfg.Consensus.TimeoutBase)
	v.SetDefault("consensus.timeout_increment", cfg.Consensus.TimeoutIncrement)

	v.SetDefault("mempool.new_dp_tick_interval", cfg.Mempool.NewDPTickInterval)
	v.SetDefault("mempool.disseminate_interval", cfg.Mempool.DisseminateInterval)
	v.SetDefault("mempool.buffer_gc_ticks", cfg.Mempool.BufferGCTicks)
	v.SetDefault("mempool.worker_pool_size", cfg.Mempool.WorkerPoolSize)

	v.SetDefault("p2p.mode", string(cfg.P2P.Mode))

	v.SetDefault("storage.engine", cfg.Storage.Engine)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.cache_size", cfg.Storage.CacheSize)
	v.SetDefault("storage.sync", cfg.Storage.Sync)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.development", cfg.Logging.Development)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.address", cfg.Metrics.Address)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetEnvPrefix("BFTCORE")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = cfg.Node.DataDirectory + "/lanes"
	}

	return cfg, nil
}
