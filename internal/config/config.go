package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds node identity and shutdown behavior
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	DataDir         string        `yaml:"data_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RingConfig holds ring geometry and replication settings
type RingConfig struct {
	PartitionExponent uint8 `yaml:"partition_exponent"`
	ReplicationFactor int   `yaml:"replication_factor"`
}

// CoordinatorConfig holds quorum and timeout defaults
type CoordinatorConfig struct {
	ReadAcks   int           `yaml:"read_acks"`
	PutAcks    int           `yaml:"put_acks"`
	GetTimeout time.Duration `yaml:"get_timeout"`
	PutTimeout time.Duration `yaml:"put_timeout"`
	// DisableReadRepair turns foreground repair off; it defaults to on.
	DisableReadRepair bool `yaml:"disable_read_repair"`
	// AllReplicasWriteRatio is the fraction of puts dispatched to the
	// full preflist; the rest go only to the first W replicas and rely
	// on anti-entropy for the tail.
	AllReplicasWriteRatio float64 `yaml:"all_replicas_write_ratio"`
}

// VnodeConfig holds per-vnode settings
type VnodeConfig struct {
	MailboxSize int `yaml:"mailbox_size"`
	PoolWorkers int `yaml:"pool_workers"`
	PoolQueue   int `yaml:"pool_queue"`
}

// EntropyConfig holds anti-entropy settings
type EntropyConfig struct {
	SyncInterval    time.Duration `yaml:"sync_interval"`
	HashtreeTokens  int           `yaml:"hashtree_tokens"`
	TreeChildren    int           `yaml:"tree_children"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`
}

// FaultConfig holds the fault-injection hooks. Both ratios are test
// harness knobs and must stay zero in production.
type FaultConfig struct {
	ReplicationFailRatio float64 `yaml:"replication_fail_ratio"`
	NodeKillRate         float64 `yaml:"node_kill_rate"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Port               int           `yaml:"port"`
	Path               string        `yaml:"path"`
	StatsFlushInterval time.Duration `yaml:"stats_flush_interval"`
	ReportTickInterval time.Duration `yaml:"report_tick_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a node
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Ring        RingConfig        `yaml:"ring"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Vnode       VnodeConfig       `yaml:"vnode"`
	Entropy     EntropyConfig     `yaml:"entropy"`
	Fault       FaultConfig       `yaml:"fault"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	SetDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied. NodeID
// must still be set by the caller.
func Default() *Config {
	var cfg Config
	SetDefaults(&cfg)
	return &cfg
}

// SetDefaults sets default values for unspecified configuration
func SetDefaults(cfg *Config) {
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "/var/lib/dottedkv"
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Ring.PartitionExponent == 0 {
		cfg.Ring.PartitionExponent = 6
	}
	if cfg.Ring.ReplicationFactor == 0 {
		cfg.Ring.ReplicationFactor = 3
	}

	if cfg.Coordinator.ReadAcks == 0 {
		cfg.Coordinator.ReadAcks = 2
	}
	if cfg.Coordinator.PutAcks == 0 {
		cfg.Coordinator.PutAcks = 2
	}
	if cfg.Coordinator.GetTimeout == 0 {
		cfg.Coordinator.GetTimeout = 10000 * time.Millisecond
	}
	if cfg.Coordinator.PutTimeout == 0 {
		cfg.Coordinator.PutTimeout = 20000 * time.Millisecond
	}
	if cfg.Coordinator.AllReplicasWriteRatio == 0 {
		cfg.Coordinator.AllReplicasWriteRatio = 0.9
	}

	if cfg.Vnode.MailboxSize == 0 {
		cfg.Vnode.MailboxSize = 1024
	}
	if cfg.Vnode.PoolWorkers == 0 {
		cfg.Vnode.PoolWorkers = 4
	}
	if cfg.Vnode.PoolQueue == 0 {
		cfg.Vnode.PoolQueue = 128
	}

	if cfg.Entropy.SyncInterval == 0 {
		cfg.Entropy.SyncInterval = 2000 * time.Millisecond
	}
	if cfg.Entropy.HashtreeTokens == 0 {
		cfg.Entropy.HashtreeTokens = 90
	}
	if cfg.Entropy.TreeChildren == 0 {
		cfg.Entropy.TreeChildren = 10
	}
	if cfg.Entropy.ExchangeTimeout == 0 {
		cfg.Entropy.ExchangeTimeout = 5 * time.Second
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = 1 * time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9100
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.StatsFlushInterval == 0 {
		cfg.Metrics.StatsFlushInterval = 10 * time.Second
	}
	if cfg.Metrics.ReportTickInterval == 0 {
		cfg.Metrics.ReportTickInterval = 2500 * time.Millisecond
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Ring.PartitionExponent < 1 || c.Ring.PartitionExponent > 16 {
		return fmt.Errorf("ring.partition_exponent must be between 1 and 16")
	}
	if c.Ring.ReplicationFactor < 1 || uint64(c.Ring.ReplicationFactor) > uint64(1)<<c.Ring.PartitionExponent {
		return fmt.Errorf("ring.replication_factor must be between 1 and the partition count")
	}
	if c.Coordinator.ReadAcks < 1 || c.Coordinator.ReadAcks > c.Ring.ReplicationFactor {
		return fmt.Errorf("coordinator.read_acks must be between 1 and the replication factor")
	}
	if c.Coordinator.PutAcks < 1 || c.Coordinator.PutAcks > c.Ring.ReplicationFactor {
		return fmt.Errorf("coordinator.put_acks must be between 1 and the replication factor")
	}
	if c.Coordinator.AllReplicasWriteRatio < 0 || c.Coordinator.AllReplicasWriteRatio > 1 {
		return fmt.Errorf("coordinator.all_replicas_write_ratio must be between 0 and 1")
	}
	if c.Fault.ReplicationFailRatio < 0 || c.Fault.ReplicationFailRatio > 1 {
		return fmt.Errorf("fault.replication_fail_ratio must be between 0 and 1")
	}
	if c.Fault.NodeKillRate < 0 || c.Fault.NodeKillRate > 1 {
		return fmt.Errorf("fault.node_kill_rate must be between 0 and 1")
	}
	return nil
}
