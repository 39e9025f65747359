package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, uint8(6), cfg.Ring.PartitionExponent)
	assert.Equal(t, 3, cfg.Ring.ReplicationFactor)
	assert.Equal(t, 2, cfg.Coordinator.ReadAcks)
	assert.Equal(t, 2, cfg.Coordinator.PutAcks)
	assert.Equal(t, 10*time.Second, cfg.Coordinator.GetTimeout)
	assert.Equal(t, 20*time.Second, cfg.Coordinator.PutTimeout)
	assert.False(t, cfg.Coordinator.DisableReadRepair)
	assert.Equal(t, 0.9, cfg.Coordinator.AllReplicasWriteRatio)
	assert.Equal(t, 2*time.Second, cfg.Entropy.SyncInterval)
	assert.Equal(t, 90, cfg.Entropy.HashtreeTokens)
	assert.Equal(t, 10, cfg.Entropy.TreeChildren)
	assert.Equal(t, 10*time.Second, cfg.Metrics.StatsFlushInterval)
	assert.Equal(t, 2500*time.Millisecond, cfg.Metrics.ReportTickInterval)
	// Fault injection must be off unless a test harness turns it on.
	assert.Zero(t, cfg.Fault.ReplicationFailRatio)
	assert.Zero(t, cfg.Fault.NodeKillRate)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  node_id: node-1
ring:
  partition_exponent: 7
  replication_factor: 3
coordinator:
  read_acks: 2
  put_acks: 2
entropy:
  sync_interval: 1s
  tree_children: 6
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "node-1", cfg.Server.NodeID)
	assert.Equal(t, uint8(7), cfg.Ring.PartitionExponent)
	assert.Equal(t, time.Second, cfg.Entropy.SyncInterval)
	assert.Equal(t, 6, cfg.Entropy.TreeChildren)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unspecified sections pick up defaults.
	assert.Equal(t, 90, cfg.Entropy.HashtreeTokens)
	assert.Equal(t, 20*time.Second, cfg.Coordinator.PutTimeout)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node id", func(c *Config) { c.Server.NodeID = "" }},
		{"acks above replication", func(c *Config) { c.Coordinator.ReadAcks = 5 }},
		{"put acks above replication", func(c *Config) { c.Coordinator.PutAcks = 5 }},
		{"fail ratio out of range", func(c *Config) { c.Fault.ReplicationFailRatio = 1.5 }},
		{"write ratio out of range", func(c *Config) { c.Coordinator.AllReplicasWriteRatio = 2 }},
		{"kill rate out of range", func(c *Config) { c.Fault.NodeKillRate = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.NodeID = "node-1"
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
