// Package cluster tracks membership over gossip and turns it into ring
// snapshots. Every membership change rebuilds the snapshot from the
// sorted member list, so all nodes converge on the same ownership
// assignment without coordination.
package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/devrev/dottedkv/internal/model"
	"github.com/devrev/dottedkv/internal/ring"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// Config holds gossip settings.
type Config struct {
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	// RingExponent sizes the snapshots built on membership change.
	RingExponent uint8
}

// Membership manages cluster membership and publishes ring snapshots.
type Membership struct {
	config     *Config
	memberlist *memberlist.Memberlist
	nodeID     string
	logger     *zap.Logger
	healthData *model.HealthStatus
	onChange   func(*ring.Snapshot)
}

// New creates the membership service and joins the seed nodes. onChange
// is invoked with a fresh ring snapshot after every membership event.
func New(cfg *Config, nodeID string, onChange func(*ring.Snapshot), logger *zap.Logger) (*Membership, error) {
	ms := &Membership{
		config:   cfg,
		nodeID:   nodeID,
		logger:   logger,
		onChange: onChange,
		healthData: &model.HealthStatus{
			NodeID:    nodeID,
			Status:    model.NodeStatusStarting,
			Timestamp: time.Now().Unix(),
		},
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = nodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Delegate = ms
	mlConfig.Events = &eventDelegate{service: ms}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	ms.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	ms.healthData.Status = model.NodeStatusHealthy
	ms.publish()
	return ms, nil
}

// Members returns the names of all currently visible members.
func (s *Membership) Members() []string {
	nodes := s.memberlist.Members()
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}

// Snapshot builds a ring snapshot from the current membership.
func (s *Membership) Snapshot() (*ring.Snapshot, error) {
	return ring.NewSnapshot(s.config.RingExponent, s.Members())
}

// publish rebuilds the snapshot and hands it to the subscriber.
func (s *Membership) publish() {
	if s.onChange == nil {
		return
	}
	snap, err := s.Snapshot()
	if err != nil {
		s.logger.Warn("Snapshot rebuild failed", zap.Error(err))
		return
	}
	s.onChange(snap)
}

// Shutdown leaves the cluster.
func (s *Membership) Shutdown() error {
	s.healthData.Status = model.NodeStatusLeaving
	return s.memberlist.Shutdown()
}

// NodeMeta implements memberlist.Delegate
func (s *Membership) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(s.healthData)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *Membership) NotifyMsg(data []byte) {
	var health model.HealthStatus
	if err := json.Unmarshal(data, &health); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	s.logger.Debug("Received health status",
		zap.String("node_id", health.NodeID),
		zap.String("status", string(health.Status)))
}

// GetBroadcasts implements memberlist.Delegate
func (s *Membership) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *Membership) LocalState(join bool) []byte {
	data, _ := json.Marshal(s.healthData)
	return data
}

// MergeRemoteState implements memberlist.Delegate
func (s *Membership) MergeRemoteState(buf []byte, join bool) {
}

// eventDelegate handles memberlist events
type eventDelegate struct {
	service *Membership
}

// NotifyJoin is called when a node joins
func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.publish()
}

// NotifyLeave is called when a node leaves
func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.service.publish()
}

// NotifyUpdate is called when a node is updated
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}
