package model

import "fmt"

// VnodeID identifies the replica worker that assigns dots. The epoch is
// incremented every time the vnode is reopened so counters issued after
// a restart can never collide with counters issued before it.
type VnodeID struct {
	Partition uint64
	Epoch     uint64
}

func (v VnodeID) String() string {
	return fmt.Sprintf("%d.%d", v.Partition, v.Epoch)
}

// NodeStatus is the health state a node advertises over gossip.
type NodeStatus string

const (
	NodeStatusHealthy  NodeStatus = "healthy"
	NodeStatusStarting NodeStatus = "starting"
	NodeStatusLeaving  NodeStatus = "leaving"
)

// HealthStatus is the per-node metadata carried in gossip messages.
type HealthStatus struct {
	NodeID    string     `json:"node_id"`
	Status    NodeStatus `json:"status"`
	Timestamp int64      `json:"timestamp"`
}
