// Package node is the programmatic handle to one store node: it owns
// the local vnodes, routes coordinator traffic to them, and exposes the
// client API. The ring snapshot is swapped atomically on membership
// change; requests in flight keep the view they started with.
package node

import (
	"math/rand"
	"sync"
	"time"

	"github.com/devrev/dottedkv/internal/config"
	"github.com/devrev/dottedkv/internal/entropy"
	kverrors "github.com/devrev/dottedkv/internal/errors"
	"github.com/devrev/dottedkv/internal/metrics"
	"github.com/devrev/dottedkv/internal/model"
	"github.com/devrev/dottedkv/internal/ring"
	"github.com/devrev/dottedkv/internal/storage"
	"github.com/devrev/dottedkv/internal/util/workerpool"
	"github.com/devrev/dottedkv/internal/vnode"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Node hosts the vnodes of every partition assigned to this process
// and coordinates client requests against the ring.
type Node struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	pool    *workerpool.Pool

	vnodes map[uint64]*vnode.Vnode

	mu   sync.RWMutex
	snap *ring.Snapshot

	// replicaCache memoizes preflists per encoded bkey. It is swapped
	// wholesale on ring change, which bounds staleness to one
	// membership event.
	replicaCache *xsync.MapOf[string, []uint64]

	entropyMgr *entropy.Manager

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New opens a node with vnodes for every partition in the initial
// snapshot owned by this process. In a single-process deployment that
// is every partition.
func New(cfg *config.Config, snap *ring.Snapshot, factory storage.Factory, reg prometheus.Registerer, logger *zap.Logger) (*Node, error) {
	m := metrics.NewMetrics(reg, cfg.Server.NodeID)
	pool := workerpool.New(&workerpool.Config{
		Name:       "vnode-pool",
		MaxWorkers: cfg.Vnode.PoolWorkers,
		QueueSize:  cfg.Vnode.PoolQueue,
		Logger:     logger,
	})

	n := &Node{
		cfg:          cfg,
		logger:       logger,
		metrics:      m,
		pool:         pool,
		vnodes:       make(map[uint64]*vnode.Vnode),
		snap:         snap,
		replicaCache: xsync.NewMapOf[string, []uint64](),
		stopCh:       make(chan struct{}),
	}

	for p := uint64(0); p < snap.Size(); p++ {
		if snap.Owner(p) != cfg.Server.NodeID {
			continue
		}
		v, err := vnode.Open(vnode.Config{
			Partition:   p,
			TreeBranch:  cfg.Entropy.TreeChildren,
			MailboxSize: cfg.Vnode.MailboxSize,
			OpenRetry:   storage.DefaultOpenRetry,
		}, factory, pool, logger, m)
		if err != nil {
			n.shutdownVnodes()
			pool.Stop(time.Second)
			return nil, err
		}
		n.vnodes[p] = v
	}

	n.wg.Add(1)
	go n.statsLoop()

	logger.Info("Node started",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Uint64("ring_size", snap.Size()),
		zap.Int("local_vnodes", len(n.vnodes)))
	return n, nil
}

// StartEntropy launches the anti-entropy loop over the local vnodes.
func (n *Node) StartEntropy() {
	partitions := make([]uint64, 0, len(n.vnodes))
	for p := range n.vnodes {
		partitions = append(partitions, p)
	}
	n.entropyMgr = entropy.NewManager(entropy.Config{
		Partitions:      partitions,
		N:               n.cfg.Ring.ReplicationFactor,
		Interval:        n.cfg.Entropy.SyncInterval,
		Tokens:          n.cfg.Entropy.HashtreeTokens,
		TreeBranch:      n.cfg.Entropy.TreeChildren,
		ExchangeTimeout: n.cfg.Entropy.ExchangeTimeout,
		ReportInterval:  n.cfg.Metrics.ReportTickInterval,
	}, n, n.Ring, n.pool, n.logger, n.metrics)
	n.entropyMgr.Start()
}

// Ring returns the current ring snapshot.
func (n *Node) Ring() *ring.Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.snap
}

// UpdateRing installs a new snapshot and invalidates the replica
// cache. Coordinators already running keep their old view.
func (n *Node) UpdateRing(snap *ring.Snapshot) {
	n.mu.Lock()
	n.snap = snap
	n.replicaCache = xsync.NewMapOf[string, []uint64]()
	n.mu.Unlock()
	n.logger.Info("Ring snapshot updated", zap.Uint64("size", snap.Size()))
}

// Route implements coordinator.Router for locally hosted partitions.
// The replication fail ratio, when set by the test harness, silently
// drops write traffic to simulate loss.
func (n *Node) Route(partition uint64, msg vnode.Message) error {
	if n.cfg.Fault.ReplicationFailRatio > 0 {
		if _, isWrite := msg.(vnode.WriteReq); isWrite && rand.Float64() < n.cfg.Fault.ReplicationFailRatio {
			return nil
		}
	}
	v, ok := n.vnodes[partition]
	if !ok {
		return kverrors.NotReady(partition)
	}
	return v.Send(msg)
}

// Vnode returns the local vnode for a partition, if hosted here.
func (n *Node) Vnode(partition uint64) (*vnode.Vnode, bool) {
	v, ok := n.vnodes[partition]
	return v, ok
}

// replicas returns the preflist partitions for a key, memoized until
// the next ring change.
func (n *Node) replicas(bkey model.Bkey) []uint64 {
	n.mu.RLock()
	snap, cache := n.snap, n.replicaCache
	n.mu.RUnlock()

	cacheKey := string(bkey.Encode())
	if cached, ok := cache.Load(cacheKey); ok {
		return cached
	}
	entries := snap.Replicas(bkey, n.cfg.Ring.ReplicationFactor)
	partitions := make([]uint64, len(entries))
	for i, e := range entries {
		partitions[i] = e.Partition
	}
	cache.Store(cacheKey, partitions)
	return partitions
}

// statsLoop flushes node-level gauges on the configured interval.
func (n *Node) statsLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.Metrics.StatsFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			depth := 0
			for _, v := range n.vnodes {
				depth += v.MailboxDepth()
			}
			n.metrics.VnodeMailboxDepth.Set(float64(depth))
		}
	}
}

func (n *Node) shutdownVnodes() {
	var g errgroup.Group
	for _, v := range n.vnodes {
		v := v
		g.Go(func() error {
			v.Stop()
			return nil
		})
	}
	_ = g.Wait()
}

// Stop shuts the node down: entropy first, then vnodes, then the pool.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		if n.entropyMgr != nil {
			n.entropyMgr.Stop()
		}
		n.shutdownVnodes()
		n.pool.Stop(n.cfg.Server.ShutdownTimeout)
		n.wg.Wait()
		n.logger.Info("Node stopped")
	})
}
