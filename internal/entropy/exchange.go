package entropy

import (
	"fmt"
	"time"

	"github.com/devrev/dottedkv/internal/coordinator"
	"github.com/devrev/dottedkv/internal/metrics"
	"github.com/devrev/dottedkv/internal/model"
	"github.com/devrev/dottedkv/internal/ring"
	"github.com/devrev/dottedkv/internal/vnode"
	"go.uber.org/zap"
)

// Exchange reconciles one vnode pair: it walks the two Merkle trees
// level by level, collects the keys of differing leaves, and runs a
// repair-mode get across the pair for each candidate key. Candidates
// whose preflist does not cover both partitions are skipped, which
// scopes the exchange to the preflists the pair actually shares.
type Exchange struct {
	local   uint64
	peer    uint64
	branch  int
	n       int
	snap    *ring.Snapshot
	router  coordinator.Router
	tokens  *tokenBucket
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// newExchange builds an exchange for one (local, peer) pair against one
// ring snapshot.
func newExchange(local, peer uint64, cfg Config, snap *ring.Snapshot, router coordinator.Router, tokens *tokenBucket, logger *zap.Logger, m *metrics.Metrics) *Exchange {
	return &Exchange{
		local:   local,
		peer:    peer,
		branch:  cfg.TreeBranch,
		n:       cfg.N,
		snap:    snap,
		router:  router,
		tokens:  tokens,
		timeout: cfg.ExchangeTimeout,
		logger:  logger,
		metrics: m,
	}
}

// coversKey reports whether the key's preflist includes both sides of
// the exchange.
func (e *Exchange) coversKey(bkey model.Bkey) bool {
	local, peer := false, false
	for _, entry := range e.snap.Replicas(bkey, e.n) {
		if entry.Partition == e.local {
			local = true
		}
		if entry.Partition == e.peer {
			peer = true
		}
	}
	return local && peer
}

// Run performs the exchange. It returns the number of keys repaired, or
// an error when either side was unavailable or not yet built.
func (e *Exchange) Run() (int, error) {
	localRoot, err := e.fetch(e.local, func(ch chan<- vnode.TreeReply) vnode.Message {
		return vnode.RootHashReq{ReplyTo: ch}
	})
	if err != nil {
		return 0, err
	}
	peerRoot, err := e.fetch(e.peer, func(ch chan<- vnode.TreeReply) vnode.Message {
		return vnode.RootHashReq{ReplyTo: ch}
	})
	if err != nil {
		return 0, err
	}
	if localRoot.Hashes[0] == peerRoot.Hashes[0] {
		return 0, nil
	}

	localNodes, err := e.fetch(e.local, func(ch chan<- vnode.TreeReply) vnode.Message {
		return vnode.NodeHashesReq{ReplyTo: ch}
	})
	if err != nil {
		return 0, err
	}
	peerNodes, err := e.fetch(e.peer, func(ch chan<- vnode.TreeReply) vnode.Message {
		return vnode.NodeHashesReq{ReplyTo: ch}
	})
	if err != nil {
		return 0, err
	}

	var candidates []model.Bkey
	for i := 0; i < e.branch; i++ {
		if localNodes.Hashes[i] == peerNodes.Hashes[i] {
			continue
		}
		diff, err := e.diffNode(i)
		if err != nil {
			return 0, err
		}
		candidates = append(candidates, diff...)
	}

	repaired := 0
	for _, bkey := range candidates {
		if !e.coversKey(bkey) {
			continue
		}
		if err := e.repairKey(bkey); err != nil {
			e.logger.Warn("Key repair failed",
				zap.String("bkey", bkey.String()),
				zap.Error(err))
			continue
		}
		repaired++
	}
	return repaired, nil
}

// diffNode compares the leaves under one internal node and returns the
// keys of every differing leaf.
func (e *Exchange) diffNode(node int) ([]model.Bkey, error) {
	localLeaves, err := e.fetch(e.local, func(ch chan<- vnode.TreeReply) vnode.Message {
		return vnode.LeafHashesReq{Node: node, ReplyTo: ch}
	})
	if err != nil {
		return nil, err
	}
	peerLeaves, err := e.fetch(e.peer, func(ch chan<- vnode.TreeReply) vnode.Message {
		return vnode.LeafHashesReq{Node: node, ReplyTo: ch}
	})
	if err != nil {
		return nil, err
	}

	var out []model.Bkey
	for c := 0; c < e.branch; c++ {
		if localLeaves.Hashes[c] == peerLeaves.Hashes[c] {
			continue
		}
		leaf := node*e.branch + c
		keys, err := e.diffLeaf(leaf)
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
	}
	return out, nil
}

// diffLeaf returns the keys present or differing between the two
// copies of one leaf bucket.
func (e *Exchange) diffLeaf(leaf int) ([]model.Bkey, error) {
	localKeys, err := e.fetch(e.local, func(ch chan<- vnode.TreeReply) vnode.Message {
		return vnode.LeafKeysReq{Leaf: leaf, ReplyTo: ch}
	})
	if err != nil {
		return nil, err
	}
	peerKeys, err := e.fetch(e.peer, func(ch chan<- vnode.TreeReply) vnode.Message {
		return vnode.LeafKeysReq{Leaf: leaf, ReplyTo: ch}
	})
	if err != nil {
		return nil, err
	}

	var out []model.Bkey
	for k, h := range localKeys.Keys {
		if ph, ok := peerKeys.Keys[k]; !ok || ph != h {
			bkey, derr := model.DecodeBkey([]byte(k))
			if derr != nil {
				continue
			}
			out = append(out, bkey)
		}
	}
	for k := range peerKeys.Keys {
		if _, ok := localKeys.Keys[k]; !ok {
			bkey, derr := model.DecodeBkey([]byte(k))
			if derr != nil {
				continue
			}
			out = append(out, bkey)
		}
	}
	return out, nil
}

// repairKey reconciles one key between the pair through a repair-mode
// get, which syncs the two objects and dispatches repair writes.
func (e *Exchange) repairKey(bkey model.Bkey) error {
	e.tokens.acquire()
	defer e.tokens.release()

	fsm := coordinator.NewGet(bkey, nil, coordinator.GetOptions{
		Timeout:    e.timeout,
		RepairPair: []uint64{e.local, e.peer},
	}, e.router, e.logger, e.metrics)
	go fsm.Run()
	res := <-fsm.Result()
	if res.Err != nil {
		return res.Err
	}
	return nil
}

// fetch sends one hashtree request through the token bucket and waits
// for the reply.
func (e *Exchange) fetch(partition uint64, build func(chan<- vnode.TreeReply) vnode.Message) (vnode.TreeReply, error) {
	e.tokens.acquire()
	defer e.tokens.release()

	ch := make(chan vnode.TreeReply, 1)
	if err := e.router.Route(partition, build(ch)); err != nil {
		return vnode.TreeReply{}, err
	}
	select {
	case reply := <-ch:
		if !reply.Built {
			return vnode.TreeReply{}, fmt.Errorf("hashtree of vnode %d not built", partition)
		}
		return reply, nil
	case <-time.After(e.timeout):
		return vnode.TreeReply{}, fmt.Errorf("hashtree request to vnode %d timed out", partition)
	}
}
