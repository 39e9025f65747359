package coordinator

import (
	"time"

	"github.com/devrev/dottedkv/internal/dvv"
	kverrors "github.com/devrev/dottedkv/internal/errors"
	"github.com/devrev/dottedkv/internal/metrics"
	"github.com/devrev/dottedkv/internal/model"
	"github.com/devrev/dottedkv/internal/vnode"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type getState int

const (
	getExecute getState = iota
	getWaiting
	getWaiting2
	getFinalize
)

// GetOptions configures one get coordinator.
type GetOptions struct {
	R           int
	Timeout     time.Duration
	ReadRepair  bool
	ReturnValue bool
	// RepairPair, when set, forces the replica set to exactly these two
	// partitions with R=2 and no client value returned. Anti-entropy
	// uses it to reconcile a single key between two vnodes.
	RepairPair []uint64
}

// GetFSM drives one read to quorum and then finalizes read-repair.
type GetFSM struct {
	reqID    uuid.UUID
	bkey     model.Bkey
	opts     GetOptions
	replicas []uint64
	router   Router
	logger   *zap.Logger
	metrics  *metrics.Metrics

	state    getState
	respCh   chan vnode.Reply
	resultCh chan GetResult
	replied  bool
	seen     map[uint64]bool
	replies  []vnode.Reply
}

// NewGet builds a get coordinator over the given replica partitions.
// When opts.RepairPair is set it overrides replicas and pins R to 2.
func NewGet(bkey model.Bkey, replicas []uint64, opts GetOptions, router Router, logger *zap.Logger, m *metrics.Metrics) *GetFSM {
	if len(opts.RepairPair) == 2 {
		replicas = opts.RepairPair
		opts.R = 2
		opts.ReturnValue = false
		opts.ReadRepair = true
	}
	if opts.R < 1 {
		opts.R = 1
	}
	if opts.R > len(replicas) {
		opts.R = len(replicas)
	}
	return &GetFSM{
		reqID:    uuid.New(),
		bkey:     bkey,
		opts:     opts,
		replicas: replicas,
		router:   router,
		logger:   logger,
		metrics:  m,
		state:    getExecute,
		respCh:   make(chan vnode.Reply, len(replicas)+1),
		resultCh: make(chan GetResult, 1),
		seen:     make(map[uint64]bool, len(replicas)),
	}
}

// Result returns the channel the client reply is delivered on.
func (c *GetFSM) Result() <-chan GetResult {
	return c.resultCh
}

// Run executes the state machine to completion. It is meant to be
// called in its own goroutine.
func (c *GetFSM) Run() {
	if c.metrics != nil {
		c.metrics.GetRequestsTotal.Inc()
		start := time.Now()
		defer func() {
			c.metrics.GetRequestDuration.Observe(time.Since(start).Seconds())
		}()
	}

	// execute: fan the read out to every replica. Dispatch failures
	// count as immediate error replies.
	for _, p := range c.replicas {
		req := vnode.ReadReq{ReqID: c.reqID, Bkey: c.bkey, ReplyTo: c.respCh}
		if err := c.router.Route(p, req); err != nil {
			c.accept(vnode.Reply{ReqID: c.reqID, Partition: p, Err: err})
		}
	}
	c.state = getWaiting

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	for {
		if c.advance() {
			return
		}
		select {
		case reply := <-c.respCh:
			c.accept(reply)
		case <-timer.C:
			if c.state == getWaiting {
				if c.metrics != nil {
					c.metrics.GetTimeoutsTotal.Inc()
				}
				c.reply(GetResult{Status: StatusTimeout, Err: kverrors.Timeout("get")})
				return
			}
			c.finalize()
			return
		}
	}
}

// accept records a reply, discarding reqid mismatches and anything
// after the first response from a partition.
func (c *GetFSM) accept(reply vnode.Reply) {
	if reply.ReqID != c.reqID || c.seen[reply.Partition] {
		return
	}
	c.seen[reply.Partition] = true
	c.replies = append(c.replies, reply)
}

// advance applies the state transitions that become possible as
// replies accumulate. It returns true once the FSM is done.
func (c *GetFSM) advance() bool {
	switch c.state {
	case getWaiting:
		if len(c.replies) < c.opts.R {
			return false
		}
		c.replyFromQuorum()
		if len(c.replies) >= len(c.replicas) {
			c.finalize()
			return true
		}
		c.state = getWaiting2
		return false
	case getWaiting2:
		if len(c.replies) < len(c.replicas) {
			return false
		}
		c.finalize()
		return true
	default:
		return false
	}
}

// replyFromQuorum reconciles the replies collected so far and answers
// the client without waiting for the stragglers.
func (c *GetFSM) replyFromQuorum() {
	final := c.merged()
	if !c.opts.ReturnValue {
		c.reply(GetResult{Status: StatusOK})
		return
	}
	ctx := dvv.EncodeContext(dvv.Join(final))
	values := dvv.Values(final)
	if len(values) == 0 {
		c.reply(GetResult{Status: StatusNotFound, Ctx: ctx})
		return
	}
	c.reply(GetResult{Status: StatusOK, Values: values, Ctx: ctx})
}

// finalize dispatches read-repair to every replica whose reply is
// strictly dominated by the merged object.
func (c *GetFSM) finalize() {
	c.state = getFinalize
	if !c.opts.ReadRepair {
		return
	}
	final := c.merged()
	if final.IsEmpty() {
		return
	}
	repaired := 0
	for _, reply := range c.replies {
		obj := normalize(reply)
		if !dvv.Less(obj, final) {
			continue
		}
		if err := c.router.Route(reply.Partition, vnode.RepairReq{Bkey: c.bkey, Obj: final}); err != nil {
			c.logger.Warn("Read repair dispatch failed",
				zap.Uint64("partition", reply.Partition),
				zap.String("bkey", c.bkey.String()),
				zap.Error(err))
			continue
		}
		repaired++
	}
	if repaired > 0 {
		if c.metrics != nil {
			c.metrics.KeysRepairedTotal.Add(float64(repaired))
		}
		c.logger.Debug("Read repair dispatched",
			zap.String("bkey", c.bkey.String()),
			zap.Int("replicas", repaired))
	}
}

// merged is the least upper bound of every normalized reply so far.
func (c *GetFSM) merged() dvv.Clock {
	final := dvv.New()
	for _, reply := range c.replies {
		final = dvv.Sync(final, normalize(reply))
	}
	return final
}

// normalize maps error and not-found replies to the empty object.
func normalize(reply vnode.Reply) dvv.Clock {
	if reply.Err != nil {
		return dvv.New()
	}
	if reply.Obj.Entries == nil {
		return dvv.New()
	}
	return reply.Obj
}

func (c *GetFSM) reply(res GetResult) {
	if c.replied {
		return
	}
	c.replied = true
	c.resultCh <- res
}
