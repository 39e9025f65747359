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

type putState int

const (
	putExecute putState = iota
	putWaiting
)

// PutOptions configures one put coordinator. A delete is a put whose
// value is the tombstone.
type PutOptions struct {
	W       int
	Timeout time.Duration
	NoReply bool
	// Replicas, when set, overrides the preflist.
	Replicas []uint64
}

// PutFSM drives one write (or delete) across the replica set. Every
// replica receives the same context and value and assigns its own dot;
// convergence comes later from sync on read or anti-entropy.
type PutFSM struct {
	reqID    uuid.UUID
	bkey     model.Bkey
	ctx      dvv.Context
	val      dvv.Value
	opts     PutOptions
	replicas []uint64
	router   Router
	logger   *zap.Logger
	metrics  *metrics.Metrics

	state    putState
	respCh   chan vnode.Reply
	resultCh chan PutResult
	replied  bool
	seen     map[uint64]bool
	acks     int
	goodAcks int
	lastErr  error
}

// NewPut builds a put coordinator over the given replica partitions.
func NewPut(bkey model.Bkey, ctx dvv.Context, val dvv.Value, replicas []uint64, opts PutOptions, router Router, logger *zap.Logger, m *metrics.Metrics) *PutFSM {
	if len(opts.Replicas) > 0 {
		replicas = opts.Replicas
	}
	if opts.W < 1 {
		opts.W = 1
	}
	if opts.W > len(replicas) {
		opts.W = len(replicas)
	}
	return &PutFSM{
		reqID:    uuid.New(),
		bkey:     bkey,
		ctx:      ctx,
		val:      val,
		opts:     opts,
		replicas: replicas,
		router:   router,
		logger:   logger,
		metrics:  m,
		state:    putExecute,
		respCh:   make(chan vnode.Reply, len(replicas)+1),
		resultCh: make(chan PutResult, 1),
		seen:     make(map[uint64]bool, len(replicas)),
	}
}

// Result returns the channel the client reply is delivered on.
func (c *PutFSM) Result() <-chan PutResult {
	return c.resultCh
}

// Run executes the state machine to completion.
func (c *PutFSM) Run() {
	if c.metrics != nil {
		c.metrics.PutRequestsTotal.Inc()
		start := time.Now()
		defer func() {
			c.metrics.PutRequestDuration.Observe(time.Since(start).Seconds())
		}()
	}

	for _, p := range c.replicas {
		req := vnode.WriteReq{ReqID: c.reqID, Bkey: c.bkey, Ctx: c.ctx, Val: c.val, ReplyTo: c.respCh}
		if err := c.router.Route(p, req); err != nil {
			c.accept(vnode.Reply{ReqID: c.reqID, Partition: p, Err: err})
		}
	}
	c.state = putWaiting

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
			if c.metrics != nil && !c.replied {
				c.metrics.PutTimeoutsTotal.Inc()
			}
			c.reply(PutResult{Status: StatusTimeout, Err: kverrors.Timeout("put")})
			return
		}
	}
}

func (c *PutFSM) accept(reply vnode.Reply) {
	if reply.ReqID != c.reqID || c.seen[reply.Partition] {
		return
	}
	c.seen[reply.Partition] = true
	c.acks++
	if reply.Err != nil {
		c.lastErr = reply.Err
		c.logger.Debug("Write failed at replica",
			zap.Uint64("partition", reply.Partition),
			zap.String("bkey", c.bkey.String()),
			zap.Error(reply.Err))
		return
	}
	c.goodAcks++
}

// advance reports whether the FSM is done: the client gets ok at W good
// acks, and the coordinator stays alive until all N replicas have
// answered or the timer fires.
func (c *PutFSM) advance() bool {
	if c.goodAcks >= c.opts.W {
		c.reply(PutResult{Status: StatusOK})
	}
	if c.acks < len(c.replicas) {
		return false
	}
	if c.goodAcks < c.opts.W {
		err := c.lastErr
		if err == nil {
			err = kverrors.Timeout("put")
		}
		c.reply(PutResult{Status: StatusError, Err: err})
	}
	return true
}

func (c *PutFSM) reply(res PutResult) {
	if c.replied {
		return
	}
	c.replied = true
	c.resultCh <- res
}
