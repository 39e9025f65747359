package node

import (
	"math/rand"
	"time"

	"github.com/devrev/dottedkv/internal/coordinator"
	"github.com/devrev/dottedkv/internal/dvv"
	kverrors "github.com/devrev/dottedkv/internal/errors"
	"github.com/devrev/dottedkv/internal/model"
)

// GetOptions tunes one read. Zero values take the configured defaults.
type GetOptions struct {
	ReadAcks     int
	Timeout      time.Duration
	NoReadRepair bool
}

// GetResponse carries the reconciled read result. Values holds zero or
// more siblings; Ctx is the causal token to echo on the next write.
// NotFound is set when no live value exists (Ctx is still meaningful
// and should be echoed on a re-create).
type GetResponse struct {
	Values   [][]byte
	Ctx      []byte
	NotFound bool
}

// PutOptions tunes one write or delete.
type PutOptions struct {
	PutAcks int
	Timeout time.Duration
	NoReply bool
}

// Get reads a key at quorum.
func (n *Node) Get(bkey model.Bkey, opts *GetOptions) (*GetResponse, error) {
	if opts == nil {
		opts = &GetOptions{}
	}
	r := opts.ReadAcks
	if r == 0 {
		r = n.cfg.Coordinator.ReadAcks
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = n.cfg.Coordinator.GetTimeout
	}

	fsm := coordinator.NewGet(bkey, n.replicas(bkey), coordinator.GetOptions{
		R:           r,
		Timeout:     timeout,
		ReadRepair:  !opts.NoReadRepair && !n.cfg.Coordinator.DisableReadRepair,
		ReturnValue: true,
	}, n, n.logger, n.metrics)
	go fsm.Run()

	res := <-fsm.Result()
	switch res.Status {
	case coordinator.StatusOK:
		return &GetResponse{Values: res.Values, Ctx: res.Ctx}, nil
	case coordinator.StatusNotFound:
		return &GetResponse{Ctx: res.Ctx, NotFound: true}, nil
	case coordinator.StatusTimeout:
		return nil, res.Err
	default:
		return nil, res.Err
	}
}

// Put writes a value under the client's causal context.
func (n *Node) Put(bkey model.Bkey, ctxToken []byte, value []byte, opts *PutOptions) error {
	return n.put(bkey, ctxToken, dvv.Value{Data: value}, opts)
}

// Delete writes the tombstone under the client's causal context. The
// key disappears from reads but its causal history survives
// anti-entropy.
func (n *Node) Delete(bkey model.Bkey, ctxToken []byte, opts *PutOptions) error {
	return n.put(bkey, ctxToken, dvv.Tombstone(), opts)
}

func (n *Node) put(bkey model.Bkey, ctxToken []byte, val dvv.Value, opts *PutOptions) error {
	if opts == nil {
		opts = &PutOptions{}
	}
	w := opts.PutAcks
	if w == 0 {
		w = n.cfg.Coordinator.PutAcks
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = n.cfg.Coordinator.PutTimeout
	}

	ctx, err := dvv.DecodeContext(ctxToken)
	if err != nil {
		return err
	}

	// Most puts go to the full preflist; a configured fraction stops at
	// the first W replicas and leaves the tail to anti-entropy.
	replicas := n.replicas(bkey)
	if ratio := n.cfg.Coordinator.AllReplicasWriteRatio; ratio < 1 && rand.Float64() >= ratio && w < len(replicas) {
		replicas = replicas[:w]
	}

	fsm := coordinator.NewPut(bkey, ctx, val, replicas, coordinator.PutOptions{
		W:       w,
		Timeout: timeout,
		NoReply: opts.NoReply,
	}, n, n.logger, n.metrics)
	go fsm.Run()

	if opts.NoReply {
		return nil
	}
	res := <-fsm.Result()
	if res.Status == coordinator.StatusOK {
		return nil
	}
	if res.Err != nil {
		return res.Err
	}
	return kverrors.Timeout("put")
}
