// Package vnode implements the per-partition replica worker. One
// goroutine drains the mailbox, so writes to a key are totally ordered
// by arrival and every dot counter issued by the vnode is strictly
// increasing. The epoch half of the vnode id is persisted and bumped on
// every open, which keeps post-restart dots from colliding with dots
// still in flight from before the crash.
package vnode

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/devrev/dottedkv/internal/dvv"
	kverrors "github.com/devrev/dottedkv/internal/errors"
	"github.com/devrev/dottedkv/internal/merkle"
	"github.com/devrev/dottedkv/internal/metrics"
	"github.com/devrev/dottedkv/internal/model"
	"github.com/devrev/dottedkv/internal/storage"
	"github.com/devrev/dottedkv/internal/util/workerpool"
	"go.uber.org/zap"
)

// epochKey is the reserved engine key holding the vnode epoch. Encoded
// bkeys are at least eight bytes, so a one-byte key can never collide.
var epochKey = []byte{0x00}

// Config holds per-vnode settings.
type Config struct {
	Partition   uint64
	TreeBranch  int
	MailboxSize int
	OpenRetry   storage.RetryPolicy
}

// Vnode is one partition replica: engine, causal identity, Merkle tree
// and the mailbox loop that serializes access to all three.
type Vnode struct {
	partition uint64
	vid       model.VnodeID
	eng       storage.Engine
	tree      *merkle.Tree
	building  bool
	pending   []leafUpdate
	mailbox   chan Message
	logger    *zap.Logger
	metrics   *metrics.Metrics
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

type leafUpdate struct {
	key  []byte
	hash [20]byte
}

// Open opens the vnode's engine, bumps the persisted epoch, starts the
// mailbox loop and schedules the initial tree build on the pool.
func Open(cfg Config, factory storage.Factory, pool *workerpool.Pool, logger *zap.Logger, m *metrics.Metrics) (*Vnode, error) {
	ns := fmt.Sprintf("vnode-%d", cfg.Partition)
	eng, err := storage.Open(factory, ns, cfg.OpenRetry, logger)
	if err != nil {
		return nil, err
	}

	epoch, err := nextEpoch(eng)
	if err != nil {
		eng.Close()
		return nil, err
	}

	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 1024
	}
	if cfg.TreeBranch <= 0 {
		cfg.TreeBranch = 10
	}

	v := &Vnode{
		partition: cfg.Partition,
		vid:       model.VnodeID{Partition: cfg.Partition, Epoch: epoch},
		eng:       eng,
		tree:      merkle.New(cfg.TreeBranch),
		building:  true,
		mailbox:   make(chan Message, cfg.MailboxSize),
		logger:    logger.With(zap.Uint64("partition", cfg.Partition), zap.Uint64("epoch", epoch)),
		metrics:   m,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}

	go v.run()
	v.scheduleTreeBuild(pool)

	v.logger.Info("Vnode opened")
	return v, nil
}

// nextEpoch reads the persisted epoch, increments it and writes it
// back. The increment happens on every open, crash or not.
func nextEpoch(eng storage.Engine) (uint64, error) {
	raw, found, err := eng.Get(epochKey)
	if err != nil {
		return 0, kverrors.Storage("epoch read failed", err)
	}
	var epoch uint64
	if found {
		if len(raw) != 8 {
			return 0, kverrors.New(kverrors.ErrCodeCorrupted, "epoch record malformed", nil)
		}
		epoch = binary.BigEndian.Uint64(raw)
	}
	epoch++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, epoch)
	if err := eng.Put(epochKey, buf); err != nil {
		return 0, kverrors.Storage("epoch write failed", err)
	}
	return epoch, nil
}

// ID returns the causal identity dots are issued under.
func (v *Vnode) ID() model.VnodeID {
	return v.vid
}

// Partition returns the partition index.
func (v *Vnode) Partition() uint64 {
	return v.partition
}

// MailboxDepth returns the number of queued messages.
func (v *Vnode) MailboxDepth() int {
	return len(v.mailbox)
}

// Send enqueues a message without blocking. A full mailbox surfaces
// Overload, a stopped vnode NotReady; the sender counts either against
// its ack quorum.
func (v *Vnode) Send(msg Message) error {
	select {
	case <-v.stopCh:
		return kverrors.NotReady(v.partition)
	default:
	}
	select {
	case v.mailbox <- msg:
		return nil
	default:
		if v.metrics != nil {
			v.metrics.VnodeOverloadTotal.Inc()
		}
		return kverrors.Overload(v.partition)
	}
}

// Stop shuts the mailbox loop down and closes the engine.
func (v *Vnode) Stop() {
	v.stopOnce.Do(func() {
		close(v.stopCh)
		<-v.done
		v.eng.Close()
		v.logger.Info("Vnode stopped")
	})
}

func (v *Vnode) run() {
	defer close(v.done)
	for {
		select {
		case <-v.stopCh:
			return
		case msg := <-v.mailbox:
			v.dispatch(msg)
		}
	}
}

func (v *Vnode) dispatch(msg Message) {
	switch m := msg.(type) {
	case ReadReq:
		v.handleRead(m)
	case WriteReq:
		v.handleWrite(m)
	case RepairReq:
		v.handleRepair(m)
	case RootHashReq:
		if t, ok := v.treeForExchange(); ok {
			m.ReplyTo <- TreeReply{Partition: v.partition, Built: true, Hashes: [][20]byte{t.RootHash()}}
		} else {
			m.ReplyTo <- TreeReply{Partition: v.partition}
		}
	case NodeHashesReq:
		if t, ok := v.treeForExchange(); ok {
			m.ReplyTo <- TreeReply{Partition: v.partition, Built: true, Hashes: t.NodeHashes()}
		} else {
			m.ReplyTo <- TreeReply{Partition: v.partition}
		}
	case LeafHashesReq:
		if t, ok := v.treeForExchange(); ok {
			m.ReplyTo <- TreeReply{Partition: v.partition, Built: true, Hashes: t.LeafHashes(m.Node)}
		} else {
			m.ReplyTo <- TreeReply{Partition: v.partition}
		}
	case LeafKeysReq:
		if t, ok := v.treeForExchange(); ok {
			m.ReplyTo <- TreeReply{Partition: v.partition, Built: true, Keys: t.LeafKeys(m.Leaf)}
		} else {
			m.ReplyTo <- TreeReply{Partition: v.partition}
		}
	case treeBuilt:
		v.installTree(m)
	}
}

func (v *Vnode) handleRead(msg ReadReq) {
	if v.metrics != nil {
		v.metrics.VnodeReadsTotal.Inc()
	}
	obj, found, err := v.load(msg.Bkey)
	reply := Reply{ReqID: msg.ReqID, Partition: v.partition}
	switch {
	case err != nil:
		if v.metrics != nil {
			v.metrics.VnodeErrorsTotal.Inc()
		}
		reply.Err = err
	case !found:
		reply.Err = kverrors.NotFound(msg.Bkey.String())
	default:
		reply.Obj = obj
	}
	msg.ReplyTo <- reply
}

func (v *Vnode) handleWrite(msg WriteReq) {
	if v.metrics != nil {
		v.metrics.VnodeWritesTotal.Inc()
	}
	reply := Reply{ReqID: msg.ReqID, Partition: v.partition}

	obj, _, err := v.load(msg.Bkey)
	if err != nil {
		if v.metrics != nil {
			v.metrics.VnodeErrorsTotal.Inc()
		}
		reply.Err = err
		msg.ReplyTo <- reply
		return
	}

	updated := dvv.Update(obj, msg.Ctx, msg.Val, v.vid)
	if err := v.store(msg.Bkey, updated); err != nil {
		if v.metrics != nil {
			v.metrics.VnodeErrorsTotal.Inc()
		}
		reply.Err = err
		msg.ReplyTo <- reply
		return
	}

	reply.Ctx = dvv.Join(updated)
	msg.ReplyTo <- reply
}

func (v *Vnode) handleRepair(msg RepairReq) {
	obj, _, err := v.load(msg.Bkey)
	if err != nil {
		v.logger.Warn("Repair read failed", zap.String("bkey", msg.Bkey.String()), zap.Error(err))
		return
	}
	merged := dvv.Sync(obj, msg.Obj)
	if dvv.Equal(merged, obj) {
		return
	}
	if err := v.store(msg.Bkey, merged); err != nil {
		v.logger.Warn("Repair write failed", zap.String("bkey", msg.Bkey.String()), zap.Error(err))
		return
	}
	if v.metrics != nil {
		v.metrics.VnodeRepairsTotal.Inc()
	}
}

// load reads and deserializes the object under a key. An absent key
// returns an empty clock with found=false.
func (v *Vnode) load(bkey model.Bkey) (dvv.Clock, bool, error) {
	raw, found, err := v.eng.Get(bkey.Encode())
	if err != nil {
		return dvv.New(), false, kverrors.Storage("engine get failed", err)
	}
	if !found {
		return dvv.New(), false, nil
	}
	obj, err := dvv.DecodeClock(raw)
	if err != nil {
		return dvv.New(), false, kverrors.New(kverrors.ErrCodeCorrupted, "stored clock malformed", err)
	}
	return obj, true, nil
}

// store persists the object and refreshes its Merkle leaf.
func (v *Vnode) store(bkey model.Bkey, obj dvv.Clock) error {
	ek := bkey.Encode()
	buf := dvv.EncodeClock(obj)
	if err := v.eng.Put(ek, buf); err != nil {
		return kverrors.Storage("engine put failed", err)
	}
	v.updateLeaf(ek, merkle.HashClock(buf))
	return nil
}

// updateLeaf applies a leaf change now, or queues it while the initial
// fold is still running.
func (v *Vnode) updateLeaf(encodedKey []byte, hash [20]byte) {
	if v.building {
		v.pending = append(v.pending, leafUpdate{key: encodedKey, hash: hash})
		return
	}
	v.tree.Insert(encodedKey, hash)
}

func (v *Vnode) treeForExchange() (*merkle.Tree, bool) {
	if v.building || !v.tree.Built() {
		return nil, false
	}
	return v.tree, true
}

func (v *Vnode) installTree(msg treeBuilt) {
	for k, h := range msg.hashes {
		v.tree.Insert([]byte(k), h)
	}
	for _, u := range v.pending {
		v.tree.Insert(u.key, u.hash)
	}
	v.pending = nil
	v.building = false
	v.tree.MarkBuilt()
	v.logger.Info("Hashtree built")
}

// scheduleTreeBuild runs the initial full fold on the pool. Writes that
// land while the fold runs are queued as pending leaf updates and
// replayed on install, so re-inserting a key the fold already saw is
// harmless.
func (v *Vnode) scheduleTreeBuild(pool *workerpool.Pool) {
	task := workerpool.Task{
		ID: fmt.Sprintf("tree-build-%d", v.partition),
		Fn: func(context.Context) error {
			hashes := make(map[string][20]byte)
			err := v.eng.Fold(func(key, value []byte) error {
				if _, derr := model.DecodeBkey(key); derr != nil {
					return nil // reserved meta keys
				}
				hashes[string(key)] = merkle.HashClock(value)
				return nil
			})
			if err != nil {
				return err
			}
			select {
			case v.mailbox <- treeBuilt{hashes: hashes}:
			case <-v.stopCh:
			}
			return nil
		},
	}
	if pool == nil {
		// No pool wired (tests): build inline through the mailbox.
		_ = task.Fn(context.Background())
		return
	}
	if err := pool.Submit(task); err != nil {
		v.logger.Error("Tree build submit failed", zap.Error(err))
		_ = task.Fn(context.Background())
	}
}
