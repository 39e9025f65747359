package vnode

import (
	"github.com/devrev/dottedkv/internal/dvv"
	"github.com/devrev/dottedkv/internal/model"
	"github.com/google/uuid"
)

// Message is anything a vnode mailbox accepts. Messages from one sender
// are processed in send order; there is no ordering across senders.
type Message interface {
	isMessage()
}

// Reply is what a vnode sends back for reads and writes. Err carries a
// KVError on failure; reads fill Obj, writes fill Ctx.
type Reply struct {
	ReqID     uuid.UUID
	Partition uint64
	Obj       dvv.Clock
	Ctx       dvv.Context
	Err       error
}

// ReadReq asks for the object under a key.
type ReadReq struct {
	ReqID   uuid.UUID
	Bkey    model.Bkey
	ReplyTo chan<- Reply
}

// WriteReq applies a client write (or delete, when Val is a tombstone)
// under the supplied causal context.
type WriteReq struct {
	ReqID   uuid.UUID
	Bkey    model.Bkey
	Ctx     dvv.Context
	Val     dvv.Value
	ReplyTo chan<- Reply
}

// RepairReq merges a reconciled object into the local replica. It
// carries no reply channel; repair is fire-and-forget.
type RepairReq struct {
	Bkey model.Bkey
	Obj  dvv.Clock
}

// TreeReply answers the hashtree queries below. Built is false while
// the tree has not finished its first full fold; exchanges must back
// off in that case.
type TreeReply struct {
	Partition uint64
	Built     bool
	Hashes    [][20]byte
	Keys      map[string][20]byte
}

// RootHashReq asks for the Merkle root (a single hash).
type RootHashReq struct {
	ReplyTo chan<- TreeReply
}

// NodeHashesReq asks for the hashes of all internal nodes.
type NodeHashesReq struct {
	ReplyTo chan<- TreeReply
}

// LeafHashesReq asks for the leaf hashes under one internal node.
type LeafHashesReq struct {
	Node    int
	ReplyTo chan<- TreeReply
}

// LeafKeysReq asks for the (key, clock hash) pairs in one leaf.
type LeafKeysReq struct {
	Leaf    int
	ReplyTo chan<- TreeReply
}

// treeBuilt delivers the result of the background full fold.
type treeBuilt struct {
	hashes map[string][20]byte
}

func (ReadReq) isMessage()       {}
func (WriteReq) isMessage()      {}
func (RepairReq) isMessage()     {}
func (RootHashReq) isMessage()   {}
func (NodeHashesReq) isMessage() {}
func (LeafHashesReq) isMessage() {}
func (LeafKeysReq) isMessage()   {}
func (treeBuilt) isMessage()     {}
