// Package coordinator implements the per-request state machines that
// drive a get or put across a key's replica set. Each coordinator is
// its own goroutine with a private response channel; replies are
// demultiplexed by request id and deduplicated per partition, so late
// or repeated vnode responses are discarded rather than double counted.
package coordinator

import (
	"github.com/devrev/dottedkv/internal/vnode"
)

// Router delivers a message to the vnode owning a partition.
type Router interface {
	Route(partition uint64, msg vnode.Message) error
}

// Status is the outcome class a coordinator reports to the client.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusError
	StatusTimeout
)

// GetResult is the client-facing outcome of a get coordinator. Ctx is
// the encoded causal context to echo on subsequent writes; Values holds
// zero or more siblings.
type GetResult struct {
	Status Status
	Values [][]byte
	Ctx    []byte
	Err    error
}

// PutResult is the client-facing outcome of a put coordinator.
type PutResult struct {
	Status Status
	Err    error
}
