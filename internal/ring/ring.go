// Package ring maps keys onto the partition ring and answers preflist
// queries. A Snapshot is immutable; membership changes build a new one
// and swap the pointer, so in-flight coordinators keep the view they
// started with.
package ring

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/devrev/dottedkv/internal/model"
)

// Entry pairs a partition with the node currently owning it.
type Entry struct {
	Partition uint64
	Node      string
}

// Snapshot is one immutable view of the ring: 2^exp partitions, each
// owned by a node.
type Snapshot struct {
	exp    uint8
	size   uint64
	owners []string
}

// NewSnapshot builds a ring of 2^exp partitions owned round-robin by
// the given nodes, which are sorted first so every member computes the
// same assignment from the same membership.
func NewSnapshot(exp uint8, nodes []string) (*Snapshot, error) {
	if exp == 0 || exp > 16 {
		return nil, fmt.Errorf("ring exponent %d out of range [1,16]", exp)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("ring needs at least one node")
	}
	sorted := make([]string, len(nodes))
	copy(sorted, nodes)
	sort.Strings(sorted)

	size := uint64(1) << exp
	owners := make([]string, size)
	for i := uint64(0); i < size; i++ {
		owners[i] = sorted[i%uint64(len(sorted))]
	}
	return &Snapshot{exp: exp, size: size, owners: owners}, nil
}

// Size returns the number of partitions in the ring.
func (s *Snapshot) Size() uint64 {
	return s.size
}

// Owner returns the node owning a partition.
func (s *Snapshot) Owner(partition uint64) string {
	return s.owners[partition&(s.size-1)]
}

// PartitionOf returns the index of the partition whose interval covers
// the 160-bit hash: its top exp bits.
func (s *Snapshot) PartitionOf(hash [20]byte) uint64 {
	top := binary.BigEndian.Uint64(hash[:8])
	return top >> (64 - s.exp)
}

// Primary returns the first partition clockwise from the key's ring
// position, paired with its owner.
func (s *Snapshot) Primary(bkey model.Bkey) Entry {
	return s.Replicas(bkey, 1)[0]
}

// Replicas returns the preflist for a key: the first n partitions
// encountered walking clockwise from the key's hash position, each with
// its owner. The first entry is the primary.
func (s *Snapshot) Replicas(bkey model.Bkey, n int) []Entry {
	if uint64(n) > s.size {
		n = int(s.size)
	}
	start := (s.PartitionOf(bkey.Hash160()) + 1) & (s.size - 1)
	out := make([]Entry, 0, n)
	for i := uint64(0); i < uint64(n); i++ {
		p := (start + i) & (s.size - 1)
		out = append(out, Entry{Partition: p, Node: s.owners[p]})
	}
	return out
}

// Peers returns the partitions sharing at least one preflist with p for
// replication factor n: the n-1 counter-clockwise predecessors followed
// by the n-1 clockwise successors, predecessors first in ring order.
func (s *Snapshot) Peers(p uint64, n int) []uint64 {
	if n < 2 {
		return nil
	}
	span := uint64(n - 1)
	if span >= s.size {
		span = s.size - 1
	}
	seen := map[uint64]bool{p: true}
	out := make([]uint64, 0, 2*span)
	for i := span; i >= 1; i-- {
		q := (p - i) & (s.size - 1)
		if !seen[q] {
			out = append(out, q)
			seen[q] = true
		}
	}
	for i := uint64(1); i <= span; i++ {
		q := (p + i) & (s.size - 1)
		if !seen[q] {
			out = append(out, q)
			seen[q] = true
		}
	}
	return out
}

// Preflist identifies a preflist by its first partition and the
// replication factor it was computed for.
type Preflist struct {
	Index uint64
	N     int
}

// ResponsiblePreflists returns, for each replication factor in nvals,
// the preflists that include p: those starting at the n-1 predecessors
// of p and at p itself. Anti-entropy uses this to scope exchanges.
func (s *Snapshot) ResponsiblePreflists(p uint64, nvals []int) []Preflist {
	var out []Preflist
	for _, n := range nvals {
		if n < 1 {
			continue
		}
		span := uint64(n)
		if span > s.size {
			span = s.size
		}
		for i := span - 1; ; i-- {
			q := (p - i) & (s.size - 1)
			out = append(out, Preflist{Index: q, N: n})
			if i == 0 {
				break
			}
		}
	}
	return out
}
