package merkle

import (
	"crypto/sha1"
	"encoding/binary"
	"sort"
)

// Tree is the per-vnode Merkle tree over its keyspace: a fixed
// branching factor B, depth two, B*B leaf buckets. Keys land in a leaf
// by hashing their encoded form; a leaf's hash covers (key, clock hash)
// pairs in sorted key order. The tree is owned by its vnode and is not
// safe for concurrent use.
type Tree struct {
	branch int
	leaves []map[string][20]byte
	built  bool
}

// New returns an empty, not-yet-built tree with the given branching
// factor.
func New(branch int) *Tree {
	leaves := make([]map[string][20]byte, branch*branch)
	for i := range leaves {
		leaves[i] = make(map[string][20]byte)
	}
	return &Tree{branch: branch, leaves: leaves}
}

// Branch returns the branching factor.
func (t *Tree) Branch() int {
	return t.branch
}

// Built reports whether the first full fold has completed. Exchanges
// are refused until then.
func (t *Tree) Built() bool {
	return t.built
}

// MarkBuilt flags the tree as ready for exchanges.
func (t *Tree) MarkBuilt() {
	t.built = true
}

// LeafIndex returns the leaf bucket an encoded key falls into.
func (t *Tree) LeafIndex(encodedKey []byte) int {
	h := sha1.Sum(encodedKey)
	return int(binary.BigEndian.Uint64(h[:8]) % uint64(t.branch*t.branch))
}

// Insert records the clock hash for a key, replacing any prior hash.
func (t *Tree) Insert(encodedKey []byte, clockHash [20]byte) {
	t.leaves[t.LeafIndex(encodedKey)][string(encodedKey)] = clockHash
}

// Remove drops a key from its leaf.
func (t *Tree) Remove(encodedKey []byte) {
	delete(t.leaves[t.LeafIndex(encodedKey)], string(encodedKey))
}

// LeafHash returns the hash of one leaf bucket.
func (t *Tree) LeafHash(leaf int) [20]byte {
	bucket := t.leaves[leaf]
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha1.New()
	for _, k := range keys {
		ch := bucket[k]
		h.Write([]byte(k))
		h.Write(ch[:])
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NodeHash returns the hash of internal node i: the hash of its B
// children's leaf hashes concatenated.
func (t *Tree) NodeHash(i int) [20]byte {
	h := sha1.New()
	for c := 0; c < t.branch; c++ {
		lh := t.LeafHash(i*t.branch + c)
		h.Write(lh[:])
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// RootHash returns the hash over all internal node hashes.
func (t *Tree) RootHash() [20]byte {
	h := sha1.New()
	for i := 0; i < t.branch; i++ {
		nh := t.NodeHash(i)
		h.Write(nh[:])
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NodeHashes returns the hashes of every internal node.
func (t *Tree) NodeHashes() [][20]byte {
	out := make([][20]byte, t.branch)
	for i := range out {
		out[i] = t.NodeHash(i)
	}
	return out
}

// LeafHashes returns the hashes of the B leaves under internal node i.
func (t *Tree) LeafHashes(i int) [][20]byte {
	out := make([][20]byte, t.branch)
	for c := range out {
		out[c] = t.LeafHash(i*t.branch + c)
	}
	return out
}

// LeafKeys returns a copy of the (key, clock hash) pairs in a leaf.
func (t *Tree) LeafKeys(leaf int) map[string][20]byte {
	bucket := t.leaves[leaf]
	out := make(map[string][20]byte, len(bucket))
	for k, v := range bucket {
		out[k] = v
	}
	return out
}

// HashClock returns the leaf-entry hash of a serialized clock.
func HashClock(serialized []byte) [20]byte {
	return sha1.Sum(serialized)
}
