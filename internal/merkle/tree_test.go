package merkle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyTreesAgree(t *testing.T) {
	a := New(6)
	b := New(6)
	assert.Equal(t, a.RootHash(), b.RootHash())
}

func TestInsertChangesRoot(t *testing.T) {
	tr := New(6)
	before := tr.RootHash()
	tr.Insert([]byte("key-1"), HashClock([]byte("clock")))
	assert.NotEqual(t, before, tr.RootHash())
}

func TestInsertIdempotent(t *testing.T) {
	a := New(6)
	b := New(6)
	h := HashClock([]byte("clock"))
	a.Insert([]byte("key-1"), h)
	b.Insert([]byte("key-1"), h)
	b.Insert([]byte("key-1"), h)
	assert.Equal(t, a.RootHash(), b.RootHash())
}

func TestRemoveRestoresRoot(t *testing.T) {
	tr := New(6)
	before := tr.RootHash()
	tr.Insert([]byte("key-1"), HashClock([]byte("clock")))
	tr.Remove([]byte("key-1"))
	assert.Equal(t, before, tr.RootHash())
}

func TestInsertionOrderIrrelevant(t *testing.T) {
	a := New(10)
	b := New(10)
	for i := 0; i < 100; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		a.Insert(k, HashClock(k))
	}
	for i := 99; i >= 0; i-- {
		k := []byte(fmt.Sprintf("key-%d", i))
		b.Insert(k, HashClock(k))
	}
	assert.Equal(t, a.RootHash(), b.RootHash())
}

func TestDivergenceLocalizedToLeaf(t *testing.T) {
	a := New(6)
	b := New(6)
	for i := 0; i < 50; i++ {
		k := []byte(fmt.Sprintf("key-%d", i))
		a.Insert(k, HashClock(k))
		b.Insert(k, HashClock(k))
	}
	odd := []byte("key-7")
	b.Insert(odd, HashClock([]byte("different")))

	require.NotEqual(t, a.RootHash(), b.RootHash())

	// Exactly one internal node differs, and under it exactly one leaf.
	na, nb := a.NodeHashes(), b.NodeHashes()
	diffNodes := 0
	diffNode := -1
	for i := range na {
		if na[i] != nb[i] {
			diffNodes++
			diffNode = i
		}
	}
	require.Equal(t, 1, diffNodes)

	la, lb := a.LeafHashes(diffNode), b.LeafHashes(diffNode)
	diffLeaves := 0
	diffChild := -1
	for i := range la {
		if la[i] != lb[i] {
			diffLeaves++
			diffChild = i
		}
	}
	require.Equal(t, 1, diffLeaves)

	leaf := diffNode*a.Branch() + diffChild
	assert.Equal(t, leaf, a.LeafIndex(odd))

	// The differing leaf names the divergent key.
	ka, kb := a.LeafKeys(leaf), b.LeafKeys(leaf)
	assert.NotEqual(t, ka[string(odd)], kb[string(odd)])
}

func TestBuiltFlag(t *testing.T) {
	tr := New(6)
	assert.False(t, tr.Built())
	tr.MarkBuilt()
	assert.True(t, tr.Built())
}
