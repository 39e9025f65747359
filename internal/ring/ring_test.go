package ring

import (
	"fmt"
	"testing"

	"github.com/devrev/dottedkv/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnapshotValidation(t *testing.T) {
	_, err := NewSnapshot(0, []string{"n1"})
	assert.Error(t, err)

	_, err = NewSnapshot(6, nil)
	assert.Error(t, err)

	snap, err := NewSnapshot(6, []string{"n1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(64), snap.Size())
}

func TestOwnersRoundRobinAndStable(t *testing.T) {
	a, err := NewSnapshot(4, []string{"n2", "n1", "n3"})
	require.NoError(t, err)
	b, err := NewSnapshot(4, []string{"n3", "n2", "n1"})
	require.NoError(t, err)

	// Same membership in any order yields the same assignment.
	for p := uint64(0); p < a.Size(); p++ {
		assert.Equal(t, a.Owner(p), b.Owner(p))
	}
	assert.Equal(t, "n1", a.Owner(0))
	assert.Equal(t, "n2", a.Owner(1))
	assert.Equal(t, "n3", a.Owner(2))
	assert.Equal(t, "n1", a.Owner(3))
}

func TestReplicasDistinctAndClockwise(t *testing.T) {
	snap, err := NewSnapshot(6, []string{"n1", "n2", "n3"})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		bkey := model.NewBkey("bucket", fmt.Sprintf("key-%d", i))
		entries := snap.Replicas(bkey, 3)
		require.Len(t, entries, 3)

		seen := make(map[uint64]bool)
		for _, e := range entries {
			assert.False(t, seen[e.Partition])
			seen[e.Partition] = true
		}
		// Consecutive clockwise walk from the hash position.
		for j := 1; j < len(entries); j++ {
			expected := (entries[j-1].Partition + 1) & (snap.Size() - 1)
			assert.Equal(t, expected, entries[j].Partition)
		}
		// The primary is the first partition clockwise from the hash.
		start := (snap.PartitionOf(bkey.Hash160()) + 1) & (snap.Size() - 1)
		assert.Equal(t, start, entries[0].Partition)
		assert.Equal(t, entries[0], snap.Primary(bkey))
	}
}

func TestReplicasCappedAtRingSize(t *testing.T) {
	snap, err := NewSnapshot(2, []string{"n1"})
	require.NoError(t, err)

	entries := snap.Replicas(model.NewBkey("b", "k"), 10)
	assert.Len(t, entries, 4)
}

func TestPeersSymmetric(t *testing.T) {
	snap, err := NewSnapshot(5, []string{"n1", "n2"})
	require.NoError(t, err)

	n := 3
	for p := uint64(0); p < snap.Size(); p++ {
		for _, q := range snap.Peers(p, n) {
			assert.Contains(t, snap.Peers(q, n), p,
				"peers(%d) contains %d but not vice versa", p, q)
		}
	}
}

func TestPeersAreRingNeighbors(t *testing.T) {
	snap, err := NewSnapshot(6, []string{"n1"})
	require.NoError(t, err)

	peers := snap.Peers(10, 3)
	assert.Equal(t, []uint64{8, 9, 11, 12}, peers)

	// Wrap-around at the origin.
	peers = snap.Peers(0, 3)
	assert.Equal(t, []uint64{62, 63, 1, 2}, peers)
}

func TestPeersSmallRingNoDuplicates(t *testing.T) {
	snap, err := NewSnapshot(1, []string{"n1"})
	require.NoError(t, err)

	peers := snap.Peers(0, 3)
	assert.Equal(t, []uint64{1}, peers)
}

func TestResponsiblePreflists(t *testing.T) {
	snap, err := NewSnapshot(6, []string{"n1"})
	require.NoError(t, err)

	pls := snap.ResponsiblePreflists(10, []int{3})
	require.Len(t, pls, 3)
	assert.Equal(t, []Preflist{{Index: 8, N: 3}, {Index: 9, N: 3}, {Index: 10, N: 3}}, pls)

	// Every returned preflist actually covers partition 10.
	for _, pl := range pls {
		covered := false
		for i := uint64(0); i < uint64(pl.N); i++ {
			if (pl.Index+i)&(snap.Size()-1) == 10 {
				covered = true
			}
		}
		assert.True(t, covered)
	}
}
