package dvv

import (
	"testing"

	"github.com/devrev/dottedkv/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vidA = model.VnodeID{Partition: 1, Epoch: 1}
	vidB = model.VnodeID{Partition: 2, Epoch: 1}
	vidC = model.VnodeID{Partition: 3, Epoch: 1}
)

func val(s string) Value {
	return Value{Data: []byte(s)}
}

func strings(values [][]byte) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, string(v))
	}
	return out
}

func TestSyncLaws(t *testing.T) {
	a := Update(New(), Context{}, val("a"), vidA)
	b := Update(New(), Context{}, val("b"), vidB)
	c := Update(Update(New(), Context{}, val("c1"), vidC), Join(a), val("c2"), vidC)

	t.Run("idempotent", func(t *testing.T) {
		assert.True(t, Equal(Sync(a, a), a))
		assert.True(t, Equal(Sync(c, c), c))
	})

	t.Run("commutative", func(t *testing.T) {
		assert.True(t, Equal(Sync(a, b), Sync(b, a)))
		assert.True(t, Equal(Sync(a, c), Sync(c, a)))
	})

	t.Run("associative", func(t *testing.T) {
		assert.True(t, Equal(Sync(Sync(a, b), c), Sync(a, Sync(b, c))))
	})
}

func TestUpdateFreshClock(t *testing.T) {
	c := Update(New(), Context{}, val("v"), vidA)

	assert.Equal(t, []string{"v"}, strings(Values(c)))
	require.Contains(t, c.Entries, vidA)
	assert.Equal(t, uint64(1), c.Entries[vidA].Counter)
}

func TestLessImpliesSyncIsUpperBound(t *testing.T) {
	a := Update(New(), Context{}, val("v1"), vidA)
	b := Update(a, Join(a), val("v2"), vidA)

	require.True(t, Less(a, b))
	assert.False(t, Less(b, a))
	assert.False(t, Less(a, a))
	assert.True(t, Equal(Sync(a, b), b))
}

func TestUpdateSupersedesObservedContext(t *testing.T) {
	c := Update(New(), Context{}, val("v1"), vidA)
	c = Update(c, Join(c), val("v2"), vidB)

	assert.Equal(t, []string{"v2"}, strings(Values(c)))
	// The history of the overwritten value is retained.
	assert.Equal(t, uint64(1), c.Entries[vidA].Counter)
	assert.Empty(t, c.Entries[vidA].Dots)
}

func TestConcurrentSiblingsPreserved(t *testing.T) {
	// Two writers with the same (empty) context on different vnodes.
	u1 := Update(New(), Context{}, val("v1"), vidA)
	u2 := Update(New(), Context{}, val("v2"), vidB)

	merged := Sync(u1, u2)
	assert.ElementsMatch(t, []string{"v1", "v2"}, strings(Values(merged)))
}

func TestConcurrentSiblingsSameVnode(t *testing.T) {
	// Two coordinated writes landing on the same vnode with the same
	// empty context: both get dots, both survive.
	c := Update(New(), Context{}, val("v1"), vidA)
	c = Update(c, Context{}, val("v2"), vidA)

	assert.ElementsMatch(t, []string{"v1", "v2"}, strings(Values(c)))
}

func TestPartialObservationKeepsUnseenSibling(t *testing.T) {
	// a and b are concurrent. A writer that observed only b leaves a's
	// value alive.
	a := Update(New(), Context{}, val("A"), vidA)
	b := Update(New(), Context{}, val("B"), vidB)

	c := Update(Sync(a, b), Join(b), val("C"), vidC)
	assert.ElementsMatch(t, []string{"A", "C"}, strings(Values(c)))

	// A writer that observed the merge of both supersedes them.
	full := Update(Sync(a, b), Join(Sync(a, b)), val("C"), vidC)
	assert.Equal(t, []string{"C"}, strings(Values(full)))
}

func TestUpdateDominatesSuppliedContext(t *testing.T) {
	a := Update(New(), Context{}, val("v1"), vidA)
	ctx := Join(a)
	b := Update(a, ctx, val("v2"), vidB)

	for id, n := range ctx {
		assert.GreaterOrEqual(t, b.Entries[id].Counter, n)
	}
	assert.True(t, Less(clockFromContext(ctx), b))
}

// clockFromContext builds a value-less clock for dominance checks.
func clockFromContext(ctx Context) Clock {
	c := New()
	for id, n := range ctx {
		c.Entries[id] = Entry{Counter: n}
	}
	return c
}

func TestSyncValuesSubsetOfUnion(t *testing.T) {
	a := Update(New(), Context{}, val("a"), vidA)
	b := Update(a, Join(a), val("b"), vidB)
	merged := Sync(a, b)

	union := map[string]bool{"a": true, "b": true}
	for _, v := range strings(Values(merged)) {
		assert.True(t, union[v])
	}
}

func TestTombstoneSuppressedButCausal(t *testing.T) {
	c := Update(New(), Context{}, val("v"), vidA)
	deleted := Update(c, Join(c), Tombstone(), vidA)

	assert.Empty(t, Values(deleted))
	assert.False(t, deleted.IsEmpty())
	assert.NotEmpty(t, Join(deleted))

	// The tombstone dominates the old value through sync as well.
	merged := Sync(c, deleted)
	assert.Empty(t, Values(merged))
}

func TestSyncWithOneSidedEntries(t *testing.T) {
	a := Update(New(), Context{}, val("only"), vidA)
	empty := New()

	assert.True(t, Equal(Sync(a, empty), a))
	assert.True(t, Equal(Sync(empty, a), a))
}

func TestLessNeedsStrictDominance(t *testing.T) {
	a := Update(New(), Context{}, val("x"), vidA)
	b := Update(New(), Context{}, val("y"), vidB)

	// Concurrent clocks are not ordered either way.
	assert.False(t, Less(a, b))
	assert.False(t, Less(b, a))
}

func TestCounterMonotonicPerVnode(t *testing.T) {
	c := New()
	for i := 0; i < 5; i++ {
		c = Update(c, Join(c), val("v"), vidA)
	}
	assert.Equal(t, uint64(5), c.Entries[vidA].Counter)
	require.Len(t, c.Entries[vidA].Dots, 1)
	assert.Equal(t, uint64(5), c.Entries[vidA].Dots[0].Counter)
}
