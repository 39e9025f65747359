package memengine

import (
	"testing"

	"github.com/devrev/dottedkv/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPutDelete(t *testing.T) {
	eng := New()

	_, found, err := eng.Get([]byte("missing"))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, eng.Put([]byte("k"), []byte("v")))
	v, found, err := eng.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, eng.Delete([]byte("k")))
	_, found, err = eng.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestValueIsolation(t *testing.T) {
	eng := New()
	buf := []byte("original")
	require.NoError(t, eng.Put([]byte("k"), buf))
	buf[0] = 'X'

	v, _, err := eng.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), v)
}

func TestFoldOrdered(t *testing.T) {
	eng := New()
	for _, k := range []string{"zebra", "apple", "mango", "banana"} {
		require.NoError(t, eng.Put([]byte(k), []byte("v")))
	}

	var keys []string
	err := eng.Fold(func(k, v []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "banana", "mango", "zebra"}, keys)

	keys = nil
	err = eng.FoldKeys(func(k []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "banana", "mango", "zebra"}, keys)
}

func TestBatch(t *testing.T) {
	eng := New()
	require.NoError(t, eng.Put([]byte("gone"), []byte("v")))

	err := eng.Batch([]storage.Op{
		{Kind: storage.OpPut, Key: []byte("a"), Value: []byte("1")},
		{Kind: storage.OpPut, Key: []byte("b"), Value: []byte("2")},
		{Kind: storage.OpDelete, Key: []byte("gone")},
	})
	require.NoError(t, err)

	_, found, _ := eng.Get([]byte("gone"))
	assert.False(t, found)
	v, _, _ := eng.Get([]byte("b"))
	assert.Equal(t, []byte("2"), v)
}

func TestIsEmptyAndDestroy(t *testing.T) {
	eng := New()
	empty, err := eng.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)

	require.NoError(t, eng.Put([]byte("k"), []byte("v")))
	empty, _ = eng.IsEmpty()
	assert.False(t, empty)

	require.NoError(t, eng.Destroy())
	empty, _ = eng.IsEmpty()
	assert.True(t, empty)
}

func TestRegistryKeepsDataAcrossReopen(t *testing.T) {
	reg := NewRegistry()

	eng, err := reg.Factory("vnode-1")
	require.NoError(t, err)
	require.NoError(t, eng.Put([]byte("k"), []byte("v")))
	require.NoError(t, eng.Close())

	reopened, err := reg.Factory("vnode-1")
	require.NoError(t, err)
	v, found, err := reopened.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)

	// A destroyed namespace comes back empty.
	require.NoError(t, reopened.Destroy())
	fresh, err := reg.Factory("vnode-1")
	require.NoError(t, err)
	empty, _ := fresh.IsEmpty()
	assert.True(t, empty)
}
