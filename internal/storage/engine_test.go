package storage_test

import (
	"errors"
	"testing"
	"time"

	kverrors "github.com/devrev/dottedkv/internal/errors"
	"github.com/devrev/dottedkv/internal/storage"
	"github.com/devrev/dottedkv/internal/storage/memengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakyFactory fails with ErrLocked for the first failures attempts.
type flakyFactory struct {
	failures int
	calls    int
}

func (f *flakyFactory) open(namespace string) (storage.Engine, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, storage.ErrLocked
	}
	return memengine.New(), nil
}

func fastPolicy(attempts int) storage.RetryPolicy {
	return storage.RetryPolicy{Attempts: attempts, Backoff: time.Millisecond}
}

func TestOpenRetriesLockContention(t *testing.T) {
	f := &flakyFactory{failures: 3}
	eng, err := storage.Open(f.open, "ns", fastPolicy(5), zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, eng)
	assert.Equal(t, 4, f.calls)
}

func TestOpenGivesUpAfterRetries(t *testing.T) {
	f := &flakyFactory{failures: 10}
	_, err := storage.Open(f.open, "ns", fastPolicy(5), zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, 5, f.calls)
	assert.Equal(t, kverrors.ErrCodeStorageLock, kverrors.CodeOf(err))
}

func TestOpenSurfacesNonLockErrorsImmediately(t *testing.T) {
	boom := errors.New("disk on fire")
	calls := 0
	factory := func(namespace string) (storage.Engine, error) {
		calls++
		return nil, boom
	}
	_, err := storage.Open(factory, "ns", fastPolicy(5), zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, kverrors.ErrCodeStorage, kverrors.CodeOf(err))
	assert.ErrorIs(t, err, boom)
}

// lockedEngine wraps a memengine and reports lock contention on the
// first destroy attempts.
type lockedEngine struct {
	storage.Engine
	failures int
	calls    int
}

func (l *lockedEngine) Destroy() error {
	l.calls++
	if l.calls <= l.failures {
		return storage.ErrLocked
	}
	return l.Engine.Destroy()
}

func TestDropRetriesOnce(t *testing.T) {
	eng := &lockedEngine{Engine: memengine.New(), failures: 1}
	err := storage.Drop(eng, fastPolicy(2), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, eng.calls)
}

func TestDropGivesUp(t *testing.T) {
	eng := &lockedEngine{Engine: memengine.New(), failures: 5}
	err := storage.Drop(eng, fastPolicy(2), zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, kverrors.ErrCodeStorageLock, kverrors.CodeOf(err))
}
