// Package storage defines the contract the vnode consumes from the
// embedded ordered key-value engine, plus the open/drop retry policy
// around engines that hold filesystem locks.
package storage

import (
	"errors"
	"time"

	kverrors "github.com/devrev/dottedkv/internal/errors"
	"go.uber.org/zap"
)

// OpKind tags a batch operation.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is a single operation inside a batch.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Engine is the ordered key-value engine a vnode owns. Keys are the
// encoded (bucket, key) pair; values are serialized clocks. Folds visit
// keys in ascending byte order.
type Engine interface {
	Get(key []byte) ([]byte, bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Batch(ops []Op) error
	Fold(fn func(key, value []byte) error) error
	FoldKeys(fn func(key []byte) error) error
	IsEmpty() (bool, error)
	Destroy() error
	Close() error
}

// Factory opens the engine backing one vnode namespace.
type Factory func(namespace string) (Engine, error)

// ErrLocked is returned by engines whose prior instance is still
// releasing its resources.
var ErrLocked = errors.New("storage engine locked")

// RetryPolicy bounds the open/drop retry loops.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultOpenRetry is the open policy: lock contention from a prior
// instance usually clears within a couple of seconds.
var DefaultOpenRetry = RetryPolicy{Attempts: 5, Backoff: 2000 * time.Millisecond}

// DefaultDropRetry is the destroy policy.
var DefaultDropRetry = RetryPolicy{Attempts: 2, Backoff: 2000 * time.Millisecond}

// Open opens the engine for a namespace, retrying lock-contention
// failures per the policy before surfacing them.
func Open(factory Factory, namespace string, policy RetryPolicy, logger *zap.Logger) (Engine, error) {
	if policy.Attempts <= 0 {
		policy = DefaultOpenRetry
	}
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		eng, err := factory(namespace)
		if err == nil {
			return eng, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, kverrors.Storage("open failed", err)
		}
		lastErr = err
		logger.Warn("Engine locked, retrying open",
			zap.String("namespace", namespace),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", policy.Backoff))
		if attempt < policy.Attempts {
			time.Sleep(policy.Backoff)
		}
	}
	return nil, kverrors.StorageLock("open failed after retries", lastErr)
}

// Drop destroys the engine behind a namespace, retrying lock contention
// per the policy.
func Drop(eng Engine, policy RetryPolicy, logger *zap.Logger) error {
	if policy.Attempts <= 0 {
		policy = DefaultDropRetry
	}
	var lastErr error
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		err := eng.Destroy()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLocked) {
			return kverrors.Storage("destroy failed", err)
		}
		lastErr = err
		logger.Warn("Engine locked, retrying destroy",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", policy.Backoff))
		if attempt < policy.Attempts {
			time.Sleep(policy.Backoff)
		}
	}
	return kverrors.StorageLock("destroy failed after retries", lastErr)
}
