// Package memengine is an in-memory ordered engine conforming to the
// storage contract. Production deployments plug in an embedded on-disk
// engine instead; this one backs tests and single-node development.
package memengine

import (
	"sync"

	"github.com/devrev/dottedkv/internal/storage"
)

// Engine is a skip-list backed ordered engine.
type Engine struct {
	mu        sync.RWMutex
	list      *skipList
	destroyed bool
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{list: newSkipList()}
}

// Factory opens an independent engine per namespace.
func Factory(namespace string) (storage.Engine, error) {
	return New(), nil
}

// Registry hands out one engine per namespace and keeps it across
// reopen, which is what lets vnode restarts see their old data.
type Registry struct {
	mu      sync.Mutex
	engines map[string]*Engine
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// Factory is a storage.Factory bound to the registry.
func (r *Registry) Factory(namespace string) (storage.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eng, ok := r.engines[namespace]
	if !ok || eng.isDestroyed() {
		eng = New()
		r.engines[namespace] = eng
	}
	return eng, nil
}

func (e *Engine) isDestroyed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.destroyed
}

// Get returns the value stored under key.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.list.search(string(key))
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Put stores value under key.
func (e *Engine) Put(key, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	e.list.insert(string(key), stored)
	return nil
}

// Delete removes key.
func (e *Engine) Delete(key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list.delete(string(key))
	return nil
}

// Batch applies the operations atomically with respect to readers.
func (e *Engine) Batch(ops []storage.Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case storage.OpPut:
			stored := make([]byte, len(op.Value))
			copy(stored, op.Value)
			e.list.insert(string(op.Key), stored)
		case storage.OpDelete:
			e.list.delete(string(op.Key))
		}
	}
	return nil
}

// Fold visits every entry in ascending key order.
func (e *Engine) Fold(fn func(key, value []byte) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var err error
	e.list.walk(func(k string, v []byte) bool {
		err = fn([]byte(k), v)
		return err == nil
	})
	return err
}

// FoldKeys visits every key in ascending order.
func (e *Engine) FoldKeys(fn func(key []byte) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var err error
	e.list.walk(func(k string, _ []byte) bool {
		err = fn([]byte(k))
		return err == nil
	})
	return err
}

// IsEmpty reports whether the engine holds no entries.
func (e *Engine) IsEmpty() (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.list.len() == 0, nil
}

// Destroy drops all data and marks the engine unusable.
func (e *Engine) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = newSkipList()
	e.destroyed = true
	return nil
}

// Close releases the engine.
func (e *Engine) Close() error {
	return nil
}
