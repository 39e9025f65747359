// Package entropy implements the background anti-entropy loop: each
// vnode's Merkle tree is periodically compared against one preflist
// peer, and keys found divergent are repaired through repair-mode get
// coordinators.
package entropy

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/devrev/dottedkv/internal/coordinator"
	"github.com/devrev/dottedkv/internal/metrics"
	"github.com/devrev/dottedkv/internal/ring"
	"github.com/devrev/dottedkv/internal/util/workerpool"
	"go.uber.org/zap"
)

// tokenBucket caps outstanding hashtree operations.
type tokenBucket struct {
	slots chan struct{}
}

func newTokenBucket(size int) *tokenBucket {
	return &tokenBucket{slots: make(chan struct{}, size)}
}

func (t *tokenBucket) acquire() {
	t.slots <- struct{}{}
}

func (t *tokenBucket) release() {
	<-t.slots
}

// Config holds manager settings.
type Config struct {
	// Partitions are the local vnodes the manager ticks for.
	Partitions []uint64
	// N is the replication factor peers are computed with.
	N int
	// Interval between exchange ticks.
	Interval time.Duration
	// Tokens caps outstanding hashtree operations per vnode.
	Tokens int
	// TreeBranch is the Merkle branching factor.
	TreeBranch int
	// ExchangeTimeout bounds each hashtree request and key repair.
	ExchangeTimeout time.Duration
	// ReportInterval is the cadence of the periodic repair report.
	ReportInterval time.Duration
}

// Manager owns the periodic exchange loop.
type Manager struct {
	cfg      Config
	router   coordinator.Router
	snapshot func() *ring.Snapshot
	pool     *workerpool.Pool
	tokens   map[uint64]*tokenBucket
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	inflight  map[[2]uint64]bool
	next      int
	exchanged uint64
	repaired  uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager builds the manager. snapshot returns the current ring
// view; it is consulted at every tick so membership changes take
// effect on the next exchange.
func NewManager(cfg Config, router coordinator.Router, snapshot func() *ring.Snapshot, pool *workerpool.Pool, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Tokens <= 0 {
		cfg.Tokens = 90
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = 5 * time.Second
	}
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 2500 * time.Millisecond
	}
	tokens := make(map[uint64]*tokenBucket, len(cfg.Partitions))
	for _, p := range cfg.Partitions {
		tokens[p] = newTokenBucket(cfg.Tokens)
	}
	return &Manager{
		cfg:      cfg,
		router:   router,
		snapshot: snapshot,
		pool:     pool,
		tokens:   tokens,
		logger:   logger,
		metrics:  m,
		inflight: make(map[[2]uint64]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the tick loop and the periodic repair report.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		report := time.NewTicker(m.cfg.ReportInterval)
		defer report.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.tick()
			case <-report.C:
				m.report()
			}
		}
	}()
}

// report logs cumulative exchange activity since the last report.
func (m *Manager) report() {
	m.mu.Lock()
	exchanged, repaired := m.exchanged, m.repaired
	m.exchanged, m.repaired = 0, 0
	m.mu.Unlock()
	if exchanged == 0 && repaired == 0 {
		return
	}
	m.logger.Info("Entropy report",
		zap.Uint64("exchanges", exchanged),
		zap.Uint64("keys_repaired", repaired))
}

// Stop halts the loop. In-flight exchanges finish on the pool.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
	})
}

// tick picks the next local vnode round-robin and one random preflist
// peer, then submits the exchange unless that pair is already busy.
func (m *Manager) tick() {
	if len(m.cfg.Partitions) == 0 {
		return
	}
	m.mu.Lock()
	local := m.cfg.Partitions[m.next%len(m.cfg.Partitions)]
	m.next++
	m.mu.Unlock()

	snap := m.snapshot()
	peers := snap.Peers(local, m.cfg.N)
	if len(peers) == 0 {
		return
	}
	peer := peers[rand.Intn(len(peers))]

	pair := pairKey(local, peer)
	m.mu.Lock()
	if m.inflight[pair] {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ExchangesSkipped.Inc()
		}
		return
	}
	m.inflight[pair] = true
	m.mu.Unlock()

	task := workerpool.Task{
		ID: fmt.Sprintf("exchange-%d-%d", local, peer),
		Fn: func(context.Context) error {
			defer func() {
				m.mu.Lock()
				delete(m.inflight, pair)
				m.mu.Unlock()
			}()
			return m.exchange(local, peer)
		},
	}
	if err := m.pool.Submit(task); err != nil {
		m.mu.Lock()
		delete(m.inflight, pair)
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.ExchangesSkipped.Inc()
		}
	}
}

// exchange runs one pairwise exchange and reports repair counts.
func (m *Manager) exchange(local, peer uint64) error {
	if m.metrics != nil {
		m.metrics.ExchangesStarted.Inc()
	}
	ex := newExchange(local, peer, m.cfg, m.snapshot(), m.router, m.tokens[local], m.logger, m.metrics)
	repaired, err := ex.Run()
	if err != nil {
		if m.metrics != nil {
			m.metrics.ExchangesSkipped.Inc()
		}
		m.logger.Debug("Exchange aborted",
			zap.Uint64("local", local),
			zap.Uint64("peer", peer),
			zap.Error(err))
		return nil
	}
	if m.metrics != nil {
		m.metrics.ExchangesCompleted.Inc()
	}
	m.mu.Lock()
	m.exchanged++
	m.repaired += uint64(repaired)
	m.mu.Unlock()
	if repaired > 0 {
		m.logger.Info("Exchange repaired keys",
			zap.Uint64("local", local),
			zap.Uint64("peer", peer),
			zap.Int("keys", repaired))
	}
	return nil
}

func pairKey(a, b uint64) [2]uint64 {
	if a > b {
		a, b = b, a
	}
	return [2]uint64{a, b}
}
