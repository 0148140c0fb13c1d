// Package resetmgr coordinates a synchronized pause and cleanup across every
// thread of a pool after one of them sees an infrastructure failure.
package resetmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/metrics"
)

// CleanupFunc runs once per reset, after every registered thread has stopped.
type CleanupFunc func(ctx context.Context) error

// Config tunes the cleanup retry backoff.
type Config struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Manager is the reset barrier of one pool.
//
// State: NORMAL until NoteEvent, then RESETTING until every registered thread
// has reached WaitForReset and cleanup has succeeded, then NORMAL again with
// the epoch advanced.
type Manager struct {
	pool    string
	cleanup CleanupFunc
	cfg     Config
	logger  *zap.Logger

	mu         sync.Mutex
	registered int
	waiting    int
	pending    bool
	epoch      uint64
	done       chan struct{}
	signal     chan struct{}
	wakers     []func()
}

// New returns a Manager for pool.
func New(pool string, cleanup CleanupFunc, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	return &Manager{
		pool:    pool,
		cleanup: cleanup,
		cfg:     cfg,
		logger:  logger.Named("reset").With(zap.String("pool", pool)),
		done:    make(chan struct{}),
		signal:  make(chan struct{}),
	}
}

// OnEvent registers fn to be called when a reset begins, typically to wake
// threads blocked on a queue.
func (m *Manager) OnEvent(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wakers = append(m.wakers, fn)
}

// RegisterMe adds the calling thread to the barrier.
func (m *Manager) RegisterMe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered++
}

// Unregister removes a thread. If the remaining threads are all waiting, the
// reset completes here.
func (m *Manager) Unregister(ctx context.Context) {
	m.mu.Lock()
	m.registered--
	ready := m.pending && m.waiting >= m.registered
	m.mu.Unlock()
	if ready {
		if err := m.complete(ctx); err != nil {
			m.logger.Error("reset abandoned on unregister", zap.Error(err))
		}
	}
}

// NoteEvent starts a reset. Further events during the same reset are folded in.
func (m *Manager) NoteEvent() {
	m.mu.Lock()
	if m.pending {
		m.mu.Unlock()
		return
	}
	m.pending = true
	close(m.signal)
	wakers := append([]func(){}, m.wakers...)
	m.mu.Unlock()

	m.logger.Warn("pool reset requested")
	metrics.ObserveReset(m.pool)
	for _, fn := range wakers {
		fn()
	}
}

// Signal returns a channel that is closed while a reset is pending. Threads
// select on it during long waits so they reach WaitForReset promptly.
func (m *Manager) Signal() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signal
}

// Epoch returns the number of completed resets.
func (m *Manager) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Pending reports whether a reset is in progress.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

// WaitForReset is called at the top of every work cycle. It returns false
// immediately when no reset is pending. Otherwise it blocks until every
// registered thread has arrived and cleanup has run, then returns true.
func (m *Manager) WaitForReset(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if !m.pending {
		m.mu.Unlock()
		return false, nil
	}
	m.waiting++
	done := m.done
	last := m.waiting >= m.registered
	m.mu.Unlock()

	if last {
		if err := m.complete(ctx); err != nil {
			m.mu.Lock()
			m.waiting--
			m.mu.Unlock()
			return false, err
		}
		return true, nil
	}

	select {
	case <-done:
		return true, nil
	case <-ctx.Done():
		m.mu.Lock()
		if m.done == done {
			m.waiting--
		}
		m.mu.Unlock()
		return false, fmt.Errorf("wait for %s reset: %w", m.pool, ctx.Err())
	}
}

// complete runs cleanup until it succeeds or ctx ends, then releases waiters.
func (m *Manager) complete(ctx context.Context) error {
	if m.cleanup != nil {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = m.cfg.InitialInterval
		exp.MaxInterval = m.cfg.MaxInterval
		exp.MaxElapsedTime = 0
		exp.Reset()
		err := backoff.RetryNotify(func() error {
			return m.cleanup(ctx)
		}, backoff.WithContext(exp, ctx), func(err error, wait time.Duration) {
			m.logger.Warn("pool cleanup failed; retrying", zap.Error(err), zap.Duration("wait", wait))
		})
		if err != nil {
			return fmt.Errorf("%s reset cleanup: %w", m.pool, err)
		}
	}

	m.mu.Lock()
	m.pending = false
	m.waiting = 0
	m.epoch++
	close(m.done)
	m.done = make(chan struct{})
	m.signal = make(chan struct{})
	epoch := m.epoch
	m.mu.Unlock()
	m.logger.Info("pool reset complete", zap.Uint64("epoch", epoch))
	return nil
}
