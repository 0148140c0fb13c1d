// Package lock provides the cluster-wide named locks and small shared data
// items that cooperating scheduler processes coordinate through.
package lock

import (
	"context"
	"fmt"
	"sync"
)

// Manager hands out exclusive named locks and stores named data.
type Manager interface {
	// EnterWriteLock blocks until the named lock is held or ctx ends.
	EnterWriteLock(ctx context.Context, name string) error
	LeaveWriteLock(ctx context.Context, name string) error
	// ReadData returns the named datum, or nil when it was never written.
	ReadData(ctx context.Context, name string) ([]byte, error)
	WriteData(ctx context.Context, name string, data []byte) error
}

// Memory is a single-process Manager.
type Memory struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	data  map[string][]byte
}

var _ Manager = (*Memory)(nil)

// NewMemory returns an empty in-process lock manager.
func NewMemory() *Memory {
	return &Memory{
		locks: make(map[string]chan struct{}),
		data:  make(map[string][]byte),
	}
}

func (m *Memory) slot(name string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		m.locks[name] = ch
	}
	return ch
}

// EnterWriteLock implements Manager.
func (m *Memory) EnterWriteLock(ctx context.Context, name string) error {
	select {
	case m.slot(name) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enter lock %s: %w", name, ctx.Err())
	}
}

// LeaveWriteLock implements Manager.
func (m *Memory) LeaveWriteLock(_ context.Context, name string) error {
	select {
	case <-m.slot(name):
		return nil
	default:
		return fmt.Errorf("leave lock %s: not held", name)
	}
}

// ReadData implements Manager.
func (m *Memory) ReadData(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[name]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

// WriteData implements Manager.
func (m *Memory) WriteData(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = append([]byte(nil), data...)
	return nil
}

// WithLock runs fn while holding the named lock.
func WithLock(ctx context.Context, m Manager, name string, fn func(context.Context) error) (err error) {
	if err := m.EnterWriteLock(ctx, name); err != nil {
		return err
	}
	defer func() {
		if lerr := m.LeaveWriteLock(context.WithoutCancel(ctx), name); lerr != nil && err == nil {
			err = lerr
		}
	}()
	return fn(ctx)
}
