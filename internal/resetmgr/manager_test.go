package resetmgr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWaitForResetNoEvent(t *testing.T) {
	t.Parallel()

	m := New("fetch", nil, Config{}, zap.NewNop())
	m.RegisterMe()
	reset, err := m.WaitForReset(context.Background())
	require.NoError(t, err)
	require.False(t, reset)
	require.Zero(t, m.Epoch())
}

func TestResetBarrierThreeThreads(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var cleanups atomic.Int32
	m := New("fetch", func(context.Context) error {
		cleanups.Add(1)
		<-release
		return nil
	}, Config{}, zap.NewNop())

	for i := 0; i < 3; i++ {
		m.RegisterMe()
	}
	m.NoteEvent()
	m.NoteEvent()
	require.True(t, m.Pending())

	var returned atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reset, err := m.WaitForReset(context.Background())
			if err == nil && reset {
				returned.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool { return cleanups.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, returned.Load(), "no thread may resume before cleanup finishes")

	close(release)
	wg.Wait()
	require.EqualValues(t, 3, returned.Load())
	require.EqualValues(t, 1, cleanups.Load())
	require.False(t, m.Pending())
	require.EqualValues(t, 1, m.Epoch())
}

func TestResetCleanupRetried(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	m := New("delete", func(context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("database unavailable")
		}
		return nil
	}, Config{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}, zap.NewNop())
	m.RegisterMe()
	m.NoteEvent()

	reset, err := m.WaitForReset(context.Background())
	require.NoError(t, err)
	require.True(t, reset)
	require.EqualValues(t, 3, attempts.Load())
}

func TestResetWakersAndSignal(t *testing.T) {
	t.Parallel()

	m := New("cleanup", nil, Config{}, zap.NewNop())
	woke := make(chan struct{}, 1)
	m.OnEvent(func() { woke <- struct{}{} })
	sig := m.Signal()

	m.RegisterMe()
	m.NoteEvent()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waker not called")
	}
	select {
	case <-sig:
	default:
		t.Fatal("signal not closed")
	}

	_, err := m.WaitForReset(context.Background())
	require.NoError(t, err)
	select {
	case <-m.Signal():
		t.Fatal("signal must be fresh after reset")
	default:
	}
}

func TestUnregisterCompletesReset(t *testing.T) {
	t.Parallel()

	m := New("expire", nil, Config{}, zap.NewNop())
	m.RegisterMe()
	m.RegisterMe()
	m.NoteEvent()

	done := make(chan bool, 1)
	go func() {
		reset, _ := m.WaitForReset(context.Background())
		done <- reset
	}()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.waiting == 1
	}, time.Second, 5*time.Millisecond)

	m.Unregister(context.Background())
	select {
	case reset := <-done:
		require.True(t, reset)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by unregister")
	}
}

func TestWaitForResetCanceled(t *testing.T) {
	t.Parallel()

	m := New("fetch", nil, Config{}, zap.NewNop())
	m.RegisterMe()
	m.RegisterMe()
	m.NoteEvent()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.WaitForReset(ctx)
	require.ErrorIs(t, err, context.Canceled)

	m.mu.Lock()
	require.Zero(t, m.waiting)
	m.mu.Unlock()
}
