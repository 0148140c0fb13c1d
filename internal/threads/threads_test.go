package threads

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/resetmgr"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	live := context.Background()
	done, cancel := context.WithCancel(context.Background())
	cancel()

	require.Equal(t, KindNone, Classify(live, nil))
	require.Equal(t, KindNone, Classify(live, fmt.Errorf("get: %w", queue.ErrWoken)))
	require.Equal(t, KindShutdown, Classify(done, fmt.Errorf("wait: %w", context.Canceled)))
	require.Equal(t, KindOther, Classify(live, context.Canceled))
	require.Equal(t, KindTransient, Classify(live, crawler.NewTransientError("select", errors.New("conn reset"))))
	require.Equal(t, KindSetup, Classify(live, crawler.NewSetupError("connector", errors.New("bad class"))))
	require.Equal(t, KindOther, Classify(live, errors.New("boom")))
}

func TestCycleRecoversPanic(t *testing.T) {
	t.Parallel()

	err := Cycle(context.Background(), func(context.Context) error {
		panic("kaboom")
	})
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "kaboom", pe.Value)
	require.NotEmpty(t, pe.Stack)
}

func TestSleepWakesEarly(t *testing.T) {
	t.Parallel()

	wake := make(chan struct{})
	close(wake)
	start := time.Now()
	require.NoError(t, Sleep(context.Background(), time.Hour, wake))
	require.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour, nil), context.Canceled)
}

func TestLoopTransientTriggersReset(t *testing.T) {
	t.Parallel()

	var cleanups atomic.Int32
	mgr := resetmgr.New("fetch", func(context.Context) error {
		cleanups.Add(1)
		return nil
	}, resetmgr.Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Loop{Name: "worker", Reset: mgr}.Run(ctx, func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return crawler.NewTransientError("mark", errors.New("db gone"))
			}
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	require.Eventually(t, func() bool { return cleanups.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, mgr.Epoch())
	cancel()
	require.NoError(t, <-done)
}

func TestLoopSetupErrorIsFatal(t *testing.T) {
	t.Parallel()

	var fatal error
	err := Loop{Name: "stuffer", Fatal: func(err error) { fatal = err }}.Run(context.Background(), func(context.Context) error {
		return crawler.NewSetupError("connection", errors.New("unknown class"))
	})
	require.Error(t, err)
	require.True(t, crawler.IsSetup(fatal))
}

func TestLoopSurvivesPanic(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Loop{Name: "seeding", ErrorPause: time.Millisecond}.Run(ctx, func(context.Context) error {
			if calls.Add(1) == 1 {
				panic("first cycle")
			}
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not continue after panic")
	}
	require.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestRunEveryPausesBetweenCycles(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Loop{Name: "tick"}.RunEvery(ctx, 20*time.Millisecond, func(context.Context) error {
			calls.Add(1)
			return nil
		})
	}()
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestWithSignalCancelsOnSignal(t *testing.T) {
	t.Parallel()

	signal := make(chan struct{})
	ctx, cancel := WithSignal(context.Background(), signal)
	defer cancel()
	require.NoError(t, ctx.Err())
	close(signal)
	require.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, time.Millisecond)

	plain, cancelPlain := WithSignal(context.Background(), nil)
	cancelPlain()
	require.Error(t, plain.Err())
}
