// Package threads holds the loop scaffolding shared by every scheduler thread:
// reset barrier participation, error classification and panic recovery.
package threads

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/resetmgr"
)

// Kind is the handling class of an error returned by a cycle.
type Kind int

// Error kinds.
const (
	KindNone Kind = iota
	KindShutdown
	KindTransient
	KindSetup
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindShutdown:
		return "shutdown"
	case KindTransient:
		return "transient"
	case KindSetup:
		return "setup"
	default:
		return "other"
	}
}

// Classify maps err to the way a thread loop reacts to it.
func Classify(ctx context.Context, err error) Kind {
	switch {
	case err == nil, errors.Is(err, queue.ErrWoken):
		return KindNone
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return KindShutdown
	case crawler.IsSetup(err):
		return KindSetup
	case crawler.IsTransient(err):
		return KindTransient
	default:
		return KindOther
	}
}

// PanicError is a recovered panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Cycle runs fn, converting a panic into a *PanicError.
func Cycle(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}

// Sleep waits for d unless ctx ends or wake is closed first. It returns the
// context error only when ctx ended.
func Sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	case <-wake:
		return nil
	case <-t.C:
		return nil
	}
}

// Loop drives one long-running thread.
type Loop struct {
	Name string
	// Reset is the pool barrier the thread participates in; nil for threads
	// outside any pool.
	Reset  *resetmgr.Manager
	Logger *zap.Logger
	// ErrorPause is the wait after an unexpected error.
	ErrorPause time.Duration
	// Fatal is told about setup errors; the loop exits afterwards.
	Fatal func(error)
}

// Run calls body until ctx ends. Transient errors trigger a pool reset,
// unexpected errors are logged and paused on, and setup errors stop the loop.
func (l Loop) Run(ctx context.Context, body func(context.Context) error) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("thread", l.Name))
	pause := l.ErrorPause
	if pause <= 0 {
		pause = 10 * time.Second
	}
	if l.Reset != nil {
		l.Reset.RegisterMe()
		defer l.Reset.Unregister(context.WithoutCancel(ctx))
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if l.Reset != nil {
			if _, err := l.Reset.WaitForReset(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error("reset wait failed", zap.Error(err))
				continue
			}
		}

		err := Cycle(ctx, body)
		switch Classify(ctx, err) {
		case KindNone:
		case KindShutdown:
			return nil
		case KindTransient:
			logger.Warn("infrastructure failure; resetting pool", zap.Error(err))
			if l.Reset != nil {
				l.Reset.NoteEvent()
			} else if Sleep(ctx, pause, nil) != nil {
				return nil
			}
		case KindSetup:
			logger.Error("fatal setup error", zap.Error(err))
			if l.Fatal != nil {
				l.Fatal(err)
			}
			return err
		default:
			var pe *PanicError
			if errors.As(err, &pe) {
				logger.Error("thread panicked", zap.Any("panic", pe.Value), zap.ByteString("stack", pe.Stack))
			} else {
				logger.Error("thread cycle failed", zap.Error(err))
			}
			if Sleep(ctx, pause, nil) != nil {
				return nil
			}
		}
	}
}

// RunEvery is Run with body followed by a pause of interval each cycle. The
// pause ends early when the pool starts a reset.
func (l Loop) RunEvery(ctx context.Context, interval time.Duration, body func(context.Context) error) error {
	return l.Run(ctx, func(ctx context.Context) error {
		if err := body(ctx); err != nil {
			return err
		}
		return Sleep(ctx, interval, l.signal())
	})
}

func (l Loop) signal() <-chan struct{} {
	if l.Reset == nil {
		return nil
	}
	return l.Reset.Signal()
}

// WithSignal returns a context that is also canceled when signal closes.
func WithSignal(ctx context.Context, signal <-chan struct{}) (context.Context, context.CancelFunc) {
	sctx, cancel := context.WithCancel(ctx)
	if signal == nil {
		return sctx, cancel
	}
	go func() {
		select {
		case <-signal:
			cancel()
		case <-sctx.Done():
		}
	}()
	return sctx, cancel
}
