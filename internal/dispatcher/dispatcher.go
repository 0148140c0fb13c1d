// Package dispatcher starts named long-running threads and waits for them to
// wind down.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrShutdownTimeout is returned by Wait when threads outlive the deadline.
var ErrShutdownTimeout = errors.New("shutdown timed out")

// Thread is one named loop. Run returns when ctx ends.
type Thread struct {
	Name string
	Run  func(ctx context.Context) error
}

// Dispatcher tracks a group of running threads.
type Dispatcher struct {
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]int
	wg      sync.WaitGroup
}

// New creates a Dispatcher.
func New(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger.Named("dispatcher"), running: make(map[string]int)}
}

// Start launches every thread. A thread that returns an error is logged;
// the others keep running.
func (d *Dispatcher) Start(ctx context.Context, threads ...Thread) {
	for _, t := range threads {
		d.mu.Lock()
		d.running[t.Name]++
		d.mu.Unlock()
		d.wg.Add(1)
		go func(t Thread) {
			defer d.wg.Done()
			defer d.exited(t.Name)
			if err := t.Run(ctx); err != nil {
				d.logger.Error("thread exited with error", zap.String("thread", t.Name), zap.Error(err))
				return
			}
			d.logger.Debug("thread exited", zap.String("thread", t.Name))
		}(t)
	}
}

func (d *Dispatcher) exited(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running[name]--; d.running[name] <= 0 {
		delete(d.running, name)
	}
}

// Running lists the threads that have not exited yet.
func (d *Dispatcher) Running() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.running))
	for n := range d.running {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until every thread has exited. Every poll interval it logs the
// stragglers; after timeout it gives up with ErrShutdownTimeout.
func (d *Dispatcher) Wait(timeout, poll time.Duration) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		select {
		case <-done:
			return nil
		case <-ticker.C:
			d.logger.Info("waiting for threads to exit", zap.Strings("threads", d.Running()))
		case <-deadline:
			return fmt.Errorf("%w: still running: %s", ErrShutdownTimeout, strings.Join(d.Running(), ", "))
		}
	}
}
