// Package supervisor owns the scheduler's pools, queues, reset managers and
// singleton threads and runs them as one unit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/dispatcher"
	"github.com/JakeFAU/crawlsched/internal/lifecycle"
	"github.com/JakeFAU/crawlsched/internal/lock"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/output"
	"github.com/JakeFAU/crawlsched/internal/priority"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/removal"
	"github.com/JakeFAU/crawlsched/internal/requeue"
	"github.com/JakeFAU/crawlsched/internal/resetmgr"
	"github.com/JakeFAU/crawlsched/internal/seeding"
	"github.com/JakeFAU/crawlsched/internal/setpriority"
	"github.com/JakeFAU/crawlsched/internal/stuffer"
	"github.com/JakeFAU/crawlsched/internal/worker"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("supervisor already started")

// Store is the persistent queue plus job manager every pool works against.
type Store interface {
	crawler.DocumentStore
	crawler.JobManager
}

// Config sizes the pools and tunes every thread.
type Config struct {
	ProcessID string `mapstructure:"process_id"`

	FetchWorkers   int `mapstructure:"fetch_workers"`
	DeleteWorkers  int `mapstructure:"delete_workers"`
	CleanupWorkers int `mapstructure:"cleanup_workers"`
	ExpireWorkers  int `mapstructure:"expire_workers"`

	Stuffer     stuffer.Config     `mapstructure:"stuffer"`
	Worker      worker.Config      `mapstructure:"worker"`
	Removal     removal.Config     `mapstructure:"removal"`
	SetPriority setpriority.Config `mapstructure:"set_priority"`
	Lifecycle   lifecycle.Config   `mapstructure:"lifecycle"`
	Reset       resetmgr.Config    `mapstructure:"reset"`

	// StatusInterval is how often queue depth gauges are refreshed.
	StatusInterval time.Duration `mapstructure:"status_interval"`
	// ShutdownPoll is how often Stop logs threads that are still running.
	ShutdownPoll time.Duration `mapstructure:"shutdown_poll"`
}

func (c *Config) normalize() {
	if c.FetchWorkers <= 0 {
		c.FetchWorkers = 10
	}
	if c.DeleteWorkers <= 0 {
		c.DeleteWorkers = 2
	}
	if c.CleanupWorkers <= 0 {
		c.CleanupWorkers = 2
	}
	if c.ExpireWorkers <= 0 {
		c.ExpireWorkers = 2
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = 5 * time.Second
	}
	if c.ShutdownPoll <= 0 {
		c.ShutdownPoll = time.Second
	}
	c.Stuffer.ProcessID = c.ProcessID
	c.Worker.ProcessID = c.ProcessID
	c.Removal.ProcessID = c.ProcessID
	c.SetPriority.ProcessID = c.ProcessID
}

// Deps are the collaborators shared by every pool.
type Deps struct {
	Store   Store
	Conns   *connector.Registry
	Outputs *output.Registry
	// Tracker may be nil; a fresh one is created.
	Tracker *priority.Tracker
	// Locks may be nil; an in-process lock manager is used.
	Locks       lock.Manager
	Publisher   crawler.Publisher
	Recorder    connector.ActivityRecorder
	Transitions lifecycle.TransitionRecorder
	Hasher      crawler.Hasher
	Clock       crawler.Clock
	Logger      *zap.Logger
}

// removalPool is one of the delete, cleanup and expire pools.
type removalPool struct {
	strategy removal.Strategy
	queue    *queue.Queue[*queue.RemovalSet]
	reset    *resetmgr.Manager
	threads  int
}

// Supervisor runs the scheduler.
type Supervisor struct {
	Deps
	cfg    Config
	logger *zap.Logger

	fetchQueue *queue.Queue[*queue.QueuedDocumentSet]
	blocking   *queue.BlockingDocuments
	fetchReset *resetmgr.Manager
	removals   []*removalPool
	stuffer    *stuffer.Stuffer
	requeuer   *requeue.Requeuer

	dispatcher *dispatcher.Dispatcher
	fatal      chan error
	fatalOnce  sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New wires every pool without starting anything.
func New(cfg Config, deps Deps) *Supervisor {
	cfg.normalize()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracker == nil {
		deps.Tracker = priority.NewTracker()
	}
	if deps.Locks == nil {
		deps.Locks = lock.NewMemory()
	}
	s := &Supervisor{
		Deps:       deps,
		cfg:        cfg,
		logger:     deps.Logger.Named("supervisor"),
		fetchQueue: queue.New[*queue.QueuedDocumentSet](),
		blocking:   queue.NewBlockingDocuments(),
		dispatcher: dispatcher.New(deps.Logger),
		fatal:      make(chan error, 1),
	}
	s.fetchReset = resetmgr.New(string(crawler.PoolFetch), s.fetchCleanup, cfg.Reset, deps.Logger)
	s.fetchReset.OnEvent(s.fetchQueue.Wake)

	s.requeuer = requeue.New(deps.Store, deps.Tracker, deps.Conns, deps.Clock, deps.Logger)
	s.stuffer = stuffer.New(cfg.Stuffer, stuffer.Deps{
		Store:    deps.Store,
		Conns:    deps.Conns,
		Outputs:  deps.Outputs,
		Tracker:  deps.Tracker,
		Queue:    s.fetchQueue,
		Blocking: s.blocking,
		Locks:    deps.Locks,
		Reset:    s.fetchReset,
		Clock:    deps.Clock,
		Logger:   deps.Logger,
		Fatal:    s.noteFatal,
	})

	for _, p := range []struct {
		strategy removal.Strategy
		threads  int
	}{
		{removal.Delete{}, cfg.DeleteWorkers},
		{removal.Cleanup{}, cfg.CleanupWorkers},
		{removal.Expire{}, cfg.ExpireWorkers},
	} {
		rp := &removalPool{strategy: p.strategy, queue: queue.New[*queue.RemovalSet](), threads: p.threads}
		rp.reset = resetmgr.New(string(p.strategy.Pool()), s.removalCleanup(rp), cfg.Reset, deps.Logger)
		rp.reset.OnEvent(rp.queue.Wake)
		s.removals = append(s.removals, rp)
	}
	return s
}

// fetchCleanup hands every queued fetch document back to the store.
func (s *Supervisor) fetchCleanup(ctx context.Context) error {
	for _, set := range s.fetchQueue.Clear() {
		for _, d := range set.Documents {
			d.SetProcessed()
		}
	}
	s.blocking.Clear()
	if err := s.Store.ResetWorkerStatus(ctx, s.cfg.ProcessID, crawler.PoolFetch); err != nil {
		return fmt.Errorf("reset fetch worker status: %w", err)
	}
	s.Conns.Flush()
	return nil
}

func (s *Supervisor) removalCleanup(rp *removalPool) resetmgr.CleanupFunc {
	return func(ctx context.Context) error {
		for _, set := range rp.queue.Clear() {
			for _, d := range set.Documents {
				d.SetProcessed()
			}
		}
		if err := s.Store.ResetWorkerStatus(ctx, s.cfg.ProcessID, rp.strategy.Pool()); err != nil {
			return fmt.Errorf("reset %s worker status: %w", rp.strategy.Pool(), err)
		}
		s.Conns.Flush()
		return nil
	}
}

// Start gives back documents a previous run of this process left claimed,
// starts a priority reset and launches every thread.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	for _, pool := range []crawler.PoolKind{crawler.PoolFetch, crawler.PoolDelete, crawler.PoolCleanup, crawler.PoolExpire} {
		if err := s.Store.ResetWorkerStatus(ctx, s.cfg.ProcessID, pool); err != nil {
			return fmt.Errorf("start supervisor: reset %s worker status: %w", pool, err)
		}
	}
	s.Tracker.BeginReset(s.Clock.Now())
	if err := s.Store.ResetDocumentPriorities(ctx); err != nil {
		return fmt.Errorf("start supervisor: reset document priorities: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.dispatcher.Start(runCtx, s.threads()...)
	s.logger.Info("scheduler started",
		zap.String("process_id", s.cfg.ProcessID),
		zap.Int("fetch_workers", s.cfg.FetchWorkers),
		zap.Int("threads", len(s.dispatcher.Running())))
	return nil
}

func (s *Supervisor) threads() []dispatcher.Thread {
	out := []dispatcher.Thread{
		{Name: "stuffer", Run: s.stuffer.Run},
		{Name: "status", Run: s.reportStatus},
	}
	for i := 0; i < s.cfg.FetchWorkers; i++ {
		w := worker.New(i, s.cfg.Worker, worker.Deps{
			Store:    s.Store,
			Conns:    s.Conns,
			Outputs:  s.Outputs,
			Tracker:  s.Tracker,
			Requeuer: s.requeuer,
			Queue:    s.fetchQueue,
			Reset:    s.fetchReset,
			Recorder: s.Recorder,
			Hasher:   s.Hasher,
			Clock:    s.Clock,
			Logger:   s.Deps.Logger,
			Fatal:    s.noteFatal,
		})
		out = append(out, dispatcher.Thread{Name: fmt.Sprintf("worker-%d", i), Run: w.Run})
	}
	for _, rp := range s.removals {
		pool := string(rp.strategy.Pool())
		st := removal.NewStuffer(rp.strategy, s.cfg.Removal, s.Store, rp.queue, rp.reset, s.Clock, s.Deps.Logger)
		st.Fatal = s.noteFatal
		out = append(out, dispatcher.Thread{Name: pool + "-stuffer", Run: st.Run})
		for i := 0; i < rp.threads; i++ {
			t := removal.NewThread(rp.strategy, i, s.cfg.Removal, removal.ThreadDeps{
				Store:    s.Store,
				Outputs:  s.Outputs,
				Requeuer: s.requeuer,
				Queue:    rp.queue,
				Reset:    rp.reset,
				Recorder: s.Recorder,
				Clock:    s.Clock,
				Logger:   s.Deps.Logger,
				Fatal:    s.noteFatal,
			})
			out = append(out, dispatcher.Thread{Name: fmt.Sprintf("%s-%d", pool, i), Run: t.Run})
		}
	}

	sp := setpriority.New(s.cfg.SetPriority, setpriority.Deps{
		Store:    s.Store,
		Conns:    s.Conns,
		Tracker:  s.Tracker,
		Blocking: s.blocking,
		Reset:    s.fetchReset,
		Logger:   s.Deps.Logger,
		Fatal:    s.noteFatal,
	})
	out = append(out, dispatcher.Thread{Name: "setpriority", Run: sp.Run})

	lc := lifecycle.New(s.cfg.Lifecycle, lifecycle.Deps{
		Jobs:        s.Store,
		Seeder:      seeding.New(s.Store, s.Conns, s.Tracker, s.Hasher, s.Recorder, s.Deps.Logger),
		Publisher:   s.Publisher,
		Transitions: s.Transitions,
		Clock:       s.Clock,
		Logger:      s.Deps.Logger,
		Fatal:       s.noteFatal,
	})
	return append(out, lc.Threads()...)
}

// reportStatus keeps the queue depth and stuff amount gauges current.
func (s *Supervisor) reportStatus(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()
	for {
		st := s.Status()
		for pool, depth := range st.QueueDepths {
			metrics.SetQueueDepth(pool, depth)
		}
		metrics.SetStuffAmount(st.StuffAmount)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) noteFatal(err error) {
	s.fatalOnce.Do(func() {
		s.fatal <- err
	})
}

// Fatal delivers the first setup error any thread hit. The process is
// expected to stop when it fires.
func (s *Supervisor) Fatal() <-chan error {
	return s.fatal
}

// Stop cancels every thread and waits up to timeout for them to exit.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if err := s.dispatcher.Wait(timeout, s.cfg.ShutdownPoll); err != nil {
		return fmt.Errorf("stop supervisor: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// Status is a point-in-time view for the admin API.
type Status struct {
	ProcessID    string            `json:"process_id"`
	QueueDepths  map[string]int    `json:"queue_depths"`
	Blocking     int               `json:"blocking"`
	StuffAmount  int               `json:"stuff_amount"`
	ResetEpochs  map[string]uint64 `json:"reset_epochs"`
	Resetting    map[string]bool   `json:"resetting"`
	MinimumDepth float64           `json:"minimum_depth"`
	Running      []string          `json:"running"`
}

// Status reports queue depths, stuff amount, reset epochs and the tracker's
// minimum depth.
func (s *Supervisor) Status() Status {
	st := Status{
		ProcessID:    s.cfg.ProcessID,
		QueueDepths:  map[string]int{string(crawler.PoolFetch): s.fetchQueue.Depth()},
		Blocking:     s.blocking.Len(),
		StuffAmount:  s.stuffer.Amount(),
		ResetEpochs:  map[string]uint64{string(crawler.PoolFetch): s.fetchReset.Epoch()},
		Resetting:    map[string]bool{string(crawler.PoolFetch): s.fetchReset.Pending()},
		MinimumDepth: s.Tracker.MinimumDepth(),
		Running:      s.dispatcher.Running(),
	}
	for _, rp := range s.removals {
		pool := string(rp.strategy.Pool())
		st.QueueDepths[pool] = rp.queue.Depth()
		st.ResetEpochs[pool] = rp.reset.Epoch()
		st.Resetting[pool] = rp.reset.Pending()
	}
	return st
}

// Bins exposes the queue tracker's bins for the admin API.
func (s *Supervisor) Bins() []priority.BinStat {
	return s.Tracker.Snapshot()
}
