// Package setpriority computes priorities for documents that were queued
// without one: blocking documents the stuffer reported first, then a bounded
// slice of the reprioritization backlog each cycle.
package setpriority

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/priority"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/resetmgr"
	"github.com/JakeFAU/crawlsched/internal/threads"
)

// Store is what the thread reads and writes.
type Store interface {
	GetNextNotYetProcessedReprioritizationDocuments(ctx context.Context, processID string, limit int) ([]crawler.DocumentDescription, error)
	WriteDocumentPriorities(ctx context.Context, descs []crawler.DocumentDescription, priorities []float64) error
	GetJob(ctx context.Context, jobID string) (crawler.Job, error)
}

// Config tunes the thread.
type Config struct {
	ProcessID string `mapstructure:"process_id"`
	// Quota caps the backlog documents handled per cycle.
	Quota int `mapstructure:"quota"`
	// Backoff is the sleep after a cycle that found nothing.
	Backoff time.Duration `mapstructure:"backoff"`
}

func (c *Config) normalize() {
	if c.Quota <= 0 {
		c.Quota = 500
	}
	if c.Backoff <= 0 {
		c.Backoff = 5 * time.Second
	}
}

// Deps are the collaborators of the thread.
type Deps struct {
	Store    Store
	Conns    *connector.Registry
	Tracker  *priority.Tracker
	Blocking *queue.BlockingDocuments
	Reset    *resetmgr.Manager
	Logger   *zap.Logger
	// Fatal is told about setup errors that stop the thread.
	Fatal func(error)
}

// Thread is the single priority writer.
type Thread struct {
	Deps
	cfg    Config
	logger *zap.Logger
}

// New builds the thread.
func New(cfg Config, deps Deps) *Thread {
	cfg.normalize()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Thread{Deps: deps, cfg: cfg, logger: logger.Named("setpriority")}
}

// Run computes priorities until ctx ends.
func (t *Thread) Run(ctx context.Context) error {
	return threads.Loop{Name: "setpriority", Reset: t.Reset, Logger: t.logger, Fatal: t.Fatal}.Run(ctx, t.cycle)
}

func (t *Thread) cycle(ctx context.Context) error {
	c := newCycle(t)
	defer c.close()

	found := 0
	for {
		d, ok := t.Blocking.Pop()
		if !ok {
			break
		}
		if err := c.write(ctx, []crawler.DocumentDescription{d}); err != nil {
			t.Blocking.AddBlocking(d)
			return err
		}
		found++
	}

	descs, err := t.Store.GetNextNotYetProcessedReprioritizationDocuments(ctx, t.cfg.ProcessID, t.cfg.Quota)
	if err != nil {
		return fmt.Errorf("reprioritization backlog: %w", err)
	}
	if len(descs) > 0 {
		if err := c.write(ctx, descs); err != nil {
			return err
		}
	}
	found += len(descs)

	if found > 0 {
		t.logger.Debug("priorities written", zap.Int("count", found))
		return nil
	}
	if t.Tracker.Resetting() {
		t.Tracker.EndReset()
		t.logger.Info("priority reset complete")
	}
	var wake <-chan struct{}
	if t.Reset != nil {
		wake = t.Reset.Signal()
	}
	return threads.Sleep(ctx, t.cfg.Backoff, wake)
}

// cycleState caches jobs and connector instances for one cycle.
type cycleState struct {
	t     *Thread
	jobs  map[string]*crawler.Job
	repos map[string]connector.Repository
}

func newCycle(t *Thread) *cycleState {
	return &cycleState{t: t, jobs: make(map[string]*crawler.Job), repos: make(map[string]connector.Repository)}
}

func (c *cycleState) close() {
	for name, repo := range c.repos {
		c.t.Conns.Release(name, repo)
	}
}

func (c *cycleState) job(ctx context.Context, jobID string) (*crawler.Job, error) {
	if j, ok := c.jobs[jobID]; ok {
		return j, nil
	}
	job, err := c.t.Store.GetJob(ctx, jobID)
	switch {
	case errors.Is(err, crawler.ErrJobNotFound):
		c.jobs[jobID] = nil
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	c.jobs[jobID] = &job
	return &job, nil
}

func (c *cycleState) repo(ctx context.Context, name string) (connector.Repository, error) {
	if r, ok := c.repos[name]; ok {
		return r, nil
	}
	r, err := c.t.Conns.Grab(ctx, name)
	if err != nil {
		return nil, err
	}
	c.repos[name] = r
	return r, nil
}

// write computes and stores priorities for descs. Documents whose job or
// connection is gone get +Inf so they are never picked.
func (c *cycleState) write(ctx context.Context, descs []crawler.DocumentDescription) error {
	calcs := make([]*priority.Calculator, 0, len(descs))
	prios := make([]float64, len(descs))
	for i, d := range descs {
		prios[i] = math.Inf(1)
		job, err := c.job(ctx, d.JobID)
		if err != nil {
			return err
		}
		if job == nil {
			continue
		}
		conn, ok := c.t.Conns.Connection(job.Connection)
		if !ok {
			c.t.logger.Warn("job uses unknown connection", zap.String("job_id", job.ID), zap.String("connection", job.Connection))
			continue
		}
		repo, err := c.repo(ctx, conn.Name)
		if err != nil {
			return err
		}
		calc := c.t.Tracker.NewCalculator(conn.Class, c.t.Conns.Throttle(conn.Name), repo.BinNames(d.DocumentIdentifier))
		prios[i] = calc.DocumentPriority()
		calcs = append(calcs, calc)
	}
	if err := c.t.Store.WriteDocumentPriorities(ctx, descs, prios); err != nil {
		for _, calc := range calcs {
			calc.NotePriorityNotUsed()
		}
		return fmt.Errorf("write priorities: %w", err)
	}
	for _, p := range prios {
		metrics.ObservePriority(p)
	}
	return nil
}
