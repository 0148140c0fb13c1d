package removal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/resetmgr"
	"github.com/JakeFAU/crawlsched/internal/threads"
)

// Config tunes one removal pool.
type Config struct {
	ProcessID string
	// BatchSize caps each pull from the store.
	BatchSize int `mapstructure:"batch_size"`
	// SetSize caps the documents handed to one thread at a time.
	SetSize      int           `mapstructure:"set_size"`
	LowWater     int           `mapstructure:"low_water"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// RetryDelay is how long a document waits after its removal was interrupted
	// without a suggested retry time.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

func (c *Config) normalize() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.SetSize <= 0 {
		c.SetSize = 25
	}
	if c.LowWater < 0 {
		c.LowWater = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
}

// Stuffer feeds one removal queue.
type Stuffer struct {
	// Fatal is told about setup errors that stop the stuffer.
	Fatal func(error)

	strategy Strategy
	store    Store
	queue    *queue.Queue[*queue.RemovalSet]
	reset    *resetmgr.Manager
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// NewStuffer builds the producer of strategy's pool.
func NewStuffer(strategy Strategy, cfg Config, store Store, q *queue.Queue[*queue.RemovalSet], reset *resetmgr.Manager,
	clock crawler.Clock, logger *zap.Logger,
) *Stuffer {
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stuffer{
		strategy: strategy,
		store:    store,
		queue:    q,
		reset:    reset,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named(string(strategy.Pool()) + "_stuffer"),
	}
}

// Run stuffs until ctx ends.
func (s *Stuffer) Run(ctx context.Context) error {
	name := string(s.strategy.Pool()) + " stuffer"
	return threads.Loop{Name: name, Reset: s.reset, Logger: s.logger, Fatal: s.Fatal}.Run(ctx, s.cycle)
}

func (s *Stuffer) signal() <-chan struct{} {
	if s.reset == nil {
		return nil
	}
	return s.reset.Signal()
}

func (s *Stuffer) cycle(ctx context.Context) error {
	wctx, cancel := threads.WithSignal(ctx, s.signal())
	err := s.queue.WaitUntilAtMost(wctx, s.cfg.LowWater)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}

	descs, err := s.strategy.Next(ctx, s.store, s.cfg.ProcessID, s.cfg.BatchSize, s.clock.Now())
	if err != nil {
		return fmt.Errorf("select %s documents: %w", s.strategy.Pool(), err)
	}
	if len(descs) == 0 {
		return threads.Sleep(ctx, s.cfg.PollInterval, s.signal())
	}

	var order []string
	byJob := make(map[string][]crawler.DocumentDescription)
	for _, d := range descs {
		if _, ok := byJob[d.JobID]; !ok {
			order = append(order, d.JobID)
		}
		byJob[d.JobID] = append(byJob[d.JobID], d)
	}
	for _, jobID := range order {
		if err := s.enqueueJob(ctx, jobID, byJob[jobID]); err != nil {
			return err
		}
	}
	metrics.SetQueueDepth(string(s.strategy.Pool()), s.queue.Depth())
	metrics.ObserveDocuments(string(s.strategy.Pool()), "queued", len(descs))
	return nil
}

func (s *Stuffer) enqueueJob(ctx context.Context, jobID string, docs []crawler.DocumentDescription) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err == nil {
		hashes := make([]string, len(docs))
		for i, d := range docs {
			hashes[i] = d.DocumentIdentifierHash
		}
		var shared []bool
		shared, err = s.store.OtherJobsContain(ctx, jobID, hashes)
		if err == nil {
			s.queueSets(job, docs, shared)
			return nil
		}
	}

	if kind := threads.Classify(ctx, err); kind != threads.KindTransient && kind != threads.KindShutdown {
		s.logger.Warn("could not queue documents", zap.String("job_id", jobID), zap.Error(err))
	}
	retryAt := s.clock.Now().Add(s.cfg.RetryDelay)
	for _, d := range docs {
		if rerr := s.strategy.Retry(context.WithoutCancel(ctx), s.store, d, retryAt); rerr != nil {
			return fmt.Errorf("give back %s document: %w", s.strategy.Pool(), rerr)
		}
	}
	if kind := threads.Classify(ctx, err); kind == threads.KindTransient || kind == threads.KindShutdown {
		return err
	}
	return nil
}

func (s *Stuffer) queueSets(job crawler.Job, docs []crawler.DocumentDescription, shared []bool) {
	set := &queue.RemovalSet{Job: job}
	for i, d := range docs {
		removeFromIndex := i >= len(shared) || !shared[i]
		set.Documents = append(set.Documents, queue.NewRemovalDocument(d, removeFromIndex, nil))
		if len(set.Documents) == s.cfg.SetSize {
			s.queue.Add(set)
			set = &queue.RemovalSet{Job: job}
		}
	}
	if len(set.Documents) > 0 {
		s.queue.Add(set)
	}
}
