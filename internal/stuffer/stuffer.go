// Package stuffer moves due documents from the job queue store into the
// in-memory fetch queue, sizing each pull to keep pace with the workers.
package stuffer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/lock"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/output"
	"github.com/JakeFAU/crawlsched/internal/priority"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/resetmgr"
	"github.com/JakeFAU/crawlsched/internal/threads"
)

// Cluster-wide names shared by every stuffer.
const (
	LockName  = "_STUFFERTHREAD_LOCK"
	DatumName = "_STUFFERTHREAD_LASTTIME"
)

// Config tunes the stuffer.
type Config struct {
	ProcessID string
	// MinAmount is the floor of the adaptive pull size.
	MinAmount int `mapstructure:"min_amount"`
	MaxAmount int `mapstructure:"max_amount"`
	// LowWater is the queued document count at or below which stuffing resumes.
	LowWater int `mapstructure:"low_water"`
	// PollInterval is the pause after a pull that found nothing.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

func (c *Config) normalize() {
	if c.MinAmount <= 0 {
		c.MinAmount = 50
	}
	if c.MaxAmount < c.MinAmount {
		c.MaxAmount = c.MinAmount * 40
	}
	if c.LowWater < 0 {
		c.LowWater = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// Store is what the stuffer needs from the job queue.
type Store interface {
	GetNextDocuments(ctx context.Context, hints crawler.FetchHints) ([]crawler.DocumentDescription, error)
	ResetDocumentMultiple(ctx context.Context, descs []crawler.DocumentDescription, retryTime time.Time,
		action crawler.Action) error
	GetJob(ctx context.Context, jobID string) (crawler.Job, error)
}

// Deps are the stuffer's collaborators.
type Deps struct {
	Store    Store
	Conns    *connector.Registry
	Outputs  *output.Registry
	Tracker  *priority.Tracker
	Queue    *queue.Queue[*queue.QueuedDocumentSet]
	Blocking *queue.BlockingDocuments
	Locks    lock.Manager
	Reset    *resetmgr.Manager
	Clock    crawler.Clock
	Logger   *zap.Logger
	Fatal    func(error)
}

// Stuffer is the single producer of the fetch pool.
type Stuffer struct {
	Deps
	cfg    Config
	logger *zap.Logger
	amount atomic.Int64
}

// New builds a Stuffer.
func New(cfg Config, deps Deps) *Stuffer {
	cfg.normalize()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Stuffer{Deps: deps, cfg: cfg, logger: logger.Named("stuffer")}
	s.amount.Store(int64(cfg.MinAmount))
	return s
}

// Amount returns the current pull size.
func (s *Stuffer) Amount() int {
	return int(s.amount.Load())
}

// Run stuffs until ctx ends.
func (s *Stuffer) Run(ctx context.Context) error {
	return threads.Loop{Name: "stuffer", Reset: s.Reset, Logger: s.logger, Fatal: s.Fatal}.Run(ctx, s.cycle)
}

func (s *Stuffer) signal() <-chan struct{} {
	if s.Reset == nil {
		return nil
	}
	return s.Reset.Signal()
}

func (s *Stuffer) cycle(ctx context.Context) error {
	idleStart := time.Now()
	wctx, cancel := threads.WithSignal(ctx, s.signal())
	err := s.Queue.WaitUntilAtMost(wctx, s.cfg.LowWater)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
	idle := time.Since(idleStart)

	fetchStart := time.Now()
	descs, err := s.pull(ctx)
	if err != nil {
		return err
	}
	fetch := time.Since(fetchStart)

	prev := s.Amount()
	next := nextStuffAmount(prev, s.cfg.MinAmount, s.cfg.MaxAmount, len(descs), fetch, idle)
	s.amount.Store(int64(next))
	metrics.SetStuffAmount(next)
	if next != prev {
		s.logger.Debug("stuff amount adjusted", zap.Int("stuff_amount", next), zap.Int("previous", prev),
			zap.Duration("fetch", fetch), zap.Duration("idle", idle))
	}

	if len(descs) == 0 {
		return threads.Sleep(ctx, s.cfg.PollInterval, s.signal())
	}
	err = s.enqueue(ctx, descs)
	metrics.SetQueueDepth(string(crawler.PoolFetch), s.Queue.Depth())
	return err
}

// nextStuffAmount doubles the pull size when the last pull came back full
// and took no longer than the queue sat idle before it, and halves it when
// pulling is slower than the workers drain the queue.
func nextStuffAmount(cur, floor, ceiling, got int, fetch, idle time.Duration) int {
	switch {
	case fetch > idle:
		cur /= 2
	case got >= cur:
		cur *= 2
	}
	if cur < floor {
		cur = floor
	}
	if ceiling > 0 && cur > ceiling {
		cur = ceiling
	}
	return cur
}

// pull selects the next batch under the cluster stuffer lock and records when
// it happened, so cooperating stuffers see one shared interval.
func (s *Stuffer) pull(ctx context.Context) ([]crawler.DocumentDescription, error) {
	var descs []crawler.DocumentDescription
	err := lock.WithLock(ctx, s.Locks, LockName, func(ctx context.Context) error {
		now := s.Clock.Now()
		var interval time.Duration
		raw, err := s.Locks.ReadData(ctx, DatumName)
		if err != nil {
			return fmt.Errorf("read stuffer datum: %w", err)
		}
		if last, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil && len(raw) > 0 {
			interval = now.Sub(time.UnixMilli(last))
		}

		descs, err = s.Store.GetNextDocuments(ctx, crawler.FetchHints{
			ProcessID: s.cfg.ProcessID,
			Limit:     s.Amount(),
			AsOf:      now,
			Interval:  interval,
			Blocking:  s.Blocking,
			JobDepth:  s.Queue.JobDepth,
		})
		if err != nil {
			return fmt.Errorf("select documents: %w", err)
		}
		return s.Locks.WriteData(ctx, DatumName, []byte(strconv.FormatInt(now.UnixMilli(), 10)))
	})
	return descs, err
}

var errJobNotRunning = errors.New("job is not running")

// enqueue groups descs by job and queues them. A job whose documents cannot be
// prepared has them handed back to the store for the next pass.
func (s *Stuffer) enqueue(ctx context.Context, descs []crawler.DocumentDescription) error {
	var order []string
	byJob := make(map[string][]crawler.DocumentDescription)
	for _, d := range descs {
		if _, ok := byJob[d.JobID]; !ok {
			order = append(order, d.JobID)
		}
		byJob[d.JobID] = append(byJob[d.JobID], d)
	}

	queued := 0
	for _, jobID := range order {
		docs := byJob[jobID]
		err := s.enqueueJob(ctx, jobID, docs)
		if err == nil {
			queued += len(docs)
			continue
		}
		kind := threads.Classify(ctx, err)
		switch {
		case errors.Is(err, errJobNotRunning):
			s.logger.Debug("skipping documents of idle job", zap.String("job_id", jobID), zap.Int("count", len(docs)))
		case kind == threads.KindOther || kind == threads.KindSetup:
			s.logger.Warn("could not queue documents", zap.String("job_id", jobID), zap.Error(err))
		}
		if rerr := s.Store.ResetDocumentMultiple(context.WithoutCancel(ctx), docs, s.Clock.Now(), crawler.ActionRescan); rerr != nil {
			return fmt.Errorf("give back documents of job %s: %w", jobID, rerr)
		}
		if kind == threads.KindTransient || kind == threads.KindShutdown {
			return err
		}
	}
	metrics.ObserveDocuments(string(crawler.PoolFetch), "queued", queued)
	return nil
}

func (s *Stuffer) enqueueJob(ctx context.Context, jobID string, docs []crawler.DocumentDescription) error {
	job, err := s.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.Running() {
		return errJobNotRunning
	}
	pipeline, err := s.Outputs.Pipeline(job)
	if err != nil {
		return err
	}
	hashes := make([]string, len(docs))
	for i, d := range docs {
		hashes[i] = d.DocumentIdentifierHash
	}
	last, err := pipeline.LastIngested(ctx, hashes)
	if err != nil {
		return err
	}

	conn, ok := s.Conns.Connection(job.Connection)
	if !ok {
		return fmt.Errorf("job %s: unknown connection %q", jobID, job.Connection)
	}
	binSets, maxBatch, err := s.binsAndBatch(ctx, conn.Name, docs)
	if err != nil {
		return err
	}

	s.Tracker.AssessMinimumDepth(conn.Class, binSets)
	set := &queue.QueuedDocumentSet{Job: job, Connection: conn}
	for i, d := range docs {
		bins := binSets[i]
		s.Tracker.NoteQueued(conn.Class, bins)
		class := conn.Class
		set.Documents = append(set.Documents, queue.NewQueuedDocument(d, last[i], bins, func() {
			s.Tracker.NoteDone(class, bins)
		}))
		if len(set.Documents) == maxBatch {
			s.Queue.Add(set)
			set = &queue.QueuedDocumentSet{Job: job, Connection: conn}
		}
	}
	if len(set.Documents) > 0 {
		s.Queue.Add(set)
	}
	return nil
}

// binsAndBatch asks a pooled connector instance for the bins of docs and its
// largest batch. The instance goes back to the pool even if the connector panics.
func (s *Stuffer) binsAndBatch(ctx context.Context, connName string, docs []crawler.DocumentDescription) ([][]string, int, error) {
	repo, err := s.Conns.Grab(ctx, connName)
	if err != nil {
		return nil, 0, err
	}
	defer s.Conns.Release(connName, repo)

	binSets := make([][]string, len(docs))
	for i, d := range docs {
		binSets[i] = repo.BinNames(d.DocumentIdentifier)
	}
	maxBatch := repo.MaxDocumentRequest()
	if maxBatch <= 0 {
		maxBatch = 1
	}
	return binSets, maxBatch, nil
}
