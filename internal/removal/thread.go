package removal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/output"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/requeue"
	"github.com/JakeFAU/crawlsched/internal/resetmgr"
	"github.com/JakeFAU/crawlsched/internal/threads"
)

// ThreadDeps are the collaborators of a removal thread.
type ThreadDeps struct {
	Store    Store
	Outputs  *output.Registry
	Requeuer *requeue.Requeuer
	Queue    *queue.Queue[*queue.RemovalSet]
	Reset    *resetmgr.Manager
	Recorder connector.ActivityRecorder
	Clock    crawler.Clock
	Logger   *zap.Logger
	// Fatal is told about setup errors that stop the thread.
	Fatal func(error)
}

// Thread is one consumer of a removal pool.
type Thread struct {
	ThreadDeps
	strategy Strategy
	cfg      Config
	name     string
	logger   *zap.Logger
}

// NewThread builds consumer number index of strategy's pool.
func NewThread(strategy Strategy, index int, cfg Config, deps ThreadDeps) *Thread {
	cfg.normalize()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := string(strategy.Pool())
	return &Thread{
		ThreadDeps: deps,
		strategy:   strategy,
		cfg:        cfg,
		name:       fmt.Sprintf("%s-%d", pool, index),
		logger:     logger.Named(pool).With(zap.Int("index", index)),
	}
}

// Run consumes sets until ctx ends.
func (t *Thread) Run(ctx context.Context) error {
	return threads.Loop{Name: t.name, Reset: t.Reset, Logger: t.logger, Fatal: t.Fatal}.Run(ctx, t.cycle)
}

func (t *Thread) cycle(ctx context.Context) error {
	set, err := t.Queue.Get(ctx)
	if err != nil {
		return err
	}
	pool := string(t.strategy.Pool())
	metrics.IncActiveWorkers(pool)
	defer metrics.DecActiveWorkers(pool)
	return t.process(ctx, set)
}

// process removes one set. Every document leaves either marked removed or
// handed back to the pool backlog.
func (t *Thread) process(ctx context.Context, set *queue.RemovalSet) (err error) {
	defer func() {
		err = errors.Join(err, t.backstop(ctx, set.Documents))
	}()
	pool := string(t.strategy.Pool())

	pipeline, err := t.Outputs.Pipeline(set.Job)
	if err != nil {
		t.logger.Warn("job has no usable output pipeline", zap.String("job_id", set.Job.ID), zap.Error(err))
		return t.retryAll(ctx, set.Documents, t.Clock.Now().Add(t.cfg.RetryDelay))
	}

	var fromIndex []string
	for _, d := range set.Documents {
		if d.RemoveFromIndex {
			fromIndex = append(fromIndex, d.Desc.DocumentIdentifierHash)
		}
	}
	start := time.Now()
	if derr := pipeline.DeleteMultiple(ctx, fromIndex); derr != nil {
		si, ok := crawler.AsServiceInterruption(derr)
		if !ok {
			return derr
		}
		metrics.ObserveInterruption(pool)
		t.logger.Info("index removal interrupted", zap.String("job_id", set.Job.ID), zap.Error(si))
		t.record(set, start, "interrupted", si.Message)
		retryAt := si.RetryTime
		if retryAt.IsZero() {
			retryAt = t.Clock.Now().Add(t.cfg.RetryDelay)
		}
		return t.retryAll(ctx, set.Documents, retryAt)
	}
	t.record(set, start, "OK", "")

	descs := make([]crawler.DocumentDescription, len(set.Documents))
	for i, d := range set.Documents {
		descs[i] = d.Desc
	}
	changed, err := t.strategy.Mark(ctx, t.Store, descs)
	if err != nil {
		return fmt.Errorf("mark %s documents: %w", pool, err)
	}
	for _, d := range set.Documents {
		d.SetProcessed()
	}
	metrics.ObserveDocuments(pool, "removed", len(descs))

	if _, rerr := t.Requeuer.Requeue(ctx, set.Job.Connection, nil, changed); rerr != nil {
		return fmt.Errorf("carrydown requeue for job %s: %w", set.Job.ID, rerr)
	}
	return nil
}

func (t *Thread) retryAll(ctx context.Context, docs []*queue.RemovalDocument, at time.Time) error {
	var errs []error
	for _, d := range docs {
		if d.WasProcessed() {
			continue
		}
		if err := t.strategy.Retry(context.WithoutCancel(ctx), t.Store, d.Desc, at); err != nil {
			errs = append(errs, err)
			continue
		}
		d.SetProcessed()
	}
	return errors.Join(errs...)
}

// backstop hands back anything the set left unsettled, for immediate retry.
func (t *Thread) backstop(ctx context.Context, docs []*queue.RemovalDocument) error {
	pending := 0
	for _, d := range docs {
		if !d.WasProcessed() {
			pending++
		}
	}
	if pending == 0 {
		return nil
	}
	metrics.ObserveDocuments(string(t.strategy.Pool()), "reset", pending)
	err := t.retryAll(ctx, docs, t.Clock.Now())
	for _, d := range docs {
		d.SetProcessed()
	}
	if err != nil {
		return fmt.Errorf("reset unsettled %s documents: %w", t.strategy.Pool(), err)
	}
	return nil
}

func (t *Thread) record(set *queue.RemovalSet, start time.Time, result, note string) {
	if t.Recorder == nil {
		return
	}
	dur := time.Since(start)
	for _, d := range set.Documents {
		if !d.RemoveFromIndex {
			continue
		}
		t.Recorder.RecordActivity(connector.ActivityRecord{
			JobID:       set.Job.ID,
			Connection:  set.Job.Connection,
			Activity:    t.strategy.Activity(),
			Identifier:  d.Desc.DocumentIdentifier,
			Start:       start,
			Duration:    dur,
			ResultCode:  result,
			Description: note,
		})
	}
}
