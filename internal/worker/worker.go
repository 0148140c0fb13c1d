// Package worker runs the fetch pool. A worker takes one document set off the
// queue, asks the connector which documents changed, processes those, and
// records an outcome for every document with the store.
package worker

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
	"github.com/JakeFAU/crawlsched/internal/priority"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/requeue"
	"github.com/JakeFAU/crawlsched/internal/resetmgr"
	"github.com/JakeFAU/crawlsched/internal/threads"
)

const pool = string(crawler.PoolFetch)

// Store is the slice of the document store a worker writes to.
type Store interface {
	CheckJobActive(ctx context.Context, jobID string) (bool, error)
	ErrorAbort(ctx context.Context, jobID, message string) error
	CheckHopcounts(ctx context.Context, jobID, linkType string, maxHops int, idHashes []string) ([]bool, error)
	AddDocuments(ctx context.Context, refs []crawler.DocumentReference, priorities []float64) ([]bool, error)
	RetrieveParentData(ctx context.Context, jobID, idHash, name string) ([]string, error)
	BeginEventSequence(ctx context.Context, processID, eventName string) (bool, error)
	CompleteEventSequence(ctx context.Context, eventName string) error
	MarkDocumentCompletedMultiple(ctx context.Context, descs []crawler.DocumentDescription) ([]crawler.DocumentDescription, error)
	MarkDocumentDeletedMultiple(ctx context.Context, descs []crawler.DocumentDescription) ([]crawler.DocumentDescription, error)
	MarkDocumentHopcountRemovalMultiple(ctx context.Context, descs []crawler.DocumentDescription) error
	RequeueDocumentMultiple(ctx context.Context, descs []crawler.DocumentDescription, execTimes []time.Time, actions []crawler.Action) error
	ResetDocument(ctx context.Context, desc crawler.DocumentDescription, retryTime time.Time, action crawler.Action, failTime time.Time, failRetryCount int) error
	ResetDocumentMultiple(ctx context.Context, descs []crawler.DocumentDescription, retryTime time.Time, action crawler.Action) error
	FinishDocuments(ctx context.Context, jobID string, linkTypes []string, idHashes []string, mode crawler.HopcountMode) ([]crawler.DocumentDescription, error)
}

// Config tunes the fetch pool.
type Config struct {
	ProcessID string `mapstructure:"process_id"`
	// RetryDelay applies when an interruption carries no retry time.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	ErrorPause time.Duration `mapstructure:"error_pause"`
}

func (c *Config) normalize() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Minute
	}
}

// Deps are the collaborators of a worker.
type Deps struct {
	Store    Store
	Conns    *connector.Registry
	Outputs  *output.Registry
	Tracker  *priority.Tracker
	Requeuer *requeue.Requeuer
	Queue    *queue.Queue[*queue.QueuedDocumentSet]
	Reset    *resetmgr.Manager
	Recorder connector.ActivityRecorder
	Hasher   crawler.Hasher
	Clock    crawler.Clock
	Logger   *zap.Logger
	// Fatal is told about setup errors that stop the worker.
	Fatal func(error)
}

// Worker is one thread of the fetch pool.
type Worker struct {
	Deps
	cfg    Config
	name   string
	logger *zap.Logger
}

// New builds worker number index.
func New(index int, cfg Config, deps Deps) *Worker {
	cfg.normalize()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		Deps:   deps,
		cfg:    cfg,
		name:   fmt.Sprintf("worker-%d", index),
		logger: logger.Named("worker").With(zap.Int("index", index)),
	}
}

// Run processes sets until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	return threads.Loop{
		Name:       w.name,
		Reset:      w.Reset,
		Logger:     w.logger,
		ErrorPause: w.cfg.ErrorPause,
		Fatal:      w.Fatal,
	}.Run(ctx, w.cycle)
}

func (w *Worker) cycle(ctx context.Context) error {
	set, err := w.Queue.Get(ctx)
	if err != nil {
		return err
	}
	metrics.IncActiveWorkers(pool)
	defer metrics.DecActiveWorkers(pool)
	return w.process(ctx, set)
}

// process handles one set. Whatever happens, every document leaves the set
// settled: recorded with an outcome, or handed back by the backstop.
func (w *Worker) process(ctx context.Context, set *queue.QueuedDocumentSet) (err error) {
	defer func() {
		err = errors.Join(err, w.backstop(ctx, set.Documents))
	}()
	job := set.Job
	logger := w.logger.With(zap.String("job_id", job.ID))

	active, err := w.Store.CheckJobActive(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("check job active: %w", err)
	}
	if !active {
		logger.Debug("job no longer active; handing documents back", zap.Int("count", set.Len()))
		return nil
	}

	pipeline, err := w.Outputs.Pipeline(job)
	if err != nil {
		if !crawler.IsSetup(err) {
			return err
		}
		logger.Error("aborting job with unusable output pipeline", zap.Error(err))
		return w.Store.ErrorAbort(ctx, job.ID, err.Error())
	}

	repo, err := w.Conns.Grab(ctx, set.Connection.Name)
	if err != nil {
		return err
	}
	defer w.Conns.Release(set.Connection.Name, repo)

	b := newBatch(set.Documents)
	all := make([]int, len(set.Documents))
	for i := range all {
		all[i] = i
	}
	candidates, err := w.filterHopcounts(ctx, job, repo.RelationshipTypes(), b, all)
	if err != nil {
		return err
	}
	var refs []connector.Reference
	if len(candidates) > 0 {
		if refs, err = w.examine(ctx, set, pipeline, repo, b, candidates); err != nil {
			return err
		}
	}
	return w.apply(ctx, set, pipeline, repo, b, refs)
}

// filterHopcounts drops candidates that are farther than a hop filter allows.
func (w *Worker) filterHopcounts(ctx context.Context, job crawler.Job, linkTypes []string, b *batch,
	candidates []int,
) ([]int, error) {
	if len(job.HopcountFilters) == 0 {
		return candidates, nil
	}
	for _, linkType := range linkTypes {
		maxHops, ok := job.HopcountFilters[linkType]
		if !ok || len(candidates) == 0 {
			continue
		}
		within, err := w.Store.CheckHopcounts(ctx, job.ID, linkType, maxHops, b.hashes(candidates))
		if err != nil {
			return nil, fmt.Errorf("check hopcounts: %w", err)
		}
		next := candidates[:0:0]
		for k, i := range candidates {
			if k < len(within) && within[k] {
				next = append(next, i)
				continue
			}
			b.set(i, outcome{kind: outcomeHopRemoved})
		}
		candidates = next
	}
	return candidates, nil
}

// examine asks the connector for versions, processes what changed and
// records an outcome for every candidate. It returns the references found
// by parents that finished.
func (w *Worker) examine(ctx context.Context, set *queue.QueuedDocumentSet, pipeline *output.Pipeline,
	repo connector.Repository, b *batch, candidates []int,
) ([]connector.Reference, error) {
	job, conn := set.Job, set.Connection
	act := newActivity(w, job, conn, pipeline, b)
	spec := connector.SpecFor(job)
	now := w.Clock.Now()

	ids := make([]string, len(candidates))
	old := make([]string, len(candidates))
	for k, i := range candidates {
		ids[k] = b.docs[i].Desc.DocumentIdentifier
		old[k] = previousVersion(job, b.docs[i].LastIngested)
	}
	versions, err := repo.DocumentVersions(ctx, ids, old, act, spec, job.Type, conn.UsesDefaultAuthority())
	if err != nil {
		si, ok := crawler.AsServiceInterruption(err)
		if !ok {
			return nil, fmt.Errorf("document versions: %w", err)
		}
		w.interrupt(b, candidates, si, now)
		return nil, nil
	}
	if len(versions) != len(ids) {
		return nil, fmt.Errorf("connection %s returned %d versions for %d documents", conn.Name, len(versions), len(ids))
	}

	outVersions := pipeline.Versions()
	// Unchanged documents are walked again only when hop distances must stay exact.
	rescan := job.HopcountMode == crawler.HopcountAccurate && len(job.HopcountFilters) > 0
	var (
		procIdx      []int
		procIDs      []string
		procVersions []connector.DocumentVersion
		scanOnly     []bool
	)
	for k, i := range candidates {
		v := versions[k]
		switch {
		case !v.Exists:
			b.set(i, outcome{kind: outcomeDelete})
			continue
		case output.NeedsReingest(v, b.docs[i].LastIngested, conn.Authority, outVersions):
			b.set(i, outcome{kind: outcomeProcessed})
		default:
			b.set(i, outcome{kind: outcomeChecked, scanOnly: rescan})
			if !rescan {
				continue
			}
			act.scanOnly[ids[k]] = true
		}
		procIdx = append(procIdx, i)
		procIDs = append(procIDs, ids[k])
		procVersions = append(procVersions, v)
		scanOnly = append(scanOnly, act.scanOnly[ids[k]])
	}
	if len(procIdx) == 0 {
		return nil, nil
	}

	if err := repo.ProcessDocuments(ctx, procIDs, procVersions, act, spec, scanOnly, job.Type); err != nil {
		si, ok := crawler.AsServiceInterruption(err)
		if !ok {
			return nil, fmt.Errorf("process documents: %w", err)
		}
		w.interrupt(b, procIdx, si, now)
	}

	deleted, retried, refs := act.requests()
	for _, i := range procIdx {
		if !finishing(b.outcomes[i].kind) {
			continue
		}
		id := b.docs[i].Desc.DocumentIdentifier
		switch {
		case deleted[id]:
			b.set(i, outcome{kind: outcomeDelete})
		case retried[id]:
			b.set(i, outcome{kind: outcomeSequenced})
		}
	}
	kept := refs[:0]
	for _, r := range refs {
		if i, ok := b.byID[r.Parent]; ok && finishing(b.outcomes[i].kind) {
			kept = append(kept, r)
			continue
		}
		w.logger.Debug("dropping reference from unfinished parent",
			zap.String("job_id", job.ID), zap.String("parent", r.Parent), zap.String("identifier", r.Identifier))
	}
	return kept, nil
}

func finishing(k outcomeKind) bool {
	return k == outcomeProcessed || k == outcomeChecked
}

func (w *Worker) interrupt(b *batch, idx []int, si *crawler.ServiceInterruption, now time.Time) {
	metrics.ObserveInterruption(pool)
	w.logger.Info("service interruption", zap.Int("count", len(idx)), zap.Error(si))
	for _, i := range idx {
		b.set(i, foldInterruption(b.docs[i].Desc, si, now))
	}
}

// previousVersion is the document version the first output of the pipeline
// last recorded, or empty when nothing was ingested yet.
func previousVersion(job crawler.Job, last map[string]*crawler.IngestStatus) string {
	for _, name := range job.Outputs {
		if st := last[name]; st != nil {
			return st.DocumentVersion
		}
	}
	return ""
}

// apply writes every outcome of b to the store.
func (w *Worker) apply(ctx context.Context, set *queue.QueuedDocumentSet, pipeline *output.Pipeline,
	repo connector.Repository, b *batch, refs []connector.Reference,
) error {
	job := set.Job
	now := w.Clock.Now()
	var changed []crawler.DocumentDescription

	// References go in before parents finish, so carrydown from this pass is
	// visible to FinishDocuments.
	if err := w.addReferences(ctx, set, repo, b, refs); err != nil {
		return err
	}

	if idx := b.with(outcomeJobAbort); len(idx) > 0 {
		msg := "repeated service interruption: " + b.outcomes[idx[0]].message
		w.logger.Warn("aborting job", zap.String("job_id", job.ID), zap.String("reason", msg))
		if err := w.Store.ErrorAbort(ctx, job.ID, msg); err != nil {
			return fmt.Errorf("abort job: %w", err)
		}
		if err := w.resetNow(ctx, b, idx, now); err != nil {
			return err
		}
	}
	if err := w.resetNow(ctx, b, b.with(outcomeAbandoned, outcomeSequenced), now); err != nil {
		return err
	}

	if idx := b.with(outcomeDelete); len(idx) > 0 {
		ok, err := w.removeFromIndex(ctx, pipeline, b, idx, now)
		if err != nil {
			return err
		}
		if ok {
			ch, err := w.Store.MarkDocumentDeletedMultiple(ctx, b.descs(idx))
			if err != nil {
				return fmt.Errorf("mark deleted: %w", err)
			}
			changed = append(changed, ch...)
			b.settle(idx)
		}
	}

	if idx := b.with(outcomeHopRemoved); len(idx) > 0 {
		ok := true
		if job.HopcountMode == crawler.HopcountAccurate {
			var err error
			if ok, err = w.removeFromIndex(ctx, pipeline, b, idx, now); err != nil {
				return err
			}
		}
		if ok {
			if err := w.Store.MarkDocumentHopcountRemovalMultiple(ctx, b.descs(idx)); err != nil {
				return fmt.Errorf("mark hopcount removal: %w", err)
			}
			b.settle(idx)
		}
	}

	if idx := b.with(outcomeChecked); len(idx) > 0 {
		if err := pipeline.CheckMultiple(ctx, b.hashes(idx), now); err != nil {
			si, ok := crawler.AsServiceInterruption(err)
			if !ok {
				return err
			}
			metrics.ObserveInterruption(pool)
			for _, i := range idx {
				d := b.docs[i].Desc
				b.set(i, outcome{kind: outcomeRetry, retryAt: si.RetryTime, failTime: d.FailTime, failCount: d.FailRetryCount})
			}
		}
	}

	if idx := b.with(outcomeProcessed, outcomeChecked); len(idx) > 0 {
		var parents []int
		for _, i := range idx {
			if o := b.outcomes[i]; o.kind == outcomeProcessed || o.scanOnly {
				parents = append(parents, i)
			}
		}
		if len(parents) > 0 {
			ch, err := w.Store.FinishDocuments(ctx, job.ID, repo.RelationshipTypes(), b.hashes(parents), job.HopcountMode)
			if err != nil {
				return fmt.Errorf("finish documents: %w", err)
			}
			changed = append(changed, ch...)
		}
		ch, err := w.complete(ctx, job, b, idx, now)
		if err != nil {
			return err
		}
		changed = append(changed, ch...)
	}

	for _, i := range b.with(outcomeRetry) {
		o := b.outcomes[i]
		at := o.retryAt
		if at.IsZero() {
			at = now.Add(w.cfg.RetryDelay)
		}
		if err := w.Store.ResetDocument(ctx, b.docs[i].Desc, at, crawler.ActionRescan, o.failTime, o.failCount); err != nil {
			return fmt.Errorf("reset interrupted document: %w", err)
		}
		b.docs[i].SetProcessed()
	}

	w.observe(b)

	if _, err := w.Requeuer.Requeue(ctx, set.Connection.Name, repo, changed); err != nil {
		return fmt.Errorf("carrydown requeue for job %s: %w", job.ID, err)
	}
	return nil
}

// complete finishes documents that went through this pass. Once-only jobs
// are done with them; continuous jobs schedule the next visit.
func (w *Worker) complete(ctx context.Context, job crawler.Job, b *batch, idx []int,
	now time.Time,
) ([]crawler.DocumentDescription, error) {
	done := idx
	if job.Type == crawler.JobTypeContinuous {
		done = nil
		var (
			descs   []crawler.DocumentDescription
			times   []time.Time
			actions []crawler.Action
			again   []int
		)
		for _, i := range idx {
			at, action, ok := nextRun(job, b.docs[i].Desc, now)
			if !ok {
				done = append(done, i)
				continue
			}
			descs = append(descs, b.docs[i].Desc)
			times = append(times, at)
			actions = append(actions, action)
			again = append(again, i)
		}
		if len(again) > 0 {
			if err := w.Store.RequeueDocumentMultiple(ctx, descs, times, actions); err != nil {
				return nil, fmt.Errorf("requeue documents: %w", err)
			}
			b.settle(again)
		}
	}
	if len(done) == 0 {
		return nil, nil
	}
	changed, err := w.Store.MarkDocumentCompletedMultiple(ctx, b.descs(done))
	if err != nil {
		return nil, fmt.Errorf("mark completed: %w", err)
	}
	b.settle(done)
	return changed, nil
}

// removeFromIndex deletes the documents from every output. On a service
// interruption the documents are put back for a later attempt and ok is false.
func (w *Worker) removeFromIndex(ctx context.Context, pipeline *output.Pipeline, b *batch, idx []int,
	now time.Time,
) (bool, error) {
	err := pipeline.DeleteMultiple(ctx, b.hashes(idx))
	if err == nil {
		return true, nil
	}
	si, ok := crawler.AsServiceInterruption(err)
	if !ok {
		return false, err
	}
	metrics.ObserveInterruption(pool)
	at := si.RetryTime
	if at.IsZero() {
		at = now.Add(w.cfg.RetryDelay)
	}
	for _, i := range idx {
		d := b.docs[i].Desc
		if err := w.Store.ResetDocument(ctx, d, at, crawler.ActionRescan, d.FailTime, d.FailRetryCount); err != nil {
			return false, fmt.Errorf("reset document after index interruption: %w", err)
		}
		b.docs[i].SetProcessed()
	}
	return false, nil
}

func (w *Worker) resetNow(ctx context.Context, b *batch, idx []int, now time.Time) error {
	if len(idx) == 0 {
		return nil
	}
	if err := w.Store.ResetDocumentMultiple(ctx, b.descs(idx), now, crawler.ActionRescan); err != nil {
		return fmt.Errorf("reset documents: %w", err)
	}
	b.settle(idx)
	return nil
}

// addReferences queues the references with fresh priorities. Priorities the
// store does not use are given back.
func (w *Worker) addReferences(ctx context.Context, set *queue.QueuedDocumentSet, repo connector.Repository,
	b *batch, refs []connector.Reference,
) error {
	if len(refs) == 0 {
		return nil
	}
	conn := set.Connection
	rates := w.Conns.Throttle(conn.Name)
	out := make([]crawler.DocumentReference, len(refs))
	calcs := make([]*priority.Calculator, len(refs))
	prios := make([]float64, len(refs))
	for k, r := range refs {
		hash, err := w.Hasher.Hash([]byte(r.Identifier))
		if err != nil {
			return fmt.Errorf("hash reference: %w", err)
		}
		out[k] = crawler.DocumentReference{
			JobID:             set.Job.ID,
			Identifier:        r.Identifier,
			IdentifierHash:    hash,
			Parent:            r.Parent,
			ParentHash:        b.docs[b.byID[r.Parent]].Desc.DocumentIdentifierHash,
			RelationshipType:  r.RelationshipType,
			CarrydownData:     r.Carrydown,
			PrerequisiteEvent: r.Prerequisites,
		}
		calcs[k] = w.Tracker.NewCalculator(conn.Class, rates, repo.BinNames(r.Identifier))
		prios[k] = calcs[k].DocumentPriority()
	}
	accepted, err := w.Store.AddDocuments(ctx, out, prios)
	if err != nil {
		for _, c := range calcs {
			c.NotePriorityNotUsed()
		}
		return fmt.Errorf("add references: %w", err)
	}
	for k, c := range calcs {
		if k < len(accepted) && accepted[k] {
			metrics.ObservePriority(prios[k])
			continue
		}
		c.NotePriorityNotUsed()
	}
	return nil
}

// backstop hands back whatever the set left unsettled, due immediately.
func (w *Worker) backstop(ctx context.Context, docs []*queue.QueuedDocument) error {
	var pending []crawler.DocumentDescription
	for _, d := range docs {
		if !d.WasProcessed() {
			pending = append(pending, d.Desc)
		}
	}
	var err error
	if len(pending) > 0 {
		metrics.ObserveDocuments(pool, "reset", len(pending))
		err = w.Store.ResetDocumentMultiple(context.WithoutCancel(ctx), pending, w.Clock.Now(), crawler.ActionRescan)
	}
	for _, d := range docs {
		d.SetProcessed()
	}
	if err != nil {
		return fmt.Errorf("reset unsettled documents: %w", err)
	}
	return nil
}

func (w *Worker) observe(b *batch) {
	counts := make(map[outcomeKind]int)
	for i, o := range b.outcomes {
		if b.docs[i].WasProcessed() {
			counts[o.kind]++
		}
	}
	for k, n := range counts {
		metrics.ObserveDocuments(pool, k.String(), n)
	}
}
