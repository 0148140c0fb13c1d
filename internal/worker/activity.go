package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/output"
)

// activity is handed to the connector for one set. It ingests through the
// job pipeline and collects per-document requests for the worker to apply
// once the connector returns.
type activity struct {
	w        *Worker
	job      crawler.Job
	conn     connector.Connection
	pipeline *output.Pipeline
	b        *batch
	// scanOnly documents are only walked for references.
	scanOnly map[string]bool

	mu      sync.Mutex
	deleted map[string]bool
	retried map[string]bool
	refs    []connector.Reference
}

var _ connector.ProcessActivity = (*activity)(nil)

func newActivity(w *Worker, job crawler.Job, conn connector.Connection,
	pipeline *output.Pipeline, b *batch,
) *activity {
	return &activity{
		w:        w,
		job:      job,
		conn:     conn,
		pipeline: pipeline,
		b:        b,
		scanOnly: make(map[string]bool),
		deleted:  make(map[string]bool),
		retried:  make(map[string]bool),
	}
}

func (a *activity) RecordActivity(rec connector.ActivityRecord) {
	if rec.JobID == "" {
		rec.JobID = a.job.ID
	}
	if rec.Connection == "" {
		rec.Connection = a.conn.Name
	}
	metrics.ObserveActivity(rec.Connection, rec.Activity, rec.ResultCode, rec.Bytes)
	if a.w.Recorder != nil {
		a.w.Recorder.RecordActivity(rec)
	}
}

func (a *activity) CheckJobStillActive(ctx context.Context) error {
	ok, err := a.w.Store.CheckJobActive(ctx, a.job.ID)
	if err != nil {
		return err
	}
	if !ok {
		si := crawler.NewServiceInterruption("job "+a.job.ID+" is no longer active", a.w.Clock.Now())
		si.JobInactiveAbort = true
		return si
	}
	return nil
}

func (a *activity) IngestDocument(ctx context.Context, identifier, version string, doc connector.RepositoryDocument) error {
	return a.ingest(ctx, identifier, version, &doc)
}

func (a *activity) NoDocument(ctx context.Context, identifier, version string) error {
	return a.ingest(ctx, identifier, version, nil)
}

func (a *activity) ingest(ctx context.Context, identifier, version string, doc *connector.RepositoryDocument) error {
	i, ok := a.b.byID[identifier]
	if !ok {
		return fmt.Errorf("ingest %q: document is not part of this set", identifier)
	}
	if a.scanOnly[identifier] {
		return nil
	}
	start := time.Now()
	err := a.pipeline.Ingest(ctx, output.Document{
		JobID:      a.job.ID,
		Identifier: identifier,
		IDHash:     a.b.docs[i].Desc.DocumentIdentifierHash,
		Version:    version,
		Authority:  a.conn.Authority,
		Content:    doc,
	})
	result, note := "OK", ""
	var size int64
	if doc != nil {
		size = int64(len(doc.Content))
	}
	if err != nil {
		result, note = "ERROR", err.Error()
	}
	a.RecordActivity(connector.ActivityRecord{
		Activity:    connector.ActivityIngest,
		Identifier:  identifier,
		Start:       start,
		Duration:    time.Since(start),
		Bytes:       size,
		ResultCode:  result,
		Description: note,
	})
	return err
}

func (a *activity) DeleteDocument(identifier string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted[identifier] = true
}

func (a *activity) RetryDocumentProcessing(identifier string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retried[identifier] = true
}

func (a *activity) AddDocumentReference(ref connector.Reference) {
	if ref.Identifier == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refs = append(a.refs, ref)
}

func (a *activity) ParentData(ctx context.Context, identifier, name string) ([]string, error) {
	hash, err := a.w.Hasher.Hash([]byte(identifier))
	if err != nil {
		return nil, err
	}
	return a.w.Store.RetrieveParentData(ctx, a.job.ID, hash, name)
}

func (a *activity) BeginEventSequence(ctx context.Context, eventName string) (bool, error) {
	return a.w.Store.BeginEventSequence(ctx, a.w.cfg.ProcessID, eventName)
}

func (a *activity) CompleteEventSequence(ctx context.Context, eventName string) error {
	return a.w.Store.CompleteEventSequence(ctx, eventName)
}

// requests returns what the connector asked for, keyed by identifier.
func (a *activity) requests() (deleted, retried map[string]bool, refs []connector.Reference) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deleted, a.retried, append([]connector.Reference(nil), a.refs...)
}
