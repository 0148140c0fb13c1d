// Package removal runs the delete, cleanup and expire pools. The three share
// one stuffer and one thread; a Strategy supplies the pool-specific store calls.
package removal

import (
	"context"
	"time"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
)

// Store is the subset of the job queue the removal pools use.
type Store interface {
	GetNextDeletableDocuments(ctx context.Context, processID string, limit int, now time.Time) ([]crawler.DocumentDescription, error)
	GetNextCleanableDocuments(ctx context.Context, processID string, limit int, now time.Time) ([]crawler.DocumentDescription, error)
	GetNextExpiredDocuments(ctx context.Context, processID string, limit int, now time.Time) ([]crawler.DocumentDescription, error)
	OtherJobsContain(ctx context.Context, jobID string, idHashes []string) ([]bool, error)
	MarkDocumentDeletedMultiple(ctx context.Context, descs []crawler.DocumentDescription) ([]crawler.DocumentDescription, error)
	MarkDocumentExpiredMultiple(ctx context.Context, descs []crawler.DocumentDescription) ([]crawler.DocumentDescription, error)
	MarkDocumentCleanedUpMultiple(ctx context.Context, descs []crawler.DocumentDescription) ([]crawler.DocumentDescription, error)
	ResetDocument(ctx context.Context, desc crawler.DocumentDescription, retryTime time.Time, action crawler.Action,
		failTime time.Time, failRetryCount int) error
	ResetDeletingDocument(ctx context.Context, desc crawler.DocumentDescription, retryTime time.Time) error
	ResetCleaningDocument(ctx context.Context, desc crawler.DocumentDescription, retryTime time.Time) error
	GetJob(ctx context.Context, jobID string) (crawler.Job, error)
}

// Strategy binds the generic removal pipeline to one pool.
type Strategy interface {
	Pool() crawler.PoolKind
	Activity() string
	Next(ctx context.Context, s Store, processID string, limit int, now time.Time) ([]crawler.DocumentDescription, error)
	// Mark records successful removal and returns carrydown requeue candidates.
	Mark(ctx context.Context, s Store, descs []crawler.DocumentDescription) ([]crawler.DocumentDescription, error)
	// Retry hands a document back to the pool's backlog.
	Retry(ctx context.Context, s Store, desc crawler.DocumentDescription, at time.Time) error
}

// Delete removes documents of deleted jobs.
type Delete struct{}

// Pool implements Strategy.
func (Delete) Pool() crawler.PoolKind { return crawler.PoolDelete }

// Activity implements Strategy.
func (Delete) Activity() string { return connector.ActivityDelete }

// Next implements Strategy.
func (Delete) Next(ctx context.Context, s Store, processID string, limit int, now time.Time) ([]crawler.DocumentDescription, error) {
	return s.GetNextDeletableDocuments(ctx, processID, limit, now)
}

// Mark implements Strategy.
func (Delete) Mark(ctx context.Context, s Store, descs []crawler.DocumentDescription) ([]crawler.DocumentDescription, error) {
	return s.MarkDocumentDeletedMultiple(ctx, descs)
}

// Retry implements Strategy.
func (Delete) Retry(ctx context.Context, s Store, desc crawler.DocumentDescription, at time.Time) error {
	return s.ResetDeletingDocument(ctx, desc, at)
}

// Cleanup removes documents a finished run no longer reaches.
type Cleanup struct{}

// Pool implements Strategy.
func (Cleanup) Pool() crawler.PoolKind { return crawler.PoolCleanup }

// Activity implements Strategy.
func (Cleanup) Activity() string { return connector.ActivityDelete }

// Next implements Strategy.
func (Cleanup) Next(ctx context.Context, s Store, processID string, limit int, now time.Time) ([]crawler.DocumentDescription, error) {
	return s.GetNextCleanableDocuments(ctx, processID, limit, now)
}

// Mark implements Strategy.
func (Cleanup) Mark(ctx context.Context, s Store, descs []crawler.DocumentDescription) ([]crawler.DocumentDescription, error) {
	return s.MarkDocumentCleanedUpMultiple(ctx, descs)
}

// Retry implements Strategy.
func (Cleanup) Retry(ctx context.Context, s Store, desc crawler.DocumentDescription, at time.Time) error {
	return s.ResetCleaningDocument(ctx, desc, at)
}

// Expire removes documents of continuous jobs whose lifetime ran out.
type Expire struct{}

// Pool implements Strategy.
func (Expire) Pool() crawler.PoolKind { return crawler.PoolExpire }

// Activity implements Strategy.
func (Expire) Activity() string { return "document expiration" }

// Next implements Strategy.
func (Expire) Next(ctx context.Context, s Store, processID string, limit int, now time.Time) ([]crawler.DocumentDescription, error) {
	return s.GetNextExpiredDocuments(ctx, processID, limit, now)
}

// Mark implements Strategy.
func (Expire) Mark(ctx context.Context, s Store, descs []crawler.DocumentDescription) ([]crawler.DocumentDescription, error) {
	return s.MarkDocumentExpiredMultiple(ctx, descs)
}

// Retry implements Strategy.
func (Expire) Retry(ctx context.Context, s Store, desc crawler.DocumentDescription, at time.Time) error {
	return s.ResetDocument(ctx, desc, at, crawler.ActionRemove, desc.FailTime, desc.FailRetryCount)
}
