package crawler

import (
	"context"
	"io"
	"time"
)

// DocumentSource selects documents that are due for work in each pool.
type DocumentSource interface {
	GetNextDocuments(ctx context.Context, hints FetchHints) ([]DocumentDescription, error)
	GetNextDeletableDocuments(ctx context.Context, processID string, limit int, now time.Time) ([]DocumentDescription, error)
	GetNextCleanableDocuments(ctx context.Context, processID string, limit int, now time.Time) ([]DocumentDescription, error)
	GetNextExpiredDocuments(ctx context.Context, processID string, limit int, now time.Time) ([]DocumentDescription, error)
	// OtherJobsContain reports, per hash, whether another live job still holds the document.
	OtherJobsContain(ctx context.Context, jobID string, idHashes []string) ([]bool, error)
}

// PriorityStore supports out-of-band priority maintenance.
type PriorityStore interface {
	GetNextNotYetProcessedReprioritizationDocuments(ctx context.Context, processID string, limit int) ([]DocumentDescription, error)
	WriteDocumentPriorities(ctx context.Context, descs []DocumentDescription, priorities []float64) error
	// ResetDocumentPriorities flags every queued document as needing a new
	// priority. It is called when the queue tracker starts over.
	ResetDocumentPriorities(ctx context.Context) error
}

// DocumentReconciler records the outcome of work on documents. Mark* calls
// return documents whose carrydown data changed as a side effect.
type DocumentReconciler interface {
	MarkDocumentCompletedMultiple(ctx context.Context, descs []DocumentDescription) ([]DocumentDescription, error)
	MarkDocumentDeletedMultiple(ctx context.Context, descs []DocumentDescription) ([]DocumentDescription, error)
	MarkDocumentExpiredMultiple(ctx context.Context, descs []DocumentDescription) ([]DocumentDescription, error)
	MarkDocumentCleanedUpMultiple(ctx context.Context, descs []DocumentDescription) ([]DocumentDescription, error)
	MarkDocumentHopcountRemovalMultiple(ctx context.Context, descs []DocumentDescription) error
	RequeueDocumentMultiple(ctx context.Context, descs []DocumentDescription, execTimes []time.Time, actions []Action) error
	ResetDocument(ctx context.Context, desc DocumentDescription, retryTime time.Time, action Action, failTime time.Time, failRetryCount int) error
	ResetDocumentMultiple(ctx context.Context, descs []DocumentDescription, retryTime time.Time, action Action) error
	ResetDeletingDocument(ctx context.Context, desc DocumentDescription, retryTime time.Time) error
	ResetCleaningDocument(ctx context.Context, desc DocumentDescription, retryTime time.Time) error
	// CarrydownChangeDocumentMultiple requeues documents with fresh priorities
	// and reports which rows were actually updated.
	CarrydownChangeDocumentMultiple(ctx context.Context, descs []DocumentDescription, now time.Time, priorities []float64) ([]bool, error)
	FinishDocuments(ctx context.Context, jobID string, linkTypes []string, idHashes []string, mode HopcountMode) ([]DocumentDescription, error)
	CheckJobActive(ctx context.Context, jobID string) (bool, error)
}

// LinkStore records discovered documents and maintains hop distances.
type LinkStore interface {
	// AddDocuments queues references; a false entry means the row did not
	// change and the supplied priority was not used.
	AddDocuments(ctx context.Context, refs []DocumentReference, priorities []float64) ([]bool, error)
	AddSeedDocuments(ctx context.Context, jobID string, seeds []SeedRecord, priorities []float64) ([]bool, error)
	// CheckHopcounts reports, per hash, whether the document is within maxHops
	// along links of linkType.
	CheckHopcounts(ctx context.Context, jobID, linkType string, maxHops int, idHashes []string) ([]bool, error)
	// RetrieveParentData returns the carrydown values named name that parents
	// passed to the document.
	RetrieveParentData(ctx context.Context, jobID, idHash, name string) ([]string, error)
	BeginEventSequence(ctx context.Context, processID, eventName string) (bool, error)
	CompleteEventSequence(ctx context.Context, eventName string) error
}

// WorkerStatus lets a pool give back documents it was holding.
type WorkerStatus interface {
	ResetWorkerStatus(ctx context.Context, processID string, pool PoolKind) error
}

// DocumentStore is the persistent job/document queue.
type DocumentStore interface {
	DocumentSource
	PriorityStore
	DocumentReconciler
	LinkStore
	WorkerStatus
}

// JobManager drives job-level state.
type JobManager interface {
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	SaveJob(ctx context.Context, job Job) error
	StartJob(ctx context.Context, jobID string) error
	StopJob(ctx context.Context, jobID string) error
	DeleteJob(ctx context.Context, jobID string) error

	JobsReadyForStartup(ctx context.Context) ([]Job, error)
	// PrepareJobStart moves documents left from the previous run aside so that
	// unreached ones can be cleaned up when the run ends.
	PrepareJobStart(ctx context.Context, jobID string) error
	NoteJobStarted(ctx context.Context, jobID string, now time.Time) error
	JobsReadyForSeeding(ctx context.Context, now time.Time) ([]Job, error)
	NoteJobSeeded(ctx context.Context, jobID string, now, next time.Time) error
	JobsReadyForDeleteStartup(ctx context.Context) ([]Job, error)
	PrepareDeleteScan(ctx context.Context, jobID string) error
	NoteJobDeleteStarted(ctx context.Context, jobID string, now time.Time) error
	ErrorAbort(ctx context.Context, jobID, message string) error
	// AdvanceJobStates finishes, stops, aborts and deletes jobs whose
	// document work has drained.
	AdvanceJobStates(ctx context.Context, now time.Time) ([]JobTransition, error)
	JobsNeedingNotification(ctx context.Context) ([]Job, error)
	NoteNotificationDelivered(ctx context.Context, jobID string) error
	// DocumentCounts reports how many documents of a job are in each state.
	DocumentCounts(ctx context.Context, jobID string) (map[string]int, error)
}

// BlobStore writes and removes raw artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	DeleteObject(ctx context.Context, path string) error
}

// Publisher pushes job notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for identifiers and content.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique IDs.
type IDGenerator interface {
	NewID() (string, error)
}
