// Package connector defines the repository connector contract and the
// activity callbacks connectors use to report back to the scheduler.
package connector

import (
	"context"
	"time"

	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/throttle"
)

// Connection is a configured repository connection.
type Connection struct {
	Name           string            `mapstructure:"name" json:"name"`
	Class          string            `mapstructure:"class" json:"class"`
	MaxConnections int               `mapstructure:"max_connections" json:"max_connections"`
	Throttles      []throttle.Rule   `mapstructure:"throttles" json:"throttles"`
	Authority      string            `mapstructure:"authority" json:"authority,omitempty"`
	Config         map[string]string `mapstructure:"config" json:"config,omitempty"`
}

// UsesDefaultAuthority reports whether no explicit authority is configured.
func (c Connection) UsesDefaultAuthority() bool {
	return c.Authority == ""
}

// Spec is the job-specific document specification handed to a connector.
type Spec struct {
	Seeds  []string
	Params map[string]string
}

// SpecFor builds the connector spec of a job.
func SpecFor(job crawler.Job) Spec {
	return Spec{Seeds: job.Seeds, Params: job.Spec}
}

// DocumentVersion is what a connector reports about a document's current state.
type DocumentVersion struct {
	// Version is compared with the last ingested version. An empty version
	// means the document must always be reprocessed.
	Version string
	// Exists is false when the document is gone and must be deleted.
	Exists bool
}

// Present returns a version for an existing document.
func Present(version string) DocumentVersion {
	return DocumentVersion{Version: version, Exists: true}
}

// Absent returns the version of a deleted document.
func Absent() DocumentVersion {
	return DocumentVersion{}
}

// RepositoryDocument is the content a connector hands to the output pipeline.
type RepositoryDocument struct {
	URI         string
	Content     []byte
	ContentType string
	Metadata    map[string][]string
	ModifiedAt  time.Time
}

// Reference is a link from the document being processed to another one.
type Reference struct {
	Identifier       string
	Parent           string
	RelationshipType string
	Carrydown        map[string][]string
	Prerequisites    []string
}

// ActivityRecord is one entry of connection activity history.
type ActivityRecord struct {
	JobID       string
	Connection  string
	Activity    string
	Identifier  string
	Start       time.Time
	Duration    time.Duration
	Bytes       int64
	ResultCode  string
	Description string
}

// Common activity names.
const (
	ActivityFetch   = "fetch"
	ActivityIngest  = "document ingest"
	ActivityDelete  = "document deletion"
	ActivityProcess = "process"
	ActivitySeed    = "seed"
	ActivityJob     = "job"
)

// ActivityRecorder records connection activity history. It must not block.
type ActivityRecorder interface {
	RecordActivity(rec ActivityRecord)
}

// VersionActivity is passed to DocumentVersions.
type VersionActivity interface {
	ActivityRecorder
	// CheckJobStillActive returns a ServiceInterruption with JobInactiveAbort
	// set once the job is no longer running.
	CheckJobStillActive(ctx context.Context) error
}

// ProcessActivity is passed to ProcessDocuments.
type ProcessActivity interface {
	VersionActivity
	// IngestDocument sends a document to every output of the job pipeline.
	IngestDocument(ctx context.Context, identifier, version string, doc RepositoryDocument) error
	// NoDocument records that the document was handled but has nothing to index.
	NoDocument(ctx context.Context, identifier, version string) error
	// DeleteDocument removes the document from the index and the job.
	DeleteDocument(identifier string)
	// RetryDocumentProcessing abandons this document for now; it is requeued
	// for immediate processing.
	RetryDocumentProcessing(identifier string)
	AddDocumentReference(ref Reference)
	// ParentData returns carrydown values passed to identifier by its parents.
	ParentData(ctx context.Context, identifier, name string) ([]string, error)
	BeginEventSequence(ctx context.Context, eventName string) (bool, error)
	CompleteEventSequence(ctx context.Context, eventName string) error
}

// SeedingActivity is passed to AddSeedDocuments.
type SeedingActivity interface {
	ActivityRecorder
	AddSeedDocument(identifier string, prerequisites []string)
}

// Repository is a pooled repository connector instance.
type Repository interface {
	BinNames(identifier string) []string
	MaxDocumentRequest() int
	RelationshipTypes() []string
	DocumentVersions(ctx context.Context, ids []string, oldVersions []string, activity VersionActivity,
		spec Spec, jobType crawler.JobType, usesDefaultAuthority bool) ([]DocumentVersion, error)
	ProcessDocuments(ctx context.Context, ids []string, versions []DocumentVersion, activity ProcessActivity,
		spec Spec, scanOnly []bool, jobType crawler.JobType) error
	AddSeedDocuments(ctx context.Context, activity SeedingActivity, spec Spec, lastSeed, now time.Time,
		jobType crawler.JobType) error
	Close() error
}
