package crawler

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusNotYetRun      JobStatus = "not_yet_run"
	JobStatusStarting       JobStatus = "starting"
	JobStatusActive         JobStatus = "active"
	JobStatusStopping       JobStatus = "stopping"
	JobStatusAborting       JobStatus = "aborting"
	JobStatusShuttingDown   JobStatus = "shutting_down"
	JobStatusInactive       JobStatus = "inactive"
	JobStatusError          JobStatus = "error"
	JobStatusReadyForDelete JobStatus = "ready_for_delete"
	JobStatusDeleting       JobStatus = "deleting"
	JobStatusDeleted        JobStatus = "deleted"
)

// Running reports whether documents of a job in this state may be processed.
func (s JobStatus) Running() bool {
	return s == JobStatusActive
}

// JobType distinguishes one-shot crawls from continuous recrawling.
type JobType int

// Supported job types.
const (
	JobTypeOnce JobType = iota
	JobTypeContinuous
)

func (t JobType) String() string {
	if t == JobTypeContinuous {
		return "continuous"
	}
	return "once"
}

// HopcountMode controls how strictly hop limits are maintained.
type HopcountMode int

// Supported hopcount modes.
const (
	HopcountAccurate HopcountMode = iota
	HopcountNoDelete
	HopcountNeverDelete
)

var hopcountModeNames = []string{"accurate", "no_delete", "never_delete"}

func (m HopcountMode) String() string {
	if m < 0 || int(m) >= len(hopcountModeNames) {
		return fmt.Sprintf("hopcount_mode(%d)", int(m))
	}
	return hopcountModeNames[m]
}

// ParseJobType accepts "once" and "continuous"; empty means once.
func ParseJobType(s string) (JobType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "once":
		return JobTypeOnce, nil
	case "continuous":
		return JobTypeContinuous, nil
	default:
		return 0, fmt.Errorf("unknown job type %q", s)
	}
}

// ParseHopcountMode accepts the names printed by HopcountMode.String; empty
// means accurate.
func ParseHopcountMode(s string) (HopcountMode, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	if name == "" {
		return HopcountAccurate, nil
	}
	for i, n := range hopcountModeNames {
		if n == name {
			return HopcountMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown hopcount mode %q", s)
}

// Action is what should happen to a document the next time it comes due.
type Action int

// Document actions.
const (
	ActionRescan Action = iota
	ActionRemove
)

// PoolKind names one of the worker pools.
type PoolKind string

// Pool kinds.
const (
	PoolFetch   PoolKind = "fetch"
	PoolDelete  PoolKind = "delete"
	PoolCleanup PoolKind = "cleanup"
	PoolExpire  PoolKind = "expire"
)

// Job is the persisted definition and state of a crawl job.
type Job struct {
	ID          string `json:"id" mapstructure:"id"`
	Description string `json:"description" mapstructure:"description"`
	// Connection names the repository connection the job crawls through.
	Connection string `json:"connection" mapstructure:"connection"`
	// Outputs lists output connection names in pipeline order.
	Outputs []string `json:"outputs" mapstructure:"outputs"`
	Type    JobType  `json:"type" mapstructure:"type"`
	// RecrawlInterval is the continuous-job refetch interval; zero disables recrawl.
	RecrawlInterval time.Duration `json:"recrawl_interval" mapstructure:"recrawl_interval"`
	// ExpirationInterval is how long a continuous-job document lives; zero means forever.
	ExpirationInterval time.Duration `json:"expiration_interval" mapstructure:"expiration_interval"`
	ReseedInterval     time.Duration `json:"reseed_interval" mapstructure:"reseed_interval"`
	// ReseedSchedule is an optional cron expression that overrides ReseedInterval.
	ReseedSchedule  string            `json:"reseed_schedule,omitempty" mapstructure:"reseed_schedule"`
	HopcountMode    HopcountMode      `json:"hopcount_mode" mapstructure:"hopcount_mode"`
	HopcountFilters map[string]int    `json:"hopcount_filters,omitempty" mapstructure:"hopcount_filters"`
	Seeds           []string          `json:"seeds" mapstructure:"seeds"`
	Spec            map[string]string `json:"spec,omitempty" mapstructure:"spec"`

	Status    JobStatus  `json:"status"`
	ErrorText string     `json:"error_text,omitempty"`
	Started   *time.Time `json:"started_at,omitempty"`
	Finished  *time.Time `json:"finished_at,omitempty"`
	LastSeed  *time.Time `json:"last_seed,omitempty"`
	NextSeed  *time.Time `json:"next_seed,omitempty"`
}

// DocumentDescription identifies one document instance within one job.
type DocumentDescription struct {
	JobID                  string
	DocumentIdentifier     string
	DocumentIdentifierHash string
	// FailTime is the deadline beyond which service interruptions become fatal.
	// Zero means no deadline.
	FailTime time.Time
	// FailRetryCount is the remaining interruption budget; -1 means unlimited.
	FailRetryCount int
	// OriginationTime is when the document was first queued for the job.
	OriginationTime time.Time
}

// Key returns the row identity of the document.
func (d DocumentDescription) Key() DocumentKey {
	return DocumentKey{JobID: d.JobID, IDHash: d.DocumentIdentifierHash}
}

// DocumentKey is the persistent identity of a document row.
type DocumentKey struct {
	JobID  string
	IDHash string
}

// IngestStatus is what an output last recorded about a document.
type IngestStatus struct {
	DocumentVersion string
	Authority       string
	OutputVersion   string
	IngestedAt      time.Time
	// CheckedAt advances when the document was confirmed unchanged.
	CheckedAt time.Time
}

// FetchHints carries everything the store needs to pick the next fetch batch.
type FetchHints struct {
	ProcessID string
	Limit     int
	AsOf      time.Time
	// Interval is the wall-clock time since the previous stuffing pass.
	Interval time.Duration
	// Blocking receives due documents that cannot be ordered yet because
	// they have no priority.
	Blocking BlockingRecorder
	// JobDepth reports how many documents of a job are already queued in memory.
	JobDepth func(jobID string) int
}

// BlockingRecorder collects documents whose priority must be computed out of band.
type BlockingRecorder interface {
	AddBlocking(desc DocumentDescription)
}

// DocumentReference is a link discovered while processing a parent document.
type DocumentReference struct {
	JobID             string
	Identifier        string
	IdentifierHash    string
	Parent            string
	ParentHash        string
	RelationshipType  string
	CarrydownData     map[string][]string
	PrerequisiteEvent []string
}

// SeedRecord is one document identifier produced by seeding.
type SeedRecord struct {
	Identifier     string
	IdentifierHash string
	Prerequisites  []string
}

// JobTransition reports a job state change made by the store.
type JobTransition struct {
	JobID string
	From  JobStatus
	To    JobStatus
	At    time.Time
}

// Notification is published when a job reaches a terminal state.
type Notification struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	ErrorText string    `json:"error_text,omitempty"`
	At        time.Time `json:"at"`
}
