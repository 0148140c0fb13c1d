// Package progress defines the event structures emitted by scheduler threads.
package progress

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Stage denotes the type of record represented by an Event.
type Stage string

// Supported progress stages.
const (
	// StageActivity is one connection activity history entry.
	StageActivity Stage = "ACTIVITY"
	// StageJobStatus is a job entering a new status.
	StageJobStatus Stage = "JOB_STATUS"
)

// Event captures a single piece of scheduler history.
type Event struct {
	// JobID is the owning job; activity records outside a job leave it empty.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage selects which of the fields below are meaningful.
	Stage Stage
	// Connection names the repository connection for activity events.
	Connection string
	// Activity is the activity name (fetch, document ingest, ...).
	Activity string
	// Identifier is the document or entity the activity concerned.
	Identifier string
	// Bytes carries the size moved by the activity.
	Bytes int64
	// ResultCode is connector specific; HTTP connectors use the status code.
	ResultCode string
	// Dur captures the activity latency.
	Dur time.Duration
	// Status is the new job status for job events.
	Status string
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageActivity:
		if e.Connection == "" {
			return errors.New("activity requires connection")
		}
		if e.Activity == "" {
			return errors.New("activity requires activity name")
		}
	case StageJobStatus:
		if e.JobID == "" {
			return errors.New("job status requires job id")
		}
		if e.Status == "" {
			return errors.New("job status requires status")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ResultClass groups numeric result codes the way HTTP status classes are
// grouped. Non-numeric codes are returned unchanged; empty becomes "ok".
func ResultClass(code string) string {
	if code == "" {
		return "ok"
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return code
	}
	switch {
	case n >= 200 && n < 300:
		return "2xx"
	case n >= 300 && n < 400:
		return "3xx"
	case n >= 400 && n < 500:
		return "4xx"
	case n >= 500 && n < 600:
		return "5xx"
	default:
		return "other"
	}
}
