package store

import (
	"context"
	"time"
)

// ActivityRow models one row of the activity_history table.
type ActivityRow struct {
	JobID       string
	Connection  string
	Activity    string
	Identifier  string
	StartedAt   time.Time
	Duration    time.Duration
	Bytes       int64
	ResultCode  string
	Description string
}

// JobEventRow models one row of the job_events table.
type JobEventRow struct {
	JobID  string
	Status string
	Prior  string
	At     time.Time
}

// HistoryRepository persists connection activity and job status history.
type HistoryRepository interface {
	// InsertActivities appends activity rows in one round trip.
	InsertActivities(ctx context.Context, rows []ActivityRow) error
	// InsertJobEvent appends a job status change.
	InsertJobEvent(ctx context.Context, row JobEventRow) error
	// ListActivities returns the newest activity for connection.
	ListActivities(ctx context.Context, connection string, limit, offset int) ([]ActivityRow, error)
}
