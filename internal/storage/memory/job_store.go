package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/crawlsched/internal/crawler"
)

// GetJob fetches a job by ID.
func (q *JobQueue) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return rec.job, nil
}

// ListJobs returns every job sorted by ID.
func (q *JobQueue) ListJobs(context.Context) ([]crawler.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]crawler.Job, 0, len(q.jobs))
	for _, rec := range q.jobs {
		out = append(out, rec.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveJob creates a job or updates its definition. Runtime state of an
// existing job is preserved.
func (q *JobQueue) SaveJob(_ context.Context, job crawler.Job) error {
	if job.ID == "" {
		return fmt.Errorf("save job: id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec, ok := q.jobs[job.ID]; ok {
		job.Status = rec.job.Status
		job.ErrorText = rec.job.ErrorText
		job.Started = rec.job.Started
		job.Finished = rec.job.Finished
		job.LastSeed = rec.job.LastSeed
		job.NextSeed = rec.job.NextSeed
		rec.job = job
		return nil
	}
	if job.Status == "" {
		job.Status = crawler.JobStatusNotYetRun
	}
	q.jobs[job.ID] = &jobRec{job: job}
	return nil
}

func (q *JobQueue) jobLocked(jobID string) (*jobRec, error) {
	rec, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, crawler.ErrJobNotFound)
	}
	return rec, nil
}

// StartJob requests a run of an idle job.
func (q *JobQueue) StartJob(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.jobLocked(jobID)
	if err != nil {
		return err
	}
	switch rec.job.Status {
	case crawler.JobStatusNotYetRun, crawler.JobStatusInactive, crawler.JobStatusError:
		rec.job.Status = crawler.JobStatusStarting
		rec.job.ErrorText = ""
		return nil
	default:
		return fmt.Errorf("start job %s: job is %s: %w", jobID, rec.job.Status, crawler.ErrInvalidTransition)
	}
}

// StopJob asks a running job to stop once its held documents drain.
func (q *JobQueue) StopJob(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.jobLocked(jobID)
	if err != nil {
		return err
	}
	switch rec.job.Status {
	case crawler.JobStatusActive, crawler.JobStatusStarting, crawler.JobStatusShuttingDown:
		rec.job.Status = crawler.JobStatusStopping
		return nil
	default:
		return fmt.Errorf("stop job %s: job is %s: %w", jobID, rec.job.Status, crawler.ErrInvalidTransition)
	}
}

// DeleteJob schedules a job and all of its documents for deletion.
func (q *JobQueue) DeleteJob(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.jobLocked(jobID)
	if err != nil {
		return err
	}
	switch rec.job.Status {
	case crawler.JobStatusDeleting, crawler.JobStatusDeleted, crawler.JobStatusReadyForDelete:
		return nil
	}
	rec.job.Status = crawler.JobStatusReadyForDelete
	return nil
}

func (q *JobQueue) jobsWithLocked(pred func(crawler.Job) bool) []crawler.Job {
	var out []crawler.Job
	for _, rec := range q.jobs {
		if pred(rec.job) {
			out = append(out, rec.job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// JobsReadyForStartup lists jobs waiting for their startup pass.
func (q *JobQueue) JobsReadyForStartup(context.Context) ([]crawler.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobsWithLocked(func(j crawler.Job) bool { return j.Status == crawler.JobStatusStarting }), nil
}

// PrepareJobStart parks documents finished by the previous run. Whatever the
// new run does not reach again is cleaned up when it ends.
func (q *JobQueue) PrepareJobStart(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.jobLocked(jobID)
	if err != nil {
		return err
	}
	if rec.job.Type != crawler.JobTypeOnce {
		return nil
	}
	for _, row := range q.rows {
		if row.desc.JobID == jobID && row.state == stateCompleted {
			row.state = statePurgatory
		}
	}
	return nil
}

// NoteJobStarted activates a job after its startup pass.
func (q *JobQueue) NoteJobStarted(_ context.Context, jobID string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.jobLocked(jobID)
	if err != nil {
		return err
	}
	if rec.job.Status != crawler.JobStatusStarting {
		return nil
	}
	rec.job.Status = crawler.JobStatusActive
	rec.job.Started = pointerTime(now)
	rec.job.Finished = nil
	return nil
}

// JobsReadyForSeeding lists active continuous jobs whose reseed came due.
func (q *JobQueue) JobsReadyForSeeding(_ context.Context, now time.Time) ([]crawler.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobsWithLocked(func(j crawler.Job) bool {
		return j.Status == crawler.JobStatusActive && j.Type == crawler.JobTypeContinuous &&
			j.NextSeed != nil && !j.NextSeed.After(now)
	}), nil
}

// NoteJobSeeded records a seeding pass. A zero next disables reseeding.
func (q *JobQueue) NoteJobSeeded(_ context.Context, jobID string, now, next time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.jobLocked(jobID)
	if err != nil {
		return err
	}
	rec.job.LastSeed = pointerTime(now)
	if next.IsZero() {
		rec.job.NextSeed = nil
	} else {
		rec.job.NextSeed = pointerTime(next)
	}
	return nil
}

// JobsReadyForDeleteStartup lists jobs waiting for a delete scan.
func (q *JobQueue) JobsReadyForDeleteStartup(context.Context) ([]crawler.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobsWithLocked(func(j crawler.Job) bool { return j.Status == crawler.JobStatusReadyForDelete }), nil
}

// PrepareDeleteScan queues every unheld document of the job for deletion.
func (q *JobQueue) PrepareDeleteScan(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.jobLocked(jobID); err != nil {
		return err
	}
	q.sweepForDeleteLocked(jobID)
	return nil
}

func (q *JobQueue) sweepForDeleteLocked(jobID string) {
	for _, row := range q.rows {
		if row.desc.JobID != jobID || row.state.held() || row.state == statePendingDelete {
			continue
		}
		row.state = statePendingDelete
		row.due = time.Time{}
	}
}

// NoteJobDeleteStarted moves a job into its deleting phase.
func (q *JobQueue) NoteJobDeleteStarted(_ context.Context, jobID string, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.jobLocked(jobID)
	if err != nil {
		return err
	}
	if rec.job.Status == crawler.JobStatusReadyForDelete {
		rec.job.Status = crawler.JobStatusDeleting
	}
	return nil
}

// ErrorAbort aborts a job with message.
func (q *JobQueue) ErrorAbort(_ context.Context, jobID, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.jobLocked(jobID)
	if err != nil {
		return err
	}
	switch rec.job.Status {
	case crawler.JobStatusActive, crawler.JobStatusStarting, crawler.JobStatusShuttingDown, crawler.JobStatusStopping:
		rec.job.Status = crawler.JobStatusAborting
		rec.job.ErrorText = message
	}
	return nil
}

type jobCounts struct {
	queued  int
	held    int
	parked  int
	cleanup int
	total   int
}

func (q *JobQueue) countsLocked(jobID string) jobCounts {
	var c jobCounts
	for _, row := range q.rows {
		if row.desc.JobID != jobID {
			continue
		}
		c.total++
		switch {
		case row.state.held():
			c.held++
		case row.state == statePending:
			c.queued++
		case row.state == statePurgatory:
			c.parked++
		case row.state == statePendingCleanup:
			c.cleanup++
		}
		if row.state == stateBeingCleaned {
			c.cleanup++
		}
	}
	return c
}

// AdvanceJobStates moves jobs forward once their document work has drained.
func (q *JobQueue) AdvanceJobStates(_ context.Context, now time.Time) ([]crawler.JobTransition, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []crawler.JobTransition
	move := func(rec *jobRec, to crawler.JobStatus) {
		out = append(out, crawler.JobTransition{JobID: rec.job.ID, From: rec.job.Status, To: to, At: now})
		rec.job.Status = to
		switch to {
		case crawler.JobStatusInactive, crawler.JobStatusError, crawler.JobStatusDeleted:
			rec.job.Finished = pointerTime(now)
			rec.notify = true
		}
	}

	ids := make([]string, 0, len(q.jobs))
	for id := range q.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := q.jobs[id]
		c := q.countsLocked(id)
		switch rec.job.Status {
		case crawler.JobStatusActive:
			if rec.job.Type != crawler.JobTypeOnce || c.queued > 0 || c.held > 0 {
				continue
			}
			if c.parked > 0 {
				for _, row := range q.rows {
					if row.desc.JobID == id && row.state == statePurgatory {
						row.state = statePendingCleanup
						row.due = time.Time{}
					}
				}
				move(rec, crawler.JobStatusShuttingDown)
				continue
			}
			move(rec, crawler.JobStatusInactive)
		case crawler.JobStatusShuttingDown:
			if c.cleanup == 0 {
				move(rec, crawler.JobStatusInactive)
			}
		case crawler.JobStatusStopping:
			if c.held == 0 {
				move(rec, crawler.JobStatusInactive)
			}
		case crawler.JobStatusAborting:
			if c.held == 0 {
				move(rec, crawler.JobStatusError)
			}
		case crawler.JobStatusDeleting:
			q.sweepForDeleteLocked(id)
			if c.total == 0 {
				move(rec, crawler.JobStatusDeleted)
			}
		}
	}
	return out, nil
}

// JobsNeedingNotification lists jobs that ended since the last notification.
func (q *JobQueue) JobsNeedingNotification(context.Context) ([]crawler.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []crawler.Job
	for _, rec := range q.jobs {
		if rec.notify {
			out = append(out, rec.job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// NoteNotificationDelivered clears the pending notification of a job.
func (q *JobQueue) NoteNotificationDelivered(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, err := q.jobLocked(jobID)
	if err != nil {
		return err
	}
	rec.notify = false
	return nil
}

// DocumentCounts reports document counts by state for a job.
func (q *JobQueue) DocumentCounts(_ context.Context, jobID string) (map[string]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.jobLocked(jobID); err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, row := range q.rows {
		if row.desc.JobID == jobID {
			out[row.state.String()]++
		}
	}
	return out, nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
