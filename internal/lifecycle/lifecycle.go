// Package lifecycle holds the singleton threads that move jobs through their
// states: startup, reseeding, delete startup, job reset and notification.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/dispatcher"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/resetmgr"
	"github.com/JakeFAU/crawlsched/internal/schedule"
	"github.com/JakeFAU/crawlsched/internal/threads"
)

// Seeder queues a job's seeds.
type Seeder interface {
	Seed(ctx context.Context, job crawler.Job, lastSeed, now time.Time) (int, error)
}

// TransitionRecorder is told about every job state change.
type TransitionRecorder interface {
	RecordTransition(tr crawler.JobTransition)
}

// Config tunes the lifecycle threads.
type Config struct {
	// Interval is the pause between startup, delete-startup, job-reset and
	// notification cycles.
	Interval        time.Duration `mapstructure:"interval"`
	SeedingInterval time.Duration `mapstructure:"seeding_interval"`
	// Topic receives job notifications.
	Topic      string        `mapstructure:"topic"`
	ErrorPause time.Duration `mapstructure:"error_pause"`
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.SeedingInterval <= 0 {
		c.SeedingInterval = 15 * time.Second
	}
	if c.Topic == "" {
		c.Topic = "crawlsched-jobs"
	}
}

// Deps are the collaborators of the lifecycle threads.
type Deps struct {
	Jobs   crawler.JobManager
	Seeder Seeder
	// Publisher may be nil; notifications are then only logged.
	Publisher   crawler.Publisher
	Transitions TransitionRecorder
	Reset       *resetmgr.Manager
	Clock       crawler.Clock
	Logger      *zap.Logger
	Fatal       func(error)
}

// Manager runs the lifecycle threads.
type Manager struct {
	Deps
	cfg    Config
	logger *zap.Logger
}

// New builds the lifecycle threads.
func New(cfg Config, deps Deps) *Manager {
	cfg.normalize()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{Deps: deps, cfg: cfg, logger: logger.Named("lifecycle")}
}

// Threads returns every lifecycle thread, ready for a dispatcher.
func (m *Manager) Threads() []dispatcher.Thread {
	every := func(name string, interval time.Duration, body func(context.Context) error) dispatcher.Thread {
		return dispatcher.Thread{Name: name, Run: func(ctx context.Context) error {
			return m.loop(name).RunEvery(ctx, interval, body)
		}}
	}
	return []dispatcher.Thread{
		every("startup", m.cfg.Interval, m.startupCycle),
		every("seeding", m.cfg.SeedingInterval, m.seedingCycle),
		every("delete-startup", m.cfg.Interval, m.deleteStartupCycle),
		every("job-reset", m.cfg.Interval, m.jobResetCycle),
		every("notification", m.cfg.Interval, m.notificationCycle),
	}
}

func (m *Manager) loop(name string) threads.Loop {
	return threads.Loop{Name: name, Reset: m.Reset, Logger: m.logger, ErrorPause: m.cfg.ErrorPause, Fatal: m.Fatal}
}

// escalates reports whether err must end the cycle instead of being handled
// per job.
func escalates(ctx context.Context, err error) bool {
	switch threads.Classify(ctx, err) {
	case threads.KindShutdown, threads.KindTransient, threads.KindSetup:
		return true
	}
	return false
}

func (m *Manager) startupCycle(ctx context.Context) error {
	jobs, err := m.Jobs.JobsReadyForStartup(ctx)
	if err != nil {
		return fmt.Errorf("jobs ready for startup: %w", err)
	}
	for _, job := range jobs {
		if err := m.startJob(ctx, job); err != nil {
			if escalates(ctx, err) {
				return err
			}
			m.logger.Error("job startup failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}

// startJob sets aside the previous run's documents, queues the seeds and
// activates the job.
func (m *Manager) startJob(ctx context.Context, job crawler.Job) error {
	now := m.Clock.Now()
	if err := m.Jobs.PrepareJobStart(ctx, job.ID); err != nil {
		return fmt.Errorf("prepare job start: %w", err)
	}
	if _, err := m.Seeder.Seed(ctx, job, time.Time{}, now); err != nil {
		return m.seedFailed(ctx, job, err)
	}
	next, err := schedule.Next(job, now)
	if err != nil {
		return m.abort(ctx, job, err)
	}
	if err := m.Jobs.NoteJobSeeded(ctx, job.ID, now, next); err != nil {
		return fmt.Errorf("note job seeded: %w", err)
	}
	if err := m.Jobs.NoteJobStarted(ctx, job.ID, now); err != nil {
		return fmt.Errorf("note job started: %w", err)
	}
	m.logger.Info("job started", zap.String("job_id", job.ID), zap.Stringer("type", job.Type))
	return nil
}

func (m *Manager) seedingCycle(ctx context.Context) error {
	now := m.Clock.Now()
	jobs, err := m.Jobs.JobsReadyForSeeding(ctx, now)
	if err != nil {
		return fmt.Errorf("jobs ready for seeding: %w", err)
	}
	for _, job := range jobs {
		var last time.Time
		if job.LastSeed != nil {
			last = *job.LastSeed
		}
		if _, err := m.Seeder.Seed(ctx, job, last, now); err != nil {
			if err := m.seedFailed(ctx, job, err); err != nil && escalates(ctx, err) {
				return err
			}
			continue
		}
		next, err := schedule.Next(job, now)
		if err != nil {
			if err := m.abort(ctx, job, err); err != nil && escalates(ctx, err) {
				return err
			}
			continue
		}
		if err := m.Jobs.NoteJobSeeded(ctx, job.ID, now, next); err != nil {
			return fmt.Errorf("note job seeded: %w", err)
		}
	}
	return nil
}

// seedFailed leaves the job for the next cycle when the repository is only
// temporarily unavailable, and aborts it otherwise.
func (m *Manager) seedFailed(ctx context.Context, job crawler.Job, err error) error {
	if si, ok := crawler.AsServiceInterruption(err); ok {
		m.logger.Info("seeding interrupted; will retry", zap.String("job_id", job.ID), zap.Error(si))
		return nil
	}
	if escalates(ctx, err) {
		return err
	}
	return m.abort(ctx, job, err)
}

func (m *Manager) abort(ctx context.Context, job crawler.Job, cause error) error {
	m.logger.Warn("aborting job", zap.String("job_id", job.ID), zap.Error(cause))
	if err := m.Jobs.ErrorAbort(ctx, job.ID, cause.Error()); err != nil {
		return fmt.Errorf("abort job %s: %w", job.ID, err)
	}
	return nil
}

func (m *Manager) deleteStartupCycle(ctx context.Context) error {
	jobs, err := m.Jobs.JobsReadyForDeleteStartup(ctx)
	if err != nil {
		return fmt.Errorf("jobs ready for delete: %w", err)
	}
	for _, job := range jobs {
		if err := m.Jobs.PrepareDeleteScan(ctx, job.ID); err != nil {
			return fmt.Errorf("prepare delete scan of %s: %w", job.ID, err)
		}
		if err := m.Jobs.NoteJobDeleteStarted(ctx, job.ID, m.Clock.Now()); err != nil {
			return fmt.Errorf("note delete started of %s: %w", job.ID, err)
		}
		m.logger.Info("job deletion started", zap.String("job_id", job.ID))
	}
	return nil
}

func (m *Manager) jobResetCycle(ctx context.Context) error {
	transitions, err := m.Jobs.AdvanceJobStates(ctx, m.Clock.Now())
	if err != nil {
		return fmt.Errorf("advance job states: %w", err)
	}
	for _, tr := range transitions {
		m.logger.Info("job status changed", zap.String("job_id", tr.JobID),
			zap.String("from", string(tr.From)), zap.String("to", string(tr.To)))
		metrics.ObserveJobTransition(string(tr.To))
		if m.Transitions != nil {
			m.Transitions.RecordTransition(tr)
		}
	}
	return nil
}

// notificationCycle publishes the end of every finished job once. A failed
// publish is retried on the next cycle.
func (m *Manager) notificationCycle(ctx context.Context) error {
	jobs, err := m.Jobs.JobsNeedingNotification(ctx)
	if err != nil {
		return fmt.Errorf("jobs needing notification: %w", err)
	}
	var errs []error
	for _, job := range jobs {
		at := m.Clock.Now()
		if job.Finished != nil {
			at = *job.Finished
		}
		n := crawler.Notification{JobID: job.ID, Status: job.Status, ErrorText: job.ErrorText, At: at}
		if m.Publisher != nil {
			id, err := m.Publisher.Publish(ctx, m.cfg.Topic, n)
			if err != nil {
				m.logger.Warn("job notification failed", zap.String("job_id", job.ID), zap.Error(err))
				if escalates(ctx, err) {
					errs = append(errs, err)
				}
				continue
			}
			m.logger.Debug("job notification published", zap.String("job_id", job.ID), zap.String("message_id", id))
		} else {
			m.logger.Info("job finished", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		}
		if err := m.Jobs.NoteNotificationDelivered(ctx, job.ID); err != nil {
			return fmt.Errorf("note notification delivered: %w", err)
		}
	}
	return errors.Join(errs...)
}
