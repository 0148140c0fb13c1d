// Package schedule works out when continuous jobs reseed: from a cron
// expression when one is configured, otherwise from a fixed interval.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/JakeFAU/crawlsched/internal/crawler"
)

// Validate reports whether expr is a usable reseed schedule. Empty is valid.
func Validate(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("reseed schedule %q: %w", expr, err)
	}
	return nil
}

// Next returns the first reseed after from. A zero time means the job never
// reseeds.
func Next(job crawler.Job, from time.Time) (time.Time, error) {
	if job.Type != crawler.JobTypeContinuous {
		return time.Time{}, nil
	}
	if job.ReseedSchedule != "" {
		sched, err := cron.ParseStandard(job.ReseedSchedule)
		if err != nil {
			return time.Time{}, fmt.Errorf("job %s: reseed schedule %q: %w", job.ID, job.ReseedSchedule, err)
		}
		return sched.Next(from), nil
	}
	if job.ReseedInterval > 0 {
		return from.Add(job.ReseedInterval), nil
	}
	return time.Time{}, nil
}
