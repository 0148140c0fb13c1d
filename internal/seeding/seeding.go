// Package seeding asks a job's connector for its seed documents and queues
// them with fresh priorities.
package seeding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/priority"
)

// Store queues seeds.
type Store interface {
	AddSeedDocuments(ctx context.Context, jobID string, seeds []crawler.SeedRecord, priorities []float64) ([]bool, error)
}

// Seeder runs seeding passes.
type Seeder struct {
	store    Store
	conns    *connector.Registry
	tracker  *priority.Tracker
	hasher   crawler.Hasher
	recorder connector.ActivityRecorder
	logger   *zap.Logger
}

// New builds a Seeder. recorder may be nil.
func New(store Store, conns *connector.Registry, tracker *priority.Tracker, hasher crawler.Hasher,
	recorder connector.ActivityRecorder, logger *zap.Logger,
) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{
		store:    store,
		conns:    conns,
		tracker:  tracker,
		hasher:   hasher,
		recorder: recorder,
		logger:   logger.Named("seeding"),
	}
}

// Seed collects the job's seeds changed since lastSeed and queues them. It
// returns how many seeds were newly queued or revived.
func (s *Seeder) Seed(ctx context.Context, job crawler.Job, lastSeed, now time.Time) (int, error) {
	conn, ok := s.conns.Connection(job.Connection)
	if !ok {
		return 0, fmt.Errorf("seed job %s: unknown connection %q: %w", job.ID, job.Connection, crawler.ErrNotFound)
	}
	repo, err := s.conns.Grab(ctx, conn.Name)
	if err != nil {
		return 0, err
	}
	defer s.conns.Release(conn.Name, repo)

	act := &activity{job: job, conn: conn, recorder: s.recorder, seen: make(map[string]bool)}
	start := time.Now()
	if err := repo.AddSeedDocuments(ctx, act, connector.SpecFor(job), lastSeed, now, job.Type); err != nil {
		return 0, fmt.Errorf("seed job %s: %w", job.ID, err)
	}
	seeds := act.collected()
	if len(seeds) == 0 {
		return 0, nil
	}

	rates := s.conns.Throttle(conn.Name)
	calcs := make([]*priority.Calculator, len(seeds))
	prios := make([]float64, len(seeds))
	for i := range seeds {
		hash, err := s.hasher.Hash([]byte(seeds[i].Identifier))
		if err != nil {
			return 0, fmt.Errorf("hash seed: %w", err)
		}
		seeds[i].IdentifierHash = hash
		calcs[i] = s.tracker.NewCalculator(conn.Class, rates, repo.BinNames(seeds[i].Identifier))
		prios[i] = calcs[i].DocumentPriority()
	}
	accepted, err := s.store.AddSeedDocuments(ctx, job.ID, seeds, prios)
	if err != nil {
		for _, c := range calcs {
			c.NotePriorityNotUsed()
		}
		return 0, fmt.Errorf("queue seeds of job %s: %w", job.ID, err)
	}
	n := 0
	for i, c := range calcs {
		if i < len(accepted) && accepted[i] {
			n++
			metrics.ObservePriority(prios[i])
			continue
		}
		c.NotePriorityNotUsed()
	}
	act.RecordActivity(connector.ActivityRecord{
		Activity:    connector.ActivitySeed,
		Start:       start,
		Duration:    time.Since(start),
		ResultCode:  "OK",
		Description: fmt.Sprintf("%d seeds, %d queued", len(seeds), n),
	})
	s.logger.Info("job seeded", zap.String("job_id", job.ID), zap.Int("seeds", len(seeds)), zap.Int("queued", n))
	return n, nil
}

type activity struct {
	job      crawler.Job
	conn     connector.Connection
	recorder connector.ActivityRecorder

	mu    sync.Mutex
	seen  map[string]bool
	seeds []crawler.SeedRecord
}

func (a *activity) RecordActivity(rec connector.ActivityRecord) {
	if rec.JobID == "" {
		rec.JobID = a.job.ID
	}
	if rec.Connection == "" {
		rec.Connection = a.conn.Name
	}
	metrics.ObserveActivity(rec.Connection, rec.Activity, rec.ResultCode, rec.Bytes)
	if a.recorder != nil {
		a.recorder.RecordActivity(rec)
	}
}

func (a *activity) AddSeedDocument(identifier string, prerequisites []string) {
	if identifier == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seen[identifier] {
		return
	}
	a.seen[identifier] = true
	a.seeds = append(a.seeds, crawler.SeedRecord{Identifier: identifier, Prerequisites: prerequisites})
}

func (a *activity) collected() []crawler.SeedRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]crawler.SeedRecord(nil), a.seeds...)
}
