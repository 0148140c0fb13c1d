package seeding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/connector/connectortest"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/hash/sha256"
	"github.com/JakeFAU/crawlsched/internal/priority"
	"github.com/JakeFAU/crawlsched/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type failingStore struct{ err error }

func (s failingStore) AddSeedDocuments(context.Context, string, []crawler.SeedRecord, []float64) ([]bool, error) {
	return nil, s.err
}

type records struct{ got []connector.ActivityRecord }

func (r *records) RecordActivity(rec connector.ActivityRecord) { r.got = append(r.got, rec) }

func chargedTotal(tr *priority.Tracker) float64 {
	var total float64
	for _, s := range tr.Snapshot() {
		total += s.Count
	}
	return total
}

func TestSeedQueuesNewSeedsOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	store := memory.NewJobQueue(fixedClock{now})
	repo := &connectortest.Repository{}
	conns, err := connectortest.Registry(repo, connector.Connection{Name: "web"})
	require.NoError(t, err)
	tracker := priority.NewTracker()
	rec := &records{}
	seeder := New(store, conns, tracker, sha256.New(), rec, nil)

	job := crawler.Job{ID: "j", Connection: "web", Seeds: []string{"a.com/", "b.com/", "a.com/"}}
	require.NoError(t, store.SaveJob(ctx, job))

	n, err := seeder.Seed(ctx, job, time.Time{}, now)
	require.NoError(t, err)
	require.Equal(t, 2, n, "duplicate seeds are collapsed")
	require.Equal(t, 2.0, chargedTotal(tracker))

	n, err = seeder.Seed(ctx, job, now, now)
	require.NoError(t, err)
	require.Zero(t, n, "seeds already queued are not revived")
	require.Equal(t, 2.0, chargedTotal(tracker), "unused priorities are given back")

	counts, err := store.DocumentCounts(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"pending": 2}, counts)
	require.NotEmpty(t, rec.got)
	require.Equal(t, connector.ActivitySeed, rec.got[0].Activity)
	require.Equal(t, "j", rec.got[0].JobID)
}

func TestSeedStoreFailureGivesBackPriorities(t *testing.T) {
	t.Parallel()

	conns, err := connectortest.Registry(&connectortest.Repository{Seeds: []string{"a.com/"}}, connector.Connection{Name: "web"})
	require.NoError(t, err)
	tracker := priority.NewTracker()
	boom := errors.New("down")
	seeder := New(failingStore{err: boom}, conns, tracker, sha256.New(), nil, nil)

	_, err = seeder.Seed(context.Background(), crawler.Job{ID: "j", Connection: "web"}, time.Time{}, time.Now())
	require.ErrorIs(t, err, boom)
	require.Zero(t, chargedTotal(tracker))
}

func TestSeedUnknownConnection(t *testing.T) {
	t.Parallel()

	conns, err := connectortest.Registry(&connectortest.Repository{}, connector.Connection{Name: "web"})
	require.NoError(t, err)
	seeder := New(failingStore{}, conns, priority.NewTracker(), sha256.New(), nil, nil)

	_, err = seeder.Seed(context.Background(), crawler.Job{ID: "j", Connection: "nope"}, time.Time{}, time.Now())
	require.ErrorIs(t, err, crawler.ErrNotFound)
}
