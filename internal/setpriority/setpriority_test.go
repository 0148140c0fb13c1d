package setpriority

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/connector/connectortest"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/priority"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/storage/memory"
	"github.com/JakeFAU/crawlsched/internal/throttle"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fixture struct {
	store    *memory.JobQueue
	tracker  *priority.Tracker
	blocking *queue.BlockingDocuments
	thread   *Thread
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewJobQueue(fixedClock{time.Unix(1700000000, 0)})
	conns, err := connectortest.Registry(&connectortest.Repository{}, connector.Connection{Name: "web"})
	require.NoError(t, err)
	f := &fixture{
		store:    store,
		tracker:  priority.NewTracker(),
		blocking: queue.NewBlockingDocuments(),
	}
	f.thread = New(Config{ProcessID: "p", Quota: 10, Backoff: time.Millisecond}, Deps{
		Store:    store,
		Conns:    conns,
		Tracker:  f.tracker,
		Blocking: f.blocking,
	})
	return f
}

func (f *fixture) job(t *testing.T, id, conn string, ids ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SaveJob(ctx, crawler.Job{ID: id, Connection: conn}))
	require.NoError(t, f.store.StartJob(ctx, id))
	require.NoError(t, f.store.NoteJobStarted(ctx, id, time.Now()))
	recs := make([]crawler.SeedRecord, len(ids))
	for i, s := range ids {
		recs[i] = crawler.SeedRecord{Identifier: s, IdentifierHash: s}
	}
	_, err := f.store.AddSeedDocuments(ctx, id, recs, make([]float64, len(ids)))
	require.NoError(t, err)
}

func (f *fixture) due(t *testing.T) []crawler.DocumentDescription {
	t.Helper()
	descs, err := f.store.GetNextDocuments(context.Background(), crawler.FetchHints{ProcessID: "p"})
	require.NoError(t, err)
	return descs
}

func TestCycleWritesBacklogPriorities(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.job(t, "j", "web", "a.com/1", "a.com/2", "b.com/1")
	require.NoError(t, f.store.ResetDocumentPriorities(context.Background()))
	require.Empty(t, f.due(t), "documents without a priority are not handed out")

	require.NoError(t, f.thread.cycle(context.Background()))

	due := f.due(t)
	require.Len(t, due, 3)
	require.Contains(t, due[2].DocumentIdentifier, "a.com/", "the second document of a busy bin sorts last")
}

func TestCycleDrainsBlockingFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.thread.cfg.Quota = 1
	f.job(t, "j", "web", "a.com/1", "a.com/2")
	require.NoError(t, f.store.ResetDocumentPriorities(context.Background()))

	backlog, err := f.store.GetNextNotYetProcessedReprioritizationDocuments(context.Background(), "p", 10)
	require.NoError(t, err)
	for _, d := range backlog {
		f.blocking.AddBlocking(d)
	}

	require.NoError(t, f.thread.cycle(context.Background()))
	require.Zero(t, f.blocking.Len())
	require.Len(t, f.due(t), 2, "blocking documents are not limited by the quota")
}

func TestUnknownConnectionGetsInfinitePriority(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.job(t, "j", "missing", "a.com/1")
	require.NoError(t, f.store.ResetDocumentPriorities(context.Background()))

	require.NoError(t, f.thread.cycle(context.Background()))
	require.Empty(t, f.due(t), "an infinite priority is never selected")
	left, err := f.store.GetNextNotYetProcessedReprioritizationDocuments(context.Background(), "p", 10)
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestEmptyCycleEndsTrackerReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.job(t, "j", "web", "a.com/1")
	f.tracker.BeginReset(time.Now())
	require.NoError(t, f.store.ResetDocumentPriorities(context.Background()))

	require.NoError(t, f.thread.cycle(context.Background()))
	require.True(t, f.tracker.Resetting(), "work found; reset still running")

	require.NoError(t, f.thread.cycle(context.Background()))
	require.False(t, f.tracker.Resetting())
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.thread.Run(ctx) }()
	cancel()
	require.Eventually(t, func() bool {
		select {
		case err := <-done:
			return err == nil
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestSetupErrorIsFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conns := connector.NewRegistry(nil)
	conns.RegisterClass("broken", func(connector.Connection, *throttle.Spec, *zap.Logger) (connector.Repository, error) {
		return nil, crawler.NewSetupError("configure", errors.New("bad config"))
	})
	require.NoError(t, conns.AddConnection(connector.Connection{Name: "web", Class: "broken"}))
	f.thread.Conns = conns
	fatal := make(chan error, 1)
	f.thread.Fatal = func(err error) { fatal <- err }

	f.job(t, "j", "web", "a.com/1")
	require.NoError(t, f.store.ResetDocumentPriorities(context.Background()))
	backlog, err := f.store.GetNextNotYetProcessedReprioritizationDocuments(context.Background(), "p", 10)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	f.blocking.AddBlocking(backlog[0])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = f.thread.Run(ctx)
	require.True(t, crawler.IsSetup(err), "got %v", err)
	require.NoError(t, ctx.Err(), "the thread stopped on its own")

	select {
	case got := <-fatal:
		require.ErrorContains(t, got, "bad config")
	default:
		t.Fatal("setup error never reached the fatal hook")
	}
	require.Equal(t, 1, f.blocking.Len(), "the blocking document is kept for the next run")
}
