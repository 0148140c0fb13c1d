package stuffer

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/connector/connectortest"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/lock"
	"github.com/JakeFAU/crawlsched/internal/output"
	"github.com/JakeFAU/crawlsched/internal/priority"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/storage/memory"
	"github.com/JakeFAU/crawlsched/internal/threads"
	"github.com/JakeFAU/crawlsched/internal/throttle"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestNextStuffAmount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		cur, got    int
		fetch, idle time.Duration
		want        int
	}{
		{"slow fetch halves to floor", 50, 50, 2000 * time.Millisecond, 500 * time.Millisecond, 50},
		{"fast full fetch doubles", 50, 50, 100 * time.Millisecond, 1000 * time.Millisecond, 100},
		{"slow fetch halves", 400, 400, time.Second, 0, 200},
		{"partial fetch holds", 200, 120, time.Millisecond, time.Second, 200},
		{"doubling is capped", 1500, 1500, 0, time.Second, 2000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, nextStuffAmount(tc.cur, 50, 2000, tc.got, tc.fetch, tc.idle))
		})
	}
}

type fixture struct {
	store   *memory.JobQueue
	stuffer *Stuffer
	queue   *queue.Queue[*queue.QueuedDocumentSet]
	tracker *priority.Tracker
	locks   *lock.Memory
	now     time.Time
}

func newFixture(t *testing.T, store Store, mem *memory.JobQueue, now time.Time) *fixture {
	t.Helper()
	repo := &connectortest.Repository{MaxBatch: 2}
	conns, err := connectortest.Registry(repo, connector.Connection{Name: "web"})
	require.NoError(t, err)
	f := &fixture{
		store:   mem,
		queue:   queue.New[*queue.QueuedDocumentSet](),
		tracker: priority.NewTracker(),
		locks:   lock.NewMemory(),
		now:     now,
	}
	if store == nil {
		store = mem
	}
	f.stuffer = New(Config{ProcessID: "p", MinAmount: 10}, Deps{
		Store:    store,
		Conns:    conns,
		Outputs:  output.NewRegistry(),
		Tracker:  f.tracker,
		Queue:    f.queue,
		Blocking: queue.NewBlockingDocuments(),
		Locks:    f.locks,
		Clock:    fixedClock{now},
	})
	return f
}

func seedJob(t *testing.T, mem *memory.JobQueue, ids ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.SaveJob(ctx, crawler.Job{ID: "j", Connection: "web"}))
	require.NoError(t, mem.StartJob(ctx, "j"))
	require.NoError(t, mem.NoteJobStarted(ctx, "j", time.Now()))
	seeds := make([]crawler.SeedRecord, len(ids))
	prios := make([]float64, len(ids))
	for i, id := range ids {
		seeds[i] = crawler.SeedRecord{Identifier: id, IdentifierHash: id}
	}
	_, err := mem.AddSeedDocuments(ctx, "j", seeds, prios)
	require.NoError(t, err)
}

func TestCycleQueuesBatchesPerJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	mem := memory.NewJobQueue(fixedClock{now})
	seedJob(t, mem, "a.com/1", "a.com/2", "b.com/1")
	f := newFixture(t, nil, mem, now)

	require.NoError(t, f.stuffer.cycle(ctx))
	require.Equal(t, 2, f.queue.Len(), "max batch of two splits three documents")
	require.Equal(t, 3, f.queue.Depth())
	require.Equal(t, 3, f.queue.JobDepth("j"))

	raw, err := f.locks.ReadData(ctx, DatumName)
	require.NoError(t, err)
	require.Equal(t, strconv.FormatInt(now.UnixMilli(), 10), string(raw))

	var inFlight int
	for _, s := range f.tracker.Snapshot() {
		inFlight += s.InFlight
	}
	require.Equal(t, 3, inFlight)

	set, err := f.queue.Get(ctx)
	require.NoError(t, err)
	for _, d := range set.Documents {
		require.True(t, d.SetProcessed())
	}
	inFlight = 0
	for _, s := range f.tracker.Snapshot() {
		inFlight += s.InFlight
	}
	require.Equal(t, 3-set.Len(), inFlight, "settling a document releases its bins")
}

func TestCycleWithNothingDueSleeps(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	mem := memory.NewJobQueue(fixedClock{now})
	f := newFixture(t, nil, mem, now)
	f.stuffer.cfg.PollInterval = time.Millisecond

	require.NoError(t, f.stuffer.cycle(context.Background()))
	require.Zero(t, f.queue.Len())
	require.Equal(t, 10, f.stuffer.Amount())
}

type idleJobStore struct {
	*memory.JobQueue
}

func (s idleJobStore) GetJob(ctx context.Context, id string) (crawler.Job, error) {
	job, err := s.JobQueue.GetJob(ctx, id)
	job.Status = crawler.JobStatusStopping
	return job, err
}

func TestCycleGivesBackDocumentsOfIdleJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	mem := memory.NewJobQueue(fixedClock{now})
	seedJob(t, mem, "a.com/1")
	f := newFixture(t, idleJobStore{mem}, mem, now)

	require.NoError(t, f.stuffer.cycle(ctx))
	require.Zero(t, f.queue.Len())
	counts, err := mem.DocumentCounts(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"pending": 1}, counts)
}

func TestCycleStopsAtCancel(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	mem := memory.NewJobQueue(fixedClock{now})
	f := newFixture(t, nil, mem, now)
	f.queue.Add(&queue.QueuedDocumentSet{Job: crawler.Job{ID: "x"}, Documents: []*queue.QueuedDocument{
		queue.NewQueuedDocument(crawler.DocumentDescription{JobID: "x"}, nil, nil, nil),
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, f.stuffer.cycle(ctx), context.Canceled)
}

type panickyRepo struct{ *connectortest.Repository }

func (panickyRepo) BinNames(string) []string { panic("bins exploded") }

func TestConnectorPanicReleasesInstance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	mem := memory.NewJobQueue(fixedClock{now})
	seedJob(t, mem, "a.com/1")
	f := newFixture(t, nil, mem, now)

	conns := connector.NewRegistry(nil)
	conns.RegisterClass("test", func(connector.Connection, *throttle.Spec, *zap.Logger) (connector.Repository, error) {
		return panickyRepo{&connectortest.Repository{}}, nil
	})
	require.NoError(t, conns.AddConnection(connector.Connection{Name: "web", Class: "test", MaxConnections: 1}))
	f.stuffer.Conns = conns

	var pe *threads.PanicError
	require.ErrorAs(t, threads.Cycle(ctx, f.stuffer.cycle), &pe)

	gctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	repo, err := conns.Grab(gctx, "web")
	require.NoError(t, err, "the only instance is back in the pool")
	conns.Release("web", repo)
}
