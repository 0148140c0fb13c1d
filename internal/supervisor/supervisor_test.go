package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlsched/internal/clock/system"
	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/connector/connectortest"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/hash/sha256"
	"github.com/JakeFAU/crawlsched/internal/lifecycle"
	"github.com/JakeFAU/crawlsched/internal/output"
	pubmem "github.com/JakeFAU/crawlsched/internal/publisher/memory"
	"github.com/JakeFAU/crawlsched/internal/queue"
	"github.com/JakeFAU/crawlsched/internal/setpriority"
	"github.com/JakeFAU/crawlsched/internal/storage/memory"
	"github.com/JakeFAU/crawlsched/internal/stuffer"
)

type fixture struct {
	store *memory.JobQueue
	blobs *memory.BlobStore
	repo  *connectortest.Repository
	pub   *pubmem.Publisher
	sup   *Supervisor
}

func fastConfig() Config {
	return Config{
		ProcessID:      "proc-1",
		FetchWorkers:   3,
		DeleteWorkers:  1,
		CleanupWorkers: 1,
		ExpireWorkers:  1,
		Stuffer:        stuffer.Config{PollInterval: 10 * time.Millisecond},
		SetPriority:    setpriority.Config{Backoff: 10 * time.Millisecond},
		Lifecycle: lifecycle.Config{
			Interval:        10 * time.Millisecond,
			SeedingInterval: 10 * time.Millisecond,
			Topic:           "jobs",
		},
		StatusInterval: 10 * time.Millisecond,
		ShutdownPoll:   10 * time.Millisecond,
	}
}

func newFixture(t *testing.T, store Store) *fixture {
	t.Helper()
	clock := system.New()
	mem := memory.NewJobQueue(clock)
	if store == nil {
		store = mem
	}
	blobs := memory.NewBlobStore()
	out, err := output.NewBlobOutput(output.BlobConfig{Name: "blobs", Version: "1"}, blobs, clock, nil)
	require.NoError(t, err)
	outputs := output.NewRegistry()
	outputs.Add(out)

	repo := &connectortest.Repository{}
	conns, err := connectortest.Registry(repo, connector.Connection{Name: "web"})
	require.NoError(t, err)

	f := &fixture{store: mem, blobs: blobs, repo: repo, pub: pubmem.New()}
	f.sup = New(fastConfig(), Deps{
		Store:     store,
		Conns:     conns,
		Outputs:   outputs,
		Publisher: f.pub,
		Hasher:    sha256.New(),
		Clock:     clock,
	})
	return f
}

func (f *fixture) status(t *testing.T, jobID string) crawler.JobStatus {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job.Status
}

func TestRunsJobToCompletion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.store.SaveJob(ctx, crawler.Job{
		ID:         "j",
		Connection: "web",
		Outputs:    []string{"blobs"},
		Type:       crawler.JobTypeOnce,
		Seeds:      []string{"a.com/1", "a.com/2", "b.com/1"},
	}))
	require.NoError(t, f.sup.Start(ctx))
	require.NoError(t, f.store.StartJob(ctx, "j"))

	require.Eventually(t, func() bool {
		return f.status(t, "j") == crawler.JobStatusInactive
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(f.pub.Messages()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	counts, err := f.store.DocumentCounts(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"completed": 3}, counts)
	require.Equal(t, 3, f.blobs.Len())

	st := f.sup.Status()
	require.Equal(t, "proc-1", st.ProcessID)
	require.Contains(t, st.QueueDepths, "fetch")
	require.Contains(t, st.QueueDepths, "expire")
	require.Contains(t, st.Running, "stuffer")

	require.NoError(t, f.sup.Stop(5*time.Second))
	require.Empty(t, f.sup.dispatcher.Running())
}

func TestStartTwice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	require.NoError(t, f.sup.Start(context.Background()))
	require.ErrorIs(t, f.sup.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, f.sup.Stop(5*time.Second))
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	require.NoError(t, f.sup.Stop(time.Second))
}

type failingStore struct {
	*memory.JobQueue
	err error
}

func (s failingStore) ResetWorkerStatus(context.Context, string, crawler.PoolKind) error {
	return s.err
}

func TestStartFailsWhenStoreIsDown(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection refused")
	f := newFixture(t, failingStore{JobQueue: memory.NewJobQueue(system.New()), err: boom})
	err := f.sup.Start(context.Background())
	require.ErrorIs(t, err, boom)
	require.Empty(t, f.sup.dispatcher.Running())
}

func TestFetchCleanupHandsDocumentsBack(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	var settled int
	docs := []*queue.QueuedDocument{
		queue.NewQueuedDocument(crawler.DocumentDescription{JobID: "j", DocumentIdentifierHash: "a"}, nil, []string{"a.com"}, func() { settled++ }),
		queue.NewQueuedDocument(crawler.DocumentDescription{JobID: "j", DocumentIdentifierHash: "b"}, nil, []string{"b.com"}, func() { settled++ }),
	}
	f.sup.fetchQueue.Add(&queue.QueuedDocumentSet{Job: crawler.Job{ID: "j"}, Documents: docs})
	f.sup.blocking.AddBlocking(crawler.DocumentDescription{JobID: "j", DocumentIdentifierHash: "c"})

	require.NoError(t, f.sup.fetchCleanup(context.Background()))
	require.Zero(t, f.sup.fetchQueue.Depth())
	require.Zero(t, f.sup.blocking.Len())
	require.Equal(t, 2, settled)
	for _, d := range docs {
		require.True(t, d.WasProcessed())
	}
}

func TestFatalDeliversFirstError(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	first := crawler.NewSetupError("open index", errors.New("bad credentials"))
	f.sup.noteFatal(first)
	f.sup.noteFatal(errors.New("second"))

	select {
	case err := <-f.sup.Fatal():
		require.ErrorIs(t, err, first)
	default:
		t.Fatal("expected a fatal error")
	}
}
