package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlsched/internal/crawler"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

type blockingList struct{ got []crawler.DocumentDescription }

func (b *blockingList) AddBlocking(d crawler.DocumentDescription) { b.got = append(b.got, d) }

var t0 = time.Unix(1700000000, 0).UTC()

func activeJob(t *testing.T, q *JobQueue, job crawler.Job) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, q.SaveJob(ctx, job))
	require.NoError(t, q.StartJob(ctx, job.ID))
	require.NoError(t, q.PrepareJobStart(ctx, job.ID))
	require.NoError(t, q.NoteJobStarted(ctx, job.ID, t0))
}

func seed(t *testing.T, q *JobQueue, jobID string, prio map[string]float64) {
	t.Helper()
	var seeds []crawler.SeedRecord
	var ps []float64
	for h, p := range prio {
		seeds = append(seeds, crawler.SeedRecord{Identifier: "id-" + h, IdentifierHash: h})
		ps = append(ps, p)
	}
	_, err := q.AddSeedDocuments(context.Background(), jobID, seeds, ps)
	require.NoError(t, err)
}

func desc(jobID, h string) crawler.DocumentDescription {
	return crawler.DocumentDescription{JobID: jobID, DocumentIdentifierHash: h}
}

func TestGetNextDocumentsOrdersByPriority(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewJobQueue(&fixedClock{t0})
	activeJob(t, q, crawler.Job{ID: "j"})
	seed(t, q, "j", map[string]float64{"a": 3, "b": 1, "c": 2})

	got, err := q.GetNextDocuments(ctx, crawler.FetchHints{ProcessID: "p", Limit: 2, AsOf: t0})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].DocumentIdentifierHash)
	require.Equal(t, "c", got[1].DocumentIdentifierHash)

	got, err = q.GetNextDocuments(ctx, crawler.FetchHints{ProcessID: "p", Limit: 10, AsOf: t0})
	require.NoError(t, err)
	require.Len(t, got, 1, "selected documents are held")
	require.Equal(t, "a", got[0].DocumentIdentifierHash)
}

func TestGetNextDocumentsJobDepthAndBlocking(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewJobQueue(&fixedClock{t0})
	activeJob(t, q, crawler.Job{ID: "busy"})
	activeJob(t, q, crawler.Job{ID: "idle"})
	seed(t, q, "busy", map[string]float64{"x": 1})
	seed(t, q, "idle", map[string]float64{"y": 1.5, "z": 0})
	require.NoError(t, q.ResetDocumentPriorities(ctx))
	require.NoError(t, q.WriteDocumentPriorities(ctx, []crawler.DocumentDescription{desc("busy", "x"), desc("idle", "y")}, []float64{1, 1.5}))

	blocking := &blockingList{}
	got, err := q.GetNextDocuments(ctx, crawler.FetchHints{
		ProcessID: "p",
		AsOf:      t0,
		Blocking:  blocking,
		JobDepth: func(jobID string) int {
			if jobID == "busy" {
				return 100
			}
			return 0
		},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "y", got[0].DocumentIdentifierHash, "a deep in-memory queue pushes a job back")
	require.Len(t, blocking.got, 1)
	require.Equal(t, "z", blocking.got[0].DocumentIdentifierHash)

	pending, err := q.GetNextNotYetProcessedReprioritizationDocuments(ctx, "p", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestGetNextDocumentsSkipsInactiveJobsAndEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewJobQueue(&fixedClock{t0})
	require.NoError(t, q.SaveJob(ctx, crawler.Job{ID: "idle"}))
	seed(t, q, "idle", map[string]float64{"a": 1})
	activeJob(t, q, crawler.Job{ID: "j"})

	_, err := q.AddDocuments(ctx, []crawler.DocumentReference{{
		JobID: "j", Identifier: "b", IdentifierHash: "b", PrerequisiteEvent: []string{"login"},
	}}, []float64{1})
	require.NoError(t, err)

	ok, err := q.BeginEventSequence(ctx, "p", "login")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = q.BeginEventSequence(ctx, "p2", "login")
	require.NoError(t, err)
	require.False(t, ok)

	got, err := q.GetNextDocuments(ctx, crawler.FetchHints{ProcessID: "p", AsOf: t0})
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, q.CompleteEventSequence(ctx, "login"))
	got, err = q.GetNextDocuments(ctx, crawler.FetchHints{ProcessID: "p", AsOf: t0})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestCarrydownChangeIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewJobQueue(&fixedClock{t0})
	activeJob(t, q, crawler.Job{ID: "j"})
	seed(t, q, "j", map[string]float64{"a": 1})
	got, err := q.GetNextDocuments(ctx, crawler.FetchHints{ProcessID: "p", AsOf: t0})
	require.NoError(t, err)
	_, err = q.MarkDocumentCompletedMultiple(ctx, got)
	require.NoError(t, err)

	accepted, err := q.CarrydownChangeDocumentMultiple(ctx, got, t0, []float64{2})
	require.NoError(t, err)
	require.Equal(t, []bool{true}, accepted)

	accepted, err = q.CarrydownChangeDocumentMultiple(ctx, got, t0, []float64{2})
	require.NoError(t, err)
	require.Equal(t, []bool{false}, accepted, "an already pending document does not take the priority again")
}

func TestCarrydownWhileHeldRescansOnCompletion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewJobQueue(&fixedClock{t0})
	activeJob(t, q, crawler.Job{ID: "j"})
	seed(t, q, "j", map[string]float64{"a": 1})
	got, err := q.GetNextDocuments(ctx, crawler.FetchHints{ProcessID: "p", AsOf: t0})
	require.NoError(t, err)

	accepted, err := q.CarrydownChangeDocumentMultiple(ctx, got, t0, []float64{2})
	require.NoError(t, err)
	require.Equal(t, []bool{false}, accepted)

	_, err = q.MarkDocumentCompletedMultiple(ctx, got)
	require.NoError(t, err)
	counts, err := q.DocumentCounts(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"pending": 1}, counts)
}

func TestFinishDocumentsReportsCarrydownChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewJobQueue(&fixedClock{t0})
	activeJob(t, q, crawler.Job{ID: "j"})
	seed(t, q, "j", map[string]float64{"p": 1})

	ref := func(data string) crawler.DocumentReference {
		return crawler.DocumentReference{
			JobID: "j", Identifier: "c", IdentifierHash: "c", Parent: "p", ParentHash: "p",
			RelationshipType: "link", CarrydownData: map[string][]string{"referrer": {data}},
		}
	}

	_, err := q.AddDocuments(ctx, []crawler.DocumentReference{ref("v1")}, []float64{1})
	require.NoError(t, err)
	vals, err := q.RetrieveParentData(ctx, "j", "c", "referrer")
	require.NoError(t, err)
	require.Equal(t, []string{"v1"}, vals)

	changed, err := q.FinishDocuments(ctx, "j", []string{"link"}, []string{"p"}, crawler.HopcountAccurate)
	require.NoError(t, err)
	require.Len(t, changed, 1)

	_, err = q.AddDocuments(ctx, []crawler.DocumentReference{ref("v1")}, []float64{1})
	require.NoError(t, err)
	changed, err = q.FinishDocuments(ctx, "j", []string{"link"}, []string{"p"}, crawler.HopcountAccurate)
	require.NoError(t, err)
	require.Empty(t, changed, "identical data is not a change")

	_, err = q.AddDocuments(ctx, []crawler.DocumentReference{ref("v2")}, []float64{1})
	require.NoError(t, err)
	changed, err = q.FinishDocuments(ctx, "j", []string{"link"}, []string{"p"}, crawler.HopcountAccurate)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	require.Equal(t, "c", changed[0].DocumentIdentifierHash)

	affected, err := q.MarkDocumentDeletedMultiple(ctx, []crawler.DocumentDescription{desc("j", "p")})
	require.NoError(t, err)
	require.Len(t, affected, 1, "deleting a parent affects its carrydown children")
	vals, err = q.RetrieveParentData(ctx, "j", "c", "referrer")
	require.NoError(t, err)
	require.Empty(t, vals)
}

func TestHopcountsAreMinimumDistance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewJobQueue(&fixedClock{t0})
	activeJob(t, q, crawler.Job{ID: "j", HopcountFilters: map[string]int{"link": 1}})
	seed(t, q, "j", map[string]float64{"s": 1})

	add := func(parent, child, rel string) {
		_, err := q.AddDocuments(ctx, []crawler.DocumentReference{{
			JobID: "j", Identifier: child, IdentifierHash: child, ParentHash: parent, RelationshipType: rel,
		}}, []float64{1})
		require.NoError(t, err)
	}
	add("s", "a", "link")     // 1
	add("a", "b", "link")     // 2
	add("a", "r", "redirect") // 1
	within, err := q.CheckHopcounts(ctx, "j", "link", 1, []string{"s", "a", "b", "r"})
	require.NoError(t, err)
	require.Equal(t, []bool{true, true, false, true}, within)

	require.NoError(t, q.MarkDocumentHopcountRemovalMultiple(ctx, []crawler.DocumentDescription{desc("j", "b")}))
	add("s", "b", "link")
	within, err = q.CheckHopcounts(ctx, "j", "link", 1, []string{"b"})
	require.NoError(t, err)
	require.Equal(t, []bool{true}, within)
	counts, err := q.DocumentCounts(ctx, "j")
	require.NoError(t, err)
	require.Zero(t, counts["hopcount_removed"], "a shorter path revives the document")
}

func TestOnceJobLifecycleCleansUnreached(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fixedClock{t0}
	q := NewJobQueue(clock)
	activeJob(t, q, crawler.Job{ID: "j", Type: crawler.JobTypeOnce})
	seed(t, q, "j", map[string]float64{"a": 1, "b": 1})
	got, err := q.GetNextDocuments(ctx, crawler.FetchHints{ProcessID: "p", AsOf: t0})
	require.NoError(t, err)
	_, err = q.MarkDocumentCompletedMultiple(ctx, got)
	require.NoError(t, err)

	tr, err := q.AdvanceJobStates(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, []crawler.JobTransition{{JobID: "j", From: crawler.JobStatusActive, To: crawler.JobStatusInactive, At: t0}}, tr)

	// Second run only reaches "a"; "b" must be cleaned up.
	require.NoError(t, q.StartJob(ctx, "j"))
	require.NoError(t, q.PrepareJobStart(ctx, "j"))
	require.NoError(t, q.NoteJobStarted(ctx, "j", t0))
	accepted, err := q.AddSeedDocuments(ctx, "j", []crawler.SeedRecord{{Identifier: "a", IdentifierHash: "a"}}, []float64{1})
	require.NoError(t, err)
	require.Equal(t, []bool{true}, accepted)
	got, err = q.GetNextDocuments(ctx, crawler.FetchHints{ProcessID: "p", AsOf: t0})
	require.NoError(t, err)
	require.Len(t, got, 1)
	_, err = q.MarkDocumentCompletedMultiple(ctx, got)
	require.NoError(t, err)

	tr, err = q.AdvanceJobStates(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusShuttingDown, tr[0].To)

	clean, err := q.GetNextCleanableDocuments(ctx, "p", 10, t0)
	require.NoError(t, err)
	require.Len(t, clean, 1)
	require.Equal(t, "b", clean[0].DocumentIdentifierHash)
	_, err = q.MarkDocumentCleanedUpMultiple(ctx, clean)
	require.NoError(t, err)

	tr, err = q.AdvanceJobStates(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusInactive, tr[0].To)

	notify, err := q.JobsNeedingNotification(ctx)
	require.NoError(t, err)
	require.Len(t, notify, 1)
	require.NoError(t, q.NoteNotificationDelivered(ctx, "j"))
	notify, err = q.JobsNeedingNotification(ctx)
	require.NoError(t, err)
	require.Empty(t, notify)
}

func TestDeleteJobDrainsDocuments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewJobQueue(&fixedClock{t0})
	activeJob(t, q, crawler.Job{ID: "j"})
	activeJob(t, q, crawler.Job{ID: "other"})
	seed(t, q, "j", map[string]float64{"a": 1, "shared": 1})
	seed(t, q, "other", map[string]float64{"shared": 1})

	require.NoError(t, q.DeleteJob(ctx, "j"))
	ready, err := q.JobsReadyForDeleteStartup(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.NoError(t, q.PrepareDeleteScan(ctx, "j"))
	require.NoError(t, q.NoteJobDeleteStarted(ctx, "j", t0))

	del, err := q.GetNextDeletableDocuments(ctx, "p", 10, t0)
	require.NoError(t, err)
	require.Len(t, del, 2)

	shared, err := q.OtherJobsContain(ctx, "j", []string{"a", "shared"})
	require.NoError(t, err)
	require.Equal(t, []bool{false, true}, shared)

	require.NoError(t, q.ResetDeletingDocument(ctx, del[0], t0))
	_, err = q.MarkDocumentDeletedMultiple(ctx, del[1:])
	require.NoError(t, err)
	del, err = q.GetNextDeletableDocuments(ctx, "p", 10, t0)
	require.NoError(t, err)
	_, err = q.MarkDocumentDeletedMultiple(ctx, del)
	require.NoError(t, err)

	tr, err := q.AdvanceJobStates(ctx, t0)
	require.NoError(t, err)
	require.Len(t, tr, 1)
	require.Equal(t, crawler.JobStatusDeleted, tr[0].To)
}

func TestResetWorkerStatusReturnsHeldDocuments(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewJobQueue(&fixedClock{t0})
	activeJob(t, q, crawler.Job{ID: "j"})
	seed(t, q, "j", map[string]float64{"a": 1, "b": 2})

	got, err := q.GetNextDocuments(ctx, crawler.FetchHints{ProcessID: "p1", AsOf: t0})
	require.NoError(t, err)
	require.Len(t, got, 2)

	require.NoError(t, q.ResetWorkerStatus(ctx, "p2", crawler.PoolFetch))
	counts, _ := q.DocumentCounts(ctx, "j")
	require.Equal(t, 2, counts["active"], "other processes are untouched")

	require.NoError(t, q.ResetWorkerStatus(ctx, "p1", crawler.PoolFetch))
	counts, _ = q.DocumentCounts(ctx, "j")
	require.Equal(t, 2, counts["pending"])
}

func TestRequeueAndExpire(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewJobQueue(&fixedClock{t0})
	activeJob(t, q, crawler.Job{ID: "j", Type: crawler.JobTypeContinuous})
	seed(t, q, "j", map[string]float64{"a": 1})
	got, err := q.GetNextDocuments(ctx, crawler.FetchHints{ProcessID: "p", AsOf: t0})
	require.NoError(t, err)

	later := t0.Add(time.Hour)
	require.NoError(t, q.RequeueDocumentMultiple(ctx, got, []time.Time{later}, []crawler.Action{crawler.ActionRemove}))

	exp, err := q.GetNextExpiredDocuments(ctx, "p", 10, t0)
	require.NoError(t, err)
	require.Empty(t, exp)

	fetch, err := q.GetNextDocuments(ctx, crawler.FetchHints{ProcessID: "p", AsOf: later})
	require.NoError(t, err)
	require.Empty(t, fetch, "removal documents never reach the fetch pool")

	exp, err = q.GetNextExpiredDocuments(ctx, "p", 10, later)
	require.NoError(t, err)
	require.Len(t, exp, 1)
}

func TestJobStateGuards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewJobQueue(&fixedClock{t0})
	require.ErrorIs(t, q.StartJob(ctx, "missing"), crawler.ErrJobNotFound)
	activeJob(t, q, crawler.Job{ID: "j"})
	require.ErrorIs(t, q.StartJob(ctx, "j"), crawler.ErrInvalidTransition)

	require.NoError(t, q.ErrorAbort(ctx, "j", "connector gone"))
	job, err := q.GetJob(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusAborting, job.Status)
	tr, err := q.AdvanceJobStates(ctx, t0)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusError, tr[0].To)

	require.NoError(t, q.SaveJob(ctx, crawler.Job{ID: "j", Description: "renamed"}))
	job, err = q.GetJob(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, "renamed", job.Description)
	require.Equal(t, crawler.JobStatusError, job.Status, "saving a definition keeps runtime state")
}
