package worker

import (
	"time"

	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/queue"
)

type outcomeKind int

// Per-document results of one worker pass. Everything the worker decides
// about a document is folded into one of these before any store call is made.
const (
	outcomeUnsettled outcomeKind = iota
	// outcomeProcessed documents were handed to the connector and finished.
	outcomeProcessed
	// outcomeChecked documents were unchanged; they are recorded as checked
	// and then finish like processed ones.
	outcomeChecked
	// outcomeRetry documents hit a service interruption with budget left.
	outcomeRetry
	// outcomeDelete documents are gone or failed for good.
	outcomeDelete
	outcomeHopRemoved
	// outcomeSequenced documents asked to be processed again once their
	// prerequisite event completes.
	outcomeSequenced
	// outcomeAbandoned documents go back untouched because the job stopped.
	outcomeAbandoned
	// outcomeJobAbort documents exhausted a budget whose interruption aborts the job.
	outcomeJobAbort
)

var outcomeNames = map[outcomeKind]string{
	outcomeUnsettled:  "unsettled",
	outcomeProcessed:  "processed",
	outcomeChecked:    "checked",
	outcomeRetry:      "retry",
	outcomeDelete:     "deleted",
	outcomeHopRemoved: "hopcount_removed",
	outcomeSequenced:  "sequenced",
	outcomeAbandoned:  "abandoned",
	outcomeJobAbort:   "aborted",
}

func (k outcomeKind) String() string { return outcomeNames[k] }

type outcome struct {
	kind      outcomeKind
	retryAt   time.Time
	failTime  time.Time
	failCount int
	// scanOnly is set on checked documents passed to the connector only so
	// their references are recorded again.
	scanOnly bool
	message  string
}

// batch tracks the outcome of every document of one set.
type batch struct {
	docs     []*queue.QueuedDocument
	outcomes []outcome
	byID     map[string]int
}

func newBatch(docs []*queue.QueuedDocument) *batch {
	b := &batch{
		docs:     docs,
		outcomes: make([]outcome, len(docs)),
		byID:     make(map[string]int, len(docs)),
	}
	for i, d := range docs {
		b.byID[d.Desc.DocumentIdentifier] = i
	}
	return b
}

func (b *batch) set(i int, o outcome) {
	b.outcomes[i] = o
}

// with returns the indices whose outcome is one of kinds.
func (b *batch) with(kinds ...outcomeKind) []int {
	var out []int
	for i, o := range b.outcomes {
		for _, k := range kinds {
			if o.kind == k {
				out = append(out, i)
				break
			}
		}
	}
	return out
}

func (b *batch) descs(idx []int) []crawler.DocumentDescription {
	out := make([]crawler.DocumentDescription, len(idx))
	for k, i := range idx {
		out[k] = b.docs[i].Desc
	}
	return out
}

func (b *batch) hashes(idx []int) []string {
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = b.docs[i].Desc.DocumentIdentifierHash
	}
	return out
}

func (b *batch) settle(idx []int) {
	for _, i := range idx {
		b.docs[i].SetProcessed()
	}
}

// foldInterruption decides what a service interruption means for one
// document. The tighter of the document's and the interruption's deadline and
// retry budget applies; once either is exhausted the failure is final.
func foldInterruption(d crawler.DocumentDescription, si *crawler.ServiceInterruption, now time.Time) outcome {
	if si.JobInactiveAbort {
		return outcome{kind: outcomeAbandoned}
	}
	failTime := d.FailTime
	if failTime.IsZero() || (!si.FailTime.IsZero() && si.FailTime.Before(failTime)) {
		failTime = si.FailTime
	}
	count := d.FailRetryCount
	if count < 0 || (si.FailRetryCount >= 0 && si.FailRetryCount < count) {
		count = si.FailRetryCount
	}
	if (!failTime.IsZero() && !now.Before(failTime)) || count == 0 {
		if si.AbortOnFail {
			return outcome{kind: outcomeJobAbort, message: si.Message}
		}
		return outcome{kind: outcomeDelete, message: si.Message}
	}
	if count > 0 {
		count--
	}
	return outcome{kind: outcomeRetry, retryAt: si.RetryTime, failTime: failTime, failCount: count, message: si.Message}
}

// nextRun returns when a finished document of a continuous job comes due
// again and what happens then. ok is false when neither recrawl nor
// expiration is configured.
func nextRun(job crawler.Job, d crawler.DocumentDescription, now time.Time) (at time.Time, action crawler.Action, ok bool) {
	if job.RecrawlInterval > 0 {
		at, action = now.Add(job.RecrawlInterval), crawler.ActionRescan
	}
	if job.ExpirationInterval > 0 {
		origin := d.OriginationTime
		if origin.IsZero() {
			origin = now
		}
		if exp := origin.Add(job.ExpirationInterval); at.IsZero() || !exp.After(at) {
			at, action = exp, crawler.ActionRemove
		}
	}
	return at, action, !at.IsZero()
}
