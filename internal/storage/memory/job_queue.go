package memory

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawlsched/internal/crawler"
)

type docState int

const (
	statePending docState = iota
	stateActive
	stateCompleted
	statePurgatory
	statePendingDelete
	stateBeingDeleted
	statePendingCleanup
	stateBeingCleaned
	stateHopcountRemoved
)

var stateNames = map[docState]string{
	statePending:         "pending",
	stateActive:          "active",
	stateCompleted:       "completed",
	statePurgatory:       "purgatory",
	statePendingDelete:   "pending_delete",
	stateBeingDeleted:    "being_deleted",
	statePendingCleanup:  "pending_cleanup",
	stateBeingCleaned:    "being_cleaned",
	stateHopcountRemoved: "hopcount_removed",
}

func (s docState) String() string { return stateNames[s] }

func (s docState) held() bool {
	return s == stateActive || s == stateBeingDeleted || s == stateBeingCleaned
}

type docRow struct {
	desc          crawler.DocumentDescription
	state         docState
	action        crawler.Action
	due           time.Time
	priority      float64
	needsPriority bool
	processID     string
	pool          crawler.PoolKind
	prereqs       []string
	hops          map[string]int
	// rescan is set when carrydown changed while the document was held.
	rescan bool
}

func (r *docRow) description() crawler.DocumentDescription { return r.desc }

type edgeKey struct {
	jobID  string
	parent string
	child  string
}

type jobRec struct {
	job    crawler.Job
	notify bool
}

// JobQueue is an in-memory job and document queue store. It implements
// crawler.DocumentStore and crawler.JobManager and is used for development
// and end-to-end tests.
type JobQueue struct {
	clock crawler.Clock

	mu   sync.Mutex
	jobs map[string]*jobRec
	rows map[crawler.DocumentKey]*docRow
	// carry holds committed carrydown data; pendingCarry holds rows written
	// by a parent that is still being processed.
	carry        map[edgeKey]map[string][]string
	pendingCarry map[edgeKey]map[string][]string
	links        map[edgeKey]string
	events       map[string]string
}

var (
	_ crawler.DocumentStore = (*JobQueue)(nil)
	_ crawler.JobManager    = (*JobQueue)(nil)
)

// NewJobQueue constructs an empty store.
func NewJobQueue(clock crawler.Clock) *JobQueue {
	return &JobQueue{
		clock:        clock,
		jobs:         make(map[string]*jobRec),
		rows:         make(map[crawler.DocumentKey]*docRow),
		carry:        make(map[edgeKey]map[string][]string),
		pendingCarry: make(map[edgeKey]map[string][]string),
		links:        make(map[edgeKey]string),
		events:       make(map[string]string),
	}
}

func (q *JobQueue) now() time.Time {
	if q.clock == nil {
		return time.Now().UTC()
	}
	return q.clock.Now()
}

func (q *JobQueue) jobActiveLocked(jobID string) bool {
	rec, ok := q.jobs[jobID]
	return ok && rec.job.Status.Running()
}

func (q *JobQueue) blockedLocked(prereqs []string) bool {
	for _, ev := range prereqs {
		if _, ok := q.events[ev]; ok {
			return true
		}
	}
	return false
}

// GetNextDocuments selects due documents for the fetch pool, lowest priority
// value first. Documents still waiting for a priority are handed to
// hints.Blocking instead. A job's in-memory queue depth counts against it.
func (q *JobQueue) GetNextDocuments(_ context.Context, hints crawler.FetchHints) ([]crawler.DocumentDescription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	asOf := hints.AsOf
	if asOf.IsZero() {
		asOf = q.now()
	}
	type candidate struct {
		row   *docRow
		score float64
	}
	var cands []candidate
	depth := make(map[string]float64)
	for _, row := range q.rows {
		if row.state != statePending || row.action != crawler.ActionRescan || row.due.After(asOf) {
			continue
		}
		if !q.jobActiveLocked(row.desc.JobID) || q.blockedLocked(row.prereqs) {
			continue
		}
		if row.needsPriority {
			if hints.Blocking != nil {
				hints.Blocking.AddBlocking(row.description())
			}
			continue
		}
		jobID := row.desc.JobID
		d, ok := depth[jobID]
		if !ok {
			if hints.JobDepth != nil {
				d = math.Log1p(float64(hints.JobDepth(jobID)))
			}
			depth[jobID] = d
		}
		cands = append(cands, candidate{row: row, score: row.priority + d})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score < cands[j].score
		}
		return cands[i].row.due.Before(cands[j].row.due)
	})

	limit := hints.Limit
	if limit <= 0 || limit > len(cands) {
		limit = len(cands)
	}
	out := make([]crawler.DocumentDescription, 0, limit)
	for _, c := range cands[:limit] {
		if math.IsInf(c.score, 1) {
			break
		}
		c.row.state = stateActive
		c.row.pool = crawler.PoolFetch
		c.row.processID = hints.ProcessID
		out = append(out, c.row.description())
	}
	return out, nil
}

func (q *JobQueue) takeLocked(processID string, limit int, pool crawler.PoolKind, match func(*docRow) bool,
	next docState,
) []crawler.DocumentDescription {
	var picked []*docRow
	for _, row := range q.rows {
		if match(row) {
			picked = append(picked, row)
		}
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].due.Before(picked[j].due) })
	if limit > 0 && len(picked) > limit {
		picked = picked[:limit]
	}
	out := make([]crawler.DocumentDescription, 0, len(picked))
	for _, row := range picked {
		row.state = next
		row.pool = pool
		row.processID = processID
		out = append(out, row.description())
	}
	return out
}

// GetNextDeletableDocuments claims documents of deleting jobs.
func (q *JobQueue) GetNextDeletableDocuments(_ context.Context, processID string, limit int, now time.Time) ([]crawler.DocumentDescription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(processID, limit, crawler.PoolDelete, func(r *docRow) bool {
		return r.state == statePendingDelete && !r.due.After(now)
	}, stateBeingDeleted), nil
}

// GetNextCleanableDocuments claims documents left unreached by a finished run.
func (q *JobQueue) GetNextCleanableDocuments(_ context.Context, processID string, limit int, now time.Time) ([]crawler.DocumentDescription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(processID, limit, crawler.PoolCleanup, func(r *docRow) bool {
		return r.state == statePendingCleanup && !r.due.After(now)
	}, stateBeingCleaned), nil
}

// GetNextExpiredDocuments claims documents whose removal came due.
func (q *JobQueue) GetNextExpiredDocuments(_ context.Context, processID string, limit int, now time.Time) ([]crawler.DocumentDescription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(processID, limit, crawler.PoolExpire, func(r *docRow) bool {
		return r.state == statePending && r.action == crawler.ActionRemove && !r.due.After(now) &&
			q.jobActiveLocked(r.desc.JobID)
	}, stateActive), nil
}

// OtherJobsContain reports whether a live job other than jobID holds each hash.
func (q *JobQueue) OtherJobsContain(_ context.Context, jobID string, idHashes []string) ([]bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]bool, len(idHashes))
	for i, h := range idHashes {
		for other, rec := range q.jobs {
			if other == jobID || rec.job.Status == crawler.JobStatusDeleting || rec.job.Status == crawler.JobStatusDeleted {
				continue
			}
			row, ok := q.rows[crawler.DocumentKey{JobID: other, IDHash: h}]
			if ok && row.state != stateHopcountRemoved && row.state != statePendingDelete && row.state != stateBeingDeleted {
				out[i] = true
				break
			}
		}
	}
	return out, nil
}

// GetNextNotYetProcessedReprioritizationDocuments returns documents still
// waiting for a priority.
func (q *JobQueue) GetNextNotYetProcessedReprioritizationDocuments(_ context.Context, _ string, limit int) ([]crawler.DocumentDescription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var rows []*docRow
	for _, row := range q.rows {
		if row.state == statePending && row.needsPriority && q.jobActiveLocked(row.desc.JobID) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].due.Before(rows[j].due) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]crawler.DocumentDescription, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.description())
	}
	return out, nil
}

// WriteDocumentPriorities stores computed priorities.
func (q *JobQueue) WriteDocumentPriorities(_ context.Context, descs []crawler.DocumentDescription, priorities []float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, d := range descs {
		if row, ok := q.rows[d.Key()]; ok && i < len(priorities) {
			row.priority = priorities[i]
			row.needsPriority = false
		}
	}
	return nil
}

// ResetDocumentPriorities flags every pending document as needing a priority.
func (q *JobQueue) ResetDocumentPriorities(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, row := range q.rows {
		if row.state == statePending && row.action == crawler.ActionRescan {
			row.needsPriority = true
		}
	}
	return nil
}

// MarkDocumentCompletedMultiple finishes held documents. A document whose
// carrydown data changed while it was held goes straight back to pending.
func (q *JobQueue) MarkDocumentCompletedMultiple(_ context.Context, descs []crawler.DocumentDescription) ([]crawler.DocumentDescription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, d := range descs {
		row, ok := q.rows[d.Key()]
		if !ok {
			continue
		}
		q.releaseLocked(row)
		if row.rescan {
			row.rescan = false
			row.state = statePending
			row.action = crawler.ActionRescan
			row.due = now
			row.needsPriority = true
			continue
		}
		row.state = stateCompleted
	}
	return nil, nil
}

func (q *JobQueue) releaseLocked(row *docRow) {
	row.processID = ""
	row.pool = ""
}

// removeLocked deletes the rows and returns children whose carrydown data
// came from a removed parent.
func (q *JobQueue) removeLocked(descs []crawler.DocumentDescription) []crawler.DocumentDescription {
	removed := make(map[crawler.DocumentKey]bool, len(descs))
	for _, d := range descs {
		if _, ok := q.rows[d.Key()]; ok {
			delete(q.rows, d.Key())
			removed[d.Key()] = true
		}
	}
	affected := make(map[crawler.DocumentKey]bool)
	for k := range q.carry {
		if removed[crawler.DocumentKey{JobID: k.jobID, IDHash: k.parent}] {
			delete(q.carry, k)
			affected[crawler.DocumentKey{JobID: k.jobID, IDHash: k.child}] = true
		}
	}
	for k := range q.pendingCarry {
		if removed[crawler.DocumentKey{JobID: k.jobID, IDHash: k.parent}] {
			delete(q.pendingCarry, k)
		}
	}
	for k := range q.links {
		if removed[crawler.DocumentKey{JobID: k.jobID, IDHash: k.parent}] || removed[crawler.DocumentKey{JobID: k.jobID, IDHash: k.child}] {
			delete(q.links, k)
		}
	}
	return q.describeLocked(affected)
}

func (q *JobQueue) describeLocked(keys map[crawler.DocumentKey]bool) []crawler.DocumentDescription {
	out := make([]crawler.DocumentDescription, 0, len(keys))
	for k := range keys {
		if row, ok := q.rows[k]; ok {
			out = append(out, row.description())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentIdentifierHash < out[j].DocumentIdentifierHash })
	return out
}

// MarkDocumentDeletedMultiple removes documents and reports carrydown fallout.
func (q *JobQueue) MarkDocumentDeletedMultiple(_ context.Context, descs []crawler.DocumentDescription) ([]crawler.DocumentDescription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(descs), nil
}

// MarkDocumentExpiredMultiple removes expired documents.
func (q *JobQueue) MarkDocumentExpiredMultiple(_ context.Context, descs []crawler.DocumentDescription) ([]crawler.DocumentDescription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(descs), nil
}

// MarkDocumentCleanedUpMultiple removes documents cleaned after a run.
func (q *JobQueue) MarkDocumentCleanedUpMultiple(_ context.Context, descs []crawler.DocumentDescription) ([]crawler.DocumentDescription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(descs), nil
}

// MarkDocumentHopcountRemovalMultiple parks documents that fell outside a
// hop filter. They come back if a shorter path is found.
func (q *JobQueue) MarkDocumentHopcountRemovalMultiple(_ context.Context, descs []crawler.DocumentDescription) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range descs {
		if row, ok := q.rows[d.Key()]; ok {
			q.releaseLocked(row)
			row.state = stateHopcountRemoved
		}
	}
	return nil
}

// RequeueDocumentMultiple reschedules held documents; they need a new priority.
func (q *JobQueue) RequeueDocumentMultiple(_ context.Context, descs []crawler.DocumentDescription, execTimes []time.Time,
	actions []crawler.Action,
) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, d := range descs {
		row, ok := q.rows[d.Key()]
		if !ok {
			continue
		}
		q.releaseLocked(row)
		row.state = statePending
		row.due = execTimes[i]
		row.action = actions[i]
		row.needsPriority = row.action == crawler.ActionRescan
		row.rescan = false
		row.desc.FailTime = time.Time{}
		row.desc.FailRetryCount = -1
	}
	return nil
}

// ResetDocument returns a held document to pending with a new retry budget.
func (q *JobQueue) ResetDocument(_ context.Context, desc crawler.DocumentDescription, retryTime time.Time,
	action crawler.Action, failTime time.Time, failRetryCount int,
) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	row, ok := q.rows[desc.Key()]
	if !ok {
		return nil
	}
	q.releaseLocked(row)
	row.state = statePending
	row.due = retryTime
	row.action = action
	row.desc.FailTime = failTime
	row.desc.FailRetryCount = failRetryCount
	return nil
}

// ResetDocumentMultiple returns held documents to pending, keeping their
// priority and retry budget.
func (q *JobQueue) ResetDocumentMultiple(_ context.Context, descs []crawler.DocumentDescription, retryTime time.Time,
	action crawler.Action,
) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range descs {
		row, ok := q.rows[d.Key()]
		if !ok {
			continue
		}
		q.releaseLocked(row)
		row.state = statePending
		row.due = retryTime
		row.action = action
	}
	return nil
}

// ResetDeletingDocument returns a document to the delete pool's backlog.
func (q *JobQueue) ResetDeletingDocument(_ context.Context, desc crawler.DocumentDescription, retryTime time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if row, ok := q.rows[desc.Key()]; ok {
		q.releaseLocked(row)
		row.state = statePendingDelete
		row.due = retryTime
	}
	return nil
}

// ResetCleaningDocument returns a document to the cleanup pool's backlog.
func (q *JobQueue) ResetCleaningDocument(_ context.Context, desc crawler.DocumentDescription, retryTime time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if row, ok := q.rows[desc.Key()]; ok {
		q.releaseLocked(row)
		row.state = statePendingCleanup
		row.due = retryTime
	}
	return nil
}

// CarrydownChangeDocumentMultiple requeues finished documents whose inherited
// data changed. Only completed (or parked) rows accept the priority; a held
// row is flagged to rescan when it is released.
func (q *JobQueue) CarrydownChangeDocumentMultiple(_ context.Context, descs []crawler.DocumentDescription, now time.Time,
	priorities []float64,
) ([]bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]bool, len(descs))
	for i, d := range descs {
		row, ok := q.rows[d.Key()]
		if !ok {
			continue
		}
		switch row.state {
		case stateCompleted, statePurgatory:
			row.state = statePending
			row.action = crawler.ActionRescan
			row.due = now
			row.priority = priorities[i]
			row.needsPriority = false
			out[i] = true
		case stateActive:
			if row.pool == crawler.PoolFetch {
				row.rescan = true
			}
		}
	}
	return out, nil
}

// FinishDocuments commits the carrydown rows written by the given parents and
// returns the children whose inherited data changed as a result.
func (q *JobQueue) FinishDocuments(_ context.Context, jobID string, _ []string, idHashes []string,
	_ crawler.HopcountMode,
) ([]crawler.DocumentDescription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	parents := make(map[string]bool, len(idHashes))
	for _, h := range idHashes {
		parents[h] = true
	}
	changed := make(map[crawler.DocumentKey]bool)
	for k, data := range q.carry {
		if k.jobID != jobID || !parents[k.parent] {
			continue
		}
		next, stillThere := q.pendingCarry[k]
		if !stillThere || !sameCarrydown(data, next) {
			changed[crawler.DocumentKey{JobID: jobID, IDHash: k.child}] = true
		}
		if !stillThere {
			delete(q.carry, k)
		}
	}
	for k, data := range q.pendingCarry {
		if k.jobID != jobID || !parents[k.parent] {
			continue
		}
		if _, existed := q.carry[k]; !existed {
			changed[crawler.DocumentKey{JobID: jobID, IDHash: k.child}] = true
		}
		q.carry[k] = data
		delete(q.pendingCarry, k)
	}
	return q.describeLocked(changed), nil
}

func sameCarrydown(a, b map[string][]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i] != bv[i] {
				return false
			}
		}
	}
	return true
}

// CheckJobActive reports whether documents of jobID may be processed.
func (q *JobQueue) CheckJobActive(_ context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobActiveLocked(jobID), nil
}

func (q *JobQueue) filterTypesLocked(jobID string) map[string]int {
	if rec, ok := q.jobs[jobID]; ok {
		return rec.job.HopcountFilters
	}
	return nil
}

// admitLocked inserts or revives a document row. It returns true when the
// supplied priority was stored.
func (q *JobQueue) admitLocked(jobID, identifier, idHash string, prereqs []string, hops map[string]int,
	priority float64, now time.Time,
) bool {
	key := crawler.DocumentKey{JobID: jobID, IDHash: idHash}
	row, ok := q.rows[key]
	if !ok {
		q.rows[key] = &docRow{
			desc: crawler.DocumentDescription{
				JobID:                  jobID,
				DocumentIdentifier:     identifier,
				DocumentIdentifierHash: idHash,
				FailRetryCount:         -1,
				OriginationTime:        now,
			},
			state:    statePending,
			action:   crawler.ActionRescan,
			due:      now,
			priority: priority,
			prereqs:  prereqs,
			hops:     hops,
		}
		return true
	}
	shorter := false
	for t, h := range hops {
		if cur, ok := row.hops[t]; !ok || h < cur {
			if row.hops == nil {
				row.hops = make(map[string]int)
			}
			row.hops[t] = h
			shorter = true
		}
	}
	if len(prereqs) > 0 {
		row.prereqs = prereqs
	}
	switch row.state {
	case statePurgatory:
		row.state = statePending
	case stateHopcountRemoved:
		if !shorter {
			return false
		}
		row.state = statePending
	default:
		return false
	}
	row.action = crawler.ActionRescan
	row.due = now
	row.priority = priority
	row.needsPriority = false
	return true
}

// AddDocuments records links found while processing parents and queues any
// new or reachable-again children.
func (q *JobQueue) AddDocuments(_ context.Context, refs []crawler.DocumentReference, priorities []float64) ([]bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(refs) == 0 {
		return nil, nil
	}
	now := q.now()
	out := make([]bool, len(refs))
	for i, ref := range refs {
		if _, ok := q.jobs[ref.JobID]; !ok {
			return nil, crawler.ErrJobNotFound
		}
		var hops map[string]int
		if ref.ParentHash != "" {
			edge := edgeKey{jobID: ref.JobID, parent: ref.ParentHash, child: ref.IdentifierHash}
			q.links[edge] = ref.RelationshipType
			if len(ref.CarrydownData) > 0 {
				q.pendingCarry[edge] = ref.CarrydownData
			}
			hops = q.childHopsLocked(ref)
		} else {
			hops = q.seedHopsLocked(ref.JobID)
		}
		out[i] = q.admitLocked(ref.JobID, ref.Identifier, ref.IdentifierHash, ref.PrerequisiteEvent, hops, priorities[i], now)
	}
	return out, nil
}

func (q *JobQueue) seedHopsLocked(jobID string) map[string]int {
	filters := q.filterTypesLocked(jobID)
	hops := make(map[string]int, len(filters))
	for t := range filters {
		hops[t] = 0
	}
	return hops
}

func (q *JobQueue) childHopsLocked(ref crawler.DocumentReference) map[string]int {
	filters := q.filterTypesLocked(ref.JobID)
	parent := q.rows[crawler.DocumentKey{JobID: ref.JobID, IDHash: ref.ParentHash}]
	hops := make(map[string]int, len(filters))
	for t := range filters {
		base := 0
		if parent != nil {
			base = parent.hops[t]
		}
		if ref.RelationshipType == t {
			base++
		}
		hops[t] = base
	}
	return hops
}

// AddSeedDocuments queues seeds at hop distance zero.
func (q *JobQueue) AddSeedDocuments(_ context.Context, jobID string, seeds []crawler.SeedRecord, priorities []float64) ([]bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[jobID]; !ok {
		return nil, crawler.ErrJobNotFound
	}
	now := q.now()
	out := make([]bool, len(seeds))
	for i, s := range seeds {
		out[i] = q.admitLocked(jobID, s.Identifier, s.IdentifierHash, s.Prerequisites, q.seedHopsLocked(jobID), priorities[i], now)
	}
	return out, nil
}

// CheckHopcounts reports whether each document is within maxHops links of
// linkType from a seed.
func (q *JobQueue) CheckHopcounts(_ context.Context, jobID, linkType string, maxHops int, idHashes []string) ([]bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]bool, len(idHashes))
	for i, h := range idHashes {
		row, ok := q.rows[crawler.DocumentKey{JobID: jobID, IDHash: h}]
		if !ok {
			continue
		}
		d, known := row.hops[linkType]
		out[i] = !known || d <= maxHops
	}
	return out, nil
}

// RetrieveParentData returns the carrydown values called name passed to the
// document, including rows written by parents still in flight.
func (q *JobQueue) RetrieveParentData(_ context.Context, jobID, idHash, name string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	collect := func(m map[edgeKey]map[string][]string, skip func(edgeKey) bool) {
		for k, data := range m {
			if k.jobID != jobID || k.child != idHash || (skip != nil && skip(k)) {
				continue
			}
			for _, v := range data[name] {
				if !seen[v] {
					seen[v] = true
					out = append(out, v)
				}
			}
		}
	}
	collect(q.pendingCarry, nil)
	collect(q.carry, func(k edgeKey) bool {
		_, overridden := q.pendingCarry[k]
		return overridden
	})
	sort.Strings(out)
	return out, nil
}

// BeginEventSequence claims eventName for processID.
func (q *JobQueue) BeginEventSequence(_ context.Context, processID, eventName string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.events[eventName]; ok {
		return false, nil
	}
	q.events[eventName] = processID
	return true, nil
}

// CompleteEventSequence releases eventName.
func (q *JobQueue) CompleteEventSequence(_ context.Context, eventName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.events, eventName)
	return nil
}

// ResetWorkerStatus gives back every document processID holds in pool.
func (q *JobQueue) ResetWorkerStatus(_ context.Context, processID string, pool crawler.PoolKind) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, row := range q.rows {
		if !row.state.held() || row.processID != processID || row.pool != pool {
			continue
		}
		switch row.state {
		case stateBeingDeleted:
			row.state = statePendingDelete
		case stateBeingCleaned:
			row.state = statePendingCleanup
		default:
			row.state = statePending
		}
		row.due = now
		q.releaseLocked(row)
	}
	for ev, owner := range q.events {
		if owner == processID && pool == crawler.PoolFetch {
			delete(q.events, ev)
		}
	}
	return nil
}
