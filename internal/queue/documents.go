package queue

import (
	"sync"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
)

// Processed is implemented by every in-memory document view that must be
// settled exactly once before its worker cycle ends.
type Processed interface {
	SetProcessed() bool
	WasProcessed() bool
}

type settleOnce struct {
	mu        sync.Mutex
	processed bool
	onDone    func()
}

// SetProcessed marks the document processed. Only the first call returns true
// and runs the release hook.
func (s *settleOnce) SetProcessed() bool {
	s.mu.Lock()
	if s.processed {
		s.mu.Unlock()
		return false
	}
	s.processed = true
	hook := s.onDone
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return true
}

// WasProcessed reports whether SetProcessed has been called.
func (s *settleOnce) WasProcessed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed
}

// QueuedDocument is one document headed for the fetch pool.
type QueuedDocument struct {
	settleOnce
	Desc crawler.DocumentDescription
	// LastIngested maps output name to what it last recorded; nil entries
	// mean the output has never seen the document.
	LastIngested map[string]*crawler.IngestStatus
	Bins         []string
}

// NewQueuedDocument wraps desc. onDone runs once when the document is settled.
func NewQueuedDocument(desc crawler.DocumentDescription, lastIngested map[string]*crawler.IngestStatus, bins []string, onDone func()) *QueuedDocument {
	return &QueuedDocument{
		settleOnce:   settleOnce{onDone: onDone},
		Desc:         desc,
		LastIngested: lastIngested,
		Bins:         bins,
	}
}

// QueuedDocumentSet is a batch of documents from one job, sized to the
// connector's max document request.
type QueuedDocumentSet struct {
	Job        crawler.Job
	Connection connector.Connection
	Documents  []*QueuedDocument
}

// Len implements Set.
func (s *QueuedDocumentSet) Len() int { return len(s.Documents) }

// JobID implements Set.
func (s *QueuedDocumentSet) JobID() string { return s.Job.ID }

// RemovalDocument is one document headed for the delete, cleanup or expire pool.
type RemovalDocument struct {
	settleOnce
	Desc crawler.DocumentDescription
	// RemoveFromIndex is false when another job still owns the indexed copy.
	RemoveFromIndex bool
}

// NewRemovalDocument wraps desc. onDone runs once when the document is settled.
func NewRemovalDocument(desc crawler.DocumentDescription, removeFromIndex bool, onDone func()) *RemovalDocument {
	return &RemovalDocument{
		settleOnce:      settleOnce{onDone: onDone},
		Desc:            desc,
		RemoveFromIndex: removeFromIndex,
	}
}

// RemovalSet is a batch of removal documents from one job.
type RemovalSet struct {
	Job       crawler.Job
	Documents []*RemovalDocument
}

// Len implements Set.
func (s *RemovalSet) Len() int { return len(s.Documents) }

// JobID implements Set.
func (s *RemovalSet) JobID() string { return s.Job.ID }
