package queue

import (
	"sync"

	"github.com/JakeFAU/crawlsched/internal/crawler"
)

// BlockingDocuments lists documents that were due for fetching but had no
// priority yet. The priority thread drains it ahead of its regular scan.
type BlockingDocuments struct {
	mu    sync.Mutex
	order []crawler.DocumentKey
	docs  map[crawler.DocumentKey]crawler.DocumentDescription
}

// NewBlockingDocuments returns an empty list.
func NewBlockingDocuments() *BlockingDocuments {
	return &BlockingDocuments{docs: make(map[crawler.DocumentKey]crawler.DocumentDescription)}
}

// AddBlocking implements crawler.BlockingRecorder. Duplicates are ignored.
func (b *BlockingDocuments) AddBlocking(desc crawler.DocumentDescription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := desc.Key()
	if _, ok := b.docs[k]; ok {
		return
	}
	b.docs[k] = desc
	b.order = append(b.order, k)
}

// Pop removes the oldest entry.
func (b *BlockingDocuments) Pop() (crawler.DocumentDescription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.order) > 0 {
		k := b.order[0]
		b.order = b.order[1:]
		if desc, ok := b.docs[k]; ok {
			delete(b.docs, k)
			return desc, true
		}
	}
	return crawler.DocumentDescription{}, false
}

// Len returns the number of pending entries.
func (b *BlockingDocuments) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.docs)
}

// Clear drops every entry.
func (b *BlockingDocuments) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order = nil
	b.docs = make(map[crawler.DocumentKey]crawler.DocumentDescription)
}
