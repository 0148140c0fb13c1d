// Package queue holds work between the stuffers and the worker pools.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrWoken is returned by Get when Wake interrupts a waiting consumer.
var ErrWoken = errors.New("queue wait interrupted")

// Set is a batch of documents owned by one job.
type Set interface {
	Len() int
	JobID() string
}

// Queue is an unbounded FIFO of document sets. Occupancy is measured in
// documents so that producers can refill against a low-water mark.
type Queue[T Set] struct {
	mu      sync.Mutex
	items   []T
	docs    int
	jobDocs map[string]int
	wakeGen uint64
	changed chan struct{}
}

// New returns an empty queue.
func New[T Set]() *Queue[T] {
	return &Queue[T]{
		jobDocs: make(map[string]int),
		changed: make(chan struct{}),
	}
}

func (q *Queue[T]) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Add appends a set and wakes any waiting consumer.
func (q *Queue[T]) Add(set T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, set)
	q.docs += set.Len()
	q.jobDocs[set.JobID()] += set.Len()
	q.broadcastLocked()
}

// Get removes the oldest set, blocking until one is available, ctx ends or
// Wake is called.
func (q *Queue[T]) Get(ctx context.Context) (T, error) {
	var zero T
	q.mu.Lock()
	gen := q.wakeGen
	for {
		if q.wakeGen != gen {
			q.mu.Unlock()
			return zero, ErrWoken
		}
		if len(q.items) > 0 {
			set := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.removeLocked(set)
			q.broadcastLocked()
			q.mu.Unlock()
			return set, nil
		}
		ch := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-ch:
		}
		q.mu.Lock()
	}
}

func (q *Queue[T]) removeLocked(set T) {
	q.docs -= set.Len()
	job := set.JobID()
	if n := q.jobDocs[job] - set.Len(); n > 0 {
		q.jobDocs[job] = n
	} else {
		delete(q.jobDocs, job)
	}
}

// WaitUntilAtMost blocks until at most n documents are queued.
func (q *Queue[T]) WaitUntilAtMost(ctx context.Context, n int) error {
	q.mu.Lock()
	for q.docs > n {
		ch := q.changed
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return fmt.Errorf("low-water wait canceled: %w", ctx.Err())
		case <-ch:
		}
		q.mu.Lock()
	}
	q.mu.Unlock()
	return nil
}

// Wake interrupts every consumer blocked in Get.
func (q *Queue[T]) Wake() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.wakeGen++
	q.broadcastLocked()
}

// Clear empties the queue and returns what was in it.
func (q *Queue[T]) Clear() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	q.docs = 0
	q.jobDocs = make(map[string]int)
	q.broadcastLocked()
	return out
}

// Depth returns the number of queued documents.
func (q *Queue[T]) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.docs
}

// JobDepth returns the number of queued documents belonging to jobID.
func (q *Queue[T]) JobDepth(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobDocs[jobID]
}

// Len returns the number of queued sets.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
