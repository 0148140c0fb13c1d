package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawlsched/internal/store"
)

const defaultHistoryCapacity = 10000

// HistoryStore keeps the most recent activity and job events in memory.
type HistoryStore struct {
	capacity int

	mu         sync.Mutex
	activities []store.ActivityRow
	jobEvents  []store.JobEventRow
}

var _ store.HistoryRepository = (*HistoryStore)(nil)

// NewHistoryStore keeps at most capacity rows of each kind; zero picks a default.
func NewHistoryStore(capacity int) *HistoryStore {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	return &HistoryStore{capacity: capacity}
}

// InsertActivities implements store.HistoryRepository.
func (s *HistoryStore) InsertActivities(_ context.Context, rows []store.ActivityRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = append(s.activities, rows...)
	if over := len(s.activities) - s.capacity; over > 0 {
		s.activities = append([]store.ActivityRow(nil), s.activities[over:]...)
	}
	return nil
}

// InsertJobEvent implements store.HistoryRepository.
func (s *HistoryStore) InsertJobEvent(_ context.Context, row store.JobEventRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobEvents = append(s.jobEvents, row)
	if over := len(s.jobEvents) - s.capacity; over > 0 {
		s.jobEvents = append([]store.JobEventRow(nil), s.jobEvents[over:]...)
	}
	return nil
}

// ListActivities returns the newest rows first. An empty connection matches all.
func (s *HistoryStore) ListActivities(_ context.Context, connection string, limit, offset int) ([]store.ActivityRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ActivityRow
	skipped := 0
	for i := len(s.activities) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		row := s.activities[i]
		if connection != "" && row.Connection != connection {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// JobEvents returns every recorded job event, oldest first.
func (s *HistoryStore) JobEvents() []store.JobEventRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.JobEventRow(nil), s.jobEvents...)
}
