package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/progress"
	"github.com/JakeFAU/crawlsched/internal/store"
)

// StoreSink persists history via a store.HistoryRepository. Activity rows of
// a batch are written in a single call.
type StoreSink struct {
	repo   store.HistoryRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.HistoryRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the batch to the repository. It respects ctx deadlines and
// returns repository errors wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	var rows []store.ActivityRow
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageActivity:
			rows = append(rows, store.ActivityRow{
				JobID:       evt.JobID,
				Connection:  evt.Connection,
				Activity:    evt.Activity,
				Identifier:  evt.Identifier,
				StartedAt:   evt.TS,
				Duration:    evt.Dur,
				Bytes:       evt.Bytes,
				ResultCode:  evt.ResultCode,
				Description: evt.Note,
			})
		case progress.StageJobStatus:
			if err := s.repo.InsertJobEvent(ctx, store.JobEventRow{
				JobID:  evt.JobID,
				Status: evt.Status,
				Prior:  evt.Note,
				At:     evt.TS,
			}); err != nil {
				return fmt.Errorf("record job event: %w", err)
			}
		}
	}
	if err := s.repo.InsertActivities(ctx, rows); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
