package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStatus:
			s.logger.Info("job status",
				zap.String("job_id", evt.JobID),
				zap.String("status", evt.Status),
				zap.String("prior", evt.Note),
			)
		default:
			s.logger.Debug("activity",
				zap.String("job_id", evt.JobID),
				zap.String("connection", evt.Connection),
				zap.String("activity", evt.Activity),
				zap.String("identifier", evt.Identifier),
				zap.Int64("bytes", evt.Bytes),
				zap.String("result", evt.ResultCode),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
