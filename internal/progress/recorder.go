package progress

import (
	"time"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
)

// RecordActivity implements connector.ActivityRecorder. It never blocks.
func (h *Hub) RecordActivity(rec connector.ActivityRecord) {
	start := rec.Start
	if start.IsZero() {
		start = time.Now()
	}
	h.Emit(Event{
		JobID:      rec.JobID,
		TS:         start.UTC(),
		Stage:      StageActivity,
		Connection: rec.Connection,
		Activity:   rec.Activity,
		Identifier: rec.Identifier,
		Bytes:      rec.Bytes,
		ResultCode: rec.ResultCode,
		Dur:        rec.Duration,
		Note:       rec.Description,
	})
}

// RecordTransition emits a job status change.
func (h *Hub) RecordTransition(tr crawler.JobTransition) {
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	h.Emit(Event{
		JobID:  tr.JobID,
		TS:     at.UTC(),
		Stage:  StageJobStatus,
		Status: string(tr.To),
		Note:   string(tr.From),
	})
}
