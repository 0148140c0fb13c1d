package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlsched/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "job-1", TS: now, Stage: progress.StageJobStatus, Status: "active"},
		{
			JobID:      "job-1",
			TS:         now.Add(time.Second),
			Stage:      progress.StageActivity,
			Connection: "web",
			Activity:   "fetch",
			Bytes:      1024,
			ResultCode: "200",
			Dur:        200 * time.Millisecond,
		},
		{
			JobID:      "job-1",
			TS:         now.Add(2 * time.Second),
			Stage:      progress.StageActivity,
			Connection: "web",
			Activity:   "fetch",
			ResultCode: "503",
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("active")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.activities.WithLabelValues("web", "fetch", "2xx")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.activities.WithLabelValues("web", "fetch", "5xx")), 1e-9)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.bytes.WithLabelValues("web", "fetch")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.durations, "crawlsched_history_activity_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
