package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlsched/internal/progress"
)

// PrometheusSink exports activity and job status metrics via Prometheus.
type PrometheusSink struct {
	activities  *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	transitions *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		activities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_history_activities_total",
			Help: "Connection activities partitioned by connection, activity and result class.",
		}, []string{"connection", "activity", "result_class"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_history_bytes_total",
			Help: "Bytes moved per connection and activity.",
		}, []string{"connection", "activity"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlsched_history_activity_seconds",
			Help:    "Activity duration partitioned by connection and activity.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"connection", "activity"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlsched_history_job_status_total",
			Help: "Job status changes partitioned by new status.",
		}, []string{"status"}),
	}
	for _, collector := range []prometheus.Collector{
		s.activities,
		s.bytes,
		s.durations,
		s.transitions,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageActivity:
			s.activities.WithLabelValues(evt.Connection, evt.Activity, progress.ResultClass(evt.ResultCode)).Inc()
			if evt.Bytes > 0 {
				s.bytes.WithLabelValues(evt.Connection, evt.Activity).Add(float64(evt.Bytes))
			}
			if evt.Dur > 0 {
				s.durations.WithLabelValues(evt.Connection, evt.Activity).Observe(evt.Dur.Seconds())
			}
		case progress.StageJobStatus:
			s.transitions.WithLabelValues(evt.Status).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
