package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: capacity of the inbound queue (default 4096).
//   - MaxBatch: activity events that force a flush (default 1000).
//   - FlushInterval: how often a partial batch is flushed (default 500ms).
//   - SinkTimeout: per-sink deadline for one flush (default 10s).
//   - BaseContext: parent of every sink call (default context.Background()).
//   - Logger: receives drop and sink warnings.
//
// Job status events are never held for the interval: each one flushes the
// pending batch it lands in.
type Config struct {
	BufferSize    int
	MaxBatch      int
	FlushInterval time.Duration
	SinkTimeout   time.Duration
	BaseContext   context.Context
	Logger        *zap.Logger
}

const (
	defaultBufferSize    = 4096
	defaultMaxBatch      = 1000
	defaultFlushInterval = 500 * time.Millisecond
	defaultSinkTimeout   = 10 * time.Second
	dropLogInterval      = 5 * time.Second
)

// ConnectionStats totals the activity a connection reported through the hub.
type ConnectionStats struct {
	Activities int64
	Bytes      int64
	// Errors counts activities whose result code fell in the 4xx or 5xx class.
	Errors int64
}

// Stats is a point-in-time snapshot of hub throughput.
type Stats struct {
	// Delivered counts events handed to the sinks.
	Delivered int64
	// Dropped counts events refused because the queue was full.
	Dropped int64
	// Invalid counts events that failed validation.
	Invalid int64
	// Transitions counts job status events, keyed by the new status.
	Transitions map[string]int64
	// Connections holds activity totals keyed by connection name.
	Connections map[string]ConnectionStats
}

// Hub batches scheduler events and fans them out to sinks on a single
// background goroutine. Emit is safe for concurrent use and never blocks.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	dropLog  rate.Sometimes
	pendDrop atomic.Int64
	dropped  atomic.Int64
	invalid  atomic.Int64
	closed   atomic.Bool

	mu          sync.Mutex
	delivered   int64
	transitions map[string]int64
	conns       map[string]ConnectionStats

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub that delivers to sinks. It accepts events immediately.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLog:     rate.Sometimes{Interval: dropLogInterval},
		transitions: make(map[string]int64),
		conns:       make(map[string]ConnectionStats),
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.run()
	return h
}

// Emit queues evt for delivery. A full queue drops the event and logs a
// warning at most once per interval.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.invalid.Add(1)
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.pendDrop.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", h.pendDrop.Swap(0)))
		})
	}
}

// Stats returns a copy of the hub's counters.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Stats{
		Delivered:   h.delivered,
		Dropped:     h.dropped.Load(),
		Invalid:     h.invalid.Load(),
		Transitions: make(map[string]int64, len(h.transitions)),
		Connections: make(map[string]ConnectionStats, len(h.conns)),
	}
	for k, v := range h.transitions {
		st.Transitions[k] = v
	}
	for k, v := range h.conns {
		st.Connections[k] = v
	}
	return st
}

// Close stops intake, delivers whatever is queued, closes the sinks and
// waits for the background goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	ticker := time.NewTicker(h.cfg.FlushInterval)
	defer ticker.Stop()

	var b batch
	for {
		select {
		case evt := <-h.events:
			if b.add(evt, h.cfg.MaxBatch) {
				h.flush(&b)
			}
		case <-ticker.C:
			h.flush(&b)
		case <-h.stopCh:
			h.drain(&b)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(b *batch) {
	for {
		select {
		case evt := <-h.events:
			if b.add(evt, h.cfg.MaxBatch) {
				h.flush(b)
			}
		default:
			h.flush(b)
			return
		}
	}
}

// batch holds events waiting for the next flush.
type batch struct {
	events     []Event
	activities int
}

// add appends evt and reports whether the batch should go out now.
func (b *batch) add(evt Event, maxActivities int) bool {
	b.events = append(b.events, evt)
	if evt.Stage == StageJobStatus {
		return true
	}
	b.activities++
	return b.activities >= maxActivities
}

func (b *batch) reset() {
	b.events = b.events[:0]
	b.activities = 0
}

func (h *Hub) flush(b *batch) {
	if len(b.events) == 0 {
		return
	}
	out := append([]Event(nil), b.events...)
	b.reset()
	h.tally(out)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.Int("events", len(out)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) tally(events []Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.delivered += int64(len(events))
	for _, evt := range events {
		switch evt.Stage {
		case StageJobStatus:
			h.transitions[evt.Status]++
		case StageActivity:
			cs := h.conns[evt.Connection]
			cs.Activities++
			cs.Bytes += evt.Bytes
			if class := ResultClass(evt.ResultCode); class == "4xx" || class == "5xx" {
				cs.Errors++
			}
			h.conns[evt.Connection] = cs
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
