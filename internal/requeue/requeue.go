// Package requeue reconciles documents whose carrydown data changed because a
// parent was processed, deleted, expired or cleaned up.
package requeue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/priority"
)

// Store is the persistence call the requeue relies on.
type Store interface {
	CarrydownChangeDocumentMultiple(ctx context.Context, descs []crawler.DocumentDescription, now time.Time,
		priorities []float64) ([]bool, error)
}

// Requeuer recomputes priorities for carrydown candidates and requeues them.
type Requeuer struct {
	store   Store
	tracker *priority.Tracker
	conns   *connector.Registry
	clock   crawler.Clock
	logger  *zap.Logger
}

// New builds a Requeuer.
func New(store Store, tracker *priority.Tracker, conns *connector.Registry, clock crawler.Clock, logger *zap.Logger) *Requeuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Requeuer{store: store, tracker: tracker, conns: conns, clock: clock, logger: logger.Named("requeue")}
}

// Requeue recomputes bins and priorities for descs, all of which belong to
// jobs on connection connName, and asks the store to requeue them. repo may
// be nil, in which case an instance is grabbed for the duration of the call.
// Priorities the store rejects are given back to the tracker. It returns the
// number of documents actually requeued. When no connector instance can be
// had, the documents are parked (see park) and the error is returned.
func (r *Requeuer) Requeue(ctx context.Context, connName string, repo connector.Repository,
	descs []crawler.DocumentDescription,
) (int, error) {
	if len(descs) == 0 {
		return 0, nil
	}
	conn, ok := r.conns.Connection(connName)
	if !ok {
		return 0, r.park(ctx, descs, crawler.NewSetupError("carrydown requeue", fmt.Errorf("unknown connection %q", connName)))
	}
	if repo == nil {
		grabbed, err := r.conns.Grab(ctx, connName)
		if err != nil {
			return 0, r.park(ctx, descs, err)
		}
		defer r.conns.Release(connName, grabbed)
		repo = grabbed
	}

	rates := r.conns.Throttle(connName)
	calcs := make([]*priority.Calculator, len(descs))
	prios := make([]float64, len(descs))
	for i, d := range descs {
		calcs[i] = r.tracker.NewCalculator(conn.Class, rates, repo.BinNames(d.DocumentIdentifier))
		prios[i] = calcs[i].DocumentPriority()
	}

	accepted, err := r.store.CarrydownChangeDocumentMultiple(ctx, descs, r.clock.Now(), prios)
	if err != nil {
		for _, c := range calcs {
			c.NotePriorityNotUsed()
		}
		return 0, fmt.Errorf("carrydown requeue: %w", err)
	}
	n := 0
	for i, c := range calcs {
		if i < len(accepted) && accepted[i] {
			n++
			metrics.ObservePriority(prios[i])
			continue
		}
		c.NotePriorityNotUsed()
	}
	metrics.ObserveCarrydownRequeue(n)
	if n > 0 {
		r.logger.Debug("requeued carrydown changes", zap.String("connection", connName), zap.Int("count", n),
			zap.Int("rejected", len(descs)-n))
	}
	return n, nil
}

// park requeues descs at +Inf priority when their bins cannot be computed.
// The carrydown change is kept, and the documents get a real priority the
// next time priorities are rebuilt. cause is always returned.
func (r *Requeuer) park(ctx context.Context, descs []crawler.DocumentDescription, cause error) error {
	prios := make([]float64, len(descs))
	for i := range prios {
		prios[i] = math.Inf(1)
	}
	if _, err := r.store.CarrydownChangeDocumentMultiple(context.WithoutCancel(ctx), descs, r.clock.Now(), prios); err != nil {
		return errors.Join(cause, fmt.Errorf("park carrydown changes: %w", err))
	}
	r.logger.Warn("carrydown changes parked without priority", zap.Int("count", len(descs)), zap.Error(cause))
	return cause
}
