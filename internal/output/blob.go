package output

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/crawler"
)

// BlobConfig controls a BlobOutput.
type BlobConfig struct {
	Name    string
	Version string
	Prefix  string
	// RetryDelay is how far out a failed blob call asks to be retried.
	RetryDelay time.Duration
	// FailAfter bounds how long a document may keep failing before the
	// interruption becomes a hard failure. Zero retries forever.
	FailAfter time.Duration
}

type statusKey struct {
	connection string
	idHash     string
}

// BlobOutput writes document content to a BlobStore and keeps an index of
// what it ingested.
type BlobOutput struct {
	cfg    BlobConfig
	store  crawler.BlobStore
	clock  crawler.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	statuses map[statusKey]*crawler.IngestStatus
}

// NewBlobOutput wires store behind the Output contract.
func NewBlobOutput(cfg BlobConfig, store crawler.BlobStore, clock crawler.Clock, logger *zap.Logger) (*BlobOutput, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("output name is required")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobOutput{
		cfg:      cfg,
		store:    store,
		clock:    clock,
		logger:   logger.Named("output").With(zap.String("output", cfg.Name)),
		statuses: make(map[statusKey]*crawler.IngestStatus),
	}, nil
}

// Name implements Output.
func (o *BlobOutput) Name() string { return o.cfg.Name }

// OutputVersion implements Output.
func (o *BlobOutput) OutputVersion() string { return o.cfg.Version }

// IngestStatuses implements Output.
func (o *BlobOutput) IngestStatuses(_ context.Context, connection string, idHashes []string) ([]*crawler.IngestStatus, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*crawler.IngestStatus, len(idHashes))
	for i, h := range idHashes {
		if st, ok := o.statuses[statusKey{connection, h}]; ok {
			cp := *st
			out[i] = &cp
		}
	}
	return out, nil
}

// Ingest implements Output.
func (o *BlobOutput) Ingest(ctx context.Context, connection string, doc Document) error {
	now := o.now()
	if doc.Content != nil {
		contentType := doc.Content.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if _, err := o.store.PutObject(ctx, o.path(connection, doc.IDHash), contentType, bytes.NewReader(doc.Content.Content)); err != nil {
			return o.interruption("put object", err, now)
		}
	}
	o.mu.Lock()
	o.statuses[statusKey{connection, doc.IDHash}] = &crawler.IngestStatus{
		DocumentVersion: doc.Version,
		Authority:       doc.Authority,
		OutputVersion:   o.cfg.Version,
		IngestedAt:      now,
		CheckedAt:       now,
	}
	o.mu.Unlock()
	return nil
}

// DeleteMultiple implements Output. Documents the output never saw are skipped.
func (o *BlobOutput) DeleteMultiple(ctx context.Context, connection string, idHashes []string) error {
	now := o.now()
	for _, h := range idHashes {
		key := statusKey{connection, h}
		o.mu.RLock()
		_, known := o.statuses[key]
		o.mu.RUnlock()
		if !known {
			continue
		}
		if err := o.store.DeleteObject(ctx, o.path(connection, h)); err != nil && !errors.Is(err, crawler.ErrNotFound) {
			return o.interruption("delete object", err, now)
		}
		o.mu.Lock()
		delete(o.statuses, key)
		o.mu.Unlock()
	}
	return nil
}

// CheckMultiple implements Output.
func (o *BlobOutput) CheckMultiple(_ context.Context, connection string, idHashes []string, at time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, h := range idHashes {
		if st, ok := o.statuses[statusKey{connection, h}]; ok {
			st.CheckedAt = at
		}
	}
	return nil
}

func (o *BlobOutput) path(connection, idHash string) string {
	prefix := strings.Trim(o.cfg.Prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", connection, idHash)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, connection, idHash)
}

func (o *BlobOutput) interruption(op string, err error, now time.Time) error {
	o.logger.Warn("blob store unavailable", zap.String("op", op), zap.Error(err))
	si := crawler.NewServiceInterruption(fmt.Sprintf("%s: %v", op, err), now.Add(o.cfg.RetryDelay))
	if o.cfg.FailAfter > 0 {
		si.FailTime = now.Add(o.cfg.FailAfter)
	}
	return si
}

func (o *BlobOutput) now() time.Time {
	if o.clock == nil {
		return time.Now().UTC()
	}
	return o.clock.Now()
}
