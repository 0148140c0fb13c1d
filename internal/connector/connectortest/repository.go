// Package connectortest provides a scriptable in-memory repository connector
// for exercising the scheduler without a real repository.
package connectortest

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/throttle"
)

// Repository is a fake connector. Zero values give sensible defaults: bins
// are the identifier up to its first '/', every document exists with version
// "v1", and processing ingests each document with its identifier as content.
type Repository struct {
	MaxBatch      int
	Relationships []string

	// Versions overrides reported versions per identifier.
	Versions   map[string]connector.DocumentVersion
	VersionErr error
	// Process replaces the default processing behaviour.
	Process func(ctx context.Context, ids []string, versions []connector.DocumentVersion,
		activity connector.ProcessActivity, scanOnly []bool) error
	Seeds   []string
	SeedErr error

	mu           sync.Mutex
	versionCalls [][]string
	processCalls [][]string
	seedCalls    int
	closed       int
}

var _ connector.Repository = (*Repository)(nil)

// Factory returns a connector factory that always hands out r.
func (r *Repository) Factory() connector.Factory {
	return func(connector.Connection, *throttle.Spec, *zap.Logger) (connector.Repository, error) {
		return r, nil
	}
}

// BinNames implements connector.Repository.
func (r *Repository) BinNames(identifier string) []string {
	if i := strings.IndexByte(identifier, '/'); i > 0 {
		return []string{identifier[:i]}
	}
	return []string{identifier}
}

// MaxDocumentRequest implements connector.Repository.
func (r *Repository) MaxDocumentRequest() int {
	if r.MaxBatch <= 0 {
		return 10
	}
	return r.MaxBatch
}

// RelationshipTypes implements connector.Repository.
func (r *Repository) RelationshipTypes() []string {
	return r.Relationships
}

// DocumentVersions implements connector.Repository.
func (r *Repository) DocumentVersions(_ context.Context, ids []string, _ []string, _ connector.VersionActivity,
	_ connector.Spec, _ crawler.JobType, _ bool,
) ([]connector.DocumentVersion, error) {
	r.mu.Lock()
	r.versionCalls = append(r.versionCalls, append([]string(nil), ids...))
	r.mu.Unlock()
	if r.VersionErr != nil {
		return nil, r.VersionErr
	}
	out := make([]connector.DocumentVersion, len(ids))
	for i, id := range ids {
		if v, ok := r.Versions[id]; ok {
			out[i] = v
			continue
		}
		out[i] = connector.Present("v1")
	}
	return out, nil
}

// ProcessDocuments implements connector.Repository.
func (r *Repository) ProcessDocuments(ctx context.Context, ids []string, versions []connector.DocumentVersion,
	activity connector.ProcessActivity, _ connector.Spec, scanOnly []bool, _ crawler.JobType,
) error {
	r.mu.Lock()
	r.processCalls = append(r.processCalls, append([]string(nil), ids...))
	r.mu.Unlock()
	if r.Process != nil {
		return r.Process(ctx, ids, versions, activity, scanOnly)
	}
	for i, id := range ids {
		if scanOnly[i] {
			continue
		}
		doc := connector.RepositoryDocument{URI: id, Content: []byte(id), ContentType: "text/plain", ModifiedAt: time.Now()}
		if err := activity.IngestDocument(ctx, id, versions[i].Version, doc); err != nil {
			return err
		}
	}
	return nil
}

// AddSeedDocuments implements connector.Repository.
func (r *Repository) AddSeedDocuments(_ context.Context, activity connector.SeedingActivity, spec connector.Spec,
	_, _ time.Time, _ crawler.JobType,
) error {
	r.mu.Lock()
	r.seedCalls++
	r.mu.Unlock()
	if r.SeedErr != nil {
		return r.SeedErr
	}
	seeds := r.Seeds
	if seeds == nil {
		seeds = spec.Seeds
	}
	for _, s := range seeds {
		activity.AddSeedDocument(s, nil)
	}
	return nil
}

// Close implements connector.Repository.
func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

// VersionCalls returns the identifier batches passed to DocumentVersions.
func (r *Repository) VersionCalls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.versionCalls...)
}

// ProcessCalls returns the identifier batches passed to ProcessDocuments.
func (r *Repository) ProcessCalls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.processCalls...)
}

// SeedCalls returns how many times seeding ran.
func (r *Repository) SeedCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seedCalls
}

// Closed returns how many times Close was called.
func (r *Repository) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Registry returns a connector registry with one connection named conn of
// class "test" served by r.
func Registry(r *Repository, conn connector.Connection) (*connector.Registry, error) {
	reg := connector.NewRegistry(nil)
	if conn.Class == "" {
		conn.Class = "test"
	}
	reg.RegisterClass(conn.Class, r.Factory())
	if err := reg.AddConnection(conn); err != nil {
		return nil, err
	}
	return reg, nil
}
