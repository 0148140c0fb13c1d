// Package output is the ingestion side of a job: the ordered outputs a
// document is sent to, and the bookkeeping of what each output last saw.
package output

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
)

// Document is one ingestion request.
type Document struct {
	JobID      string
	Identifier string
	IDHash     string
	Version    string
	Authority  string
	// Content is nil when the document was handled but has nothing to index.
	Content *connector.RepositoryDocument
}

// Output is one ingestion target. Failures that may clear up later are
// reported as *crawler.ServiceInterruption.
type Output interface {
	Name() string
	// OutputVersion changes whenever the output's configuration would make
	// previously ingested documents stale.
	OutputVersion() string
	// IngestStatuses returns, per hash, what was last ingested or nil.
	IngestStatuses(ctx context.Context, connection string, idHashes []string) ([]*crawler.IngestStatus, error)
	Ingest(ctx context.Context, connection string, doc Document) error
	DeleteMultiple(ctx context.Context, connection string, idHashes []string) error
	// CheckMultiple records that the documents were verified unchanged.
	CheckMultiple(ctx context.Context, connection string, idHashes []string, at time.Time) error
}

// Registry holds configured outputs by name.
type Registry struct {
	mu      sync.RWMutex
	outputs map[string]Output
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{outputs: make(map[string]Output)}
}

// Add registers out under its name.
func (r *Registry) Add(out Output) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[out.Name()] = out
}

// Names lists the registered outputs.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.outputs))
	for n := range r.outputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Pipeline builds the pipeline of a job.
func (r *Registry) Pipeline(job crawler.Job) (*Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := &Pipeline{connection: job.Connection}
	for _, name := range job.Outputs {
		out, ok := r.outputs[name]
		if !ok {
			return nil, crawler.NewSetupError("output pipeline", fmt.Errorf("job %s: unknown output %q", job.ID, name))
		}
		p.outputs = append(p.outputs, out)
	}
	return p, nil
}

// Pipeline fans operations out to every output of a job, in order.
type Pipeline struct {
	connection string
	outputs    []Output
}

// Versions maps output name to its current output version.
func (p *Pipeline) Versions() map[string]string {
	v := make(map[string]string, len(p.outputs))
	for _, out := range p.outputs {
		v[out.Name()] = out.OutputVersion()
	}
	return v
}

// LastIngested returns, per hash, a map from output name to its ingest status.
func (p *Pipeline) LastIngested(ctx context.Context, idHashes []string) ([]map[string]*crawler.IngestStatus, error) {
	out := make([]map[string]*crawler.IngestStatus, len(idHashes))
	for i := range out {
		out[i] = make(map[string]*crawler.IngestStatus, len(p.outputs))
	}
	for _, o := range p.outputs {
		statuses, err := o.IngestStatuses(ctx, p.connection, idHashes)
		if err != nil {
			return nil, fmt.Errorf("ingest statuses from %s: %w", o.Name(), err)
		}
		for i, st := range statuses {
			if i < len(out) {
				out[i][o.Name()] = st
			}
		}
	}
	return out, nil
}

// Ingest sends doc to every output.
func (p *Pipeline) Ingest(ctx context.Context, doc Document) error {
	for _, o := range p.outputs {
		if err := o.Ingest(ctx, p.connection, doc); err != nil {
			return fmt.Errorf("ingest into %s: %w", o.Name(), err)
		}
	}
	return nil
}

// DeleteMultiple removes the documents from every output.
func (p *Pipeline) DeleteMultiple(ctx context.Context, idHashes []string) error {
	if len(idHashes) == 0 {
		return nil
	}
	for _, o := range p.outputs {
		if err := o.DeleteMultiple(ctx, p.connection, idHashes); err != nil {
			return fmt.Errorf("delete from %s: %w", o.Name(), err)
		}
	}
	return nil
}

// CheckMultiple records the documents as verified on every output.
func (p *Pipeline) CheckMultiple(ctx context.Context, idHashes []string, at time.Time) error {
	if len(idHashes) == 0 {
		return nil
	}
	for _, o := range p.outputs {
		if err := o.CheckMultiple(ctx, p.connection, idHashes, at); err != nil {
			return fmt.Errorf("check on %s: %w", o.Name(), err)
		}
	}
	return nil
}

// NeedsReingest decides whether a document with a freshly reported version
// must be processed again. A missing document is not a reingest; callers
// handle it as a delete. An empty version always reingests. Otherwise every
// output must agree on document version, authority and output version.
func NeedsReingest(v connector.DocumentVersion, last map[string]*crawler.IngestStatus, authority string,
	outputVersions map[string]string,
) bool {
	if !v.Exists {
		return false
	}
	if v.Version == "" {
		return true
	}
	for name, outVersion := range outputVersions {
		st := last[name]
		if st == nil {
			return true
		}
		if st.DocumentVersion != v.Version || st.Authority != authority || st.OutputVersion != outVersion {
			return true
		}
	}
	return false
}
