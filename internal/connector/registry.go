package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/throttle"
)

// Factory builds a repository instance for a connection.
type Factory func(conn Connection, spec *throttle.Spec, logger *zap.Logger) (Repository, error)

// Registry owns configured connections and one instance pool per connection.
type Registry struct {
	logger *zap.Logger

	mu          sync.RWMutex
	factories   map[string]Factory
	connections map[string]Connection
	specs       map[string]*throttle.Spec
	pools       map[string]*Pool
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:      logger.Named("connectors"),
		factories:   make(map[string]Factory),
		connections: make(map[string]Connection),
		specs:       make(map[string]*throttle.Spec),
		pools:       make(map[string]*Pool),
	}
}

// RegisterClass makes a connector class available to connections.
func (r *Registry) RegisterClass(class string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[class] = factory
}

// AddConnection validates and registers a connection.
func (r *Registry) AddConnection(conn Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	factory, ok := r.factories[conn.Class]
	if !ok {
		return fmt.Errorf("connection %q: unknown connector class %q", conn.Name, conn.Class)
	}
	if conn.Name == "" {
		return fmt.Errorf("connection name is required")
	}
	spec, err := throttle.NewSpec(conn.Throttles)
	if err != nil {
		return fmt.Errorf("connection %q: %w", conn.Name, err)
	}
	if conn.MaxConnections <= 0 {
		conn.MaxConnections = 1
	}
	r.connections[conn.Name] = conn
	r.specs[conn.Name] = spec
	r.pools[conn.Name] = newPool(conn, spec, factory, r.logger)
	return nil
}

// Connection looks up a connection by name.
func (r *Registry) Connection(name string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connections[name]
	return c, ok
}

// Connections lists registered connections sorted by name.
func (r *Registry) Connections() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Throttle returns the compiled throttle rules of a connection.
func (r *Registry) Throttle(name string) *throttle.Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.specs[name]
}

// Grab takes an instance for the named connection, blocking while the
// connection is at its max connection count.
func (r *Registry) Grab(ctx context.Context, name string) (Repository, error) {
	r.mu.RLock()
	pool, ok := r.pools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("grab connection %q: not configured", name)
	}
	return pool.Grab(ctx)
}

// Release returns an instance obtained from Grab.
func (r *Registry) Release(name string, repo Repository) {
	r.mu.RLock()
	pool, ok := r.pools[name]
	r.mu.RUnlock()
	if !ok || repo == nil {
		return
	}
	pool.Release(repo)
}

// Flush closes every idle pooled instance. Instances currently grabbed are
// closed when they are released.
func (r *Registry) Flush() {
	r.mu.RLock()
	pools := make([]*Pool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.RUnlock()
	for _, p := range pools {
		p.Flush()
	}
}

// Pool is a bounded pool of repository instances for one connection.
type Pool struct {
	conn    Connection
	spec    *throttle.Spec
	factory Factory
	logger  *zap.Logger
	slots   chan struct{}

	mu   sync.Mutex
	idle []Repository
	gen  uint64
	born map[Repository]uint64
}

func newPool(conn Connection, spec *throttle.Spec, factory Factory, logger *zap.Logger) *Pool {
	return &Pool{
		conn:    conn,
		spec:    spec,
		factory: factory,
		logger:  logger.With(zap.String("connection", conn.Name)),
		slots:   make(chan struct{}, conn.MaxConnections),
		born:    make(map[Repository]uint64),
	}
}

// Grab returns an idle instance or creates one.
func (p *Pool) Grab(ctx context.Context) (Repository, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("grab connection %q: %w", p.conn.Name, ctx.Err())
	}
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		repo := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return repo, nil
	}
	gen := p.gen
	p.mu.Unlock()

	repo, err := p.factory(p.conn, p.spec, p.logger)
	if err != nil {
		<-p.slots
		return nil, fmt.Errorf("create connector for %q: %w", p.conn.Name, err)
	}
	p.mu.Lock()
	p.born[repo] = gen
	p.mu.Unlock()
	return repo, nil
}

// Release returns repo to the pool, closing it if the pool was flushed since
// it was created.
func (p *Pool) Release(repo Repository) {
	p.mu.Lock()
	stale := p.born[repo] != p.gen
	if stale {
		delete(p.born, repo)
	} else {
		p.idle = append(p.idle, repo)
	}
	p.mu.Unlock()
	if stale {
		p.close(repo)
	}
	<-p.slots
}

// Flush closes idle instances and retires the ones in use.
func (p *Pool) Flush() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.gen++
	for _, repo := range idle {
		delete(p.born, repo)
	}
	p.mu.Unlock()
	for _, repo := range idle {
		p.close(repo)
	}
}

func (p *Pool) close(repo Repository) {
	if err := repo.Close(); err != nil {
		p.logger.Warn("close connector failed", zap.Error(err))
	}
}
