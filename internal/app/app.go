// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/api"
	"github.com/JakeFAU/crawlsched/internal/clock/system"
	"github.com/JakeFAU/crawlsched/internal/config"
	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/connector/web"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/hash/sha256"
	"github.com/JakeFAU/crawlsched/internal/id/uuid"
	"github.com/JakeFAU/crawlsched/internal/lock"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/output"
	"github.com/JakeFAU/crawlsched/internal/priority"
	"github.com/JakeFAU/crawlsched/internal/progress"
	"github.com/JakeFAU/crawlsched/internal/progress/sinks"
	pubmem "github.com/JakeFAU/crawlsched/internal/publisher/memory"
	"github.com/JakeFAU/crawlsched/internal/publisher/pubsub"
	"github.com/JakeFAU/crawlsched/internal/resetmgr"
	"github.com/JakeFAU/crawlsched/internal/setpriority"
	"github.com/JakeFAU/crawlsched/internal/storage/gcs"
	"github.com/JakeFAU/crawlsched/internal/storage/local"
	"github.com/JakeFAU/crawlsched/internal/storage/memory"
	"github.com/JakeFAU/crawlsched/internal/storage/postgres"
	"github.com/JakeFAU/crawlsched/internal/store"
	"github.com/JakeFAU/crawlsched/internal/supervisor"
)

const hubCloseTimeout = 10 * time.Second

// Option customizes New.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	publisher  crawler.Publisher
}

// WithRegisterer registers the progress collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithPublisher overrides the configured notification publisher.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

type closer struct {
	name string
	fn   func() error
}

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	jobs    *memory.JobQueue
	history store.HistoryRepository
	conns   *connector.Registry
	outputs *output.Registry
	hub     *progress.Hub

	supervisor *supervisor.Supervisor
	api        *api.Server
	server     *http.Server

	closers []closer
	started atomic.Bool
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Jobs returns the job manager and document queue.
func (a *App) Jobs() *memory.JobQueue { return a.jobs }

// History returns where activity history is recorded.
func (a *App) History() store.HistoryRepository { return a.history }

// Supervisor returns the scheduler.
func (a *App) Supervisor() *supervisor.Supervisor { return a.supervisor }

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// New builds every service named by cfg. It fails fast when a provider
// cannot be reached; whatever was opened before the failure is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()
	if cfg.ProcessID == "" {
		cfg.ProcessID = uuid.ProcessID()
	}
	logger = logger.With(zap.String("process_id", cfg.ProcessID))
	logger.Info("Initializing application services...")

	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	clock := system.New()
	a.jobs = memory.NewJobQueue(clock)

	if a.history, err = a.openHistory(ctx); err != nil {
		return nil, err
	}
	locks, err := a.openLocks(ctx)
	if err != nil {
		return nil, err
	}
	if a.outputs, err = a.openOutputs(ctx, clock); err != nil {
		return nil, err
	}
	publisher := o.publisher
	if publisher == nil {
		if publisher, err = a.openPublisher(ctx); err != nil {
			return nil, err
		}
	}

	a.conns = connector.NewRegistry(logger)
	a.conns.RegisterClass(web.Class, web.New)
	for _, conn := range cfg.Connections {
		if err := a.conns.AddConnection(conn); err != nil {
			return nil, fmt.Errorf("add connection %s: %w", conn.Name, err)
		}
	}

	promSink, err := sinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{Logger: logger},
		sinks.NewLogSink(logger),
		promSink,
		sinks.NewStoreSink(a.history, logger),
	)

	tracker := priority.NewTracker(priority.WithMinMillisecondsPerFetch(cfg.Priority.MinMsPerFetch))
	a.supervisor = supervisor.New(supervisor.Config{
		ProcessID:      cfg.ProcessID,
		FetchWorkers:   cfg.Pools.Fetch,
		DeleteWorkers:  cfg.Pools.Delete,
		CleanupWorkers: cfg.Pools.Cleanup,
		ExpireWorkers:  cfg.Pools.Expire,
		Stuffer:        cfg.Stuffer,
		Worker:         cfg.Worker,
		Removal:        cfg.Removal,
		SetPriority: setpriority.Config{
			Quota:   cfg.Priority.Quota,
			Backoff: cfg.Priority.Backoff,
		},
		Lifecycle: cfg.Lifecycle,
		Reset: resetmgr.Config{
			InitialInterval: cfg.Reset.InitialInterval,
			MaxInterval:     cfg.Reset.MaxInterval,
		},
		ShutdownPoll: cfg.Shutdown.Poll,
	}, supervisor.Deps{
		Store:       a.jobs,
		Conns:       a.conns,
		Outputs:     a.outputs,
		Tracker:     tracker,
		Locks:       locks,
		Publisher:   publisher,
		Recorder:    a.hub,
		Transitions: a.hub,
		Hasher:      sha256.New(),
		Clock:       clock,
		Logger:      logger,
	})

	if err := a.loadJobs(ctx); err != nil {
		return nil, err
	}

	a.api = api.NewServer(api.Config{APIKey: cfg.Server.APIKey}, api.Deps{
		Jobs:    a.jobs,
		Status:  a.supervisor,
		History: a.history,
		Conns:   a.conns,
		Outputs: a.outputs,
		IDs:     uuid.New(),
		Ready:   a.ready,
		Logger:  logger,
	})
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Application services initialized successfully.")
	return a, nil
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) openHistory(ctx context.Context) (store.HistoryRepository, error) {
	h := a.cfg.History
	switch h.Provider {
	case "postgres":
		a.logger.Info("Connecting to PostgreSQL history store...")
		pg, err := postgres.NewHistoryStore(ctx, postgres.HistoryStoreConfig{
			DSN:           h.DSN,
			ActivityTable: h.ActivityTable,
			JobEventTable: h.JobEventTable,
			MaxConns:      h.MaxConns,
			MinConns:      h.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize history store: %w", err)
		}
		a.addCloser("postgres", func() error { pg.Close(); return nil })
		return pg, nil
	default:
		a.logger.Info("Using in-memory history store.")
		return memory.NewHistoryStore(h.Capacity), nil
	}
}

func (a *App) openLocks(ctx context.Context) (lock.Manager, error) {
	if a.cfg.Lock.Provider != "redis" {
		return lock.NewMemory(), nil
	}
	a.logger.Info("Connecting to Redis lock manager...")
	r, err := lock.NewRedis(ctx, a.cfg.Lock.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize lock manager: %w", err)
	}
	a.addCloser("redis", r.Close)
	return r, nil
}

func (a *App) openOutputs(ctx context.Context, clock crawler.Clock) (*output.Registry, error) {
	reg := output.NewRegistry()
	var gcsClient *storage.Client
	for _, oc := range a.cfg.Outputs {
		var blobs crawler.BlobStore
		switch oc.Provider {
		case "local":
			s, err := local.New(local.Config{BaseDir: oc.BaseDir})
			if err != nil {
				return nil, fmt.Errorf("output %s: %w", oc.Name, err)
			}
			blobs = s
		case "gcs":
			if gcsClient == nil {
				c, err := storage.NewClient(ctx)
				if err != nil {
					return nil, fmt.Errorf("output %s: gcs client: %w", oc.Name, err)
				}
				gcsClient = c
				a.addCloser("gcs", c.Close)
			}
			s, err := gcs.New(gcsClient, gcs.Config{Bucket: oc.Bucket})
			if err != nil {
				return nil, fmt.Errorf("output %s: %w", oc.Name, err)
			}
			blobs = s
		default:
			blobs = memory.NewBlobStore()
		}
		out, err := output.NewBlobOutput(output.BlobConfig{
			Name:       oc.Name,
			Version:    oc.Version,
			Prefix:     oc.Prefix,
			RetryDelay: oc.RetryDelay,
			FailAfter:  oc.FailAfter,
		}, blobs, clock, a.logger)
		if err != nil {
			return nil, fmt.Errorf("output %s: %w", oc.Name, err)
		}
		reg.Add(out)
		a.logger.Info("Output ready", zap.String("output", oc.Name), zap.String("provider", oc.Provider))
	}
	return reg, nil
}

func (a *App) openPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.Notify.Provider != "pubsub" {
		a.logger.Info("Using in-memory notification publisher. Notifications stay in process.")
		return pubmem.New(), nil
	}
	a.logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", a.cfg.Lifecycle.Topic))
	p, err := pubsub.New(ctx, a.cfg.Notify.ProjectID, a.cfg.Lifecycle.Topic, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize publisher: %w", err)
	}
	a.addCloser("pubsub", p.Close)
	return p, nil
}

func (a *App) loadJobs(ctx context.Context) error {
	for _, jc := range a.cfg.Jobs {
		job, err := jc.ToJob()
		if err != nil {
			return err
		}
		if err := a.jobs.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("save job %s: %w", job.ID, err)
		}
		if jc.Start {
			if err := a.jobs.StartJob(ctx, job.ID); err != nil {
				return fmt.Errorf("start job %s: %w", job.ID, err)
			}
		}
		a.logger.Info("Job loaded", zap.String("job_id", job.ID), zap.Bool("start", jc.Start))
	}
	return nil
}

func (a *App) ready(context.Context) error {
	if !a.started.Load() {
		return errors.New("scheduler not started")
	}
	return nil
}

// Run starts the scheduler and the admin server and blocks until ctx ends or
// a thread reports a fatal error. Either way everything is stopped before
// Run returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.started.Store(true)

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("Starting admin server", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown requested")
	case err := <-a.supervisor.Fatal():
		runErr = fmt.Errorf("scheduler failed: %w", err)
		a.logger.Error("Scheduler thread failed", zap.Error(err))
	case err := <-serveErr:
		runErr = fmt.Errorf("admin server: %w", err)
		a.logger.Error("Admin server failed", zap.Error(err))
	}
	a.started.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("Admin server shutdown failed", zap.Error(err))
	}
	if err := a.supervisor.Stop(a.cfg.Shutdown.Timeout); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	a.logger.Info("Shutting down application services...")
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), hubCloseTimeout)
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("Error flushing progress events", zap.Error(err))
		}
		cancel()
		st := a.hub.Stats()
		a.logger.Info("Progress events delivered",
			zap.Int64("delivered", st.Delivered),
			zap.Int64("dropped", st.Dropped),
			zap.Int("connections", len(st.Connections)))
	}
	if a.conns != nil {
		a.conns.Flush()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("Error closing service", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	// Sync commonly fails on stderr; nothing useful can be done about it.
	_ = a.logger.Sync()
}
