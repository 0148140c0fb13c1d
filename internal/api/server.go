// Package api exposes the HTTP interface for the scheduler.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/metrics"
	"github.com/JakeFAU/crawlsched/internal/priority"
	"github.com/JakeFAU/crawlsched/internal/schedule"
	"github.com/JakeFAU/crawlsched/internal/store"
	"github.com/JakeFAU/crawlsched/internal/supervisor"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultHistoryLimit   = 100
	maxHistoryLimit       = 1000
)

// StatusSource reports the scheduler's live state.
type StatusSource interface {
	Status() supervisor.Status
	Bins() []priority.BinStat
}

// ConnectionLookup resolves configured repository connections.
type ConnectionLookup interface {
	Connection(name string) (connector.Connection, bool)
}

// OutputLookup lists configured output names.
type OutputLookup interface {
	Names() []string
}

// Config tunes the HTTP surface.
type Config struct {
	// APIKey, when set, must accompany every request.
	APIKey         string
	RequestTimeout time.Duration
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Jobs    crawler.JobManager
	Status  StatusSource
	History store.HistoryRepository
	Conns   ConnectionLookup
	Outputs OutputLookup
	IDs     crawler.IDGenerator
	// Ready reports whether downstream dependencies are usable; nil means
	// always ready.
	Ready  func(context.Context) error
	Logger *zap.Logger
}

// Server wires HTTP handlers to the scheduler.
type Server struct {
	Deps
	router chi.Router
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{Deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/status", s.status)
		r.Get("/history", s.history)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.listJobs)
			r.Post("/", s.createJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Post("/start", s.startJob)
				r.Post("/stop", s.stopJob)
				r.Post("/delete", s.deleteJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	supervisor.Status
	Bins []priority.BinStat `json:"bins"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	if s.Status == nil {
		s.writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Status: s.Status.Status(), Bins: s.Status.Bins()})
}

type activityView struct {
	JobID       string    `json:"job_id,omitempty"`
	Connection  string    `json:"connection"`
	Activity    string    `json:"activity"`
	Identifier  string    `json:"identifier"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`
	Bytes       int64     `json:"bytes"`
	ResultCode  string    `json:"result_code"`
	Description string    `json:"description,omitempty"`
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		s.writeError(w, http.StatusNotFound, "history is not recorded")
		return
	}
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil || limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	limit = min(limit, maxHistoryLimit)
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	rows, err := s.History.ListActivities(r.Context(), r.URL.Query().Get("connection"), limit, offset)
	if err != nil {
		s.logger.Error("list activities failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	out := make([]activityView, 0, len(rows))
	for _, row := range rows {
		out = append(out, activityView{
			JobID:       row.JobID,
			Connection:  row.Connection,
			Activity:    row.Activity,
			Identifier:  row.Identifier,
			StartedAt:   row.StartedAt,
			DurationMs:  row.Duration.Milliseconds(),
			Bytes:       row.Bytes,
			ResultCode:  row.ResultCode,
			Description: row.Description,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"activities": out, "limit": limit, "offset": offset})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.Jobs.ListJobs(r.Context())
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.jobError(w, err)
		return
	}
	counts, err := s.Jobs.DocumentCounts(r.Context(), jobID)
	if err != nil {
		s.jobError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job, "documents": counts})
}

type jobRequest struct {
	ID                 string            `json:"id"`
	Description        string            `json:"description"`
	Connection         string            `json:"connection"`
	Outputs            []string          `json:"outputs"`
	Type               string            `json:"type"`
	RecrawlInterval    string            `json:"recrawl_interval"`
	ExpirationInterval string            `json:"expiration_interval"`
	ReseedInterval     string            `json:"reseed_interval"`
	ReseedSchedule     string            `json:"reseed_schedule"`
	HopcountMode       string            `json:"hopcount_mode"`
	HopcountFilters    map[string]int    `json:"hopcount_filters"`
	Seeds              []string          `json:"seeds"`
	Spec               map[string]string `json:"spec"`
	Start              bool              `json:"start"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.toJob(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if job.ID == "" {
		if job.ID, err = s.newID(); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else if _, err := s.Jobs.GetJob(r.Context(), job.ID); err == nil {
		s.writeError(w, http.StatusConflict, "job already exists")
		return
	}
	if err := s.Jobs.SaveJob(r.Context(), job); err != nil {
		s.logger.Error("save job failed", zap.String("job_id", job.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to save job")
		return
	}
	if req.Start {
		if err := s.Jobs.StartJob(r.Context(), job.ID); err != nil {
			s.jobError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"job_id": job.ID})
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, "start", s.Jobs.StartJob)
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, "stop", s.Jobs.StopJob)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, "delete", s.Jobs.DeleteJob)
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, action string,
	fn func(context.Context, string) error,
) {
	jobID := chi.URLParam(r, "job_id")
	if err := fn(r.Context(), jobID); err != nil {
		s.jobError(w, err)
		return
	}
	s.logger.Info("job action accepted", zap.String("job_id", jobID), zap.String("action", action))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "action": action})
}

func (s *Server) jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawler.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, crawler.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("job request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) toJob(req jobRequest) (crawler.Job, error) {
	if req.Connection == "" {
		return crawler.Job{}, errors.New("connection required")
	}
	if s.Conns != nil {
		if _, ok := s.Conns.Connection(req.Connection); !ok {
			return crawler.Job{}, fmt.Errorf("unknown connection %q", req.Connection)
		}
	}
	if s.Outputs != nil {
		known := make(map[string]bool)
		for _, name := range s.Outputs.Names() {
			known[name] = true
		}
		for _, name := range req.Outputs {
			if !known[name] {
				return crawler.Job{}, fmt.Errorf("unknown output %q", name)
			}
		}
	}
	typ, err := crawler.ParseJobType(req.Type)
	if err != nil {
		return crawler.Job{}, err
	}
	mode, err := crawler.ParseHopcountMode(req.HopcountMode)
	if err != nil {
		return crawler.Job{}, err
	}
	if err := schedule.Validate(req.ReseedSchedule); err != nil {
		return crawler.Job{}, err
	}
	job := crawler.Job{
		ID:              req.ID,
		Description:     req.Description,
		Connection:      req.Connection,
		Outputs:         req.Outputs,
		Type:            typ,
		ReseedSchedule:  req.ReseedSchedule,
		HopcountMode:    mode,
		HopcountFilters: req.HopcountFilters,
		Seeds:           req.Seeds,
		Spec:            req.Spec,
		Status:          crawler.JobStatusNotYetRun,
	}
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"recrawl_interval", req.RecrawlInterval, &job.RecrawlInterval},
		{"expiration_interval", req.ExpirationInterval, &job.ExpirationInterval},
		{"reseed_interval", req.ReseedInterval, &job.ReseedInterval},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil || v < 0 {
			return crawler.Job{}, fmt.Errorf("invalid %s %q", d.name, d.raw)
		}
		*d.dst = v
	}
	return job, nil
}

func (s *Server) newID() (string, error) {
	if s.IDs == nil {
		return uuid.NewString(), nil
	}
	id, err := s.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
