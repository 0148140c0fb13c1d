// Package web is the repository connector for HTTP sites. Bins are host
// names, document versions are content digests and hyperlinks become
// document references.
package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/throttle"
)

// Class is the connector class name used in connection configuration.
const Class = "web"

// RelationshipLink is the relationship type of a hyperlink.
const RelationshipLink = "link"

// Config is read from a connection's config map.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBatch is the number of documents handed to one worker at a time.
	MaxBatch int
	// SameHost drops links that leave the host of the page they were found on.
	SameHost bool
	// RetryDelay is how long a document waits after a server or network failure.
	RetryDelay time.Duration
	// FailAfter bounds how long a document may keep failing.
	FailAfter time.Duration
	// BlockedHosts are never fetched; links to them are dropped.
	BlockedHosts []string
}

// ParseConfig reads Config from connection parameters.
func ParseConfig(params map[string]string) (Config, error) {
	cfg := Config{
		UserAgent:     "crawlsched/1.0",
		RespectRobots: true,
		Timeout:       15 * time.Second,
		MaxBatch:      10,
		RetryDelay:    5 * time.Minute,
		FailAfter:     2 * time.Hour,
	}
	if v := params["user_agent"]; v != "" {
		cfg.UserAgent = v
	}
	var err error
	if v := params["respect_robots"]; v != "" {
		if cfg.RespectRobots, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("parse respect_robots: %w", err)
		}
	}
	if v := params["same_host"]; v != "" {
		if cfg.SameHost, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("parse same_host: %w", err)
		}
	}
	for _, h := range strings.Split(params["blocked_hosts"], ",") {
		if h = strings.TrimSpace(h); h != "" {
			cfg.BlockedHosts = append(cfg.BlockedHosts, h)
		}
	}
	if v := params["max_batch"]; v != "" {
		if cfg.MaxBatch, err = strconv.Atoi(v); err != nil || cfg.MaxBatch <= 0 {
			return Config{}, fmt.Errorf("parse max_batch %q: must be a positive integer", v)
		}
	}
	for key, dst := range map[string]*time.Duration{
		"timeout":     &cfg.Timeout,
		"retry_delay": &cfg.RetryDelay,
		"fail_after":  &cfg.FailAfter,
	} {
		if v := params[key]; v != "" {
			if *dst, err = time.ParseDuration(v); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", key, err)
			}
		}
	}
	return cfg, nil
}

// page is the result of one fetch, kept between the version check and
// processing of the same batch.
type page struct {
	status      int
	body        []byte
	contentType string
	headers     http.Header
	links       []string
}

// Repository fetches pages with a colly collector.
type Repository struct {
	cfg       Config
	blocked   *hostBlocklist
	gate      *throttle.Gate
	transport http.RoundTripper
	base      *colly.Collector
	logger    *zap.Logger

	mu    sync.Mutex
	pages map[string]*page
}

var _ connector.Repository = (*Repository)(nil)

// New is a connector.Factory for web connections.
func New(conn connector.Connection, spec *throttle.Spec, logger *zap.Logger) (connector.Repository, error) {
	cfg, err := ParseConfig(conn.Config)
	if err != nil {
		return nil, crawler.NewSetupError("configure web connection "+conn.Name, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repository{
		cfg:       cfg,
		blocked:   newHostBlocklist(cfg.BlockedHosts),
		transport: newRobotsRetryTransport(newHTTPTransport()),
		logger:    logger.Named("web").With(zap.String("connection", conn.Name)),
		pages:     make(map[string]*page),
	}
	if spec != nil {
		r.gate = throttle.NewGate(spec)
	}
	r.base = colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	r.base.WithTransport(r.transport)
	return r, nil
}

// BinNames implements connector.Repository.
func (r *Repository) BinNames(identifier string) []string {
	u, err := url.Parse(identifier)
	if err != nil || u.Host == "" {
		return []string{""}
	}
	return []string{strings.ToLower(u.Hostname())}
}

// MaxDocumentRequest implements connector.Repository.
func (r *Repository) MaxDocumentRequest() int {
	return r.cfg.MaxBatch
}

// RelationshipTypes implements connector.Repository.
func (r *Repository) RelationshipTypes() []string {
	return []string{RelationshipLink}
}

// DocumentVersions fetches every page and reports its content digest. Pages
// that are gone or excluded by robots.txt are reported absent.
func (r *Repository) DocumentVersions(ctx context.Context, ids []string, _ []string, activity connector.VersionActivity,
	_ connector.Spec, _ crawler.JobType, _ bool,
) ([]connector.DocumentVersion, error) {
	r.mu.Lock()
	r.pages = make(map[string]*page, len(ids))
	r.mu.Unlock()
	out := make([]connector.DocumentVersion, len(ids))
	for i, id := range ids {
		if err := activity.CheckJobStillActive(ctx); err != nil {
			return nil, err
		}
		p, err := r.fetch(ctx, id, activity)
		if err != nil {
			return nil, err
		}
		if p == nil || p.status == http.StatusNotFound || p.status == http.StatusGone {
			out[i] = connector.Absent()
			continue
		}
		sum := sha256.Sum256(p.body)
		out[i] = connector.Present(hex.EncodeToString(sum[:]))
	}
	return out, nil
}

// ProcessDocuments ingests the pages fetched by DocumentVersions and reports
// their links. Scan-only pages contribute links but are not ingested.
func (r *Repository) ProcessDocuments(ctx context.Context, ids []string, versions []connector.DocumentVersion,
	activity connector.ProcessActivity, _ connector.Spec, scanOnly []bool, _ crawler.JobType,
) error {
	defer r.forget(ids)
	for i, id := range ids {
		p := r.cached(id)
		if p == nil {
			var err error
			if p, err = r.fetch(ctx, id, activity); err != nil {
				return err
			}
			if p == nil {
				activity.DeleteDocument(id)
				continue
			}
		}
		for _, link := range r.filterLinks(id, p.links) {
			activity.AddDocumentReference(connector.Reference{
				Identifier:       link,
				Parent:           id,
				RelationshipType: RelationshipLink,
			})
		}
		if scanOnly[i] {
			continue
		}
		if p.status >= http.StatusBadRequest {
			if err := activity.NoDocument(ctx, id, versions[i].Version); err != nil {
				return err
			}
			continue
		}
		doc := connector.RepositoryDocument{
			URI:         id,
			Content:     p.body,
			ContentType: p.contentType,
			Metadata:    map[string][]string(p.headers),
			ModifiedAt:  time.Now().UTC(),
		}
		if err := activity.IngestDocument(ctx, id, versions[i].Version, doc); err != nil {
			return err
		}
	}
	return nil
}

// AddSeedDocuments queues every well-formed seed URL.
func (r *Repository) AddSeedDocuments(_ context.Context, activity connector.SeedingActivity, spec connector.Spec,
	_, _ time.Time, _ crawler.JobType,
) error {
	for _, seed := range spec.Seeds {
		norm, ok := normalize(nil, seed)
		if !ok {
			r.logger.Warn("skipping malformed seed", zap.String("seed", seed))
			continue
		}
		activity.AddSeedDocument(norm, nil)
	}
	return nil
}

// Close implements connector.Repository.
func (r *Repository) Close() error {
	if t, ok := r.transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func (r *Repository) cached(id string) *page {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pages[id]
}

func (r *Repository) forget(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.pages, id)
	}
}

// fetch retrieves one page. A nil page with a nil error means robots.txt or
// the host blocklist forbids it. Server and network failures become service
// interruptions.
func (r *Repository) fetch(ctx context.Context, id string, recorder connector.ActivityRecorder) (*page, error) {
	if r.blocked.blocked(r.BinNames(id)[0]) {
		recorder.RecordActivity(connector.ActivityRecord{
			Activity:   connector.ActivityFetch,
			Identifier: id,
			Start:      time.Now(),
			ResultCode: "BLOCKED",
		})
		return nil, nil
	}
	if r.gate != nil {
		if err := r.gate.Wait(ctx, r.BinNames(id)); err != nil {
			if errors.Is(err, throttle.ErrBinClosed) {
				return nil, r.interruption(id, err)
			}
			return nil, fmt.Errorf("throttle %s: %w", id, err)
		}
	}

	start := time.Now()
	var (
		result   page
		fetchErr error
	)
	collector := r.base.Clone()
	collector.UserAgent = r.cfg.UserAgent
	collector.IgnoreRobotsTxt = !r.cfg.RespectRobots
	collector.SetRequestTimeout(r.cfg.Timeout)
	collector.WithTransport(r.transport)
	collector.ParseHTTPErrorResponse = true

	collector.OnResponse(func(resp *colly.Response) {
		result.status = resp.StatusCode
		result.body = append([]byte(nil), resp.Body...)
		if resp.Headers != nil {
			result.headers = resp.Headers.Clone()
			result.contentType = resp.Headers.Get("Content-Type")
		}
	})
	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if link, ok := normalize(e.Request.URL, e.Attr("href")); ok {
			result.links = append(result.links, link)
		}
	})
	collector.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode > 0 {
			result.status = resp.StatusCode
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(id)
	}()
	var visitErr error
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch %s: %w", id, ctx.Err())
	case visitErr = <-done:
	}

	rec := connector.ActivityRecord{
		Activity:   connector.ActivityFetch,
		Identifier: id,
		Start:      start,
		Duration:   time.Since(start),
		Bytes:      int64(len(result.body)),
	}
	switch {
	case errors.Is(visitErr, colly.ErrRobotsTxtBlocked):
		rec.ResultCode = "ROBOTS"
		recorder.RecordActivity(rec)
		return nil, nil
	case visitErr == nil && fetchErr != nil:
		visitErr = fetchErr
	}
	if visitErr != nil && result.status == 0 {
		rec.ResultCode = "ERROR"
		rec.Description = visitErr.Error()
		recorder.RecordActivity(rec)
		return nil, r.interruption(id, visitErr)
	}
	rec.ResultCode = strconv.Itoa(result.status)
	recorder.RecordActivity(rec)
	if result.status >= http.StatusInternalServerError || result.status == http.StatusTooManyRequests {
		return nil, r.interruption(id, fmt.Errorf("server returned %d", result.status))
	}
	r.mu.Lock()
	r.pages[id] = &result
	r.mu.Unlock()
	return &result, nil
}

func (r *Repository) interruption(id string, err error) *crawler.ServiceInterruption {
	now := time.Now()
	si := crawler.NewServiceInterruption(fmt.Sprintf("fetch %s: %v", id, err), now.Add(r.cfg.RetryDelay))
	if r.cfg.FailAfter > 0 {
		si.FailTime = now.Add(r.cfg.FailAfter)
	}
	return si
}

func (r *Repository) filterLinks(parent string, links []string) []string {
	host := r.BinNames(parent)[0]
	out := links[:0:0]
	for _, l := range links {
		linkHost := r.BinNames(l)[0]
		if r.cfg.SameHost && linkHost != host || r.blocked.blocked(linkHost) {
			continue
		}
		out = append(out, l)
	}
	return out
}
