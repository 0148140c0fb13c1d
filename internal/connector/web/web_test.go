package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
)

type fakeActivity struct {
	mu       sync.Mutex
	records  []connector.ActivityRecord
	ingested map[string]connector.RepositoryDocument
	empty    []string
	deleted  []string
	refs     []connector.Reference
	seeds    []string
	inactive bool
}

func newFakeActivity() *fakeActivity {
	return &fakeActivity{ingested: make(map[string]connector.RepositoryDocument)}
}

func (a *fakeActivity) RecordActivity(rec connector.ActivityRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
}

func (a *fakeActivity) CheckJobStillActive(context.Context) error {
	if a.inactive {
		si := crawler.NewServiceInterruption("job stopped", time.Now())
		si.JobInactiveAbort = true
		return si
	}
	return nil
}

func (a *fakeActivity) IngestDocument(_ context.Context, id, _ string, doc connector.RepositoryDocument) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ingested[id] = doc
	return nil
}

func (a *fakeActivity) NoDocument(_ context.Context, id, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.empty = append(a.empty, id)
	return nil
}

func (a *fakeActivity) DeleteDocument(id string)                     { a.deleted = append(a.deleted, id) }
func (a *fakeActivity) RetryDocumentProcessing(string)               {}
func (a *fakeActivity) AddDocumentReference(ref connector.Reference) { a.refs = append(a.refs, ref) }
func (a *fakeActivity) AddSeedDocument(id string, _ []string)        { a.seeds = append(a.seeds, id) }

func (a *fakeActivity) ParentData(context.Context, string, string) ([]string, error) { return nil, nil }

func (a *fakeActivity) BeginEventSequence(context.Context, string) (bool, error) { return true, nil }

func (a *fakeActivity) CompleteEventSequence(context.Context, string) error { return nil }

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<html><body>
<a href="/about#team">About</a>
<a href="https://elsewhere.example/x">Away</a>
<a href="mailto:someone@example.com">Mail</a>
</body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "about us")
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "secret")
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newRepo(t *testing.T, params map[string]string) *Repository {
	t.Helper()
	repo, err := New(connector.Connection{Name: "site", Class: Class, Config: params}, nil, nil)
	require.NoError(t, err)
	return repo.(*Repository)
}

func TestVersionsAndProcessing(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	repo := newRepo(t, map[string]string{"same_host": "true"})
	act := newFakeActivity()
	ids := []string{srv.URL + "/", srv.URL + "/about", srv.URL + "/missing", srv.URL + "/private"}

	versions, err := repo.DocumentVersions(context.Background(), ids, make([]string, len(ids)), act, connector.Spec{}, crawler.JobTypeOnce, true)
	require.NoError(t, err)
	require.True(t, versions[0].Exists)
	require.Len(t, versions[0].Version, 64)
	require.True(t, versions[1].Exists)
	require.NotEqual(t, versions[0].Version, versions[1].Version)
	require.False(t, versions[2].Exists, "404 is a deletion")
	require.False(t, versions[3].Exists, "robots.txt excludes the page")

	require.NoError(t, repo.ProcessDocuments(context.Background(), ids[:2], versions[:2], act, connector.Spec{},
		[]bool{false, true}, crawler.JobTypeOnce))

	require.Len(t, act.ingested, 1, "scan-only documents are not ingested")
	doc := act.ingested[ids[0]]
	require.Equal(t, "text/html", doc.ContentType)
	require.Contains(t, string(doc.Content), "About")
	require.Equal(t, []connector.Reference{{
		Identifier:       srv.URL + "/about",
		Parent:           ids[0],
		RelationshipType: RelationshipLink,
	}}, act.refs, "fragments are stripped and other hosts are dropped")
	require.NotContains(t, repo.pages, ids[0], "processed pages are not kept")
	require.NotContains(t, repo.pages, ids[1])
}

func TestServerErrorIsAnInterruption(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	repo := newRepo(t, map[string]string{"retry_delay": "1m", "fail_after": "1h"})
	_, err := repo.DocumentVersions(context.Background(), []string{srv.URL + "/down"}, []string{""}, newFakeActivity(),
		connector.Spec{}, crawler.JobTypeOnce, true)
	si, ok := crawler.AsServiceInterruption(err)
	require.True(t, ok)
	require.WithinDuration(t, time.Now().Add(time.Minute), si.RetryTime, 5*time.Second)
	require.WithinDuration(t, time.Now().Add(time.Hour), si.FailTime, 5*time.Second)
}

func TestInactiveJobStopsVersioning(t *testing.T) {
	t.Parallel()

	act := newFakeActivity()
	act.inactive = true
	_, err := newRepo(t, nil).DocumentVersions(context.Background(), []string{"http://example.com/"}, []string{""}, act,
		connector.Spec{}, crawler.JobTypeOnce, true)
	si, ok := crawler.AsServiceInterruption(err)
	require.True(t, ok)
	require.True(t, si.JobInactiveAbort)
}

func TestSeedsAreNormalized(t *testing.T) {
	t.Parallel()

	act := newFakeActivity()
	spec := connector.Spec{Seeds: []string{"https://Example.com", "ftp://example.com/file", "http://example.com/a#b"}}
	require.NoError(t, newRepo(t, nil).AddSeedDocuments(context.Background(), act, spec, time.Time{}, time.Now(), crawler.JobTypeOnce))
	require.Equal(t, []string{"https://example.com/", "http://example.com/a"}, act.seeds)
}

func TestBinNames(t *testing.T) {
	t.Parallel()

	repo := newRepo(t, nil)
	require.Equal(t, []string{"example.com"}, repo.BinNames("https://Example.com:8443/a"))
	require.Equal(t, []string{""}, repo.BinNames("not a url"))
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	require.True(t, cfg.RespectRobots)
	require.Equal(t, 10, cfg.MaxBatch)

	cfg, err = ParseConfig(map[string]string{"respect_robots": "false", "max_batch": "3", "timeout": "2s",
		"blocked_hosts": "ads.example.com, ,*.tracker.net"})
	require.NoError(t, err)
	require.Equal(t, []string{"ads.example.com", "*.tracker.net"}, cfg.BlockedHosts)
	require.False(t, cfg.RespectRobots)
	require.Equal(t, 3, cfg.MaxBatch)
	require.Equal(t, 2*time.Second, cfg.Timeout)

	for _, params := range []map[string]string{
		{"max_batch": "0"},
		{"same_host": "maybe"},
		{"timeout": "soon"},
	} {
		_, err := ParseConfig(params)
		require.Error(t, err, fmt.Sprint(params))
	}

	_, err = New(connector.Connection{Name: "bad", Config: map[string]string{"max_batch": "x"}}, nil, nil)
	require.True(t, crawler.IsSetup(err))
}

type stubRoundTripper struct {
	errs  []error
	calls int
}

func (s *stubRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(http.NoBody), Request: req}, nil
}

func TestRobotsTimeoutFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{errs: []error{
		context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded,
	}}
	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := newRobotsRetryTransport(base).RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "User-agent: *\nAllow: /", string(body))
	require.Equal(t, 4, base.calls)
}

func TestRobotsRetryStopsAfterSuccess(t *testing.T) {
	t.Parallel()

	base := &stubRoundTripper{errs: []error{context.DeadlineExceeded}}
	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)
	resp, err := newRobotsRetryTransport(base).RoundTrip(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, 2, base.calls)
}
