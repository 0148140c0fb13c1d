package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlsched/internal/clock/system"
	"github.com/JakeFAU/crawlsched/internal/connector"
	"github.com/JakeFAU/crawlsched/internal/crawler"
	"github.com/JakeFAU/crawlsched/internal/priority"
	"github.com/JakeFAU/crawlsched/internal/storage/memory"
	"github.com/JakeFAU/crawlsched/internal/store"
	"github.com/JakeFAU/crawlsched/internal/supervisor"
)

type fakeStatus struct{}

func (fakeStatus) Status() supervisor.Status {
	return supervisor.Status{ProcessID: "node-a", QueueDepths: map[string]int{"fetch": 3}, StuffAmount: 50}
}

func (fakeStatus) Bins() []priority.BinStat {
	return []priority.BinStat{{Class: "web", Bin: "example.com", Count: 2}}
}

type fakeConns map[string]bool

func (f fakeConns) Connection(name string) (connector.Connection, bool) {
	return connector.Connection{Name: name}, f[name]
}

type fakeOutputs []string

func (f fakeOutputs) Names() []string { return f }

type fakeIDGen struct{ ids []string }

func (f *fakeIDGen) NewID() (string, error) {
	if len(f.ids) == 0 {
		return "", errors.New("no ids")
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type testServer struct {
	*Server
	jobs    *memory.JobQueue
	history *memory.HistoryStore
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	jobs := memory.NewJobQueue(system.New())
	history := memory.NewHistoryStore(0)
	srv := NewServer(cfg, Deps{
		Jobs:    jobs,
		Status:  fakeStatus{},
		History: history,
		Conns:   fakeConns{"web": true},
		Outputs: fakeOutputs{"archive"},
		IDs:     &fakeIDGen{ids: []string{"job-1"}},
		Logger:  zap.NewNop(),
	})
	return &testServer{Server: srv, jobs: jobs, history: history}
}

func (s *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	rec := srv.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Equal(t, http.StatusOK, srv.do(http.MethodGet, "/readyz", "").Code)
	srv.Ready = func(context.Context) error { return errors.New("history down") }
	rec = srv.do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "history down")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	srv.do(http.MethodGet, "/healthz", "")
	rec := srv.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_Status(t *testing.T) {
	t.Parallel()

	rec := newTestServer(t, Config{}).do(http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "node-a", body.ProcessID)
	require.Equal(t, 3, body.QueueDepths["fetch"])
	require.Len(t, body.Bins, 1)
}

func TestServer_CreateAndStartJob(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	rec := srv.do(http.MethodPost, "/v1/jobs", `{
		"connection": "web",
		"outputs": ["archive"],
		"type": "continuous",
		"recrawl_interval": "1h",
		"hopcount_mode": "no_delete",
		"seeds": ["https://example.com/"],
		"start": true
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), "job-1")

	job, err := srv.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawler.JobTypeContinuous, job.Type)
	require.Equal(t, crawler.HopcountNoDelete, job.HopcountMode)
	require.Equal(t, time.Hour, job.RecrawlInterval)
	require.Equal(t, crawler.JobStatusStarting, job.Status)

	rec = srv.do(http.MethodGet, "/v1/jobs/job-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"documents"`)

	rec = srv.do(http.MethodGet, "/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "job-1")
}

func TestServer_CreateJobRejectsBadInput(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	for name, body := range map[string]string{
		"invalid json":       "{invalid",
		"missing connection": `{"seeds":["https://example.com/"]}`,
		"unknown connection": `{"connection":"ftp"}`,
		"unknown output":     `{"connection":"web","outputs":["nowhere"]}`,
		"bad type":           `{"connection":"web","type":"sometimes"}`,
		"bad interval":       `{"connection":"web","recrawl_interval":"soon"}`,
		"bad schedule":       `{"connection":"web","reseed_schedule":"whenever"}`,
	} {
		rec := srv.do(http.MethodPost, "/v1/jobs", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestServer_CreateJobConflict(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	require.NoError(t, srv.jobs.SaveJob(context.Background(), crawler.Job{ID: "dup", Connection: "web"}))
	rec := srv.do(http.MethodPost, "/v1/jobs", `{"id":"dup","connection":"web"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_JobActions(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	ctx := context.Background()
	require.NoError(t, srv.jobs.SaveJob(ctx, crawler.Job{ID: "j", Connection: "web"}))

	require.Equal(t, http.StatusNotFound, srv.do(http.MethodPost, "/v1/jobs/missing/start", "").Code)
	require.Equal(t, http.StatusConflict, srv.do(http.MethodPost, "/v1/jobs/j/stop", "").Code,
		"a job that never ran cannot be stopped")

	require.Equal(t, http.StatusAccepted, srv.do(http.MethodPost, "/v1/jobs/j/start", "").Code)
	require.Equal(t, http.StatusConflict, srv.do(http.MethodPost, "/v1/jobs/j/start", "").Code)
	require.Equal(t, http.StatusAccepted, srv.do(http.MethodPost, "/v1/jobs/j/stop", "").Code)
	require.Equal(t, http.StatusAccepted, srv.do(http.MethodPost, "/v1/jobs/j/delete", "").Code)

	job, err := srv.jobs.GetJob(ctx, "j")
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusReadyForDelete, job.Status)
}

func TestServer_History(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{})
	require.NoError(t, srv.history.InsertActivities(context.Background(), []store.ActivityRow{
		{Connection: "web", Activity: "fetch", Identifier: "https://example.com/a", Duration: 1500 * time.Millisecond},
		{Connection: "other", Activity: "fetch", Identifier: "https://example.org/"},
		{Connection: "web", Activity: "fetch", Identifier: "https://example.com/b"},
	}))

	rec := srv.do(http.MethodGet, "/v1/history?connection=web&limit=1&offset=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Activities []activityView `json:"activities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Activities, 1)
	require.Equal(t, "https://example.com/a", body.Activities[0].Identifier)
	require.Equal(t, int64(1500), body.Activities[0].DurationMs)

	require.Equal(t, http.StatusBadRequest, srv.do(http.MethodGet, "/v1/history?limit=x", "").Code)
	require.Equal(t, http.StatusBadRequest, srv.do(http.MethodGet, "/v1/history?offset=-1", "").Code)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, Config{APIKey: "secret"})
	require.Equal(t, http.StatusForbidden, srv.do(http.MethodGet, "/v1/status", "").Code)
	require.Equal(t, http.StatusOK, srv.do(http.MethodGet, "/v1/status?api_key=secret", "").Code)
	require.Equal(t, http.StatusOK, srv.do(http.MethodGet, "/healthz", "").Code, "probes stay open")

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}
