package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func jobRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Route("/v1/jobs/{job_id}", func(r chi.Router) {
		r.Post("/start", func(w http.ResponseWriter, req *http.Request) {
			if chi.URLParam(req, "job_id") == "busy" {
				w.WriteHeader(http.StatusConflict)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"id":"job"}`))
		})
	})
	return r
}

func serve(t *testing.T, h http.Handler, method, path string) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader("")))
	return rec.Code
}

// TestMiddlewareLabelsByRoutePattern checks requests for different jobs share
// one latency series and the response code lands in the counter.
func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	Init()
	h := jobRouter()

	conflicts := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "409"))
	accepted := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "202"))
	series := testutil.CollectAndCount(httpRequestDurationSeconds)

	require.Equal(t, http.StatusAccepted, serve(t, h, http.MethodPost, "/v1/jobs/a1/start"))
	require.Equal(t, http.StatusAccepted, serve(t, h, http.MethodPost, "/v1/jobs/b2/start"))
	require.Equal(t, http.StatusConflict, serve(t, h, http.MethodPost, "/v1/jobs/busy/start"))

	require.Equal(t, conflicts+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "409")))
	require.Equal(t, accepted+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "202")))
	require.Equal(t, series+1, testutil.CollectAndCount(httpRequestDurationSeconds))
}

// TestMiddlewareImplicitOK checks a handler that only writes a body is
// counted as 200.
func TestMiddlewareImplicitOK(t *testing.T) {
	Init()
	h := jobRouter()

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	require.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/v1/jobs/a1/"))
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")))
}
