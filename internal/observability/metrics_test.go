package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMetricsHandlerExposesStockAndJobSeries(t *testing.T) {
	metrics := NewMetrics()
	_ = metrics.Jobs().Track("inventory:reconcile").End(nil)
	metrics.Stock().ObserveMovement("transfer_out")
	metrics.Stock().ObserveRetry("complete")

	body := scrape(t, metrics)
	for _, want := range []string{
		`odyssey_jobs_total{job="inventory:reconcile",status="success"} 1`,
		`odyssey_stock_movements_total{type="transfer_out"} 1`,
		`odyssey_stock_retries_total{operation="complete"} 1`,
		`go_goroutines`,
	} {
		require.Contains(t, body, want)
	}
}

func TestMetricsMiddlewareRecordsRoutePattern(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rc := chi.NewRouteContext()
	rc.RoutePatterns = append(rc.RoutePatterns, "/api/requisitions/{id}")
	req := httptest.NewRequest(http.MethodPost, "/api/requisitions/42", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTeapot, rec.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `odyssey_http_requests_total{code="418",method="POST",route="/api/requisitions/{id}"} 1`)
	require.Contains(t, body, `odyssey_http_request_duration_seconds_bucket{route="/api/requisitions/{id}"`)
	require.NotContains(t, body, "/api/requisitions/42")
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.inFlight))
}

func TestImplicitStatusIsOK(t *testing.T) {
	metrics := NewMetrics()
	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	require.True(t, strings.Contains(scrape(t, metrics), `odyssey_http_requests_total{code="200",method="GET",route="unmatched"} 1`))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.Stock().ObserveMovement("in")
	m.Stock().ObserveTransition("requisition", "approve")
	m.Stock().ObserveRejection("issue", "insufficient_stock")
	m.Stock().ObserveRetry("issue")
	require.Nil(t, m.Jobs())
	require.NotNil(t, m.Middleware(http.NotFoundHandler()))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
