package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{302, "3xx"},
		{402, "4xx"},
		{404, "4xx"},
		{502, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/orders/{id}", "4xx"))

	req := httptest.NewRequest(http.MethodGet, "/api/orders/42", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/orders/{id}", "4xx"))
	assert.Equal(t, before+1, after)
}

func TestHandlerExposesCounters(t *testing.T) {
	DepositsCredited.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "marketpay_deposits_credited_total"))
}
