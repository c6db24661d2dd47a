package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rentradar/rentradar/internal/metrics"
)

func init() {
	metrics.Init()
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	srv := NewServer(nil, zap.NewNop())

	rec := get(t, srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = get(t, srv.Handler(), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ready"}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(nil, zap.NewNop())
	rec := get(t, srv.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRunStatusIdle(t *testing.T) {
	srv := NewServer(nil, zap.NewNop())
	rec := get(t, srv.Handler(), "/v1/run/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "init", status.State)
}

func TestRunStatusFromSource(t *testing.T) {
	srv := NewServer(func() RunStatus {
		return RunStatus{State: "fetching_detail", Listings: 12, Complete: 8, Failed: 1, Requests: 20}
	}, zap.NewNop())

	rec := get(t, srv.Handler(), "/v1/run/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status RunStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "fetching_detail", status.State)
	assert.Equal(t, 12, status.Listings)
	assert.Equal(t, 8, status.Complete)
}

func TestRecoverMiddleware(t *testing.T) {
	srv := NewServer(func() RunStatus { panic("boom") }, zap.NewNop())
	rec := get(t, srv.Handler(), "/v1/run/status")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
