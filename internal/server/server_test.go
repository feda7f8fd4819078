package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp := httptest.NewRecorder()
	s.Engine.ServeHTTP(resp, req)
	return resp
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		health   HealthChecker
		wantCode int
		wantBody string
	}{
		{name: "database up", health: pinger{}, wantCode: http.StatusOK, wantBody: "connected"},
		{name: "database down", health: pinger{err: errors.New("connection refused")}, wantCode: http.StatusServiceUnavailable, wantBody: "database unreachable"},
		{name: "no database", health: nil, wantCode: http.StatusOK, wantBody: "not_configured"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := get(t, New(":0", "release", tt.health, nil), "/health")
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.Contains(t, resp.Body.String(), tt.wantBody)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "transitions_test_total", Help: "test"})
	require.NoError(t, reg.Register(c))
	c.Inc()

	resp := get(t, New(":0", "release", nil, reg), "/metrics")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "transitions_test_total 1")

	assert.Equal(t, http.StatusNotFound, get(t, New(":0", "release", nil, nil), "/metrics").Code)
}
