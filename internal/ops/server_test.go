package ops

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthEndpoint(t *testing.T) {
	s := NewServer("", zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), "uptime_seconds")
}

func TestMetricsExposition(t *testing.T) {
	ScanCyclesTotal.WithLabelValues("price").Inc()
	OpportunitiesTotal.WithLabelValues("funding").Inc()

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "perparb_scan_cycles_total")
}

func TestServer_DisabledWithoutAddr(t *testing.T) {
	s := NewServer("", zerolog.Nop())
	s.Start() // must be a no-op
	s.Stop(context.Background())
}
