package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sleepingf0x/wrabbit/health"
	"github.com/sleepingf0x/wrabbit/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMux(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(metrics.WithRegisterer(registry))
	require.NoError(t, err)
	collector.IncrementMessageCount("ping")

	checks := health.NewRegistry()
	checks.Register(health.NewCheckerFunc("static", func(ctx context.Context) health.CheckResult {
		return health.CheckResult{Name: "static", Status: health.StatusHealthy}
	}))

	server := httptest.NewServer(newMux(checks, registry))
	defer server.Close()

	tests := []struct {
		path     string
		wantCode int
		contains string
	}{
		{"/healthz", http.StatusOK, `"status": "healthy"`},
		{"/livez", http.StatusOK, "alive"},
		{"/metrics", http.StatusOK, `wrabbit_messages_received_total{route="ping"} 1`},
		{"/missing", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(server.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantCode, resp.StatusCode)
			if tt.contains == "" {
				return
			}
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Contains(t, string(body), tt.contains)
		})
	}
}
