package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sleepingf0x/wrabbit/internal/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedState rabbitmq.State

func (s fixedState) State() rabbitmq.State {
	return rabbitmq.State(s)
}

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

func TestConnectionChecker(t *testing.T) {
	tests := []struct {
		state rabbitmq.State
		want  Status
	}{
		{rabbitmq.StateConnected, StatusHealthy},
		{rabbitmq.StateConsuming, StatusHealthy},
		{rabbitmq.StateDisconnected, StatusUnhealthy},
		{rabbitmq.StateClosed, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			result := NewConnectionChecker(fixedState(tt.state)).Check(context.Background())

			assert.Equal(t, "rabbitmq", result.Name)
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.state.String(), result.Details["state"])
		})
	}
}

func TestRuntimeChecker(t *testing.T) {
	t.Run("healthy under the thresholds", func(t *testing.T) {
		result := NewRuntimeChecker(100000, 200000).Check(context.Background())

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Contains(t, result.Details, "goroutines")
	})

	t.Run("unhealthy over the critical threshold", func(t *testing.T) {
		result := NewRuntimeChecker(0, 0).Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
	})
}

func TestRegistry_Check(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"one unhealthy", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			for i, status := range tt.statuses {
				registry.Register(staticChecker(string(rune('a'+i)), status))
			}

			health := registry.Check(context.Background())

			assert.Equal(t, tt.want, health.Status)
			assert.Len(t, health.Checks, len(tt.statuses))
		})
	}

	t.Run("slow checks time out", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Name: "slow", Status: StatusHealthy}
		}))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		health := registry.Check(ctx)

		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, "Check timed out", health.Checks["slow"].Message)
	})

	t.Run("metadata is reported", func(t *testing.T) {
		registry := NewRegistry()
		registry.SetMetadata("exchange", "events")

		assert.Equal(t, "events", registry.Check(context.Background()).Metadata["exchange"])
	})
}

func TestHandler(t *testing.T) {
	t.Run("healthy answers 200", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(NewConnectionChecker(fixedState(rabbitmq.StateConsuming)))
		rec := httptest.NewRecorder()

		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var body OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, StatusHealthy, body.Status)
	})

	t.Run("unhealthy answers 503", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(NewConnectionChecker(fixedState(rabbitmq.StateDisconnected)))
		rec := httptest.NewRecorder()

		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("rejects other methods", func(t *testing.T) {
		rec := httptest.NewRecorder()

		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("liveness", func(t *testing.T) {
		rec := httptest.NewRecorder()

		LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))

		assert.Equal(t, "alive", rec.Body.String())
	})
}
