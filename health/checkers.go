package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sleepingf0x/wrabbit/internal/rabbitmq"
)

// StateSource reports the connection state. wrabbit.Client and
// rabbitmq.ConnectionManager both satisfy it.
type StateSource interface {
	State() rabbitmq.State
}

// ConnectionChecker checks the broker connection state
type ConnectionChecker struct {
	source StateSource
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(source StateSource) *ConnectionChecker {
	return &ConnectionChecker{source: source}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.source.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"state": state.String()},
	}

	switch state {
	case rabbitmq.StateConsuming:
		result.Status = StatusHealthy
		result.Message = "Consuming"
	case rabbitmq.StateConnected:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	case rabbitmq.StateDisconnected:
		result.Status = StatusUnhealthy
		result.Message = "Connection is down"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Connection is closed"
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker degrades when the process runs too many goroutines.
type RuntimeChecker struct {
	warningGoroutines  int
	criticalGoroutines int
}

// NewRuntimeChecker creates a new runtime checker
func NewRuntimeChecker(warningGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warningGoroutines:  warningGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}
