package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sleepingf0x/wrabbit/router"
	"github.com/sleepingf0x/wrabbit/serialization"
)

// Interceptor processes messages before they reach the route handler
type Interceptor interface {
	// Intercept processes a message and calls the next handler in the chain
	Intercept(ctx context.Context, msg *router.Message, next router.Handler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *router.Message, next router.Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *router.Message, next router.Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *router.Message, next router.Handler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Middleware adapts an interceptor to the router middleware signature.
func Middleware(i Interceptor) router.Middleware {
	return i.Intercept
}

// InterceptorChain manages a chain of interceptors
type InterceptorChain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewInterceptorChain creates a new interceptor chain
func NewInterceptorChain(logger *slog.Logger) *InterceptorChain {
	if logger == nil {
		logger = slog.Default()
	}

	return &InterceptorChain{
		interceptors: make([]Interceptor, 0),
		logger:       logger,
	}
}

// Add adds an interceptor to the chain
func (c *InterceptorChain) Add(interceptor Interceptor) *InterceptorChain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *InterceptorChain) Len() int {
	return len(c.interceptors)
}

// Names returns the interceptor names in execution order
func (c *InterceptorChain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Execute executes the interceptor chain
func (c *InterceptorChain) Execute(ctx context.Context, msg *router.Message, finalHandler router.Handler) error {
	if len(c.interceptors) == 0 {
		return finalHandler.Handle(ctx, msg)
	}

	// Build the chain in reverse order
	handler := finalHandler
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		currentHandler := handler
		handler = router.HandlerFunc(func(ctx context.Context, msg *router.Message) error {
			return interceptor.Intercept(ctx, msg, currentHandler)
		})
	}

	return handler.Handle(ctx, msg)
}

// Middleware returns the whole chain as a single router middleware.
func (c *InterceptorChain) Middleware() router.Middleware {
	return func(ctx context.Context, msg *router.Message, next router.Handler) error {
		return c.Execute(ctx, msg, next)
	}
}

// routeName labels a message by the route it was dispatched to, falling
// back to the routing key outside a router.
func routeName(ctx context.Context, msg *router.Message) string {
	if route, ok := router.RouteFromContext(ctx); ok {
		return route.Name
	}
	return msg.RoutingKey
}

// Built-in interceptors

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *router.Message, next router.Handler) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"messageId", msg.MessageID,
		"routingKey", msg.RoutingKey,
		"route", routeName(ctx, msg),
		"redelivered", msg.Redelivered,
	)

	err := next.Handle(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"messageId", msg.MessageID,
			"routingKey", msg.RoutingKey,
			"duration", duration,
			"error", err,
		)
	} else {
		i.logger.Info("message processed successfully",
			"messageId", msg.MessageID,
			"routingKey", msg.RoutingKey,
			"duration", duration,
		)
	}

	return err
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsInterceptor collects metrics about message processing
type MetricsInterceptor struct {
	collector MetricsCollector
}

// MetricsCollector defines the interface for collecting metrics
type MetricsCollector interface {
	IncrementMessageCount(route string)
	RecordProcessingTime(route string, duration time.Duration)
	IncrementErrorCount(route string, errorType string)
}

// Error types reported to MetricsCollector.IncrementErrorCount
const (
	ErrorTypeProcessing    = "processing_error"
	ErrorTypeSerialization = "serialization_error"
	ErrorTypeTimeout       = "timeout"
)

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, msg *router.Message, next router.Handler) error {
	start := time.Now()
	route := routeName(ctx, msg)

	i.collector.IncrementMessageCount(route)

	err := next.Handle(ctx, msg)
	duration := time.Since(start)

	i.collector.RecordProcessingTime(route, duration)

	if err != nil {
		i.collector.IncrementErrorCount(route, ErrorType(err))
	}

	return err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// ErrorType classifies err for metric labels.
func ErrorType(err error) string {
	var serr *serialization.SerializationError
	switch {
	case errors.As(err, &serr):
		return ErrorTypeSerialization
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	default:
		return ErrorTypeProcessing
	}
}

// ValidationInterceptor validates messages before processing
type ValidationInterceptor struct {
	validator MessageValidator
}

// MessageValidator defines the interface for message validation
type MessageValidator interface {
	Validate(ctx context.Context, msg *router.Message) error
}

// MessageValidatorFunc is a function adapter for MessageValidator
type MessageValidatorFunc func(ctx context.Context, msg *router.Message) error

// Validate implements MessageValidator
func (f MessageValidatorFunc) Validate(ctx context.Context, msg *router.Message) error {
	return f(ctx, msg)
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator MessageValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, msg *router.Message, next router.Handler) error {
	if err := i.validator.Validate(ctx, msg); err != nil {
		return fmt.Errorf("message validation failed: %w", err)
	}

	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}

// DefaultInterceptorChainBuilder builds a common interceptor chain
type DefaultInterceptorChainBuilder struct {
	chain  *InterceptorChain
	logger *slog.Logger
}

// NewDefaultInterceptorChainBuilder creates a new builder
func NewDefaultInterceptorChainBuilder(logger *slog.Logger) *DefaultInterceptorChainBuilder {
	if logger == nil {
		logger = slog.Default()
	}

	return &DefaultInterceptorChainBuilder{
		chain:  NewInterceptorChain(logger),
		logger: logger,
	}
}

// WithLogging adds logging interceptor
func (b *DefaultInterceptorChainBuilder) WithLogging() *DefaultInterceptorChainBuilder {
	b.chain.Add(NewLoggingInterceptor(b.logger))
	return b
}

// WithValidation adds validation interceptor
func (b *DefaultInterceptorChainBuilder) WithValidation(validator MessageValidator) *DefaultInterceptorChainBuilder {
	b.chain.Add(NewValidationInterceptor(validator))
	return b
}

// WithCustom adds a custom interceptor
func (b *DefaultInterceptorChainBuilder) WithCustom(interceptor Interceptor) *DefaultInterceptorChainBuilder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the built interceptor chain
func (b *DefaultInterceptorChainBuilder) Build() *InterceptorChain {
	return b.chain
}
