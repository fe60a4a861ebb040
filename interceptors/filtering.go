package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sleepingf0x/wrabbit/router"
)

// ErrFiltered is returned by FilteringInterceptor with SkipWithError.
var ErrFiltered = errors.New("message filtered")

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg *router.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg *router.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg *router.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently skips the message without error, so it is acked
	SkipSilently SkipBehavior = iota
	// SkipWithError returns ErrFiltered, so it is rejected
	SkipWithError
	// SkipWithLog logs that the message was skipped
	SkipWithLog
)

// FilteringInterceptor filters messages based on conditions
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg *router.Message, next router.Handler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return fmt.Errorf("%w: routingKey=%s, id=%s", ErrFiltered, msg.RoutingKey, msg.MessageID)
		case SkipWithLog:
			i.logger.Info("message skipped",
				"routingKey", msg.RoutingKey,
				"messageId", msg.MessageID,
				"version", msg.Version,
			)
			return nil
		default:
			return nil
		}
	}

	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg *router.Message) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// VersionFilter passes messages whose x-message-version is one of the
// allowed versions. Messages without a version pass.
type VersionFilter struct {
	allowed map[string]bool
}

// NewVersionFilter creates a filter for the given versions
func NewVersionFilter(versions ...string) *VersionFilter {
	allowed := make(map[string]bool, len(versions))
	for _, v := range versions {
		allowed[v] = true
	}
	return &VersionFilter{allowed: allowed}
}

// ShouldProcess implements MessageFilter
func (f *VersionFilter) ShouldProcess(ctx context.Context, msg *router.Message) (bool, error) {
	if msg.Version == "" {
		return true, nil
	}
	return f.allowed[msg.Version], nil
}

// RoutingKeyFilter passes messages whose routing key matches one of the
// patterns under topic semantics.
type RoutingKeyFilter struct {
	patterns  []string
	delimiter string
}

// NewRoutingKeyFilter creates a filter over topic patterns
func NewRoutingKeyFilter(delimiter string, patterns ...string) *RoutingKeyFilter {
	return &RoutingKeyFilter{patterns: patterns, delimiter: delimiter}
}

// ShouldProcess implements MessageFilter
func (f *RoutingKeyFilter) ShouldProcess(ctx context.Context, msg *router.Message) (bool, error) {
	for _, pattern := range f.patterns {
		if router.Matches(pattern, msg.RoutingKey, f.delimiter) {
			return true, nil
		}
	}
	return false, nil
}
