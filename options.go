package wrabbit

import (
	"context"
	"log/slog"
	"time"

	"github.com/sleepingf0x/wrabbit/internal/rabbitmq"
	"github.com/sleepingf0x/wrabbit/internal/reliability"
	"github.com/sleepingf0x/wrabbit/metrics"
	"github.com/sleepingf0x/wrabbit/router"
)

// ErrorCallback is called with every delivery whose handling failed, after
// the delivery has been rejected.
type ErrorCallback func(ctx context.Context, msg *Message, err error)

// clientConfig holds client configuration
type clientConfig struct {
	logger      *slog.Logger
	dialer      rabbitmq.Dialer
	metrics     *metrics.Collector
	defaults    SendProperties
	onError     ErrorCallback
	middlewares []router.Middleware
	retry       reliability.Policy
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithMetrics reports handler, publish and connection metrics to collector.
func WithMetrics(collector *metrics.Collector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}

// WithDefaultSendProperties sets properties merged into every Send. Values
// passed to a single Send win.
func WithDefaultSendProperties(props SendProperties) ClientOption {
	return func(cfg *clientConfig) {
		cfg.defaults = props
	}
}

// WithErrorCallback sets the callback for failed deliveries
func WithErrorCallback(fn ErrorCallback) ClientOption {
	return func(cfg *clientConfig) {
		cfg.onError = fn
	}
}

// WithMiddlewares appends consumer middlewares, run in order around every
// handler.
func WithMiddlewares(middlewares ...router.Middleware) ClientOption {
	return func(cfg *clientConfig) {
		cfg.middlewares = append(cfg.middlewares, middlewares...)
	}
}

// WithSendRetryDelay changes the waits SyncSend uses between attempts: delay
// before the first retry, growing by jitterMin to jitterMax after each one.
func WithSendRetryDelay(delay, jitterMin, jitterMax time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retry.Delay = delay
		cfg.retry.JitterMin = jitterMin
		cfg.retry.JitterMax = jitterMax
	}
}

// WithRouteName names a route in logs and metrics instead of its pattern.
func WithRouteName(name string) RouteOption {
	return router.WithName(name)
}

// SendOption configures a single Send
type SendOption func(*SendProperties)

// WithProperties replaces the properties of the send.
func WithProperties(props SendProperties) SendOption {
	return func(p *SendProperties) {
		*p = props
	}
}

// WithMessageID sets the message id instead of the body digest.
func WithMessageID(id string) SendOption {
	return func(p *SendProperties) {
		p.MessageID = id
	}
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(id string) SendOption {
	return func(p *SendProperties) {
		p.CorrelationID = id
	}
}

// WithSentAt sets the message timestamp instead of now.
func WithSentAt(t time.Time) SendOption {
	return func(p *SendProperties) {
		p.Timestamp = t
	}
}

// WithMessageVersion overrides the configured message version.
func WithMessageVersion(version string) SendOption {
	return WithHeader(rabbitmq.HeaderMessageVersion, version)
}

// WithHeader sets a message header
func WithHeader(key string, value any) SendOption {
	return func(p *SendProperties) {
		if p.Headers == nil {
			p.Headers = make(map[string]interface{})
		}
		p.Headers[key] = value
	}
}

// InitOptions finalize the client in InitApp.
type InitOptions struct {
	// QueuePrefix and QueueName name the consumer queue, joined by the
	// delimiter. When both are empty the broker names an exclusive queue.
	QueuePrefix string
	QueueName   string

	// BodyParser decodes deliveries before they reach handlers; MsgParser
	// encodes Send bodies. Both default to passing bytes through.
	BodyParser Codec
	MsgParser  Codec

	// DeadLetter routes rejected deliveries to dead.letter.<queue>.
	DeadLetter bool

	AutoAck bool

	// HandlerTimeout bounds each handler call; zero keeps the default of 30s
	// and a negative value disables the bound.
	HandlerTimeout time.Duration
}
