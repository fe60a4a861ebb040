package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderMessageVersion carries the message schema version.
const HeaderMessageVersion = "x-message-version"

// PublishProperties are the AMQP basic properties a caller may set. Zero
// fields are filled from the publisher defaults.
type PublishProperties struct {
	MessageID       string
	CorrelationID   string
	ReplyTo         string
	ContentType     string
	ContentEncoding string
	Type            string
	AppID           string
	UserID          string
	Expiration      string
	Priority        uint8
	DeliveryMode    uint8
	Timestamp       time.Time
	Headers         amqp.Table
}

// merge fills zero fields of p from defaults. Headers are copied so neither
// table is shared with the result.
func (p PublishProperties) merge(defaults PublishProperties) PublishProperties {
	pick := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}

	out := PublishProperties{
		MessageID:       pick(p.MessageID, defaults.MessageID),
		CorrelationID:   pick(p.CorrelationID, defaults.CorrelationID),
		ReplyTo:         pick(p.ReplyTo, defaults.ReplyTo),
		ContentType:     pick(p.ContentType, defaults.ContentType),
		ContentEncoding: pick(p.ContentEncoding, defaults.ContentEncoding),
		Type:            pick(p.Type, defaults.Type),
		AppID:           pick(p.AppID, defaults.AppID),
		UserID:          pick(p.UserID, defaults.UserID),
		Expiration:      pick(p.Expiration, defaults.Expiration),
		Priority:        p.Priority,
		DeliveryMode:    p.DeliveryMode,
		Timestamp:       p.Timestamp,
	}
	if out.Priority == 0 {
		out.Priority = defaults.Priority
	}
	if out.DeliveryMode == 0 {
		out.DeliveryMode = defaults.DeliveryMode
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = defaults.Timestamp
	}

	out.Headers = amqp.Table{}
	for k, v := range defaults.Headers {
		out.Headers[k] = v
	}
	for k, v := range p.Headers {
		out.Headers[k] = v
	}
	return out
}

// MessageID returns the hex SHA-256 digest of body.
func MessageID(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// NewPublishing builds the AMQP message for body. The message id defaults to
// the body digest, the timestamp to now and the version header to version
// unless the caller already set one.
func NewPublishing(body []byte, props, defaults PublishProperties, version string, now time.Time) amqp.Publishing {
	p := props.merge(defaults)

	if p.MessageID == "" {
		p.MessageID = MessageID(body)
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = now
	}
	if _, ok := p.Headers[HeaderMessageVersion]; !ok && version != "" {
		p.Headers[HeaderMessageVersion] = version
	}

	return amqp.Publishing{
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationID,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageID,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserID,
		AppId:           p.AppID,
		Body:            body,
	}
}

// Publisher publishes to a single exchange.
type Publisher struct {
	cm       *ConnectionManager
	exchange string
	defaults PublishProperties
	version  string
	now      func() time.Time
	logger   *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithDefaultProperties sets properties applied to every publish
func WithDefaultProperties(props PublishProperties) PublisherOption {
	return func(p *Publisher) {
		p.defaults = props
	}
}

// WithMessageVersion sets the x-message-version header value
func WithMessageVersion(version string) PublisherOption {
	return func(p *Publisher) {
		p.version = version
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		p.now = now
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(cm *ConnectionManager, exchange string, options ...PublisherOption) *Publisher {
	p := &Publisher{
		cm:       cm,
		exchange: exchange,
		now:      time.Now,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Exchange returns the target exchange
func (p *Publisher) Exchange() string {
	return p.exchange
}

// Publish sends body with routing key key. It neither waits for a broker
// confirmation nor retries.
func (p *Publisher) Publish(ctx context.Context, key string, body []byte, props PublishProperties) error {
	msg := NewPublishing(body, props, p.defaults, p.version, p.now())

	if err := p.cm.Publish(ctx, p.exchange, key, msg); err != nil {
		return err
	}

	p.logger.Debug("message published",
		"exchange", p.exchange,
		"routingKey", key,
		"messageId", msg.MessageId,
	)
	return nil
}
