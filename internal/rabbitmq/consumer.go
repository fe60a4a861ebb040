package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sleepingf0x/wrabbit/router"
)

// HeaderDeath is set by the broker on dead-lettered messages.
const HeaderDeath = "x-death"

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// ErrorCallback is called after a failed delivery has been rejected.
type ErrorCallback func(ctx context.Context, delivery amqp.Delivery, err error)

// Consumer reads one queue through the connection manager, handing each
// delivery to a MessageHandler and settling it afterwards: ack on success,
// reject on failure, requeueing only first deliveries so a poison message
// is retried once and then dropped or dead-lettered.
type Consumer struct {
	cm             *ConnectionManager
	prefetchCount  int
	autoAck        bool
	consumerTag    string
	handlerTimeout time.Duration
	onError        ErrorCallback
	logger         *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithHandlerTimeout bounds each handler call; zero disables the bound.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithErrorCallback sets the callback invoked for failed deliveries
func WithErrorCallback(fn ErrorCallback) ConsumerOption {
	return func(c *Consumer) {
		c.onError = fn
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(cm *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		cm:             cm,
		prefetchCount:  10,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if c.consumerTag == "" {
		c.consumerTag = "wrabbit-" + uuid.NewString()
	}

	return c
}

// ConsumerTag returns the tag used for the broker subscription
func (c *Consumer) ConsumerTag() string {
	return c.consumerTag
}

// Run consumes queue until ctx is cancelled or the connection closes.
func (c *Consumer) Run(ctx context.Context, queue string, handler MessageHandler) error {
	err := c.cm.Execute(ctx, func(ch Channel) error {
		return ch.Qos(c.prefetchCount, 0, false)
	})
	if err != nil {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: c.consumerTag,
			Op:          "qos",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", c.consumerTag,
		"prefetchCount", c.prefetchCount,
	)

	return c.cm.Consume(ctx, queue, c.consumerTag, c.autoAck, func(d amqp.Delivery) {
		c.handleMessage(ctx, d, handler)
	})
}

// handleMessage processes a single message
func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) {
	msgCtx := ctx
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		msgCtx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	err := handler(msgCtx, delivery)

	if !c.autoAck {
		if err != nil {
			requeue := !delivery.Redelivered
			if rejectErr := c.cm.Reject(delivery.DeliveryTag, requeue); rejectErr != nil {
				c.logger.Error("failed to reject message",
					"error", rejectErr,
					"originalError", err,
				)
			}
		} else if ackErr := c.cm.Ack(delivery.DeliveryTag); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}
	}

	if err != nil {
		c.logger.Error("failed to handle message",
			"error", err,
			"routingKey", delivery.RoutingKey,
			"messageId", delivery.MessageId,
			"redelivered", delivery.Redelivered,
		)
		if c.onError != nil {
			c.onError(ctx, delivery, err)
		}
	}
}

// OriginalRoutingKey returns the routing key a message was first published
// with. Dead-lettered deliveries carry it in the x-death header.
func OriginalRoutingKey(d amqp.Delivery) string {
	deaths, ok := d.Headers[HeaderDeath].([]interface{})
	if !ok || len(deaths) == 0 {
		return d.RoutingKey
	}

	death, ok := deaths[0].(amqp.Table)
	if !ok {
		return d.RoutingKey
	}

	keys, ok := death["routing-keys"].([]interface{})
	if !ok || len(keys) == 0 {
		return d.RoutingKey
	}

	if key, ok := keys[0].(string); ok && key != "" {
		return key
	}
	return d.RoutingKey
}

// ToMessage converts a delivery into the message handed to routes.
func ToMessage(d amqp.Delivery) *router.Message {
	msg := &router.Message{
		RoutingKey:  OriginalRoutingKey(d),
		Raw:         d.Body,
		MessageID:   d.MessageId,
		SentAt:      d.Timestamp,
		Headers:     map[string]any(d.Headers),
		Redelivered: d.Redelivered,
		DeliveryTag: d.DeliveryTag,
	}
	if version, ok := d.Headers[HeaderMessageVersion].(string); ok {
		msg.Version = version
	}
	return msg
}
