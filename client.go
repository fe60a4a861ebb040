// Copyright 2024 Wrabbit Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wrabbit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sleepingf0x/wrabbit/config"
	"github.com/sleepingf0x/wrabbit/interceptors"
	"github.com/sleepingf0x/wrabbit/internal/rabbitmq"
	"github.com/sleepingf0x/wrabbit/internal/reliability"
	"github.com/sleepingf0x/wrabbit/metrics"
	"github.com/sleepingf0x/wrabbit/router"
	"github.com/sleepingf0x/wrabbit/serialization"
)

type (
	Message        = router.Message
	HandlerFunc    = router.HandlerFunc
	RouteOption    = router.RouteOption
	Codec          = serialization.Codec
	SendProperties = rabbitmq.PublishProperties
	State          = rabbitmq.State
)

const (
	StateDisconnected = rabbitmq.StateDisconnected
	StateConnected    = rabbitmq.StateConnected
	StateConsuming    = rabbitmq.StateConsuming
	StateClosed       = rabbitmq.StateClosed
)

// Client publishes to and consumes from the configured exchange over a
// single connection. Handlers are registered with Handle before InitApp;
// Run then consumes until the context is cancelled or Close is called.
type Client struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Collector
	onError  ErrorCallback
	defaults SendProperties
	retry    reliability.Policy

	cm        *rabbitmq.ConnectionManager
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	registry  *router.Registry

	mu          sync.RWMutex
	initialized bool
	msgCodec    Codec
	consumer    *rabbitmq.Consumer
	queue       string
	autoAck     bool
}

// New creates a client for cfg. Nothing is dialed until InitApp.
func New(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", config.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{
		logger: slog.Default(),
		dialer: rabbitmq.Dial,
		retry:  reliability.DefaultPolicy(cfg.SendRetries),
	}
	for _, opt := range options {
		opt(cc)
	}

	c := &Client{
		cfg:      cfg,
		logger:   cc.logger,
		metrics:  cc.metrics,
		onError:  cc.onError,
		defaults: cc.defaults,
		retry:    cc.retry,
		msgCodec: serialization.Identity{},
	}
	c.retry.Attempts = cfg.SendRetries
	c.retry.Retryable = isSendRetryable
	c.retry.Logger = cc.logger

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cc.logger),
		rabbitmq.WithDialer(cc.dialer),
	}
	if cc.metrics != nil {
		connOpts = append(connOpts, rabbitmq.WithStateListener(rabbitmq.StateListenerFunc(
			func(_, to State, _ error) {
				cc.metrics.SetConnectionState(int(to))
			},
		)))
	}
	c.cm = rabbitmq.NewConnectionManager(cfg.URL, connOpts...)
	c.topology = rabbitmq.NewTopologyManager(c.cm)
	c.publisher = rabbitmq.NewPublisher(c.cm, cfg.Exchange.Name,
		rabbitmq.WithDefaultProperties(cc.defaults),
		rabbitmq.WithMessageVersion(cfg.MessageVersion),
		rabbitmq.WithPublisherLogger(cc.logger),
	)

	middlewares := cc.middlewares
	if cc.metrics != nil {
		middlewares = append([]router.Middleware{interceptors.Middleware(interceptors.NewMetricsInterceptor(cc.metrics))}, middlewares...)
	}
	c.registry = router.New(
		router.WithDelimiter(cfg.Delimiter),
		router.WithMiddleware(middlewares...),
		router.WithLogger(cc.logger),
	)

	return c, nil
}

// Handle registers fn for routing keys matching pattern. Routes are tried in
// registration order and the first match handles the message.
func (c *Client) Handle(pattern string, fn HandlerFunc, options ...RouteOption) error {
	c.mu.RLock()
	initialized := c.initialized
	c.mu.RUnlock()
	if initialized {
		return ErrAlreadyInitialized
	}
	return c.registry.AddFunc(pattern, fn, options...)
}

// Queue returns a registration function for pattern, for declaring handlers
// next to their definition:
//
//	var onPing = client.Queue("ping.*")(func(ctx context.Context, msg *wrabbit.Message) error {
//		...
//	})
//
// It panics when the route cannot be registered.
func (c *Client) Queue(pattern string, options ...RouteOption) func(HandlerFunc) HandlerFunc {
	return func(fn HandlerFunc) HandlerFunc {
		if err := c.Handle(pattern, fn, options...); err != nil {
			panic(fmt.Sprintf("wrabbit: registering %q: %v", pattern, err))
		}
		return fn
	}
}

// Routes returns the registered patterns in registration order.
func (c *Client) Routes() []string {
	return c.registry.Patterns()
}

// InitApp connects and declares the exchange. When handlers are registered
// it also declares the consumer queue, bound once per pattern. Errors are
// configuration or connection failures and should stop the application.
func (c *Client) InitApp(ctx context.Context, opts InitOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return ErrAlreadyInitialized
	}

	c.registry.SetCodec(opts.BodyParser)
	c.msgCodec = serialization.OrIdentity(opts.MsgParser)
	c.autoAck = opts.AutoAck

	if err := c.cm.Connect(ctx); err != nil {
		return err
	}

	exchange := rabbitmq.ExchangeDeclaration{
		Name:       c.cfg.Exchange.Name,
		Type:       c.cfg.Exchange.Type,
		Durable:    c.cfg.Exchange.Durable,
		AutoDelete: c.cfg.Exchange.AutoDelete,
		Internal:   c.cfg.Exchange.Internal,
		Passive:    c.cfg.Exchange.Passive,
	}

	patterns := c.registry.Patterns()
	if len(patterns) == 0 {
		if err := c.topology.DeclareExchange(ctx, exchange); err != nil {
			c.abortInit(err)
			return err
		}
		c.initialized = true
		c.logger.Info("client initialized", "exchange", exchange.Name, "url", rabbitmq.SanitizeURL(c.cfg.URL))
		return nil
	}

	name := c.cfg.QueueName(opts.QueuePrefix, opts.QueueName)
	queue := rabbitmq.QueueDeclaration{
		Name:       name,
		Durable:    c.cfg.QueueDurable && name != "",
		AutoDelete: name == "",
		Exclusive:  name == "",
	}

	q, err := c.topology.DeclareConsumer(ctx, rabbitmq.ConsumerTopology{
		Exchange:   exchange,
		Queue:      queue,
		Patterns:   patterns,
		DeadLetter: opts.DeadLetter,
	})
	if err != nil {
		c.abortInit(err)
		return err
	}
	c.queue = q.Name

	consumerOpts := []rabbitmq.ConsumerOption{
		rabbitmq.WithPrefetchCount(c.cfg.PrefetchCount),
		rabbitmq.WithAutoAck(opts.AutoAck),
		rabbitmq.WithConsumerLogger(c.logger),
		rabbitmq.WithErrorCallback(c.deliveryFailed),
	}
	if opts.HandlerTimeout != 0 {
		consumerOpts = append(consumerOpts, rabbitmq.WithHandlerTimeout(opts.HandlerTimeout))
	}
	c.consumer = rabbitmq.NewConsumer(c.cm, consumerOpts...)

	c.initialized = true
	c.logger.Info("client initialized",
		"exchange", exchange.Name,
		"queue", c.queue,
		"patterns", patterns,
		"deadLetter", opts.DeadLetter,
		"url", rabbitmq.SanitizeURL(c.cfg.URL),
	)
	return nil
}

// abortInit drops the connection after a failed declaration so that a later
// InitApp starts from a fresh channel and reports its own cause.
func (c *Client) abortInit(cause error) {
	if err := c.cm.Disconnect(); err != nil {
		c.logger.Debug("failed to disconnect after declaration error", "cause", cause, "error", err)
	}
}

// QueueName returns the consumer queue declared by InitApp.
func (c *Client) QueueName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue
}

// Run consumes the queue declared by InitApp and blocks. It returns nil when
// ctx is cancelled or Close is called, and an error when the broker ends the
// subscription.
func (c *Client) Run(ctx context.Context) error {
	c.mu.RLock()
	initialized, consumer, queue := c.initialized, c.consumer, c.queue
	c.mu.RUnlock()

	if !initialized {
		return ErrNotInitialized
	}
	if consumer == nil {
		return ErrNoHandlers
	}

	return consumer.Run(ctx, queue, c.handleDelivery)
}

func (c *Client) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	err := c.registry.Dispatch(ctx, rabbitmq.ToMessage(d))

	if c.metrics != nil && !c.autoAck {
		switch {
		case err == nil:
			c.metrics.ObserveSettlement(metrics.OutcomeAck)
		case !d.Redelivered:
			c.metrics.ObserveSettlement(metrics.OutcomeRequeue)
		default:
			c.metrics.ObserveSettlement(metrics.OutcomeReject)
		}
	}
	return err
}

func (c *Client) deliveryFailed(ctx context.Context, d amqp.Delivery, err error) {
	if c.onError == nil {
		return
	}
	c.onError(ctx, rabbitmq.ToMessage(d), err)
}

// Send encodes body with the message codec and publishes it once with
// routing key key. It does not wait for broker confirmation.
func (c *Client) Send(ctx context.Context, body any, key string, options ...SendOption) error {
	c.mu.RLock()
	initialized, codec := c.initialized, c.msgCodec
	c.mu.RUnlock()

	if !initialized {
		return ErrNotInitialized
	}

	data, err := codec.Encode(body)
	if err != nil {
		var serr *SerializationError
		if !errors.As(err, &serr) {
			err = &SerializationError{Op: "encode", Err: err}
		}
		return err
	}

	var props SendProperties
	for _, opt := range options {
		opt(&props)
	}

	start := time.Now()
	err = c.publisher.Publish(ctx, key, data, props)
	if c.metrics != nil {
		c.metrics.ObservePublish(c.publisher.Exchange(), time.Since(start), err)
	}
	return err
}

// SyncSend is Send retried up to MQ_SEND_RETRIES attempts in total.
// Serialization and declaration errors are not retried. A retry after the
// broker dropped the connection or closed the channel dials again first; a
// running consumer is not restarted.
func (c *Client) SyncSend(ctx context.Context, body any, key string, options ...SendOption) error {
	attempt := 0
	return reliability.Do(ctx, c.retry, "send "+key, func(ctx context.Context) error {
		attempt++
		if attempt > 1 && c.cm.State() == StateDisconnected {
			if err := c.cm.Connect(ctx); err != nil {
				return err
			}
		}
		return c.Send(ctx, body, key, options...)
	})
}

// SendAsync runs SyncSend in a goroutine. The returned channel receives its
// result and is then closed.
func (c *Client) SendAsync(ctx context.Context, body any, key string, options ...SendOption) <-chan error {
	result := make(chan error, 1)
	go func() {
		defer close(result)
		result <- c.SyncSend(ctx, body, key, options...)
	}()
	return result
}

// State returns the connection state
func (c *Client) State() State {
	return c.cm.State()
}

// IsConnected reports whether the client can publish
func (c *Client) IsConnected() bool {
	return c.cm.IsConnected()
}

// Close closes the connection, ending Run. It is safe to call more than once.
func (c *Client) Close() error {
	return c.cm.Close()
}
