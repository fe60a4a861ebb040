package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNotConnected is returned when the connection is not established
	ErrNotConnected = errors.New("rabbitmq: not connected")
)

// State is the lifecycle state of a ConnectionManager.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateConsuming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateConsuming:
		return "consuming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ConnectionStateListener receives state change notifications. err is set
// when the transition was caused by a broker or network failure.
type ConnectionStateListener interface {
	OnStateChange(from, to State, err error)
}

// StateListenerFunc is a function adapter for ConnectionStateListener
type StateListenerFunc func(from, to State, err error)

// OnStateChange implements ConnectionStateListener
func (f StateListenerFunc) OnStateChange(from, to State, err error) {
	f(from, to, err)
}

// ConnectionManager owns one broker connection and one channel. Every
// channel operation is serialized through chMu since AMQP channels are not
// safe for concurrent use. A lost connection is not recovered: the manager
// moves to StateDisconnected and further operations fail.
type ConnectionManager struct {
	url            string
	dial           Dialer
	connectTimeout time.Duration
	logger         *slog.Logger

	mu      sync.RWMutex
	conn    Connection
	channel Channel
	state   State
	done    chan struct{}

	chMu sync.Mutex

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the default amqp091-go dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithConnectTimeout bounds how long Connect waits for the dialer
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithStateListener registers a listener at construction
func WithStateListener(listener ConnectionStateListener) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.stateListeners = append(cm.stateListeners, listener)
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           Dial,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect dials the broker and opens the channel. Calling Connect on a
// connected manager is a no-op. A disconnected manager first releases what
// is left of its previous connection.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()

	switch cm.state {
	case StateConnected, StateConsuming:
		cm.mu.Unlock()
		return nil
	case StateClosed:
		cm.mu.Unlock()
		return cm.connectionError("connect", ErrManagerClosed)
	}

	if cm.conn != nil {
		stale, staleCh := cm.conn, cm.channel
		cm.conn, cm.channel = nil, nil
		if err := cm.release(stale, staleCh); err != nil {
			cm.logger.Debug("failed to release previous connection", "error", err)
		}
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		resultChan <- result{conn: conn, err: err}
	}()

	var conn Connection
	select {
	case res := <-resultChan:
		if res.err != nil {
			cm.mu.Unlock()
			return cm.connectionError("connect", res.err)
		}
		conn = res.conn
	case <-connCtx.Done():
		cm.mu.Unlock()
		go func() {
			// the dial may still complete after we gave up
			if res := <-resultChan; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return cm.connectionError("connect", ErrConnectionTimeout)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		cm.mu.Unlock()
		return cm.connectionError("open channel", err)
	}

	cm.conn = conn
	cm.channel = ch
	connClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClose := ch.NotifyClose(make(chan *amqp.Error, 1))
	from := cm.state
	cm.state = StateConnected
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyState(from, StateConnected, nil)

	go cm.watch(conn, connClose, chClose)

	return nil
}

// watch moves the manager to StateDisconnected when the broker drops the
// connection or closes the channel with an exception. The channel is the
// only one the manager has, so losing it is losing the connection.
func (cm *ConnectionManager) watch(conn Connection, connClose, chClose <-chan *amqp.Error) {
	var (
		op     string
		reason *amqp.Error
		ok     bool
	)

	select {
	case reason, ok = <-connClose:
		op = "connection lost"
	case reason, ok = <-chClose:
		op = "channel lost"
	case <-cm.done:
		return
	}
	if !ok || reason == nil {
		// graceful close
		return
	}

	cm.mu.Lock()
	from := cm.state
	if cm.conn != conn || from == StateClosed || from == StateDisconnected {
		cm.mu.Unlock()
		return
	}
	cm.state = StateDisconnected
	cm.mu.Unlock()

	err := cm.connectionError(op, reason)
	cm.logger.Error("closed by broker", "op", op, "code", reason.Code, "error", reason)
	cm.notifyState(from, StateDisconnected, err)
}

// State returns the current lifecycle state
func (cm *ConnectionManager) State() State {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// IsConnected reports whether the manager holds a usable connection
func (cm *ConnectionManager) IsConnected() bool {
	state := cm.State()
	return state == StateConnected || state == StateConsuming
}

// Execute runs fn with exclusive use of the channel.
func (cm *ConnectionManager) Execute(ctx context.Context, fn func(Channel) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	cm.mu.RLock()
	state := cm.state
	conn, ch := cm.conn, cm.channel
	cm.mu.RUnlock()

	switch state {
	case StateClosed:
		return ErrManagerClosed
	case StateDisconnected:
		switch {
		case ch == nil:
			return ErrNotConnected
		case conn != nil && !conn.IsClosed():
			return ErrChannelClosed
		}
		return ErrConnectionClosed
	}

	cm.chMu.Lock()
	defer cm.chMu.Unlock()

	if ch.IsClosed() {
		return ErrChannelClosed
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel operation: %v", r)
		}
	}()

	return fn(ch)
}

// Publish sends msg to exchange with routing key key.
func (cm *ConnectionManager) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	err := cm.Execute(ctx, func(ch Channel) error {
		return ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	})
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			err = fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: key,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// Ack acknowledges a delivery on the manager's channel
func (cm *ConnectionManager) Ack(tag uint64) error {
	return cm.Execute(context.Background(), func(ch Channel) error {
		return ch.Ack(tag, false)
	})
}

// Reject rejects a delivery on the manager's channel
func (cm *ConnectionManager) Reject(tag uint64, requeue bool) error {
	return cm.Execute(context.Background(), func(ch Channel) error {
		return ch.Reject(tag, requeue)
	})
}

// Consume starts a consumer on queue and calls handle for every delivery,
// one at a time, until ctx is cancelled or the manager is closed, in which
// case it returns nil. Losing the delivery stream any other way is an error.
func (cm *ConnectionManager) Consume(ctx context.Context, queue, consumerTag string, autoAck bool, handle func(amqp.Delivery)) error {
	consumerErr := func(op string, err error) error {
		return &ConsumerError{
			Queue:       queue,
			ConsumerTag: consumerTag,
			Op:          op,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	if cm.State() == StateConsuming {
		return consumerErr("consume", ErrAlreadyConsuming)
	}

	var deliveries <-chan amqp.Delivery
	err := cm.Execute(ctx, func(ch Channel) error {
		var err error
		deliveries, err = ch.Consume(queue, consumerTag, autoAck, false, false, false, nil)
		return err
	})
	if err != nil {
		return consumerErr("consume", err)
	}

	if !cm.transition(StateConnected, StateConsuming) {
		return consumerErr("consume", ErrConnectionNotReady)
	}
	defer cm.transition(StateConsuming, StateConnected)

	cm.logger.Info("consumer started", "queue", queue, "consumerTag", consumerTag)

	for {
		select {
		case <-ctx.Done():
			cm.cancelConsumer(consumerTag)
			cm.logger.Info("consumer stopped", "queue", queue, "consumerTag", consumerTag)
			return nil

		case <-cm.done:
			return nil

		case d, ok := <-deliveries:
			if !ok {
				if cm.State() == StateClosed {
					return nil
				}
				return consumerErr("consume", ErrDeliveriesClosed)
			}
			handle(d)
		}
	}
}

func (cm *ConnectionManager) cancelConsumer(consumerTag string) {
	err := cm.Execute(context.Background(), func(ch Channel) error {
		return ch.Cancel(consumerTag, false)
	})
	if err != nil {
		cm.logger.Debug("failed to cancel consumer", "consumerTag", consumerTag, "error", err)
	}
}

// transition moves from one state to another and reports whether the
// current state was from.
func (cm *ConnectionManager) transition(from, to State) bool {
	cm.mu.Lock()
	if cm.state != from {
		cm.mu.Unlock()
		return false
	}
	cm.state = to
	cm.mu.Unlock()

	cm.notifyState(from, to, nil)
	return true
}

// Close closes the channel and the connection. It is idempotent.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return nil
	}

	from := cm.state
	cm.state = StateClosed
	close(cm.done)
	conn, ch := cm.conn, cm.channel
	cm.conn, cm.channel = nil, nil
	cm.mu.Unlock()

	result := cm.release(conn, ch)

	cm.logger.Info("connection manager closed")
	cm.notifyState(from, StateClosed, nil)

	return result
}

// Disconnect closes the channel and the connection like Close, but leaves
// the manager able to Connect again.
func (cm *ConnectionManager) Disconnect() error {
	cm.mu.Lock()
	if cm.state == StateClosed {
		cm.mu.Unlock()
		return ErrManagerClosed
	}

	from := cm.state
	cm.state = StateDisconnected
	conn, ch := cm.conn, cm.channel
	cm.conn, cm.channel = nil, nil
	cm.mu.Unlock()

	result := cm.release(conn, ch)

	if from != StateDisconnected {
		cm.logger.Info("disconnected from RabbitMQ")
		cm.notifyState(from, StateDisconnected, nil)
	}

	return result
}

func (cm *ConnectionManager) release(conn Connection, ch Channel) error {
	var result error
	if ch != nil && !ch.IsClosed() {
		cm.chMu.Lock()
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close channel: %w", err))
		}
		cm.chMu.Unlock()
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			result = multierror.Append(result, fmt.Errorf("close connection: %w", err))
		}
	}
	return result
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) notifyState(from, to State, err error) {
	cm.listenersMu.RLock()
	listeners := make([]ConnectionStateListener, len(cm.stateListeners))
	copy(listeners, cm.stateListeners)
	cm.listenersMu.RUnlock()

	for _, listener := range listeners {
		listener.OnStateChange(from, to, err)
	}
}

func (cm *ConnectionManager) connectionError(op string, err error) error {
	return &ConnectionError{
		Op:        op,
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
	}
}
