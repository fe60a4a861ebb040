// Package rabbitmqtest provides an in-memory broker implementing the
// rabbitmq Connection and Channel interfaces for tests.
package rabbitmqtest

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sleepingf0x/wrabbit/internal/rabbitmq"
	"github.com/sleepingf0x/wrabbit/router"
)

// Operations that can be made to fail with Broker.Fail.
const (
	OpDial            = "Dial"
	OpChannel         = "Channel"
	OpExchangeDeclare = "ExchangeDeclare"
	OpQueueDeclare    = "QueueDeclare"
	OpQueueBind       = "QueueBind"
	OpQos             = "Qos"
	OpConsume         = "Consume"
	OpPublish         = "Publish"
	OpAck             = "Ack"
	OpReject          = "Reject"
)

// Published is a message accepted by the broker.
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Rejection records a Reject call.
type Rejection struct {
	Tag     uint64
	Requeue bool
}

type exchange struct {
	kind       string
	durable    bool
	autoDelete bool
}

type binding struct {
	queue    string
	exchange string
	key      string
}

type consumer struct {
	tag     string
	channel *Channel
	autoAck bool
	out     chan amqp.Delivery
}

type queue struct {
	name     string
	durable  bool
	args     amqp.Table
	pending  []amqp.Delivery
	consumer *consumer
}

type inflight struct {
	queue    string
	channel  *Channel
	delivery amqp.Delivery
}

// Broker routes published messages to bound queues the way RabbitMQ does
// for direct, fanout and topic exchanges.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]exchange
	queues    map[string]*queue
	bindings  []binding
	published []Published
	acks      []uint64
	rejects   []Rejection
	inflight  map[uint64]inflight
	failures  map[string]error
	conns     []*Connection
	nextTag   uint64
	nextID    int
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]exchange),
		queues:    make(map[string]*queue),
		inflight:  make(map[uint64]inflight),
		failures:  make(map[string]error),
	}
}

// Fail makes every later call of op return err. A nil err clears it.
func (b *Broker) Fail(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// Dial implements rabbitmq.Dialer.
func (b *Broker) Dial(url string) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.failures[OpDial]; err != nil {
		return nil, err
	}

	conn := &Connection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// Connections returns every connection dialed so far.
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Connection, len(b.conns))
	copy(out, b.conns)
	return out
}

// Published returns the messages accepted so far.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.published))
	copy(out, b.published)
	return out
}

// Acks returns the acknowledged delivery tags.
func (b *Broker) Acks() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint64, len(b.acks))
	copy(out, b.acks)
	return out
}

// Rejects returns the Reject calls.
func (b *Broker) Rejects() []Rejection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Rejection, len(b.rejects))
	copy(out, b.rejects)
	return out
}

// ExchangeKind reports the kind of a declared exchange.
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	return ex.kind, ok
}

// DeclareExchange creates an exchange as another client would.
func (b *Broker) DeclareExchange(name, kind string, durable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = exchange{kind: kind, durable: durable}
}

// QueueArgs returns the arguments a queue was declared with.
func (b *Broker) QueueArgs(name string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, false
	}
	return q.args, true
}

// Bindings returns the routing keys binding queue to exchange.
func (b *Broker) Bindings(queue, exchange string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for _, bd := range b.bindings {
		if bd.queue == queue && bd.exchange == exchange {
			keys = append(keys, bd.key)
		}
	}
	return keys
}

// Ready returns the messages waiting in queue with no consumer.
func (b *Broker) Ready(name string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Delivery, len(q.pending))
	copy(out, q.pending)
	return out
}

func (b *Broker) failure(op string) error {
	return b.failures[op]
}

func (b *Broker) newID(prefix string) string {
	b.nextID++
	return fmt.Sprintf("%s-%d", prefix, b.nextID)
}

// route delivers msg to every queue bound to exchangeName matching key.
func (b *Broker) route(exchangeName, key string, msg amqp.Publishing) {
	d := amqp.Delivery{
		Headers:         msg.Headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    msg.DeliveryMode,
		Priority:        msg.Priority,
		CorrelationId:   msg.CorrelationId,
		ReplyTo:         msg.ReplyTo,
		Expiration:      msg.Expiration,
		MessageId:       msg.MessageId,
		Timestamp:       msg.Timestamp,
		Type:            msg.Type,
		UserId:          msg.UserId,
		AppId:           msg.AppId,
		Exchange:        exchangeName,
		RoutingKey:      key,
		Body:            msg.Body,
	}

	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			b.deliver(q, d)
		}
		return
	}

	ex := b.exchanges[exchangeName]
	seen := make(map[string]bool)
	for _, bd := range b.bindings {
		if bd.exchange != exchangeName || seen[bd.queue] {
			continue
		}

		var match bool
		switch ex.kind {
		case amqp.ExchangeTopic:
			match = router.Matches(bd.key, key, ".")
		case amqp.ExchangeDirect:
			match = bd.key == key
		case amqp.ExchangeFanout:
			match = true
		}
		if !match {
			continue
		}

		if q, ok := b.queues[bd.queue]; ok {
			seen[bd.queue] = true
			b.deliver(q, d)
		}
	}
}

func (b *Broker) deliver(q *queue, d amqp.Delivery) {
	c := q.consumer
	if c == nil {
		q.pending = append(q.pending, d)
		return
	}

	b.nextTag++
	d.DeliveryTag = b.nextTag
	d.ConsumerTag = c.tag
	if !c.autoAck {
		b.inflight[d.DeliveryTag] = inflight{queue: q.name, channel: c.channel, delivery: d}
	}

	select {
	case c.out <- d:
	default:
		delete(b.inflight, d.DeliveryTag)
		q.pending = append(q.pending, d)
	}
}

func (b *Broker) deadLetter(q *queue, d amqp.Delivery) {
	dlx, ok := q.args[rabbitmq.ArgDeadLetterExchange].(string)
	if !ok {
		return
	}
	key := d.RoutingKey
	if k, ok := q.args[rabbitmq.ArgDeadLetterRoutingKey].(string); ok {
		key = k
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[rabbitmq.HeaderDeath] = []interface{}{
		amqp.Table{
			"count":        int64(1),
			"reason":       "rejected",
			"queue":        q.name,
			"exchange":     d.Exchange,
			"routing-keys": []interface{}{d.RoutingKey},
		},
	}

	b.route(dlx, key, amqp.Publishing{
		Headers:     headers,
		ContentType: d.ContentType,
		MessageId:   d.MessageId,
		Timestamp:   d.Timestamp,
		Body:        d.Body,
	})
}

// Connection is an in-memory rabbitmq.Connection.
type Connection struct {
	broker   *Broker
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
}

// Channel implements rabbitmq.Connection.
func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if err := c.broker.failure(OpChannel); err != nil {
		return nil, err
	}

	ch := &Channel{conn: c, consumers: make(map[string]*consumer)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection.
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection.
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

// Drop simulates the broker closing the connection with err.
func (c *Connection) Drop(err *amqp.Error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if !c.closed {
		c.shutdown(err)
	}
}

func (c *Connection) shutdown(err *amqp.Error) {
	c.closed = true
	for _, ch := range c.channels {
		if !ch.closed {
			ch.shutdown(err)
		}
	}
	for _, n := range c.notify {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
	c.notify = nil
}

// Channel is an in-memory rabbitmq.Channel.
type Channel struct {
	conn      *Connection
	closed    bool
	qos       int
	consumers map[string]*consumer
	notify    []chan *amqp.Error
}

// Prefetch returns the last Qos prefetch count.
func (ch *Channel) Prefetch() int {
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	return ch.qos
}

func (ch *Channel) check(op string) error {
	if ch.closed {
		return amqp.ErrClosed
	}
	return ch.conn.broker.failure(op)
}

// fatal closes the channel the way the broker does on a channel exception.
func (ch *Channel) fatal(code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.shutdown(err)
	return err
}

// ExchangeDeclare implements rabbitmq.Channel.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.check(OpExchangeDeclare); err != nil {
		return err
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable || ex.autoDelete != autoDelete {
			return ch.fatal(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name))
		}
		return nil
	}

	b.exchanges[name] = exchange{kind: kind, durable: durable, autoDelete: autoDelete}
	return nil
}

// ExchangeDeclarePassive implements rabbitmq.Channel.
func (ch *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.check(OpExchangeDeclare); err != nil {
		return err
	}
	if _, ok := b.exchanges[name]; !ok {
		return ch.fatal(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", name))
	}
	return nil
}

// QueueDeclare implements rabbitmq.Channel.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.check(OpQueueDeclare); err != nil {
		return amqp.Queue{}, err
	}

	if name == "" {
		name = b.newID("amq.gen")
	}

	if q, ok := b.queues[name]; ok {
		if q.durable != durable {
			return amqp.Queue{}, ch.fatal(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name))
		}
		return amqp.Queue{Name: name, Messages: len(q.pending)}, nil
	}

	b.queues[name] = &queue{name: name, durable: durable, args: args}
	return amqp.Queue{Name: name}, nil
}

// QueueBind implements rabbitmq.Channel.
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.check(OpQueueBind); err != nil {
		return err
	}
	if _, ok := b.queues[name]; !ok {
		return ch.fatal(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return ch.fatal(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
	}

	for _, bd := range b.bindings {
		if bd.queue == name && bd.exchange == exchangeName && bd.key == key {
			return nil
		}
	}
	b.bindings = append(b.bindings, binding{queue: name, exchange: exchangeName, key: key})
	return nil
}

// Qos implements rabbitmq.Channel.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.check(OpQos); err != nil {
		return err
	}
	ch.qos = prefetchCount
	return nil
}

// Consume implements rabbitmq.Channel.
func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.check(OpConsume); err != nil {
		return nil, err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.fatal(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}
	if q.consumer != nil {
		return nil, ch.fatal(amqp.AccessRefused, fmt.Sprintf("ACCESS_REFUSED - queue '%s' in exclusive use", queueName))
	}

	if consumerTag == "" {
		consumerTag = b.newID("amq.ctag")
	}

	c := &consumer{
		tag:     consumerTag,
		channel: ch,
		autoAck: autoAck,
		out:     make(chan amqp.Delivery, 1024),
	}
	q.consumer = c
	ch.consumers[consumerTag] = c

	pending := q.pending
	q.pending = nil
	for _, d := range pending {
		b.deliver(q, d)
	}

	return c.out, nil
}

// PublishWithContext implements rabbitmq.Channel.
func (ch *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.check(OpPublish); err != nil {
		return err
	}
	if _, ok := b.exchanges[exchangeName]; !ok && exchangeName != "" {
		return ch.fatal(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName))
	}

	b.published = append(b.published, Published{Exchange: exchangeName, RoutingKey: key, Msg: msg})
	b.route(exchangeName, key, msg)
	return nil
}

// Ack implements rabbitmq.Channel.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.check(OpAck); err != nil {
		return err
	}
	if _, ok := b.inflight[tag]; !ok {
		return ch.fatal(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}

	delete(b.inflight, tag)
	b.acks = append(b.acks, tag)
	return nil
}

// Reject implements rabbitmq.Channel.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ch.check(OpReject); err != nil {
		return err
	}
	inf, ok := b.inflight[tag]
	if !ok {
		return ch.fatal(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}

	delete(b.inflight, tag)
	b.rejects = append(b.rejects, Rejection{Tag: tag, Requeue: requeue})

	q, ok := b.queues[inf.queue]
	if !ok {
		return nil
	}
	d := inf.delivery
	if requeue {
		d.Redelivered = true
		b.deliver(q, d)
		return nil
	}
	b.deadLetter(q, d)
	return nil
}

// Cancel implements rabbitmq.Channel.
func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.cancel(consumerTag)
	return nil
}

func (ch *Channel) cancel(consumerTag string) {
	c, ok := ch.consumers[consumerTag]
	if !ok {
		return
	}
	delete(ch.consumers, consumerTag)
	for _, q := range ch.conn.broker.queues {
		if q.consumer == c {
			q.consumer = nil
		}
	}
	close(c.out)
}

// NotifyClose implements rabbitmq.Channel.
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Channel.
func (ch *Channel) IsClosed() bool {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close implements rabbitmq.Channel.
func (ch *Channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}

// shutdown closes consumers and returns unsettled deliveries to their
// queues, marked redelivered.
func (ch *Channel) shutdown(err *amqp.Error) {
	b := ch.conn.broker
	ch.closed = true

	for tag := range ch.consumers {
		ch.cancel(tag)
	}

	for tag, inf := range b.inflight {
		if inf.channel != ch {
			continue
		}
		delete(b.inflight, tag)
		if q, ok := b.queues[inf.queue]; ok {
			d := inf.delivery
			d.Redelivered = true
			b.deliver(q, d)
		}
	}

	for _, n := range ch.notify {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
	ch.notify = nil
}
