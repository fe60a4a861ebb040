package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue arguments used for dead-lettering
const (
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"

	deadLetterPrefix = "dead.letter."
)

// TopologyManager declares exchanges, queues and bindings on the
// connection manager's channel.
type TopologyManager struct {
	cm *ConnectionManager
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Passive    bool // only check that the exchange exists
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty name lets the
// broker pick one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// ConsumerTopology is everything a consumer needs: the exchange, its queue
// bound once per pattern and, optionally, a dead-letter exchange and queue
// receiving rejected deliveries.
type ConsumerTopology struct {
	Exchange   ExchangeDeclaration
	Queue      QueueDeclaration
	Patterns   []string
	DeadLetter bool
}

// DeadLetterName returns the dead-letter counterpart of an exchange or queue name.
func DeadLetterName(name string) string {
	return deadLetterPrefix + name
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(cm *ConnectionManager) *TopologyManager {
	return &TopologyManager{
		cm: cm,
	}
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	err := tm.cm.Execute(ctx, func(ch Channel) error {
		return declareExchange(ch, exchange)
	})
	if err != nil {
		return declarationError("exchange", exchange.Name, err)
	}
	return nil
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.cm.Execute(ctx, func(ch Channel) error {
		var err error
		q, err = declareQueue(ch, queue)
		return err
	})
	if err != nil {
		return q, declarationError("queue", queue.Name, err)
	}
	return q, nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	err := tm.cm.Execute(ctx, func(ch Channel) error {
		return bindQueue(ch, binding)
	})
	if err != nil {
		return declarationError("binding", binding.Queue+"->"+binding.Exchange+":"+binding.RoutingKey, err)
	}
	return nil
}

// DeclareConsumer declares t and returns the declared queue, whose name is
// generated by the broker when t.Queue.Name is empty.
func (tm *TopologyManager) DeclareConsumer(ctx context.Context, t ConsumerTopology) (amqp.Queue, error) {
	if err := tm.DeclareExchange(ctx, t.Exchange); err != nil {
		return amqp.Queue{}, err
	}

	queue := t.Queue
	if t.DeadLetter {
		if queue.Name == "" {
			return amqp.Queue{}, declarationError("queue", queue.Name,
				fmt.Errorf("%w: dead-lettering needs a named queue", ErrInvalidConfiguration))
		}

		dlx := ExchangeDeclaration{
			Name:    DeadLetterName(t.Exchange.Name),
			Type:    amqp.ExchangeDirect,
			Durable: t.Exchange.Durable,
		}
		dlq := QueueDeclaration{
			Name:    DeadLetterName(queue.Name),
			Durable: queue.Durable,
		}

		if err := tm.DeclareExchange(ctx, dlx); err != nil {
			return amqp.Queue{}, err
		}
		if _, err := tm.DeclareQueue(ctx, dlq); err != nil {
			return amqp.Queue{}, err
		}
		if err := tm.BindQueue(ctx, Binding{Queue: dlq.Name, Exchange: dlx.Name, RoutingKey: dlq.Name}); err != nil {
			return amqp.Queue{}, err
		}

		args := amqp.Table{}
		for k, v := range queue.Arguments {
			args[k] = v
		}
		args[ArgDeadLetterExchange] = dlx.Name
		args[ArgDeadLetterRoutingKey] = dlq.Name
		queue.Arguments = args
	}

	q, err := tm.DeclareQueue(ctx, queue)
	if err != nil {
		return amqp.Queue{}, err
	}

	for _, pattern := range t.Patterns {
		binding := Binding{Queue: q.Name, Exchange: t.Exchange.Name, RoutingKey: pattern}
		if err := tm.BindQueue(ctx, binding); err != nil {
			return amqp.Queue{}, err
		}
	}

	return q, nil
}

func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	declare := ch.ExchangeDeclare
	if exchange.Passive {
		declare = ch.ExchangeDeclarePassive
	}
	return declare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		exchange.Internal,
		false, // no-wait
		exchange.Arguments,
	)
}

func declareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func bindQueue(ch Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}

func declarationError(component, name string, err error) error {
	return &DeclarationError{
		Component: component,
		Name:      name,
		Err:       err,
		Timestamp: time.Now(),
	}
}
