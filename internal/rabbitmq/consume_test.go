package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sleepingf0x/wrabbit/internal/rabbitmq"
	"github.com/sleepingf0x/wrabbit/internal/rabbitmq/rabbitmqtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type consumeFixture struct {
	broker    *rabbitmqtest.Broker
	cm        *rabbitmq.ConnectionManager
	publisher *rabbitmq.Publisher
}

func newConsumeFixture(t *testing.T, deadLetter bool) *consumeFixture {
	t.Helper()
	ctx := context.Background()

	broker := rabbitmqtest.NewBroker()
	cm := newManager(t, broker)
	require.NoError(t, cm.Connect(ctx))

	_, err := rabbitmq.NewTopologyManager(cm).DeclareConsumer(ctx, rabbitmq.ConsumerTopology{
		Exchange:   rabbitmq.ExchangeDeclaration{Name: "events", Type: amqp.ExchangeTopic},
		Queue:      rabbitmq.QueueDeclaration{Name: "app.ping", Durable: true},
		Patterns:   []string{"ping.*"},
		DeadLetter: deadLetter,
	})
	require.NoError(t, err)

	return &consumeFixture{
		broker: broker,
		cm:     cm,
		publisher: rabbitmq.NewPublisher(cm, "events",
			rabbitmq.WithMessageVersion("v1.0.0"),
			rabbitmq.WithPublisherLogger(quietLogger()),
		),
	}
}

func (f *consumeFixture) run(ctx context.Context, consumer *rabbitmq.Consumer, handler rabbitmq.MessageHandler) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- consumer.Run(ctx, "app.ping", handler)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
		return nil
	}
}

func TestConsumerRun(t *testing.T) {
	t.Run("handles and acks deliveries", func(t *testing.T) {
		f := newConsumeFixture(t, false)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var mu sync.Mutex
		var bodies []string
		consumer := rabbitmq.NewConsumer(f.cm, rabbitmq.WithConsumerLogger(quietLogger()), rabbitmq.WithPrefetchCount(5))
		done := f.run(ctx, consumer, func(ctx context.Context, d amqp.Delivery) error {
			mu.Lock()
			defer mu.Unlock()
			bodies = append(bodies, string(d.Body))
			return nil
		})

		require.NoError(t, f.publisher.Publish(ctx, "ping.message", []byte("ping"), rabbitmq.PublishProperties{}))
		require.NoError(t, f.publisher.Publish(ctx, "ping.message.extra", []byte("skipped"), rabbitmq.PublishProperties{}))

		assert.Eventually(t, func() bool { return len(f.broker.Acks()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, rabbitmq.StateConsuming, f.cm.State())

		cancel()
		assert.NoError(t, waitDone(t, done))

		mu.Lock()
		assert.Equal(t, []string{"ping"}, bodies)
		mu.Unlock()
		assert.Equal(t, rabbitmq.StateConnected, f.cm.State())
		assert.Empty(t, f.broker.Rejects())
	})

	t.Run("failed delivery is requeued once then dead-lettered", func(t *testing.T) {
		f := newConsumeFixture(t, true)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		boom := errors.New("Generic Error")
		var mu sync.Mutex
		var callbacks []bool
		consumer := rabbitmq.NewConsumer(f.cm,
			rabbitmq.WithConsumerLogger(quietLogger()),
			rabbitmq.WithErrorCallback(func(ctx context.Context, d amqp.Delivery, err error) {
				mu.Lock()
				defer mu.Unlock()
				assert.ErrorIs(t, err, boom)
				callbacks = append(callbacks, d.Redelivered)
			}),
		)
		done := f.run(ctx, consumer, func(ctx context.Context, d amqp.Delivery) error {
			return boom
		})

		require.NoError(t, f.publisher.Publish(ctx, "ping.error", []byte("ping"), rabbitmq.PublishProperties{}))

		assert.Eventually(t, func() bool { return len(f.broker.Rejects()) == 2 }, time.Second, 5*time.Millisecond)
		cancel()
		require.NoError(t, waitDone(t, done))

		rejects := f.broker.Rejects()
		assert.True(t, rejects[0].Requeue)
		assert.False(t, rejects[1].Requeue)

		mu.Lock()
		assert.Equal(t, []bool{false, true}, callbacks)
		mu.Unlock()

		dead := f.broker.Ready("dead.letter.app.ping")
		require.Len(t, dead, 1)
		assert.Equal(t, "ping.error", rabbitmq.OriginalRoutingKey(dead[0]))
		assert.Equal(t, "ping.error", rabbitmq.ToMessage(dead[0]).RoutingKey)
	})

	t.Run("a failing delivery does not stop the loop", func(t *testing.T) {
		f := newConsumeFixture(t, false)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		consumer := rabbitmq.NewConsumer(f.cm, rabbitmq.WithConsumerLogger(quietLogger()))
		done := f.run(ctx, consumer, func(ctx context.Context, d amqp.Delivery) error {
			if d.RoutingKey == "ping.error" {
				return errors.New("Generic Error")
			}
			return nil
		})

		require.NoError(t, f.publisher.Publish(ctx, "ping.error", nil, rabbitmq.PublishProperties{}))
		require.NoError(t, f.publisher.Publish(ctx, "ping.message", nil, rabbitmq.PublishProperties{}))

		assert.Eventually(t, func() bool { return len(f.broker.Acks()) == 1 }, time.Second, 5*time.Millisecond)
		cancel()
		assert.NoError(t, waitDone(t, done))
	})

	t.Run("auto ack settles nothing", func(t *testing.T) {
		f := newConsumeFixture(t, false)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		handled := make(chan struct{}, 1)
		consumer := rabbitmq.NewConsumer(f.cm, rabbitmq.WithAutoAck(true), rabbitmq.WithConsumerLogger(quietLogger()))
		done := f.run(ctx, consumer, func(ctx context.Context, d amqp.Delivery) error {
			handled <- struct{}{}
			return errors.New("ignored")
		})

		require.NoError(t, f.publisher.Publish(ctx, "ping.message", nil, rabbitmq.PublishProperties{}))

		select {
		case <-handled:
		case <-time.After(time.Second):
			t.Fatal("delivery not handled")
		}
		cancel()
		require.NoError(t, waitDone(t, done))
		assert.Empty(t, f.broker.Acks())
		assert.Empty(t, f.broker.Rejects())
	})

	t.Run("Close ends the loop", func(t *testing.T) {
		f := newConsumeFixture(t, false)
		consumer := rabbitmq.NewConsumer(f.cm, rabbitmq.WithConsumerLogger(quietLogger()))
		done := f.run(context.Background(), consumer, func(context.Context, amqp.Delivery) error { return nil })

		assert.Eventually(t, func() bool { return f.cm.State() == rabbitmq.StateConsuming }, time.Second, 5*time.Millisecond)
		require.NoError(t, f.cm.Close())

		assert.NoError(t, waitDone(t, done))
		assert.Equal(t, rabbitmq.StateClosed, f.cm.State())
	})

	t.Run("broker drop ends the loop with an error", func(t *testing.T) {
		f := newConsumeFixture(t, false)
		consumer := rabbitmq.NewConsumer(f.cm, rabbitmq.WithConsumerLogger(quietLogger()))
		done := f.run(context.Background(), consumer, func(context.Context, amqp.Delivery) error { return nil })

		assert.Eventually(t, func() bool { return f.cm.State() == rabbitmq.StateConsuming }, time.Second, 5*time.Millisecond)
		f.broker.Connections()[0].Drop(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})

		err := waitDone(t, done)
		var consumerErr *rabbitmq.ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "app.ping", consumerErr.Queue)
		assert.Eventually(t, func() bool { return f.cm.State() == rabbitmq.StateDisconnected }, time.Second, 5*time.Millisecond)
	})

	t.Run("channel exception ends the loop with an error", func(t *testing.T) {
		f := newConsumeFixture(t, false)
		consumer := rabbitmq.NewConsumer(f.cm, rabbitmq.WithConsumerLogger(quietLogger()))
		done := f.run(context.Background(), consumer, func(context.Context, amqp.Delivery) error { return nil })

		assert.Eventually(t, func() bool { return f.cm.State() == rabbitmq.StateConsuming }, time.Second, 5*time.Millisecond)
		require.Error(t, f.cm.Publish(context.Background(), "missing", "k", amqp.Publishing{}))

		var consumerErr *rabbitmq.ConsumerError
		require.ErrorAs(t, waitDone(t, done), &consumerErr)
		assert.Eventually(t, func() bool { return f.cm.State() == rabbitmq.StateDisconnected }, time.Second, 5*time.Millisecond)
	})

	t.Run("only one consume loop at a time", func(t *testing.T) {
		f := newConsumeFixture(t, false)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		consumer := rabbitmq.NewConsumer(f.cm, rabbitmq.WithConsumerLogger(quietLogger()))
		done := f.run(ctx, consumer, func(context.Context, amqp.Delivery) error { return nil })
		assert.Eventually(t, func() bool { return f.cm.State() == rabbitmq.StateConsuming }, time.Second, 5*time.Millisecond)

		err := rabbitmq.NewConsumer(f.cm, rabbitmq.WithConsumerLogger(quietLogger())).
			Run(ctx, "app.ping", func(context.Context, amqp.Delivery) error { return nil })

		assert.ErrorIs(t, err, rabbitmq.ErrAlreadyConsuming)
		cancel()
		require.NoError(t, waitDone(t, done))
	})

	t.Run("qos failure", func(t *testing.T) {
		f := newConsumeFixture(t, false)
		f.broker.Fail(rabbitmqtest.OpQos, errors.New("qos refused"))

		err := rabbitmq.NewConsumer(f.cm, rabbitmq.WithConsumerLogger(quietLogger())).
			Run(context.Background(), "app.ping", func(context.Context, amqp.Delivery) error { return nil })

		var consumerErr *rabbitmq.ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "qos", consumerErr.Op)
	})
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	broker := rabbitmqtest.NewBroker()
	cm := newManager(t, broker)
	require.NoError(t, cm.Connect(ctx))
	broker.DeclareExchange("events", amqp.ExchangeTopic, false)

	publisher := rabbitmq.NewPublisher(cm, "events",
		rabbitmq.WithDefaultProperties(rabbitmq.PublishProperties{ContentType: "application/json"}),
		rabbitmq.WithMessageVersion("v1.0.0"),
		rabbitmq.WithClock(func() time.Time { return now }),
		rabbitmq.WithPublisherLogger(quietLogger()),
	)
	assert.Equal(t, "events", publisher.Exchange())

	require.NoError(t, publisher.Publish(ctx, "ping.message", []byte(`"ping"`), rabbitmq.PublishProperties{CorrelationID: "c-1"}))

	published := broker.Published()
	require.Len(t, published, 1)
	msg := published[0].Msg
	assert.Equal(t, "events", published[0].Exchange)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, "c-1", msg.CorrelationId)
	assert.Equal(t, now, msg.Timestamp)
	assert.Equal(t, rabbitmq.MessageID([]byte(`"ping"`)), msg.MessageId)
	assert.Equal(t, "v1.0.0", msg.Headers[rabbitmq.HeaderMessageVersion])
}
