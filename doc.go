// Package wrabbit publishes to and consumes from a RabbitMQ topic exchange.
//
// A Client is built from a config.Config, usually resolved from MQ_*
// environment variables. Handlers are bound to routing-key patterns before
// InitApp, which connects and declares the exchange, the consumer queue and
// one binding per pattern:
//
//	v, _ := config.Load()
//	cfg, err := config.Resolve(v)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	client, err := wrabbit.New(cfg, wrabbit.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Handle("ping.*", func(ctx context.Context, msg *wrabbit.Message) error {
//		logger.Info("got ping", "body", msg.Body)
//		return nil
//	})
//
//	if err := client.InitApp(ctx, wrabbit.InitOptions{QueuePrefix: "app"}); err != nil {
//		log.Fatal(err)
//	}
//	go client.Run(ctx)
//
//	err = client.Send(ctx, "ping", "ping.message")
//
// Patterns follow topic exchange rules: "*" matches one word, "#" zero or
// more. When several patterns match a routing key, the handler registered
// first runs.
//
// Deliveries are acked after their handler returns nil. A failed delivery is
// requeued once; if it fails again it is dropped, or dead-lettered when
// InitOptions.DeadLetter is set.
package wrabbit
