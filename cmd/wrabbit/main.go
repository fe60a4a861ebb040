package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sleepingf0x/wrabbit"
	"github.com/sleepingf0x/wrabbit/config"
	"github.com/sleepingf0x/wrabbit/health"
	"github.com/sleepingf0x/wrabbit/interceptors"
	"github.com/sleepingf0x/wrabbit/metrics"
	"github.com/sleepingf0x/wrabbit/router"
	"github.com/sleepingf0x/wrabbit/serialization"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

// errPingFailed is returned by the example handler for ping.error.
var errPingFailed = errors.New("ping.error received")

func main() {
	rootCmd := &cobra.Command{
		Use:   "wrabbit",
		Short: "Send and consume messages on a RabbitMQ topic exchange",
		Long: `wrabbit is an example application for the wrabbit client.

Settings are read from MQ_* environment variables, an optional YAML file
(--config or MQ_CONFIG_FILE) and the flags below, flags winning.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var verbose bool
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "YAML config file")
	flags.StringP("url", "u", "", "RabbitMQ connection URL (MQ_URL)")
	flags.StringP("exchange", "e", "", "Exchange name (MQ_EXCHANGE)")
	flags.String("exchange-type", "", "Exchange type (MQ_EXCHANGE_TYPE)")
	flags.String("delimiter", "", "Routing key delimiter (MQ_DELIMITER)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(consumeCmd(&verbose), sendCmd(&verbose))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func consumeCmd(verbose *bool) *cobra.Command {
	var (
		prefix     string
		listen     string
		deadLetter bool
		versions   []string
		only       []string
		rejectSkip bool
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume ping.* messages until interrupted",
		Long: `Declares the exchange and a queue bound to ping.*, then logs every
message. Messages sent to ping.error fail, are requeued once and end up in
the dead-letter queue when --dead-letter is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*verbose)
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			collector, err := metrics.NewCollector(metrics.WithRegisterer(registry))
			if err != nil {
				return err
			}

			builder := interceptors.NewDefaultInterceptorChainBuilder(logger).
				WithLogging().
				WithValidation(interceptors.MessageValidatorFunc(func(ctx context.Context, msg *router.Message) error {
					if len(msg.Raw) == 0 {
						return fmt.Errorf("empty body on %s", msg.RoutingKey)
					}
					return nil
				}))
			if filter := messageFilter(cfg.Delimiter, versions, only); filter != nil {
				skip := interceptors.SkipWithLog
				if rejectSkip {
					skip = interceptors.SkipWithError
				}
				builder.WithCustom(interceptors.NewFilteringInterceptor(filter, skip, logger))
			}
			chain := builder.Build()

			client, err := wrabbit.New(cfg,
				wrabbit.WithLogger(logger),
				wrabbit.WithMetrics(collector),
				wrabbit.WithMiddlewares(chain.Middleware()),
				wrabbit.WithErrorCallback(func(ctx context.Context, msg *wrabbit.Message, err error) {
					logger.Warn("message failed",
						"routingKey", msg.RoutingKey,
						"messageId", msg.MessageID,
						"redelivered", msg.Redelivered,
						"error", err,
					)
				}),
			)
			if err != nil {
				return err
			}
			defer client.Close()

			err = client.Handle("ping.*", func(ctx context.Context, msg *wrabbit.Message) error {
				logger.Info("ping received",
					"routingKey", msg.RoutingKey,
					"body", msg.Body,
					"version", msg.Version,
					"sentAt", msg.SentAt,
				)
				if msg.RoutingKey == "ping.error" {
					return errPingFailed
				}
				return nil
			}, wrabbit.WithRouteName("ping"))
			if err != nil {
				return err
			}

			err = client.InitApp(ctx, wrabbit.InitOptions{
				QueuePrefix: prefix,
				BodyParser:  serialization.JSON{},
				MsgParser:   serialization.JSON{},
				DeadLetter:  deadLetter,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}

			if listen != "" {
				checks := health.NewRegistry()
				checks.Register(health.NewConnectionChecker(client))
				checks.Register(health.NewRuntimeChecker(500, 1000))
				checks.SetMetadata("exchange", cfg.Exchange.Name)
				checks.SetMetadata("queue", client.QueueName())

				shutdown := serveHTTP(listen, newMux(checks, registry), logger)
				defer shutdown()
			}

			logger.Info("consuming, press Ctrl+C to stop", "queue", client.QueueName())
			return client.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "wrabbit.example", "Queue name prefix")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Serve /healthz and /metrics on this address")
	cmd.Flags().BoolVar(&deadLetter, "dead-letter", true, "Dead-letter failed messages")
	cmd.Flags().StringSliceVar(&versions, "accept-version", nil, "Only handle these message versions")
	cmd.Flags().StringSliceVar(&only, "only", nil, "Only handle routing keys matching these patterns")
	cmd.Flags().BoolVar(&rejectSkip, "reject-skipped", false, "Reject messages skipped by --accept-version or --only instead of acking them")

	return cmd
}

// messageFilter combines the consume filters; nil means no filtering.
func messageFilter(delimiter string, versions, only []string) interceptors.MessageFilter {
	var filters []interceptors.MessageFilter
	if len(versions) > 0 {
		filters = append(filters, interceptors.NewVersionFilter(versions...))
	}
	if len(only) > 0 {
		filters = append(filters, interceptors.NewRoutingKeyFilter(delimiter, only...))
	}

	switch len(filters) {
	case 0:
		return nil
	case 1:
		return filters[0]
	}
	return interceptors.NewCompositeFilter(filters...)
}

func sendCmd(verbose *bool) *cobra.Command {
	var (
		count   int
		async   bool
		retries int
	)

	cmd := &cobra.Command{
		Use:   "send <routing-key> <json-body>",
		Short: "Publish a JSON message",
		Example: `  wrabbit send ping.message '{"text":"ping"}'
  wrabbit send ping.error '{"text":"fail"}' --count 3`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*verbose)
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if retries > 0 {
				cfg.SendRetries = retries
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := wrabbit.New(cfg, wrabbit.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.InitApp(ctx, wrabbit.InitOptions{MsgParser: serialization.JSON{}}); err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}

			key, body := args[0], json.RawMessage(args[1])
			for i := 0; i < count; i++ {
				start := time.Now()
				if async {
					err = <-client.SendAsync(ctx, body, key)
				} else {
					err = client.SyncSend(ctx, body, key)
				}
				if err != nil {
					return fmt.Errorf("failed to send: %w", err)
				}
				logger.Info("message sent", "routingKey", key, "n", i+1, "took", time.Since(start))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of copies to send")
	cmd.Flags().BoolVar(&async, "async", false, "Send through SendAsync")
	cmd.Flags().IntVar(&retries, "retries", 0, "Send attempts, overriding MQ_SEND_RETRIES")

	return cmd
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves MQ_* settings with the command line flags bound over
// the environment and config file.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	v, err := config.Load()
	if err != nil {
		return nil, err
	}

	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := bindFlags(v, flags, map[string]string{
		config.KeyURL:          "url",
		config.KeyExchange:     "exchange",
		config.KeyExchangeType: "exchange-type",
		config.KeyDelimiter:    "delimiter",
	}); err != nil {
		return nil, err
	}

	return config.Resolve(v)
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}
