// Package metrics exposes client activity as Prometheus metrics.
package metrics

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	labelRoute     = "route"
	labelErrorType = "error_type"
	labelExchange  = "exchange"
	labelSuccess   = "success"
	labelOutcome   = "outcome"
)

// Delivery outcomes reported by ObserveSettlement.
const (
	OutcomeAck     = "ack"
	OutcomeRequeue = "requeue"
	OutcomeReject  = "reject"
)

var (
	// handlerExecutionTimeBuckets are one order of magnitude smaller than
	// the default buckets since handlers usually run in µs~ms.
	handlerExecutionTimeBuckets = []float64{
		0.0005,
		0.001,
		0.0025,
		0.005,
		0.01,
		0.025,
		0.05,
		0.1,
		0.25,
		0.5,
		1,
	}
)

// Collector records consumer and publisher metrics. It satisfies
// interceptors.MetricsCollector.
type Collector struct {
	messagesTotal      *prometheus.CounterVec
	handlerSeconds     *prometheus.HistogramVec
	handlerErrorsTotal *prometheus.CounterVec
	publishSeconds     *prometheus.HistogramVec
	settlementsTotal   *prometheus.CounterVec
	connectionState    prometheus.Gauge
}

// Option configures the Collector
type Option func(*options)

type options struct {
	namespace  string
	subsystem  string
	registerer prometheus.Registerer
}

// WithNamespace sets the metric namespace; the default is "wrabbit".
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithSubsystem sets the metric subsystem
func WithSubsystem(subsystem string) Option {
	return func(o *options) {
		o.subsystem = subsystem
	}
}

// WithRegisterer sets where metrics are registered; the default is
// prometheus.DefaultRegisterer.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = registerer
	}
}

// NewCollector creates the metrics and registers them. Metrics already
// registered by another Collector with the same names are reused.
func NewCollector(opts ...Option) (*Collector, error) {
	o := &options{
		namespace:  "wrabbit",
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(o)
	}

	c := &Collector{}
	var err error

	c.messagesTotal, err = registerCounterVec(o.registerer, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: o.subsystem,
			Name:      "messages_received_total",
			Help:      "The total number of messages dispatched to a route",
		},
		[]string{labelRoute},
	))
	if err != nil {
		return nil, fmt.Errorf("could not register messages metric: %w", err)
	}

	c.handlerSeconds, err = registerHistogramVec(o.registerer, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: o.namespace,
			Subsystem: o.subsystem,
			Name:      "handler_execution_time_seconds",
			Help:      "The total time elapsed while executing the handler function in seconds",
			Buckets:   handlerExecutionTimeBuckets,
		},
		[]string{labelRoute},
	))
	if err != nil {
		return nil, fmt.Errorf("could not register handler time metric: %w", err)
	}

	c.handlerErrorsTotal, err = registerCounterVec(o.registerer, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: o.subsystem,
			Name:      "handler_errors_total",
			Help:      "The total number of failed handler executions",
		},
		[]string{labelRoute, labelErrorType},
	))
	if err != nil {
		return nil, fmt.Errorf("could not register handler errors metric: %w", err)
	}

	c.publishSeconds, err = registerHistogramVec(o.registerer, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: o.namespace,
			Subsystem: o.subsystem,
			Name:      "publish_time_seconds",
			Help:      "The time that a publishing attempt (success or not) took in seconds",
		},
		[]string{labelExchange, labelSuccess},
	))
	if err != nil {
		return nil, fmt.Errorf("could not register publish time metric: %w", err)
	}

	c.settlementsTotal, err = registerCounterVec(o.registerer, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: o.namespace,
			Subsystem: o.subsystem,
			Name:      "deliveries_settled_total",
			Help:      "The total number of deliveries acked, requeued or rejected",
		},
		[]string{labelOutcome},
	))
	if err != nil {
		return nil, fmt.Errorf("could not register settlement metric: %w", err)
	}

	gauge, err := register(o.registerer, prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: o.namespace,
			Subsystem: o.subsystem,
			Name:      "connection_state",
			Help:      "The connection state: 0 disconnected, 1 connected, 2 consuming, 3 closed",
		},
	))
	if err != nil {
		return nil, fmt.Errorf("could not register connection state metric: %w", err)
	}
	c.connectionState = gauge.(prometheus.Gauge)

	return c, nil
}

// IncrementMessageCount counts a message dispatched to route.
func (c *Collector) IncrementMessageCount(route string) {
	c.messagesTotal.WithLabelValues(route).Inc()
}

// RecordProcessingTime observes how long the handler of route ran.
func (c *Collector) RecordProcessingTime(route string, duration time.Duration) {
	c.handlerSeconds.WithLabelValues(route).Observe(duration.Seconds())
}

// IncrementErrorCount counts a failed handler execution.
func (c *Collector) IncrementErrorCount(route string, errorType string) {
	c.handlerErrorsTotal.WithLabelValues(route, errorType).Inc()
}

// ObservePublish records one publishing attempt.
func (c *Collector) ObservePublish(exchange string, duration time.Duration, err error) {
	c.publishSeconds.WithLabelValues(exchange, strconv.FormatBool(err == nil)).Observe(duration.Seconds())
}

// ObserveSettlement counts how a delivery was settled.
func (c *Collector) ObserveSettlement(outcome string) {
	c.settlementsTotal.WithLabelValues(outcome).Inc()
}

// SetConnectionState records the numeric connection state.
func (c *Collector) SetConnectionState(state int) {
	c.connectionState.Set(float64(state))
}

func register(registerer prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	err := registerer.Register(c)
	if err == nil {
		return c, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return are.ExistingCollector, nil
	}

	return nil, err
}

func registerCounterVec(registerer prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	col, err := register(registerer, c)
	if err != nil {
		return nil, err
	}
	return col.(*prometheus.CounterVec), nil
}

func registerHistogramVec(registerer prometheus.Registerer, h *prometheus.HistogramVec) (*prometheus.HistogramVec, error) {
	col, err := register(registerer, h)
	if err != nil {
		return nil, err
	}
	return col.(*prometheus.HistogramVec), nil
}
