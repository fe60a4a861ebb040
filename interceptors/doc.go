// Package interceptors provides consumer middleware for the router.
//
// An Interceptor wraps the handler of a matched route. Interceptors are
// combined in an InterceptorChain and installed on a router.Registry with
// Middleware:
//
//	chain := interceptors.NewDefaultInterceptorChainBuilder(logger).
//		WithLogging().
//		WithValidation(validator).
//		WithCustom(interceptors.NewFilteringInterceptor(
//			interceptors.NewRoutingKeyFilter(".", "ping.*"), interceptors.SkipWithLog, logger)).
//		Build()
//
//	registry.Use(chain.Middleware())
//
// Built-in interceptors:
//   - LoggingInterceptor: logs message processing with timing information
//   - MetricsInterceptor: reports counts, durations and errors per route
//   - ValidationInterceptor: rejects messages failing a validator
//   - FilteringInterceptor: skips messages by version or routing key
//
// Interceptors run in the order they are added, the route handler last.
package interceptors
