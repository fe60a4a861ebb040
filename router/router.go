// Package router maps routing-key patterns to handlers using topic exchange
// semantics: words are split by a delimiter, "*" matches exactly one word and
// "#" matches zero or more words.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sleepingf0x/wrabbit/serialization"
)

// Wildcard words.
const (
	WildcardOne  = "*"
	WildcardMany = "#"
)

var (
	// ErrNoRoute is returned by Dispatch when no registered pattern matches.
	ErrNoRoute = errors.New("router: no route for routing key")

	// ErrInvalidRoute is returned by Add for an empty pattern or nil handler.
	ErrInvalidRoute = errors.New("router: invalid route")
)

// Message is a single delivery as seen by a handler.
type Message struct {
	RoutingKey  string
	Body        any    // Raw after the body codec ran
	Raw         []byte // body as received
	MessageID   string
	SentAt      time.Time
	Version     string
	Headers     map[string]any
	Redelivered bool
	DeliveryTag uint64
}

// Handler processes a routed message.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, msg *Message) error

// Handle implements Handler
func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Middleware wraps the handler of a matched route. Middlewares run in the
// order they were added and must call next to continue the chain.
type Middleware func(ctx context.Context, msg *Message, next Handler) error

// HandlerError reports a handler that failed or panicked.
type HandlerError struct {
	Route      string
	RoutingKey string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("router: handler for %q failed on %q: %v", e.Route, e.RoutingKey, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Route binds a pattern to a handler. Routes are immutable once added.
type Route struct {
	Name    string
	Pattern string
	Handler Handler
	words   []string
}

// RouteOption configures a route at registration.
type RouteOption func(*Route)

// WithName sets the name used for the route in logs.
func WithName(name string) RouteOption {
	return func(r *Route) {
		r.Name = name
	}
}

// Registry holds routes in registration order.
type Registry struct {
	routes     []*Route
	delimiter  string
	codec      serialization.Codec
	middleware []Middleware
	logger     *slog.Logger
	mu         sync.RWMutex
}

// Option configures the Registry
type Option func(*Registry)

// WithDelimiter sets the word delimiter; the default is ".".
func WithDelimiter(delimiter string) Option {
	return func(r *Registry) {
		r.delimiter = delimiter
	}
}

// WithCodec sets the codec applied to bodies before dispatch.
func WithCodec(codec serialization.Codec) Option {
	return func(r *Registry) {
		r.codec = serialization.OrIdentity(codec)
	}
}

// WithMiddleware appends middlewares to the dispatch chain.
func WithMiddleware(middleware ...Middleware) Option {
	return func(r *Registry) {
		r.middleware = append(r.middleware, middleware...)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New creates an empty registry.
func New(options ...Option) *Registry {
	r := &Registry{
		delimiter: ".",
		codec:     serialization.Identity{},
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Add registers handler for pattern. Duplicate patterns are kept; the first
// matching route always wins.
func (r *Registry) Add(pattern string, handler Handler, options ...RouteOption) error {
	if pattern == "" {
		return fmt.Errorf("%w: pattern cannot be empty", ErrInvalidRoute)
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrInvalidRoute)
	}

	route := &Route{
		Name:    pattern,
		Pattern: pattern,
		Handler: handler,
	}
	for _, opt := range options {
		opt(route)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	route.words = splitWords(pattern, r.delimiter)
	r.routes = append(r.routes, route)

	r.logger.Debug("registered route", "pattern", pattern, "name", route.Name)
	return nil
}

// AddFunc registers a function as a handler
func (r *Registry) AddFunc(pattern string, fn HandlerFunc, options ...RouteOption) error {
	if fn == nil {
		return fmt.Errorf("%w: handler cannot be nil", ErrInvalidRoute)
	}
	return r.Add(pattern, fn, options...)
}

// SetCodec replaces the body codec. A nil codec restores Identity.
func (r *Registry) SetCodec(codec serialization.Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codec = serialization.OrIdentity(codec)
}

// Use appends middlewares to the dispatch chain.
func (r *Registry) Use(middleware ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, middleware...)
}

// Delimiter returns the word delimiter.
func (r *Registry) Delimiter() string {
	return r.delimiter
}

// Len returns the number of registered routes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

// Patterns returns the distinct registered patterns in registration order.
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.routes))
	patterns := make([]string, 0, len(r.routes))
	for _, route := range r.routes {
		if _, ok := seen[route.Pattern]; ok {
			continue
		}
		seen[route.Pattern] = struct{}{}
		patterns = append(patterns, route.Pattern)
	}
	return patterns
}

// Match returns the first route whose pattern matches key.
func (r *Registry) Match(key string) (*Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keyWords := splitWords(key, r.delimiter)
	for _, route := range r.routes {
		if matchWords(route.words, keyWords) {
			return route, true
		}
	}
	return nil, false
}

// Dispatch hands msg to the first matching route through the middleware
// chain, decoding msg.Raw into msg.Body just before the handler runs.
// Middlewares see decode failures like any other error. Handler errors and
// panics are logged and returned as *HandlerError; they never propagate as
// panics.
func (r *Registry) Dispatch(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}

	route, ok := r.Match(msg.RoutingKey)
	if !ok {
		r.logger.Warn("no route for routing key", "routingKey", msg.RoutingKey)
		return fmt.Errorf("%w: %s", ErrNoRoute, msg.RoutingKey)
	}

	r.mu.RLock()
	codec := r.codec
	middleware := make([]Middleware, len(r.middleware))
	copy(middleware, r.middleware)
	r.mu.RUnlock()

	var decodeErr error
	decodeAndHandle := HandlerFunc(func(ctx context.Context, msg *Message) error {
		body, err := codec.Decode(msg.Raw)
		if err != nil {
			var serr *serialization.SerializationError
			if !errors.As(err, &serr) {
				err = &serialization.SerializationError{Op: "decode", Err: err}
			}
			decodeErr = err
			return err
		}
		msg.Body = body
		return route.Handler.Handle(ctx, msg)
	})

	ctx = context.WithValue(ctx, routeKey{}, route)
	handler := buildChain(decodeAndHandle, middleware)
	if err := invoke(ctx, handler, msg); err != nil {
		if decodeErr != nil {
			r.logger.Error("failed to decode message body",
				"routingKey", msg.RoutingKey,
				"route", route.Name,
				"error", decodeErr,
			)
			return decodeErr
		}
		r.logger.Error("handler failed",
			"routingKey", msg.RoutingKey,
			"route", route.Name,
			"messageId", msg.MessageID,
			"error", err,
		)
		return &HandlerError{Route: route.Name, RoutingKey: msg.RoutingKey, Err: err}
	}

	r.logger.Debug("message dispatched", "routingKey", msg.RoutingKey, "route", route.Name)
	return nil
}

type routeKey struct{}

// RouteFromContext returns the route a message is being dispatched to.
func RouteFromContext(ctx context.Context) (*Route, bool) {
	route, ok := ctx.Value(routeKey{}).(*Route)
	return route, ok
}

// Matches reports whether key matches pattern under topic semantics.
func Matches(pattern, key, delimiter string) bool {
	return matchWords(splitWords(pattern, delimiter), splitWords(key, delimiter))
}

// splitWords splits a key into words. The empty key has no words, as on the
// broker, so "*" does not match it and "#" does.
func splitWords(s, delimiter string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, delimiter)
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case WildcardMany:
		if len(pattern) == 1 {
			return true
		}
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case WildcardOne:
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

func buildChain(handler Handler, middleware []Middleware) Handler {
	result := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		mw := middleware[i]
		next := result
		result = HandlerFunc(func(ctx context.Context, msg *Message) error {
			return mw(ctx, msg, next)
		})
	}
	return result
}

func invoke(ctx context.Context, handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return handler.Handle(ctx, msg)
}
