package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")
	ErrManagerClosed      = errors.New("rabbitmq: connection manager is closed")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")

	// Consumer errors
	ErrAlreadyConsuming = errors.New("rabbitmq: already consuming")
	ErrDeliveriesClosed = errors.New("rabbitmq: delivery channel closed")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// DeclarationError represents a failed exchange, queue or binding declaration,
// typically a type or durability mismatch with an existing entity.
type DeclarationError struct {
	Component string    // exchange, queue or binding
	Name      string    // Component name
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *DeclarationError) Error() string {
	return fmt.Sprintf("rabbitmq declaration error: failed to declare %s '%s': %v",
		e.Component, e.Name, e.Err)
}

func (e *DeclarationError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether repeating the operation could succeed.
// Declaration and configuration errors never heal on their own.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, ErrManagerClosed):
		return false
	}

	var declErr *DeclarationError
	if errors.As(err, &declErr) {
		return false
	}

	return true
}

// SanitizeURL drops the password from a connection URL.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
