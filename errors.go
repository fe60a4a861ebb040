package wrabbit

import (
	"errors"

	"github.com/sleepingf0x/wrabbit/config"
	"github.com/sleepingf0x/wrabbit/internal/rabbitmq"
	"github.com/sleepingf0x/wrabbit/router"
	"github.com/sleepingf0x/wrabbit/serialization"
)

var (
	ErrNotInitialized     = errors.New("wrabbit: InitApp has not been called")
	ErrAlreadyInitialized = errors.New("wrabbit: InitApp already called")
	ErrNoHandlers         = errors.New("wrabbit: no handlers registered")

	ErrNoRoute       = router.ErrNoRoute
	ErrChannelClosed = rabbitmq.ErrChannelClosed
	ErrNotConnected  = rabbitmq.ErrNotConnected
	ErrClosed        = rabbitmq.ErrManagerClosed
)

// Error kinds, checked with errors.As.
type (
	MissingConfigError = config.MissingConfigError
	ConnectionError    = rabbitmq.ConnectionError
	DeclarationError   = rabbitmq.DeclarationError
	PublishError       = rabbitmq.PublishError
	ConsumerError      = rabbitmq.ConsumerError
	SerializationError = serialization.SerializationError
	HandlerError       = router.HandlerError
)

func isSendRetryable(err error) bool {
	var serr *SerializationError
	if errors.As(err, &serr) || errors.Is(err, ErrNotInitialized) {
		return false
	}
	return rabbitmq.IsRetryable(err)
}
