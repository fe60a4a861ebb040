package reliability

import (
	"errors"
	"fmt"
	"time"
)

// ErrNonRetryable marks an error that must not be retried.
var ErrNonRetryable = errors.New("retry: error is not retryable")

// RetryError represents a retry operation error
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
