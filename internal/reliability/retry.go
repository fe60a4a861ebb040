package reliability

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults used by DefaultPolicy.
const (
	DefaultDelay     = 5 * time.Second
	DefaultJitterMin = 5 * time.Second
	DefaultJitterMax = 15 * time.Second
)

// JitterBackOff waits Delay before the first retry and then grows the wait
// by a random amount in [JitterMin, JitterMax] after every retry.
type JitterBackOff struct {
	Delay     time.Duration
	JitterMin time.Duration
	JitterMax time.Duration

	current time.Duration
	started bool
}

// NewJitterBackOff creates a JitterBackOff
func NewJitterBackOff(delay, jitterMin, jitterMax time.Duration) *JitterBackOff {
	if jitterMax < jitterMin {
		jitterMax = jitterMin
	}
	return &JitterBackOff{
		Delay:     delay,
		JitterMin: jitterMin,
		JitterMax: jitterMax,
	}
}

// NextBackOff implements backoff.BackOff
func (b *JitterBackOff) NextBackOff() time.Duration {
	if !b.started {
		b.started = true
		b.current = b.Delay
		return b.current
	}
	b.current += b.jitter()
	return b.current
}

// Reset implements backoff.BackOff
func (b *JitterBackOff) Reset() {
	b.started = false
	b.current = 0
}

func (b *JitterBackOff) jitter() time.Duration {
	spread := b.JitterMax - b.JitterMin
	if spread <= 0 {
		return b.JitterMin
	}
	return b.JitterMin + time.Duration(rand.Int64N(int64(spread)+1))
}

// Policy describes how an operation is retried.
type Policy struct {
	// Attempts is the total number of calls, the first one included. One or
	// less disables retrying.
	Attempts  int
	Delay     time.Duration
	JitterMin time.Duration
	JitterMax time.Duration

	// Retryable classifies errors; IsRetryableError is used when nil.
	Retryable func(error) bool

	Logger *slog.Logger
}

// DefaultPolicy returns a policy making attempts calls with the default
// delay and jitter.
func DefaultPolicy(attempts int) Policy {
	return Policy{
		Attempts:  attempts,
		Delay:     DefaultDelay,
		JitterMin: DefaultJitterMin,
		JitterMax: DefaultJitterMax,
	}
}

// NewBackOff builds the backoff.BackOff for the policy, bounded to
// Attempts-1 retries.
func (p Policy) NewBackOff() backoff.BackOff {
	retries := p.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(NewJitterBackOff(p.Delay, p.JitterMin, p.JitterMax), uint64(retries))
}

// Do calls fn until it succeeds, returns a non-retryable error, the policy
// runs out of attempts or ctx is done. With a single attempt the error of fn
// is returned as is; an exhausted policy returns a *RetryError.
func Do(ctx context.Context, p Policy, op string, fn func(context.Context) error) error {
	if p.Attempts <= 1 {
		return fn(ctx)
	}

	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryableError
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	attempts := 0
	var lastErr error

	operation := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn("operation failed, retrying",
			"op", op,
			"attempt", attempts,
			"maxAttempts", p.Attempts,
			"wait", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(p.NewBackOff(), ctx), notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || !retryable(lastErr) {
		return err
	}

	return &RetryError{
		Op:          op,
		Attempts:    attempts,
		MaxAttempts: p.Attempts,
		LastError:   lastErr,
		Duration:    time.Since(start),
	}
}

// IsRetryableError reports whether err is worth retrying. Errors implementing
// IsRetryable() bool decide for themselves; other non-nil errors are
// retryable unless they wrap ErrNonRetryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	return !errors.Is(err, ErrNonRetryable)
}

// RetryableError wraps an error to mark it retryable or not.
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
