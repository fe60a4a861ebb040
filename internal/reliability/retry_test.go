package reliability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		Attempts:  attempts,
		Delay:     time.Millisecond,
		JitterMin: time.Millisecond,
		JitterMax: 2 * time.Millisecond,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestJitterBackOff(t *testing.T) {
	t.Run("first wait is the delay", func(t *testing.T) {
		b := NewJitterBackOff(5*time.Second, 5*time.Second, 15*time.Second)

		assert.Equal(t, 5*time.Second, b.NextBackOff())
	})

	t.Run("later waits grow by the jitter range", func(t *testing.T) {
		b := NewJitterBackOff(5*time.Second, 5*time.Second, 15*time.Second)

		prev := b.NextBackOff()
		for i := 0; i < 10; i++ {
			next := b.NextBackOff()
			assert.GreaterOrEqual(t, next-prev, 5*time.Second)
			assert.LessOrEqual(t, next-prev, 15*time.Second)
			prev = next
		}
	})

	t.Run("fixed jitter without spread", func(t *testing.T) {
		b := NewJitterBackOff(time.Second, 2*time.Second, time.Second)

		assert.Equal(t, time.Second, b.NextBackOff())
		assert.Equal(t, 3*time.Second, b.NextBackOff())
		assert.Equal(t, 5*time.Second, b.NextBackOff())
	})

	t.Run("Reset starts over", func(t *testing.T) {
		b := NewJitterBackOff(time.Second, time.Second, time.Second)
		b.NextBackOff()
		b.NextBackOff()

		b.Reset()

		assert.Equal(t, time.Second, b.NextBackOff())
	})
}

func TestPolicy(t *testing.T) {
	t.Run("DefaultPolicy uses the default waits", func(t *testing.T) {
		p := DefaultPolicy(3)

		assert.Equal(t, 3, p.Attempts)
		assert.Equal(t, DefaultDelay, p.Delay)
		assert.Equal(t, DefaultJitterMin, p.JitterMin)
		assert.Equal(t, DefaultJitterMax, p.JitterMax)
	})

	t.Run("NewBackOff stops after Attempts-1 retries", func(t *testing.T) {
		b := DefaultPolicy(3).NewBackOff()

		assert.NotEqual(t, backoff.Stop, b.NextBackOff())
		assert.NotEqual(t, backoff.Stop, b.NextBackOff())
		assert.Equal(t, backoff.Stop, b.NextBackOff())
	})

	t.Run("single attempt never waits", func(t *testing.T) {
		b := DefaultPolicy(1).NewBackOff()

		assert.Equal(t, backoff.Stop, b.NextBackOff())
	})
}

func TestDo(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0

		err := Do(context.Background(), fastPolicy(3), "send", func(context.Context) error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries on failure", func(t *testing.T) {
		attempts := 0

		err := Do(context.Background(), fastPolicy(3), "send", func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("single attempt returns the error unwrapped", func(t *testing.T) {
		boom := errors.New("boom")
		attempts := 0

		err := Do(context.Background(), fastPolicy(1), "send", func(context.Context) error {
			attempts++
			return boom
		})

		assert.Equal(t, boom, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("exhausted policy returns RetryError", func(t *testing.T) {
		persistent := errors.New("persistent error")
		attempts := 0

		err := Do(context.Background(), fastPolicy(3), "send", func(context.Context) error {
			attempts++
			return persistent
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.ErrorIs(t, err, persistent)
		assert.Equal(t, "send", retryErr.Op)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, retryErr.MaxAttempts)
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		attempts := 0

		err := Do(context.Background(), fastPolicy(5), "send", func(context.Context) error {
			attempts++
			if attempts == 2 {
				return RetryableError{Err: errors.New("fatal error"), Retryable: false}
			}
			return errors.New("retryable error")
		})

		assert.EqualError(t, err, "fatal error")
		assert.Equal(t, 2, attempts)
	})

	t.Run("uses the policy classifier", func(t *testing.T) {
		p := fastPolicy(5)
		p.Retryable = func(error) bool { return false }
		attempts := 0

		err := Do(context.Background(), p, "send", func(context.Context) error {
			attempts++
			return errors.New("nope")
		})

		assert.EqualError(t, err, "nope")
		assert.Equal(t, 1, attempts)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		p := fastPolicy(5)
		p.Delay = time.Second
		ctx, cancel := context.WithCancel(context.Background())

		var attempts int32
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := Do(ctx, p, "send", func(context.Context) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("error")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	})
}

func TestIsRetryableError(t *testing.T) {
	t.Run("nil error is not retryable", func(t *testing.T) {
		assert.False(t, IsRetryableError(nil))
	})

	t.Run("RetryableError respects Retryable field", func(t *testing.T) {
		assert.True(t, IsRetryableError(RetryableError{Err: errors.New("test"), Retryable: true}))
		assert.False(t, IsRetryableError(RetryableError{Err: errors.New("test"), Retryable: false}))
	})

	t.Run("ErrNonRetryable is not retryable", func(t *testing.T) {
		assert.False(t, IsRetryableError(errors.Join(ErrNonRetryable, errors.New("bad input"))))
	})

	t.Run("unknown errors are retryable by default", func(t *testing.T) {
		assert.True(t, IsRetryableError(errors.New("unknown error")))
	})
}

func TestRetryError(t *testing.T) {
	base := errors.New("channel closed")
	err := &RetryError{Op: "send", Attempts: 2, MaxAttempts: 2, LastError: base, Duration: 1500 * time.Millisecond}

	assert.Equal(t, "retry failed: send after 2/2 attempts over 1.5s: channel closed", err.Error())
	assert.Equal(t, base, errors.Unwrap(err))
}
