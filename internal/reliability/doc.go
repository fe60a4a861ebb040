// Package reliability retries failed sends.
//
// A Policy bounds the number of attempts and the waits between them. The
// default waits 5s before the first retry and adds 5s to 15s of jitter
// before every later one:
//
//	err := reliability.Do(ctx, reliability.DefaultPolicy(3), "send", func(ctx context.Context) error {
//	    return publisher.Publish(ctx, key, body, props)
//	})
//
// Errors are classified with Policy.Retryable; non-retryable errors stop the
// loop at once and are returned unwrapped.
package reliability
