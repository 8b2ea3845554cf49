package retry

import (
	"context"
	"math/rand"
	"time"
)

// Do runs fn up to attempts times, sleeping base, 2*base, 4*base... between
// tries with up to 25% jitter. retryable decides whether an error is worth
// another attempt; a nil retryable retries everything.
func Do(ctx context.Context, attempts int, base time.Duration, retryable func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		delay := base << uint(i)
		delay += time.Duration(rand.Int63n(int64(delay)/4 + 1))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
