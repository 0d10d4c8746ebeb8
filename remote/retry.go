package remote

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/Keksclan/goRawrCache/cacheerr"
)

// RetryConfig controls WithRetry.
type RetryConfig struct {
	// MaxAttempts is the maximum number of calls including the first.
	// Values <= 1 mean no retries.
	MaxAttempts int `yaml:"maxAttempts"`

	// BaseDelay is the delay before the first retry; later retries double it.
	BaseDelay time.Duration `yaml:"baseDelay"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `yaml:"maxDelay"`

	// Jitter adds up to ±Jitter fraction of the delay. Zero disables it.
	Jitter float64 `yaml:"jitter"`

	// RetryMutations allows retrying create, update and remove. Only enable
	// it for sources whose mutations are idempotent.
	RetryMutations bool `yaml:"retryMutations"`
}

// WithRetry retries calls that fail with a retryable error, using
// exponential back-off with jitter. Non-retryable errors (not found,
// validation) are returned at once.
func WithRetry(cfg RetryConfig) Middleware {
	return func(next Source) Source {
		return Guarded(next, func(ctx context.Context, op string, call func(context.Context) error) error {
			attempts := max(cfg.MaxAttempts, 1)
			if !cfg.RetryMutations && op != OpRead && op != OpQuery {
				attempts = 1
			}

			var err error
			for i := range attempts {
				err = call(ctx)
				if err == nil {
					return nil
				}
				if i == attempts-1 || !cacheerr.IsRetryable(Classify(op, err)) {
					return err
				}

				timer := time.NewTimer(backoff(cfg, i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return &cacheerr.RemoteUnavailableError{Op: op, Err: ctx.Err()}
				case <-timer.C:
				}
			}
			return err
		})
	}
}

// backoff returns the delay after the given attempt (0-indexed).
func backoff(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if limit := float64(cfg.MaxDelay); limit > 0 && delay > limit {
		delay = limit
	}
	if cfg.Jitter > 0 {
		delay += delay * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
