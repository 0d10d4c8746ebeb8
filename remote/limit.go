package remote

import (
	"context"
	"time"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"golang.org/x/time/rate"
)

// WithRateLimit paces calls through a token bucket permitting rps calls per
// second with the given burst. Calls wait for a token; a context that ends
// first yields a RemoteUnavailableError.
func WithRateLimit(rps float64, burst int) Middleware {
	lim := rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	return func(next Source) Source {
		return Guarded(next, func(ctx context.Context, op string, call func(context.Context) error) error {
			if err := lim.Wait(ctx); err != nil {
				return &cacheerr.RemoteUnavailableError{Op: op, Err: err}
			}
			return call(ctx)
		})
	}
}

// WithTimeout bounds every call with d.
func WithTimeout(d time.Duration) Middleware {
	return func(next Source) Source {
		if d <= 0 {
			return next
		}
		return Guarded(next, func(ctx context.Context, _ string, call func(context.Context) error) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return call(ctx)
		})
	}
}
