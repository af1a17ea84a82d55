package agent

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
)

type RetryOptions struct {
	MaxRetries int
	BackoffMs  int
}

// RetryWithBackoff calls fn up to MaxRetries+1 times, but only while
// failures classify as rate_limit. Delay doubles per attempt from the
// base backoff. Any other failure causes exactly one call.
func RetryWithBackoff(ctx context.Context, fn func() error, opts RetryOptions) error {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffMs <= 0 {
		opts.BackoffMs = 1000
	}

	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(uint(opts.MaxRetries)+1),
		retry.Delay(time.Duration(opts.BackoffMs)*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ClassifyError(err) == ErrKindRateLimit
		}),
		retry.OnRetry(func(attempt uint, err error) {
			log.Warn().
				Uint("attempt", attempt).
				Err(err).
				Msg("reviewer rate limited, backing off")
		}),
	)
}
