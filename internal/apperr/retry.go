package apperr

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls Retry. Zero fields take the defaults.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultRetryPolicy is three attempts with full-jitter backoff from 200ms capped at 5s.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Base: 200 * time.Millisecond, Max: 5 * time.Second}

// Retry runs fn until it succeeds, returns a non-transient error, the attempts are exhausted,
// or ctx is done. The last error is returned unchanged so its kind escalates to the caller.
func Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	return DefaultRetryPolicy.Do(ctx, fn)
}

// Do is Retry with an explicit policy.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Base <= 0 {
		p.Base = DefaultRetryPolicy.Base
	}
	if p.Max <= 0 {
		p.Max = DefaultRetryPolicy.Max
	}

	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !Is(err, KindTransient) {
			return err
		}
		if attempt == p.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return Wrap(KindDeadline, "retry", ctx.Err())
		case <-time.After(p.backoff(attempt)):
		}
	}
	return err
}

// backoff returns a full-jitter delay in [0, min(Max, Base*2^attempt)).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	ceiling := p.Base << attempt
	if ceiling <= 0 || ceiling > p.Max {
		ceiling = p.Max
	}
	return time.Duration(rand.Int64N(int64(ceiling)) + 1)
}
