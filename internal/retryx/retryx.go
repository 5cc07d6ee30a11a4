// Package retryx is the single retry-with-backoff utility shared by the
// publish poller and the feed session adapter. Callers classify errors via
// RetryIf; everything else is terminal and surfaces immediately.
package retryx

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

type Policy struct {
	// InitialDelay is the first backoff delay; it doubles up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// Jitter is a fractional jitter factor (e.g. 0.1 for 10%).
	Jitter float64

	// RetryIf reports whether an error is transient. nil retries any error.
	RetryIf func(err error) bool
}

func build[T any](p Policy) retrypolicy.RetryPolicy[T] {
	builder := retrypolicy.NewBuilder[T]()
	if p.InitialDelay > 0 {
		max := p.MaxDelay
		if max < p.InitialDelay {
			max = p.InitialDelay
		}
		builder = builder.WithBackoff(p.InitialDelay, max)
	}
	if p.MaxRetries > 0 {
		builder = builder.WithMaxRetries(p.MaxRetries)
	}
	if p.Jitter > 0 {
		builder = builder.WithJitterFactor(p.Jitter)
	}
	if p.RetryIf != nil {
		builder = builder.HandleIf(func(_ T, err error) bool {
			return err != nil && p.RetryIf(err)
		})
	}
	return builder.Build()
}

// Get runs fn under the policy and returns its last result.
// Cancellation of ctx stops further attempts.
func Get[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	return failsafe.With(build[T](p)).WithContext(ctx).Get(fn)
}

// Run is Get for operations without a result.
func Run(ctx context.Context, p Policy, fn func() error) error {
	_, err := Get(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
