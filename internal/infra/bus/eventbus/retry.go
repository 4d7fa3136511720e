package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/aarbus/internal/domain/schema"
)

// RetryPolicy bounds how often a handler wrapped with Retry is re-run.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = 100 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 5 * time.Second
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry re-runs handler with exponential backoff until it succeeds, returns a Permanent
// error, the attempts are spent or ctx is done. The bus sees only the final outcome.
func Retry(handler Handler, policy RetryPolicy) Handler {
	policy = policy.normalize()
	return func(ctx context.Context, evt *schema.Event) error {
		backoffCfg := backoff.NewExponentialBackOff()
		backoffCfg.InitialInterval = policy.InitialInterval
		backoffCfg.MaxInterval = policy.MaxInterval
		backoffCfg.Reset()

		var err error
		for attempt := 1; ; attempt++ {
			err = handler(ctx, evt)
			if err == nil {
				return nil
			}
			var permanent *permanentError
			if errors.As(err, &permanent) {
				return permanent.err
			}
			if attempt >= policy.MaxAttempts {
				return fmt.Errorf("after %d attempts: %w", attempt, err)
			}
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = policy.MaxInterval
			}
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled: %w", errors.Join(err, ctx.Err()))
			case <-timer.C:
			}
		}
	}
}
