package ton

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/blackmirrow/market/internal/metrics"
	"github.com/blackmirrow/market/internal/models"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn up to attempts times with exponential backoff. Exhausting
// the attempts yields models.ErrNetworkTimeout wrapping the last error.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v (last error: %v)", models.ErrNetworkTimeout, ctx.Err(), last)
			case <-time.After(backoff << (i - 1)):
			}
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		last = err
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %d attempts: %v", models.ErrNetworkTimeout, attempts, last)
}

// RPC bounds every chain call with a rate limit, a per-attempt timeout and retries.
type RPC struct {
	limiter  *rate.Limiter
	attempts int
	timeout  time.Duration
	backoff  time.Duration
}

func NewRPC(perSecond float64, attempts int, timeout time.Duration) *RPC {
	return &RPC{
		limiter:  rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1),
		attempts: attempts,
		timeout:  timeout,
		backoff:  300 * time.Millisecond,
	}
}

// Do runs fn under the limiter and retry policy.
func (r *RPC) Do(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	err := Retry(ctx, r.attempts, r.backoff, func(ctx context.Context) error {
		if err := r.limiter.Wait(ctx); err != nil {
			return Permanent(fmt.Errorf("%w: %v", models.ErrNetworkTimeout, err))
		}
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return fn(callCtx)
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.TonRPCCalls.WithLabelValues(method, result).Inc()
	return err
}
