package dispatch

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/seantiz/bptl/internal/camunda"
)

// RetryPolicy computes the delay the engine waits before re-offering a task
// after a failed attempt: Initial * Multiplier^(attempt-1), capped at Max.
type RetryPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:    30 * time.Second,
		Multiplier: 2,
		Max:        30 * time.Minute,
	}
}

// Delay returns the retry timeout for the given 1-based attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial) * math.Pow(mult, float64(max(attempt, 1)-1))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// CallPolicy bounds the retries of a single engine call.
type CallPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultCallPolicy returns the engine call retry budget used when none is
// configured.
func DefaultCallPolicy() CallPolicy {
	return CallPolicy{
		Attempts: 5,
		Initial:  500 * time.Millisecond,
		Max:      10 * time.Second,
	}
}

func (p CallPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.MaxElapsedTime = 0

	attempts := max(p.Attempts, 1)
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// callEngine runs fn, retrying transport failures within the call budget.
// Lock ownership errors and rejected requests are returned at once.
func (o *Orchestrator) callEngine(ctx context.Context, op, taskID string, fn func(ctx context.Context) error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !camunda.IsTransport(err) {
			return backoff.Permanent(err)
		}
		o.logger.Warn("engine call failed",
			slog.String("operation", op),
			slog.String("task_id", taskID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		return err
	}, o.cfg.Calls.backOff(ctx))
}
