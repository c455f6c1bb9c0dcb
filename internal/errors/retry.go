package errors

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-ohlcv-history/internal/config"
)

const (
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMultiplier   = 2.0
)

// RetryHook is called before every retry with the attempt that just failed and the
// delay until the next one.
type RetryHook func(component, operation string, attempt int, delay time.Duration, err error)

// Retrier executes operations with bounded exponential backoff.
type Retrier struct {
	policy config.RetryPolicyConfig
	logger *slog.Logger
	hooks  []RetryHook
}

// NewRetrier creates a retrier for the given policy.
func NewRetrier(policy config.RetryPolicyConfig, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Retrier{policy: policy, logger: logger}
}

// OnRetry registers a hook invoked on every retry.
func (r *Retrier) OnRetry(hook RetryHook) *Retrier {
	r.hooks = append(r.hooks, hook)
	return r
}

// MaxAttempts returns the total number of attempts an operation gets.
func (r *Retrier) MaxAttempts() int {
	return r.policy.MaxAttempts
}

// Do runs fn until it succeeds, returns a non-retryable error, the context is done or
// the attempts are exhausted. The returned error is a ClassifiedError recording the
// attempt count and wrapping the last failure.
func (r *Retrier) Do(ctx context.Context, component, operation string, fn func(ctx context.Context) error) error {
	attempts := 0
	op := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		r.logger.Warn("operation failed, retrying",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", r.policy.MaxAttempts,
			"delay", delay,
			"error", err)
		for _, hook := range r.hooks {
			hook(component, operation, attempts, delay, err)
		}
	}

	err := backoff.RetryNotify(op, r.newBackOff(ctx), notify)
	if err == nil {
		if attempts > 1 {
			r.logger.Info("operation succeeded after retry",
				"component", component,
				"operation", operation,
				"attempts", attempts)
		}
		return nil
	}

	ce := Classify(err, component, operation)
	ce.Attempts = attempts
	if ce.Retryable {
		r.logger.Error("operation failed after all retries",
			"component", component,
			"operation", operation,
			"attempts", attempts,
			"error", err)
	}
	return ce
}

func (r *Retrier) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = parseDuration(r.policy.InitialDelay, defaultInitialDelay)
	exp.MaxInterval = parseDuration(r.policy.MaxDelay, defaultMaxDelay)
	exp.Multiplier = defaultMultiplier
	if r.policy.Multiplier > 1 {
		exp.Multiplier = r.policy.Multiplier
	}
	if !r.policy.Jitter {
		exp.RandomizationFactor = 0
	}
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.policy.MaxAttempts-1)), ctx)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
