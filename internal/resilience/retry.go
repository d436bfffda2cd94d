package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// RetryConfig is the backoff budget for one collaborator. Different
// collaborators carry different budgets, so this is configuration rather
// than a constant.
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxElapsed     time.Duration
	JitterFraction float64
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		MaxElapsed:     time.Minute,
		JitterFraction: 0.1,
	}
}

// Do runs fn, retrying errors Retryable classifies as transient with
// exponential backoff and jitter. Terminal errors propagate immediately.
// When the budget is exhausted the last error is returned tagged retryable,
// so the caller still records the event as redeliverable.
func Do(ctx context.Context, name string, cfg RetryConfig, fn func(ctx context.Context) error) error {
	defaults := defaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = defaults.MaxElapsed
	}
	if cfg.JitterFraction <= 0 {
		cfg.JitterFraction = defaults.JitterFraction
	}

	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				slog.InfoContext(ctx, "operation succeeded after retry", "operation", name, "attempt", attempt)
			}
			return nil
		}

		if !Retryable(lastErr) {
			return lastErr
		}

		if attempt == cfg.MaxAttempts {
			break
		}
		if time.Since(start) >= cfg.MaxElapsed {
			slog.WarnContext(ctx, "retry budget elapsed", "operation", name, "attempt", attempt, "elapsed", time.Since(start))
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := computeDelay(attempt, cfg)
		slog.WarnContext(ctx, "operation failed, retrying", "operation", name, "attempt", attempt, "max_attempts", cfg.MaxAttempts, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return MarkRetryable(fmt.Errorf("%s: retries exhausted: %w", name, lastErr))
}

func computeDelay(attempt int, cfg RetryConfig) time.Duration {
	backoff := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	jitter := backoff * cfg.JitterFraction * (2*rand.Float64() - 1)
	backoff += jitter
	if backoff > float64(cfg.MaxDelay) {
		backoff = float64(cfg.MaxDelay)
	}
	if backoff < 0 {
		backoff = float64(cfg.BaseDelay)
	}
	return time.Duration(backoff)
}
