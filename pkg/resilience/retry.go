// Package resilience provides the bounded retry loop and the session token
// pool used against the upstream.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/abdhe/dreamina-proxy/pkg/apierror"
)

// RetryConfig holds configuration for the fixed-delay retry loop.
type RetryConfig struct {
	MaxRetries int           // Additional attempts after the first one
	Delay      time.Duration // Fixed wait between attempts

	// OnRetry, if set, is called before each wait with the attempt that
	// just failed (0-based) and its error.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig matches the upstream client defaults: three retries,
// five seconds apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Delay:      5 * time.Second,
	}
}

// RetryableFunc is one attempt. attempt is 0 for the first call.
type RetryableFunc func(ctx context.Context, attempt int) error

// Retry runs fn up to cfg.MaxRetries+1 times, repeating only errors
// classified as transient by apierror.
func Retry(ctx context.Context, cfg RetryConfig, fn RetryableFunc) error {
	return RetryIf(ctx, cfg, apierror.IsRetryable, fn)
}

// RetryIf is Retry with a caller supplied retryability test.
// It respects context cancellation before every attempt and during waits.
func RetryIf(ctx context.Context, cfg RetryConfig, retryable func(error) bool, fn RetryableFunc) error {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("retry: context cancelled after %d attempts: %w", attempt, lastErr)
			}
			return fmt.Errorf("retry: context cancelled: %w", ctx.Err())
		default:
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		// Don't sleep after the last attempt
		if attempt == cfg.MaxRetries {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}
		if err := Sleep(ctx, cfg.Delay); err != nil {
			return fmt.Errorf("retry: context cancelled during backoff: %w", lastErr)
		}
	}

	return fmt.Errorf("retry: max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
