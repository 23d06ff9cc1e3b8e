// Package resilience provides fault tolerance patterns
package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/lecternhq/lectern/internal/xerrors"
)

// Retry configuration constants
const (
	DefaultMaxAttempts  = 4
	DefaultBaseDelay    = 500 * time.Millisecond
	DefaultMaxDelay     = 10 * time.Second
	DefaultJitterFactor = 0.2 // 20% jitter

	// Blob-upload budget: small, fixed, predictable
	UploadMaxAttempts = 3
)

// UploadDelays is the fixed sleep schedule between blob-upload attempts.
// Attempts past the end of the table reuse the last entry.
var UploadDelays = []time.Duration{1 * time.Second, 3 * time.Second, 9 * time.Second}

// RetryConfig holds retry settings.
type RetryConfig struct {
	MaxAttempts  int
	Delays       []time.Duration // fixed schedule; overrides exponential backoff when set
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	IsRetryable  func(error) bool
}

// DefaultRetryConfig returns exponential-backoff settings for remote calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
		IsRetryable:  xerrors.IsRetryable,
	}
}

// UploadRetryConfig returns the fixed-schedule settings for blob uploads.
func UploadRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: UploadMaxAttempts,
		Delays:      UploadDelays,
		IsRetryable: xerrors.IsRetryable,
	}
}

// Retry executes fn until it succeeds, a non-retryable error occurs, or the
// attempt budget is exhausted. Returns the last error.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}

		if !cfg.IsRetryable(lastErr) || attempt == cfg.MaxAttempts {
			return lastErr
		}

		delay := cfg.delayFor(attempt)
		slog.Debug("retrying after error", "attempt", attempt, "max", cfg.MaxAttempts, "delay", delay, "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// delayFor picks the sleep after a failed attempt. A fixed schedule is
// clamped to its last entry; otherwise exponential backoff with jitter.
func (c RetryConfig) delayFor(attempt int) time.Duration {
	if len(c.Delays) > 0 {
		return c.Delays[min(attempt-1, len(c.Delays)-1)]
	}
	delay := c.BaseDelay << min(attempt-1, 6) // Cap shift to prevent overflow
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	// Add jitter: delay * (1 ± jitterFactor/2)
	jitter := float64(delay) * c.JitterFactor * (rand.Float64() - 0.5)
	return time.Duration(float64(delay) + jitter)
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if len(c.Delays) == 0 {
		if c.BaseDelay <= 0 {
			c.BaseDelay = DefaultBaseDelay
		}
		if c.MaxDelay <= 0 {
			c.MaxDelay = DefaultMaxDelay
		}
		if c.JitterFactor <= 0 {
			c.JitterFactor = DefaultJitterFactor
		}
	}
	if c.IsRetryable == nil {
		c.IsRetryable = xerrors.IsRetryable
	}
	return c
}
