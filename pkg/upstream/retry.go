package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Validate checks the retry configuration.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", c.MaxAttempts)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial_backoff must be positive (got %s)", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max_backoff (%s) must be >= initial_backoff (%s)", c.MaxBackoff, c.InitialBackoff)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be >= 1 (got %v)", c.BackoffMultiplier)
	}
	return nil
}

// nextBackoff grows backoff exponentially, capped at MaxBackoff.
func (c RetryConfig) nextBackoff(backoff time.Duration) time.Duration {
	backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
	if backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}
	return backoff
}

// jitter spreads d by ±20%.
func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + rand.Float64()*0.4))
}

// attemptFunc performs one attempt. A nil error ends the loop; otherwise
// the returned class decides whether another attempt is made.
type attemptFunc func() (ErrorClass, error)

// retryWithBackoff runs fn up to attempts times with jittered exponential
// backoff between attempts. It respects context cancellation.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, attempts int, logger zerolog.Logger, fn attemptFunc) error {
	var (
		lastErr   error
		lastClass ErrorClass
	)
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= attempts; attempt++ {
		class, err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("error_class", string(lastClass)).
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return nil
		}
		lastErr, lastClass = err, class

		if !shouldRetry(class) || attempts == 1 {
			return lastErr
		}
		if attempt >= attempts {
			break
		}

		upstreamRetriesTotal.WithLabelValues(string(class)).Inc()
		wait := jitter(backoff)

		logger.Debug().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().
				Str("error_class", string(class)).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %w", ErrContextCancelled, errors.Join(ctx.Err(), lastErr))
		case <-timer.C:
		}

		backoff = cfg.nextBackoff(backoff)
	}

	upstreamRetryExhaustedTotal.WithLabelValues(string(lastClass)).Inc()
	logger.Warn().
		Str("error_class", string(lastClass)).
		Int("max_attempts", attempts).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempts, lastErr)
}
