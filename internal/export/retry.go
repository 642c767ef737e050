package export

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration // default 2s
	OnRetry    func(attempt int, delay time.Duration, err error)
}

// RetryWithBackoff retries fn with exponential backoff.
// Delays: BaseDelay, BaseDelay*2, BaseDelay*4, ...
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = 2 * time.Second
	}

	attempt := 0
	delay := cfg.BaseDelay

	for {
		err := fn()
		if err == nil {
			return nil
		}

		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, err)
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}

		// Sleep with context awareness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		attempt++
	}
}
