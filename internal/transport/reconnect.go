package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/care/fingerprint/internal/config"
)

// ConnectFunc is a function that attempts to establish a connection
// Returns an error if connection fails
type ConnectFunc func(ctx context.Context) error

// RunWithReconnect calls connectFn until it succeeds, waiting with
// exponential backoff between attempts.
//
// Backoff schedule with the defaults (1s initial, 30s cap, 5 retries):
// 1s, 2s, 4s, 8s, 16s, then give up.
//
// Returns the number of failed attempts, and an error if max retries are
// exceeded or ctx is cancelled.
func RunWithReconnect(ctx context.Context, connectFn ConnectFunc, cfg config.ReconnectConfig) (int, error) {
	failures := 0

	for {
		// Check context before attempting connection
		select {
		case <-ctx.Done():
			return failures, ctx.Err()
		default:
		}

		err := connectFn(ctx)
		if err == nil {
			if failures > 0 {
				slog.Info("broker connection established after retries", "failures", failures)
			}
			return failures, nil
		}

		failures++
		slog.Error("broker connection failed", "error", err, "attempt", failures)

		if failures > cfg.MaxRetries {
			return failures, fmt.Errorf("%w: max retries exceeded (%d attempts): %v", ErrTransport, cfg.MaxRetries, err)
		}

		delay := calculateBackoff(failures, cfg)

		slog.Warn("retrying broker connection",
			"attempt", failures,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return failures, ctx.Err()
		}
	}
}

// calculateBackoff returns InitialDelay * 2^(attempt-1), capped at MaxDelay.
func calculateBackoff(attempt int, cfg config.ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Cap the shift; 2^20 * any sane initial delay is past every cap.
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}

	delay := cfg.InitialDelay * time.Duration(1<<uint(shift))
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}

	return delay
}
