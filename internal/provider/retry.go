// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package provider

import (
	"context"
	"errors"
	"time"
)

// Retry policy constants from spec.md §7's ProviderUnavailable row: 100ms
// base, doubling, capped at 2s, at most 3 attempts per turn.
const (
	retryBaseDelay = 100 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
	retryMaxAttempts = 3
)

// ErrProviderExhausted is returned by WithRetry when every attempt failed.
var ErrProviderExhausted = errors.New("provider: retries exhausted")

// WithRetry runs fn up to retryMaxAttempts times with exponential backoff,
// stopping early if ctx is cancelled. On final failure the caller is
// expected to synthesize the fixed apology phrase and continue, per
// spec.md §7 — WithRetry itself only reports exhaustion.
func WithRetry(ctx context.Context, fn func() error) error {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
	}
	return errors.Join(ErrProviderExhausted, lastErr)
}
