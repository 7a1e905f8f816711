// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWithRetry_SucceedsOnThirdAttempt is spec.md §8 scenario 6: a provider
// that fails twice then succeeds must be retried with 100/200ms waits and
// the third attempt's result used.
func TestWithRetry_SucceedsOnThirdAttempt(t *testing.T) {
	attempts := 0
	start := time.Now()

	err := WithRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("provider unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestWithRetry_ExhaustsAfterMaxAttempts(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), func() error {
		attempts++
		return errors.New("still down")
	})

	assert.ErrorIs(t, err, ErrProviderExhausted)
	assert.Equal(t, retryMaxAttempts, attempts)
}

func TestWithRetry_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := WithRetry(ctx, func() error {
		attempts++
		return errors.New("down")
	})

	// The first attempt always runs (no pre-wait); cancellation is only
	// observed before a retry's backoff sleep.
	assert.Equal(t, 1, attempts)
	assert.Error(t, err)
}
