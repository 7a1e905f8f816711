// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCancelToken_CancelIsIdempotent(t *testing.T) {
	tok := NewCancelToken()
	assert.False(t, tok.Cancelled())

	tok.Cancel()
	tok.Cancel()

	assert.True(t, tok.Cancelled())
	select {
	case <-tok.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}
}
