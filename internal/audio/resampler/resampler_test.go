// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package resampler

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IdentityWhenRatesMatch(t *testing.T) {
	r := New(16000, 16000)
	pcm := []int16{1, 2, 3, 4}
	assert.Equal(t, pcm, r.Resample(pcm))
}

func TestNew_PicksPolyphaseForIntegerRatios(t *testing.T) {
	r := New(8000, 16000)
	_, ok := r.(*polyphaseResampler)
	assert.True(t, ok, "8000->16000 is a 1:2 ratio and should use the polyphase path")

	r2 := New(48000, 8000)
	_, ok2 := r2.(*polyphaseResampler)
	assert.True(t, ok2, "48000->8000 is a 6:1 ratio and should use the polyphase path")
}

func TestNew_PicksSincForArbitraryRatios(t *testing.T) {
	r := New(44100, 48000)
	_, ok := r.(*sincResampler)
	assert.True(t, ok, "44100->48000 is not an integer ratio and should use the sinc fallback")
}

func sineWave(n int, freqHz, rate float64, amplitude int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(float64(amplitude) * math.Sin(2*math.Pi*freqHz*float64(i)/rate))
	}
	return out
}

func rmsEnergy(pcm []int16) float64 {
	var sumSq float64
	for _, s := range pcm {
		sumSq += float64(s) * float64(s)
	}
	return math.Sqrt(sumSq / float64(len(pcm)))
}

// TestResample_PreservesEnergy is spec.md §8 property test 3: resampling a
// tone up then back down must not materially change its RMS energy.
func TestResample_PreservesEnergy(t *testing.T) {
	const rateLow, rateHigh = 8000, 16000
	tone := sineWave(800, 300, rateLow, 10000)

	up := New(rateLow, rateHigh)
	down := New(rateHigh, rateLow)

	upsampled := up.Resample(tone)
	require.NotEmpty(t, upsampled)
	roundTripped := down.Resample(upsampled)
	require.NotEmpty(t, roundTripped)

	originalEnergy := rmsEnergy(tone)
	roundTrippedEnergy := rmsEnergy(roundTripped)

	ratio := roundTrippedEnergy / originalEnergy
	assert.InDelta(t, 1.0, ratio, 0.15, "round-tripped energy %f should be close to original %f", roundTrippedEnergy, originalEnergy)
}

func TestSincResampler_ArbitraryRatioProducesExpectedLength(t *testing.T) {
	r := newSincResampler(44100, 48000)
	pcm := make([]int16, 4410)
	out := r.Resample(pcm)
	assert.InDelta(t, 4800, len(out), 2)
}

func TestSincResampler_EmptyInput(t *testing.T) {
	r := newSincResampler(44100, 48000)
	assert.Empty(t, r.Resample(nil))
}
