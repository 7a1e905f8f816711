// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package resampler converts linear PCM between arbitrary sample rates, so
// the track graph can bridge a telephony leg's native rate (e.g. 8kHz
// G.711) and a provider's required rate (e.g. 16kHz ASR, 24kHz TTS) without
// either endpoint knowing about the other's format. Mirrors the role of
// internal/audio/resampler.GetResampler in the teacher's telephony base
// (internal/channel/telephony/internal/base.base.go), generalized from a
// fixed 8kHz<->16kHz bridge to arbitrary rate pairs.
package resampler

import "math"

// Resampler converts PCM sampled at one rate to PCM sampled at another. A
// single instance is reused across calls at a fixed rate pair — the caller
// constructs one per track-graph edge at connect time (spec.md §4.3).
type Resampler interface {
	Resample(pcm []int16) []int16
	FromRate() uint32
	ToRate() uint32
}

// New builds a Resampler for the given rate pair. When toRate divides or is
// divided evenly by fromRate, a github.com/tphakala/go-audio-resampler
// polyphase path is used (cheap, no ringing); otherwise windowed-sinc
// interpolation handles the arbitrary ratio. Returns an identity resampler
// when the rates already match.
func New(fromRate, toRate uint32) Resampler {
	if fromRate == toRate {
		return identityResampler{rate: fromRate}
	}
	if isIntegerRatio(fromRate, toRate) {
		return newPolyphaseResampler(fromRate, toRate)
	}
	return newSincResampler(fromRate, toRate)
}

func isIntegerRatio(a, b uint32) bool {
	if a == 0 || b == 0 {
		return false
	}
	if a > b {
		return a%b == 0
	}
	return b%a == 0
}

type identityResampler struct{ rate uint32 }

func (r identityResampler) Resample(pcm []int16) []int16 { return pcm }
func (r identityResampler) FromRate() uint32              { return r.rate }
func (r identityResampler) ToRate() uint32                { return r.rate }

// sincResampler implements windowed-sinc resampling for rate pairs whose
// ratio isn't a small integer (e.g. 44100 -> 48000). Used as the fallback
// path when go-audio-resampler's polyphase filter doesn't apply.
type sincResampler struct {
	fromRate, toRate uint32
	ratio            float64
	windowHalfWidth  int
}

const sincWindowHalfWidth = 8

func newSincResampler(fromRate, toRate uint32) *sincResampler {
	return &sincResampler{
		fromRate:        fromRate,
		toRate:          toRate,
		ratio:           float64(fromRate) / float64(toRate),
		windowHalfWidth: sincWindowHalfWidth,
	}
}

func (r *sincResampler) FromRate() uint32 { return r.fromRate }
func (r *sincResampler) ToRate() uint32   { return r.toRate }

func (r *sincResampler) Resample(pcm []int16) []int16 {
	if len(pcm) == 0 {
		return nil
	}
	outLen := int(math.Round(float64(len(pcm)) / r.ratio))
	out := make([]int16, outLen)

	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * r.ratio
		center := int(math.Floor(srcPos))
		var acc float64
		for k := center - r.windowHalfWidth + 1; k <= center+r.windowHalfWidth; k++ {
			if k < 0 || k >= len(pcm) {
				continue
			}
			x := srcPos - float64(k)
			acc += float64(pcm[k]) * sincWindowed(x, r.windowHalfWidth)
		}
		out[i] = clampInt16(acc)
	}
	return out
}

// sincWindowed is a normalized sinc windowed by a Hann taper, zero outside
// +/- width samples.
func sincWindowed(x float64, width int) float64 {
	if x == 0 {
		return 1
	}
	ax := math.Abs(x)
	if ax >= float64(width) {
		return 0
	}
	sinc := math.Sin(math.Pi*x) / (math.Pi * x)
	window := 0.5 * (1 + math.Cos(math.Pi*x/float64(width)))
	return sinc * window
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
