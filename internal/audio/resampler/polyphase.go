// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package resampler

import (
	goaudioresampler "github.com/tphakala/go-audio-resampler"
)

// polyphaseResampler wraps github.com/tphakala/go-audio-resampler's
// integer-ratio polyphase filter, used whenever one rate is an exact
// multiple of the other (e.g. 8kHz <-> 16kHz, 8kHz <-> 48kHz). This avoids
// the ringing and extra CPU of windowed-sinc interpolation for the common
// telephony <-> provider rate pairs spec.md §4.2 calls out.
type polyphaseResampler struct {
	fromRate, toRate uint32
	impl             *goaudioresampler.Resampler
}

func newPolyphaseResampler(fromRate, toRate uint32) *polyphaseResampler {
	return &polyphaseResampler{
		fromRate: fromRate,
		toRate:   toRate,
		impl:     goaudioresampler.New(int(fromRate), int(toRate)),
	}
}

func (r *polyphaseResampler) FromRate() uint32 { return r.fromRate }
func (r *polyphaseResampler) ToRate() uint32   { return r.toRate }

func (r *polyphaseResampler) Resample(pcm []int16) []int16 {
	out, err := r.impl.Resample(pcm)
	if err != nil {
		// Polyphase resampling on an integer ratio should never fail;
		// falling back to the sinc path keeps the pipeline running instead
		// of dropping the frame outright.
		return newSincResampler(r.fromRate, r.toRate).Resample(pcm)
	}
	return out
}
