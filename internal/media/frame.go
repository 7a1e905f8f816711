// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package media defines the wire-independent audio types shared by the
// track graph, RTP endpoint, and event bus: the frame and sample types
// originally named in original_source/src/lib.rs (TrackId, Sample, PcmBuf,
// Samples, AudioFrame), translated into idiomatic Go value types.
package media

// TrackID uniquely identifies a track within a session.
type TrackID string

// Sample is one linear PCM sample.
type Sample = int16

// PcmBuf is interleaved-if-multichannel linear PCM.
type PcmBuf = []int16

// SamplesKind tags which shape a Samples value carries.
type SamplesKind int

const (
	// SamplesPCM carries decoded linear PCM.
	SamplesPCM SamplesKind = iota
	// SamplesRTP carries an as-received RTP payload, not yet decoded.
	SamplesRTP
	// SamplesEmpty is a clock-advancing placeholder carrying no audio.
	SamplesEmpty
)

// Samples is a tagged union of the three frame payload shapes a track can
// carry: decoded PCM, raw RTP awaiting decode, or a silent clock tick.
// Exactly one of PCM/RTP is meaningful, selected by Kind.
type Samples struct {
	Kind SamplesKind

	PCM PcmBuf

	RTPSequenceNumber uint16
	RTPPayloadType    uint8
	RTPPayload        []byte
}

// PCMSamples wraps decoded linear PCM as a Samples value.
func PCMSamples(pcm PcmBuf) Samples {
	return Samples{Kind: SamplesPCM, PCM: pcm}
}

// RTPSamples wraps an as-received RTP payload as a Samples value.
func RTPSamples(seq uint16, pt uint8, payload []byte) Samples {
	return Samples{Kind: SamplesRTP, RTPSequenceNumber: seq, RTPPayloadType: pt, RTPPayload: payload}
}

// EmptySamples is the clock-advancing placeholder used for silence
// suppression or buffer underrun (spec.md §3).
func EmptySamples() Samples {
	return Samples{Kind: SamplesEmpty}
}

// AudioFrame is the unit of exchange on every track. Immutable once
// produced: components that transform a frame always build a new one.
type AudioFrame struct {
	TrackID      TrackID
	Samples      Samples
	TimestampMs  uint64
	SampleRateHz uint32
}

// FrameCount reports how many multichannel sample groups this frame's PCM
// carries, given the track's channel count. Only meaningful for PCM frames.
func (f AudioFrame) FrameCount(channels uint16) int {
	if f.Samples.Kind != SamplesPCM || channels == 0 {
		return 0
	}
	return len(f.Samples.PCM) / int(channels)
}
