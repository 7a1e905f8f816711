// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package codec

import (
	"sync"

	"gopkg.in/hraban/opus.v2"
)

// opusMaxFrameSamples is the largest frame libopus can decode in one call:
// 120ms at 48kHz stereo. Ported verbatim from
// original_source/src/media/codecs/opus.rs, which sizes its scratch buffer
// identically (11520 = 48000 * 0.12 * 2) and documents why: Opus frames
// never exceed 120ms.
const opusMaxFrameSamples = 11520

// opusCodec wraps gopkg.in/hraban/opus.v2's cgo binding to libopus. Not
// re-entrant: encode/decode calls on one instance must be serialized by the
// caller, matching the FFI single-owner discipline the original Rust
// decoder/encoder document via their (documented, not enforced by Go)
// Send-but-not-concurrent contract.
type opusCodec struct {
	mu         sync.Mutex
	encoder    *opus.Encoder
	decoder    *opus.Decoder
	sampleRate uint32
	channels   uint16
	scratch    []int16
}

// NewOpusCodec creates an Opus encoder/decoder pair at the given sample
// rate and channel count, in VoIP application mode, matching
// original_source/src/media/codecs/opus.rs's OpusEncoder::new /
// OpusDecoder::new.
func NewOpusCodec(sampleRate uint32, channels uint16) (Codec, error) {
	enc, err := opus.NewEncoder(int(sampleRate), int(channels), opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	dec, err := opus.NewDecoder(int(sampleRate), int(channels))
	if err != nil {
		return nil, err
	}
	return &opusCodec{
		encoder:    enc,
		decoder:    dec,
		sampleRate: sampleRate,
		channels:   channels,
		scratch:    make([]int16, opusMaxFrameSamples),
	}, nil
}

// Decode decodes an Opus packet into PCM. An empty payload is treated as a
// packet-loss-concealment request (non-FEC mode, per spec.md §4.1's
// "Opus specifics"): libopus synthesizes one 20 ms concealment frame
// instead of erroring. Any decode failure yields an empty buffer rather than
// propagating an error, per the Decoder contract.
func (c *opusCodec) Decode(payload []byte) []int16 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	var err error
	if len(payload) == 0 {
		// libopus's PLC needs the missing duration up front; the full slice
		// expression caps the buffer at exactly one 20 ms frame.
		n = int(c.sampleRate) / 50
		plc := c.scratch[: n*int(c.channels) : n*int(c.channels)]
		err = c.decoder.DecodePLC(plc)
	} else {
		n, err = c.decoder.Decode(payload, c.scratch)
	}
	if err != nil {
		return nil
	}

	out := make([]int16, n*int(c.channels))
	copy(out, c.scratch[:n*int(c.channels)])

	// Downmix stereo decode output to mono as the pipeline's internal
	// representation, per spec.md §4.1: "if a stereo decoder yields
	// interleaved output, the pipeline downmixes to mono".
	if c.channels == 2 {
		return DownmixStereo(out)
	}
	return out
}

// Encode encodes linear PCM into an Opus packet. Mono PCM fed to a stereo
// encoder is duplicated into both channels first (spec.md §4.1 stereo
// policy). Encode failures return an empty slice per the Encoder contract.
func (c *opusCodec) Encode(pcm []int16) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	input := pcm
	if c.channels == 2 {
		input = DuplicateMono(pcm)
	}

	// libopus caps compressed frame size well under the input's raw byte
	// size; sizing the output buffer at 4000 bytes matches common Opus
	// wrapper conventions for a generously-bounded single frame.
	out := make([]byte, 4000)
	n, err := c.encoder.Encode(input, out)
	if err != nil {
		return nil
	}
	return out[:n]
}

func (c *opusCodec) SampleRate() uint32 { return c.sampleRate }

// Channels reports the channel count of the PCM this codec exchanges with
// callers, not the wire-negotiated channel count: Decode always downmixes a
// stereo decode to mono, and Encode always treats its input as mono
// (upmixing internally before the libopus call). Per spec.md §4.1, "the
// decoder's declared sample_rate/channels describe the output PCM, not the
// wire format", so a stereo-negotiated instance still reports mono here.
func (c *opusCodec) Channels() uint16 { return 1 }
