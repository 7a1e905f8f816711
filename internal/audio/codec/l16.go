// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package codec

// l16Codec is the identity codec for RFC 3551 L16 linear PCM: RTP payloads
// already are big-endian signed 16-bit samples, so encode/decode is a pure
// byte-order conversion with no compression. Grounded on spec.md §4.1's
// requirement that L16 be available at any negotiated rate/channel count,
// implemented with plain byte shifts since there is no third-party work to
// wrap.
type l16Codec struct {
	sampleRate uint32
	channels   uint16
}

// NewL16Codec returns an L16 codec at the given sample rate and channel
// count. Unlike Opus and G.711, L16 has no fixed rate — it is negotiated
// per call via SDP (spec.md §4.1).
func NewL16Codec(sampleRate uint32, channels uint16) Codec {
	return &l16Codec{sampleRate: sampleRate, channels: channels}
}

func (c *l16Codec) Decode(payload []byte) []int16 {
	n := len(payload) / 2
	pcm := make([]int16, n)
	for i := 0; i < n; i++ {
		pcm[i] = int16(uint16(payload[2*i])<<8 | uint16(payload[2*i+1]))
	}
	return pcm
}

func (c *l16Codec) Encode(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[2*i] = byte(uint16(s) >> 8)
		out[2*i+1] = byte(uint16(s))
	}
	return out
}

func (c *l16Codec) SampleRate() uint32 { return c.sampleRate }
func (c *l16Codec) Channels() uint16   { return c.channels }
