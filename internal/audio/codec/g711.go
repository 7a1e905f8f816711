// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package codec

import "github.com/zaf/g711"

// g711Codec wraps github.com/zaf/g711's stateless mu-law/A-law tables.
// Unlike Opus, G.711 has no encoder/decoder state, so a single instance is
// safe for concurrent use; it still satisfies the single-owner Codec
// contract for uniformity with the registry.
type g711Codec struct {
	encode func([]int16) []byte
	decode func([]byte) []int16
}

// NewPCMUCodec returns an ITU-T G.711 mu-law codec at the fixed telephony
// rate of 8000 Hz mono (spec.md §4.1, RTP static payload type 0).
func NewPCMUCodec() Codec {
	return &g711Codec{encode: g711.EncodeUlaw, decode: g711.DecodeUlaw}
}

// NewPCMACodec returns an ITU-T G.711 A-law codec at the fixed telephony
// rate of 8000 Hz mono (spec.md §4.1, RTP static payload type 8).
func NewPCMACodec() Codec {
	return &g711Codec{encode: g711.EncodeAlaw, decode: g711.DecodeAlaw}
}

func (c *g711Codec) Decode(payload []byte) []int16 {
	if len(payload) == 0 {
		return nil
	}
	return c.decode(payload)
}

func (c *g711Codec) Encode(pcm []int16) []byte {
	if len(pcm) == 0 {
		return nil
	}
	return c.encode(pcm)
}

func (c *g711Codec) SampleRate() uint32 { return 8000 }
func (c *g711Codec) Channels() uint16   { return 1 }
