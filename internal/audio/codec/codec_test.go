// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuplicateMono(t *testing.T) {
	mono := []int16{100, -200, 300}
	stereo := DuplicateMono(mono)
	assert.Equal(t, []int16{100, 100, -200, -200, 300, 300}, stereo)
}

func TestDownmixStereo(t *testing.T) {
	stereo := []int16{100, 100, -200, 200, 300, -300}
	mono := DownmixStereo(stereo)
	assert.Equal(t, []int16{100, 0, 0}, mono)
}

func TestDownmixStereo_NoOverflow(t *testing.T) {
	// Both channels at max int16: naive int16 addition would overflow and
	// wrap. Summing as int32 first must yield the correct average.
	stereo := []int16{32767, 32767}
	mono := DownmixStereo(stereo)
	assert.Equal(t, []int16{32767}, mono)
}

func TestNameAndParseName_RoundTrip(t *testing.T) {
	cases := []struct {
		family   string
		rate     uint32
		channels uint16
	}{
		{"opus", 48000, 2},
		{"opus", 16000, 1},
		{"l16", 8000, 1},
	}
	for _, c := range cases {
		name := Name(c.family, c.rate, c.channels)
		family, rate, channels, err := ParseName(name)
		require.NoError(t, err)
		assert.Equal(t, c.family, family)
		assert.Equal(t, c.rate, rate)
		assert.Equal(t, c.channels, channels)
	}
}

func TestParseName_StaticCodecs(t *testing.T) {
	family, rate, channels, err := ParseName("PCMU")
	require.NoError(t, err)
	assert.Equal(t, "PCMU", family)
	assert.Equal(t, uint32(8000), rate)
	assert.Equal(t, uint16(1), channels)

	_, _, _, err = ParseName("garbage")
	assert.Error(t, err)
}

func TestRegistry_PCMU_PCMA_RoundTrip(t *testing.T) {
	r := NewRegistry()

	ulaw, err := r.New("PCMU")
	require.NoError(t, err)
	assert.Equal(t, uint32(8000), ulaw.SampleRate())
	assert.Equal(t, uint16(1), ulaw.Channels())

	pcm := []int16{0, 100, -100, 1000, -1000}
	payload := ulaw.Encode(pcm)
	assert.NotEmpty(t, payload)
	decoded := ulaw.Decode(payload)
	require.Len(t, decoded, len(pcm))
	// G.711 is lossy (8-bit companding); assert approximate round-trip
	// rather than exact equality.
	for i := range pcm {
		diff := int(pcm[i]) - int(decoded[i])
		if diff < 0 {
			diff = -diff
		}
		assert.LessOrEqual(t, diff, 64, "sample %d: %d vs %d", i, pcm[i], decoded[i])
	}
}

func TestRegistry_NewByPayloadType(t *testing.T) {
	r := NewRegistry()

	c, err := r.NewByPayloadType(PayloadTypePCMA)
	require.NoError(t, err)
	assert.Equal(t, uint32(8000), c.SampleRate())

	_, err = r.NewByPayloadType(111)
	assert.Error(t, err, "payload type 111 is not bound until RegisterPayloadType is called")
}

func TestRegistry_RegisterPayloadType(t *testing.T) {
	r := NewRegistry()

	err := r.RegisterPayloadType(111, "opus/48000/2")
	require.NoError(t, err)

	c, err := r.NewByPayloadType(111)
	require.NoError(t, err)
	assert.Equal(t, uint32(48000), c.SampleRate())
	// Even though "opus/48000/2" negotiates a stereo wire format, Channels
	// reports the PCM channel count exchanged with callers, which Decode/
	// Encode always keep mono for this codec.
	assert.Equal(t, uint16(1), c.Channels())

	err = r.RegisterPayloadType(112, "nonexistent/codec")
	assert.Error(t, err)
}

func TestRegistry_L16OnDemand(t *testing.T) {
	r := NewRegistry()

	c, err := r.New("l16/16000/1")
	require.NoError(t, err)
	assert.Equal(t, uint32(16000), c.SampleRate())
	assert.Equal(t, uint16(1), c.Channels())

	pcm := []int16{1, 2, 3, -4, 32767, -32768}
	assert.Equal(t, pcm, c.Decode(c.Encode(pcm)))
}

func TestOpusCodec_LoopbackPreservesFrameDuration(t *testing.T) {
	// spec.md §8 property test 1: encode/decode of a 20ms 48kHz mono frame
	// must round-trip without a sample-count change, since downstream
	// packetization relies on a fixed samples-per-frame contract.
	c, err := NewOpusCodec(48000, 1)
	require.NoError(t, err)

	const samplesPerFrame = 960 // 20ms @ 48kHz
	pcm := make([]int16, samplesPerFrame)
	for i := range pcm {
		pcm[i] = int16(i % 1000)
	}

	payload := c.Encode(pcm)
	require.NotEmpty(t, payload)

	decoded := c.Decode(payload)
	assert.Len(t, decoded, samplesPerFrame)
}

func TestOpusCodec_EmptyPayloadTriggersConcealment(t *testing.T) {
	c, err := NewOpusCodec(48000, 1)
	require.NoError(t, err)

	pcm := make([]int16, 960)
	for i := range pcm {
		pcm[i] = int16(1000)
	}
	_ = c.Encode(pcm)

	concealed := c.Decode(nil)
	assert.Len(t, concealed, 960)
}

func TestOpusCodec_StereoDownmixesOnDecode(t *testing.T) {
	c, err := NewOpusCodec(48000, 2)
	require.NoError(t, err)

	pcm := make([]int16, 960)
	for i := range pcm {
		pcm[i] = int16(500)
	}
	payload := c.Encode(pcm)
	require.NotEmpty(t, payload)

	decoded := c.Decode(payload)
	// Decoder output is downmixed to mono by opusCodec.Decode, so the frame
	// length halves relative to the stereo sample count libopus produces.
	assert.Len(t, decoded, 960)
}
