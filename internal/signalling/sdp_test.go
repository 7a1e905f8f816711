// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package signalling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voxrelay/internal/audio/codec"
)

const sampleOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.168.1.5\r\n" +
	"s=test\r\n" +
	"c=IN IP4 192.168.1.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 10000 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-16\r\n" +
	"a=sendrecv\r\n" +
	"a=ptime:20\r\n"

func TestParseOffer_ExtractsConnectionAndPayloadTypes(t *testing.T) {
	info, err := ParseOffer([]byte(sampleOffer))
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.5", info.ConnectionIP)
	assert.Equal(t, 10000, info.AudioPort)
	assert.Equal(t, []uint8{0, 8, 101}, info.PayloadTypes)
	assert.Equal(t, SDPDirectionSendRecv, info.Direction)
	assert.False(t, info.IsHold())
}

func TestParseOffer_EmptyBodyErrors(t *testing.T) {
	_, err := ParseOffer(nil)
	assert.Error(t, err)
}

func TestOfferInfo_IsHold_SendOnlyOrNullConnection(t *testing.T) {
	sendOnly := &OfferInfo{Direction: SDPDirectionSendOnly}
	assert.True(t, sendOnly.IsHold())

	nullConn := &OfferInfo{Direction: SDPDirectionSendRecv, ConnectionIP: "0.0.0.0"}
	assert.True(t, nullConn.IsHold())

	active := &OfferInfo{Direction: SDPDirectionSendRecv, ConnectionIP: "10.0.0.1"}
	assert.False(t, active.IsHold())
}

func TestNegotiateCodec_PrefersPCMUOverPCMA(t *testing.T) {
	chosen := NegotiateCodec([]uint8{8, 0, 101})
	assert.Equal(t, "PCMU", chosen.Name)
	assert.Equal(t, codec.PayloadTypePCMU, chosen.PayloadType)
}

func TestNegotiateCodec_FallsBackToPCMUWhenNoneMatch(t *testing.T) {
	chosen := NegotiateCodec([]uint8{101, 97})
	assert.Equal(t, "PCMU", chosen.Name)
}

func TestRenderAnswer_AdvertisesOnlyNegotiatedCodec(t *testing.T) {
	body := RenderAnswer(AnswerConfig{
		LocalIP: "10.0.0.2",
		RTPPort: 20004,
		Codec:   codecPCMA,
		PTimeMs: 20,
	})
	assert.Contains(t, body, "m=audio 20004 RTP/AVP 8 101")
	assert.Contains(t, body, "a=rtpmap:8 PCMA/8000")
	assert.NotContains(t, body, "PCMU")
}
