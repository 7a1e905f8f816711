// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package signalling

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rapidaai/voxrelay/internal/audio/codec"
)

// sdpCodec pairs a negotiable codec with its wire RTP parameters.
type sdpCodec struct {
	Name        string
	PayloadType codec.PayloadType
	ClockRateHz uint32
	Channels    int
}

var (
	codecPCMU = sdpCodec{Name: "PCMU", PayloadType: codec.PayloadTypePCMU, ClockRateHz: 8000, Channels: 1}
	codecPCMA = sdpCodec{Name: "PCMA", PayloadType: codec.PayloadTypePCMA, ClockRateHz: 8000, Channels: 1}

	// telephoneEventPT is RFC 4733 DTMF telephone-event. Nearly every SIP
	// endpoint requires it in the offer/answer m= line or it reports "remote
	// codecs: None" and refuses to bridge media, even if DTMF is never sent.
	telephoneEventPT uint8 = 101
)

// supportedCodecs lists audio codecs in order of preference.
var supportedCodecs = []sdpCodec{codecPCMU, codecPCMA}

// SDPDirection mirrors the SDP media direction attribute.
type SDPDirection string

const (
	SDPDirectionSendRecv SDPDirection = "sendrecv"
	SDPDirectionSendOnly SDPDirection = "sendonly"
	SDPDirectionRecvOnly SDPDirection = "recvonly"
	SDPDirectionInactive SDPDirection = "inactive"
)

// OfferInfo is the parsed result of a remote SDP offer/answer body.
type OfferInfo struct {
	ConnectionIP string
	AudioPort    int
	PayloadTypes []uint8
	Direction    SDPDirection
}

// IsHold reports whether the offer signals a hold condition (RFC 3264):
// sendonly/inactive direction, or a null connection address.
func (o *OfferInfo) IsHold() bool {
	if o.Direction == SDPDirectionSendOnly || o.Direction == SDPDirectionInactive {
		return true
	}
	return o.ConnectionIP == "0.0.0.0"
}

// ParseOffer extracts connection/media info from a remote SDP body.
func ParseOffer(body []byte) (*OfferInfo, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("signalling: empty SDP body")
	}

	info := &OfferInfo{Direction: SDPDirectionSendRecv}
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		switch {
		case strings.HasPrefix(line, "c=IN IP4 "):
			info.ConnectionIP = strings.TrimSpace(strings.TrimPrefix(line, "c=IN IP4 "))
		case strings.HasPrefix(line, "m=audio "):
			parts := strings.Fields(line)
			if len(parts) >= 4 {
				if port, err := strconv.Atoi(parts[1]); err == nil {
					info.AudioPort = port
				}
				for i := 3; i < len(parts); i++ {
					if pt, err := strconv.Atoi(parts[i]); err == nil && pt >= 0 && pt <= 127 {
						info.PayloadTypes = append(info.PayloadTypes, uint8(pt))
					}
				}
			}
		case line == "a=sendrecv":
			info.Direction = SDPDirectionSendRecv
		case line == "a=sendonly":
			info.Direction = SDPDirectionSendOnly
		case line == "a=recvonly":
			info.Direction = SDPDirectionRecvOnly
		case line == "a=inactive":
			info.Direction = SDPDirectionInactive
		}
	}
	return info, nil
}

// NegotiateCodec picks the first of our supported codecs also offered by
// the remote side, skipping telephone-event (not an audio codec), and
// falls back to PCMU if nothing matches.
func NegotiateCodec(remotePayloadTypes []uint8) sdpCodec {
	for _, supported := range supportedCodecs {
		for _, pt := range remotePayloadTypes {
			if pt == telephoneEventPT {
				continue
			}
			if uint8(supported.PayloadType) == pt {
				return supported
			}
		}
	}
	return codecPCMU
}

// AnswerConfig holds the fields needed to render an SDP answer body
// advertising a single already-negotiated codec.
type AnswerConfig struct {
	LocalIP string
	RTPPort int
	Codec   sdpCodec
	PTimeMs int
}

// RenderAnswer builds an SDP answer body. Only the negotiated codec is
// advertised — a re-INVITE or answer listing multiple codecs reads as a
// fresh offer to some PBXes (Asterisk, FreeSWITCH) and confuses them.
// telephone-event (PT 101) is always included per RFC 4733.
func RenderAnswer(cfg AnswerConfig) string {
	var sb strings.Builder
	sb.WriteString("v=0\r\n")
	sb.WriteString(fmt.Sprintf("o=voxrelay 0 0 IN IP4 %s\r\n", cfg.LocalIP))
	sb.WriteString("s=voxrelay\r\n")
	sb.WriteString(fmt.Sprintf("c=IN IP4 %s\r\n", cfg.LocalIP))
	sb.WriteString("t=0 0\r\n")
	sb.WriteString(fmt.Sprintf("m=audio %d RTP/AVP %d %d\r\n", cfg.RTPPort, cfg.Codec.PayloadType, telephoneEventPT))
	sb.WriteString(fmt.Sprintf("a=rtpmap:%d %s/%d\r\n", cfg.Codec.PayloadType, cfg.Codec.Name, cfg.Codec.ClockRateHz))
	sb.WriteString(fmt.Sprintf("a=rtpmap:%d telephone-event/8000\r\n", telephoneEventPT))
	sb.WriteString(fmt.Sprintf("a=fmtp:%d 0-16\r\n", telephoneEventPT))
	sb.WriteString(fmt.Sprintf("a=ptime:%d\r\n", cfg.PTimeMs))
	sb.WriteString("a=sendrecv\r\n")
	return sb.String()
}
