// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package rtp implements the per-call RTP endpoint described in spec.md
// §4.5: depacketization with reordering and jitter absorption, and
// packetization with ptime-driven framing. Packet encode/decode uses
// github.com/pion/rtp (RFC 3550); codec names, payload types, and the
// RFC 4733 telephone-event reservation are grounded on
// sip/infra/sdp.go's Codec/CodecTelephoneEvent.
package rtp

import (
	"fmt"
	"sync"

	pionrtp "github.com/pion/rtp"

	"github.com/rapidaai/voxrelay/internal/audio/codec"
	"github.com/rapidaai/voxrelay/internal/media"
)

// TelephoneEventPayloadType is the RFC 4733 DTMF payload type, conventionally
// negotiated dynamically but near-universally assigned 101 in practice
// (sip/infra/sdp.go's CodecTelephoneEvent).
const TelephoneEventPayloadType = 101

// defaultJitterWindowMs and the adaptive bounds are spec.md §4.5's values.
const (
	defaultJitterWindowMs = 60
	minJitterWindowMs     = 20
	maxJitterWindowMs     = 200
	jitterEWMAAlpha       = 0.125
	resyncGapThreshold     = 16
)

// DtmfEvent is surfaced by Depacketize when an RFC 4733 telephone-event
// packet completes (end bit set).
type DtmfEvent struct {
	Digit rune
}

// digitForEvent maps an RFC 4733 event code to its DTMF digit.
func digitForEvent(code byte) rune {
	switch {
	case code <= 9:
		return rune('0' + code)
	case code == 10:
		return '*'
	case code == 11:
		return '#'
	case code >= 12 && code <= 15:
		return rune('A' + (code - 12))
	default:
		return 0
	}
}

// jitterEntry is one pending depacketized frame awaiting in-order release.
type jitterEntry struct {
	seq       uint16
	timestamp uint32
	frame     media.AudioFrame
}

// Endpoint is the per-call RTP I/O plane: depacketize/packetize plus the
// adaptive jitter buffer. One Endpoint per negotiated media leg.
type Endpoint struct {
	mu sync.Mutex

	localSSRC      uint32
	negotiatedPT   codec.PayloadType
	ptimeMs        int
	decoder        codec.Decoder
	encoder        codec.Encoder

	// Depacketize state.
	haveBase         bool
	lastSeq          uint16
	playheadTs       uint32
	jitterWindowMs   float64
	lastArrival      int64 // nanoseconds, set by caller-supplied clock ticks
	interArrivalVar  float64
	pending          []jitterEntry
	jitterOverflow   int
	dtmfActiveDigit  rune
	dtmfActive       bool

	// Packetize state.
	txSeq  uint16
	txTs   uint32
}

// NewEndpoint creates an RTP endpoint bound to one negotiated codec.
func NewEndpoint(ssrc uint32, negotiatedPT codec.PayloadType, ptimeMs int, dec codec.Decoder, enc codec.Encoder) *Endpoint {
	return &Endpoint{
		localSSRC:      ssrc,
		negotiatedPT:   negotiatedPT,
		ptimeMs:        ptimeMs,
		decoder:        dec,
		encoder:        enc,
		jitterWindowMs: defaultJitterWindowMs,
	}
}

// JitterOverflowCount reports how many packets have been dropped for
// arriving later than the current window (spec.md §7's JitterOverflow
// counter).
func (e *Endpoint) JitterOverflowCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jitterOverflow
}

// DepacketizeResult is what Depacketize returns: zero or more frames
// now ready for release in timestamp order, plus any DTMF digit that just
// completed.
type DepacketizeResult struct {
	Frames []media.AudioFrame
	Dtmf   *DtmfEvent
}

// Depacketize parses one RTP packet, updates jitter/resync state, and
// returns any frames that are now ready for release in order (spec.md
// §4.5). A packet that does not parse, or is not RTP version 2, is
// rejected with an error and releases no frames.
func (e *Endpoint) Depacketize(wire []byte) (DepacketizeResult, error) {
	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(wire); err != nil {
		return DepacketizeResult{}, fmt.Errorf("rtp: malformed packet: %w", err)
	}
	if pkt.Version != 2 {
		return DepacketizeResult{}, fmt.Errorf("rtp: unsupported version %d", pkt.Version)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if pkt.PayloadType == TelephoneEventPayloadType {
		return DepacketizeResult{Dtmf: e.handleTelephoneEventLocked(pkt.Payload)}, nil
	}

	return e.handleAudioPacketLocked(pkt), nil
}

func (e *Endpoint) handleTelephoneEventLocked(payload []byte) *DtmfEvent {
	// RFC 4733 payload: event(1) | E|R|volume(1) | duration(2).
	if len(payload) < 4 {
		return nil
	}
	code := payload[0]
	end := payload[1]&0x80 != 0
	digit := digitForEvent(code)
	if digit == 0 {
		return nil
	}
	if !end {
		e.dtmfActive = true
		e.dtmfActiveDigit = digit
		return nil
	}
	e.dtmfActive = false
	e.dtmfActiveDigit = 0
	return &DtmfEvent{Digit: digit}
}

// DtmfActive reports whether a telephone-event digit is currently held
// down, for the turn coordinator's "DTMF suppresses ASR" policy.
func (e *Endpoint) DtmfActive() (rune, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dtmfActiveDigit, e.dtmfActive
}

func (e *Endpoint) handleAudioPacketLocked(pkt pionrtp.Packet) DepacketizeResult {
	if e.haveBase {
		gap := seqDelta(pkt.SequenceNumber, e.lastSeq)
		if gap < 0 {
			// Older than what we've already released (or a large forward
			// wrap): treat as a duplicate/late arrival subject to the
			// jitter window, not an immediate drop — handled below by the
			// ordering insert, which naturally discards anything behind
			// the playhead once the window elapses.
		} else if gap > resyncGapThreshold {
			// Large forward jump or wrap: resync rather than request PLC
			// for an unbounded number of slots.
			e.pending = nil
			e.haveBase = false
		} else if gap > 1 {
			// Small gap: hold an Empty placeholder entry for each missing
			// slot. No zero-length decode is made here, so a placeholder
			// carries no concealment audio; a late packet for that slot
			// replaces it (see insertPendingLocked).
			for i := uint16(1); i < uint16(gap); i++ {
				missingSeq := e.lastSeq + i
				e.insertPendingLocked(jitterEntry{
					seq:       missingSeq,
					timestamp: pkt.Timestamp - uint32(gap-int(i))*e.ptimeSamples(),
					frame:     media.AudioFrame{Samples: media.EmptySamples()},
				})
			}
		}
	}

	frame := e.decodeToFrameLocked(pkt)
	e.insertPendingLocked(jitterEntry{seq: pkt.SequenceNumber, timestamp: pkt.Timestamp, frame: frame})

	if !e.haveBase || seqDelta(pkt.SequenceNumber, e.lastSeq) > 0 {
		e.lastSeq = pkt.SequenceNumber
		e.haveBase = true
	}

	return DepacketizeResult{Frames: e.releaseReadyLocked()}
}

func (e *Endpoint) decodeToFrameLocked(pkt pionrtp.Packet) media.AudioFrame {
	pcm := e.decoder.Decode(pkt.Payload)
	return media.AudioFrame{
		Samples:      media.PCMSamples(pcm),
		TimestampMs:  uint64(pkt.Timestamp) * 1000 / uint64(e.decoder.SampleRate()),
		SampleRateHz: e.decoder.SampleRate(),
	}
}

func (e *Endpoint) ptimeSamples() uint32 {
	return uint32(e.ptimeMs) * e.decoder.SampleRate() / 1000
}

// insertPendingLocked inserts a jitter-buffer entry in sequence order,
// dropping it outright if it's a duplicate or too far behind the playhead
// (spec.md §4.5 step 4). A real packet whose sequence number matches an
// Empty gap placeholder takes that placeholder's place.
func (e *Endpoint) insertPendingLocked(entry jitterEntry) {
	for i, p := range e.pending {
		if p.seq == entry.seq {
			if p.frame.Samples.Kind == media.SamplesEmpty && entry.frame.Samples.Kind != media.SamplesEmpty {
				e.pending[i] = entry
			}
			return // duplicate
		}
	}

	windowSamples := uint32(e.jitterWindowMs) * e.decoder.SampleRate() / 1000
	if e.playheadTs > 0 && entry.timestamp+windowSamples < e.playheadTs {
		e.jitterOverflow++
		return
	}

	idx := len(e.pending)
	for i, p := range e.pending {
		if seqDelta(entry.seq, p.seq) < 0 {
			idx = i
			break
		}
	}
	e.pending = append(e.pending, jitterEntry{})
	copy(e.pending[idx+1:], e.pending[idx:])
	e.pending[idx] = entry
}

// releaseReadyLocked pops entries from the front of the jitter buffer once
// the window has had time to reorder them, in ascending sequence order.
func (e *Endpoint) releaseReadyLocked() []media.AudioFrame {
	windowEntries := int(float64(e.jitterWindowMs) / float64(max1(e.ptimeMs)))
	if windowEntries < 1 {
		windowEntries = 1
	}

	var out []media.AudioFrame
	for len(e.pending) > windowEntries {
		out = append(out, e.pending[0].frame)
		e.playheadTs = e.pending[0].timestamp
		e.pending = e.pending[1:]
	}
	return out
}

// Flush drains any remaining buffered frames, e.g. at call teardown.
func (e *Endpoint) Flush() []media.AudioFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]media.AudioFrame, len(e.pending))
	for i, p := range e.pending {
		out[i] = p.frame
	}
	e.pending = nil
	return out
}

// UpdateJitterWindow folds one inter-arrival-time sample into the EWMA
// variance estimate and adds that estimate to the window, clamped to
// [20,200]ms (spec.md §4.5). The estimate is never negative, so the window
// only widens; it never narrows. Callers supply inter-arrival delta in milliseconds,
// measured by their own clock source (kept out of this package so tests
// don't depend on wall-clock timing).
func (e *Endpoint) UpdateJitterWindow(interArrivalMs float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	deviation := interArrivalMs - e.jitterWindowMs
	e.interArrivalVar = (1-jitterEWMAAlpha)*e.interArrivalVar + jitterEWMAAlpha*absF(deviation)

	target := e.jitterWindowMs + e.interArrivalVar
	if target < minJitterWindowMs {
		target = minJitterWindowMs
	}
	if target > maxJitterWindowMs {
		target = maxJitterWindowMs
	}
	e.jitterWindowMs = target
}

// Packetize encodes a PCM frame into one RTP packet, stamping a
// monotonically increasing sequence number and the codec-clock-rate
// timestamp (spec.md §4.5's packetization rule). SSRC is fixed per
// endpoint.
func (e *Endpoint) Packetize(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	payload := e.encoder.Encode(pcm)
	if len(payload) == 0 {
		// The dropped frame's duration still advances the RTP clock.
		e.txTs += uint32(len(pcm)) / uint32(e.encoder.Channels())
		return nil, fmt.Errorf("rtp: encoder produced empty payload")
	}

	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    e.negotiatedPT,
			SequenceNumber: e.txSeq,
			Timestamp:      e.txTs,
			SSRC:           e.localSSRC,
		},
		Payload: payload,
	}
	e.txSeq++
	e.txTs += uint32(len(pcm)) / uint32(e.encoder.Channels())

	return pkt.Marshal()
}

func seqDelta(a, b uint16) int {
	d := int16(a - b)
	return int(d)
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
