// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package codec implements the RTP-payload <-> linear PCM codec registry
// (spec.md §4.1). Every codec instance is single-owner and not re-entrant
// across goroutines — callers must serialize encode/decode calls on a given
// instance, exactly as the teacher's Opus FFI wrapper requires
// (original_source/src/media/codecs/opus.rs's Send/Sync safety note).
package codec

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Decoder turns an RTP payload into linear PCM. Never fails: malformed
// input yields an empty buffer, which the pipeline treats as packet-loss
// concealment input (spec.md §4.1).
type Decoder interface {
	Decode(payload []byte) []int16
	SampleRate() uint32
	Channels() uint16
}

// Encoder turns linear PCM into an RTP payload. Returns an empty byte slice
// on failure; the caller drops the frame and advances the clock.
type Encoder interface {
	Encode(pcm []int16) []byte
	SampleRate() uint32
	Channels() uint16
}

// Codec bundles an encoder and decoder pair sharing one underlying coder
// instance (where the underlying library provides one, e.g. Opus).
type Codec interface {
	Decoder
	Encoder
}

// DuplicateMono upmixes a mono PCM buffer into interleaved stereo by
// duplicating each sample into both channels (spec.md §4.1 stereo policy).
// Encoder implementations call this before encoding; it is not a session
// concern.
func DuplicateMono(mono []int16) []int16 {
	stereo := make([]int16, len(mono)*2)
	for i, s := range mono {
		stereo[2*i] = s
		stereo[2*i+1] = s
	}
	return stereo
}

// DownmixStereo averages interleaved stereo PCM to mono, summing as int32
// before narrowing to avoid overflow (spec.md §4.1 stereo policy, taken
// verbatim from original_source/src/media/codecs/opus.rs's decode path).
func DownmixStereo(stereo []int16) []int16 {
	n := len(stereo) / 2
	mono := make([]int16, n)
	for i := 0; i < n; i++ {
		l := int32(stereo[2*i])
		r := int32(stereo[2*i+1])
		mono[i] = int16((l + r) / 2)
	}
	return mono
}

// Name builds a canonical codec name of the form "opus/48000/2", "PCMU",
// "PCMA", or "L16/16000/1" as accepted on configuration (spec.md §6).
func Name(family string, rate uint32, channels uint16) string {
	switch strings.ToUpper(family) {
	case "PCMU":
		return "PCMU"
	case "PCMA":
		return "PCMA"
	default:
		return fmt.Sprintf("%s/%d/%d", family, rate, channels)
	}
}

// ParseName parses a codec name accepted on configuration into its family,
// sample rate, and channel count. PCMU/PCMA take no rate or channel
// suffix and always parse as 8000 Hz mono.
func ParseName(name string) (family string, rate uint32, channels uint16, err error) {
	upper := strings.ToUpper(name)
	switch upper {
	case "PCMU":
		return "PCMU", 8000, 1, nil
	case "PCMA":
		return "PCMA", 8000, 1, nil
	}

	parts := strings.Split(name, "/")
	switch len(parts) {
	case 1:
		return "", 0, 0, fmt.Errorf("codec: unrecognized name %q", name)
	case 3:
		r, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return "", 0, 0, fmt.Errorf("codec: bad sample rate in %q: %w", name, err)
		}
		c, err := strconv.ParseUint(parts[2], 10, 16)
		if err != nil {
			return "", 0, 0, fmt.Errorf("codec: bad channel count in %q: %w", name, err)
		}
		return strings.ToLower(parts[0]), uint32(r), uint16(c), nil
	default:
		return "", 0, 0, fmt.Errorf("codec: malformed name %q", name)
	}
}

// PayloadType is the dynamic RTP payload-type number negotiated for a call
// (96-127 range per spec.md §6), or one of the static assignments
// (0 = PCMU, 8 = PCMA) used by legacy telephony.
type PayloadType = uint8

const (
	PayloadTypePCMU PayloadType = 0
	PayloadTypePCMA PayloadType = 8
)

// Registry is the process-wide, read-mostly codec factory described in
// spec.md §4.1/§5: built once at startup keyed by RTP payload-type number
// and by explicit codec name, never mutated afterward.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]func() (Codec, error)
	byPT    map[PayloadType]string
}

// NewRegistry builds the registry with the required codec set: Opus at
// 8/12/16/24/48 kHz mono/stereo, PCMU, PCMA, and L16 at any rate.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]func() (Codec, error)),
		byPT:   make(map[PayloadType]string),
	}

	for _, rate := range []uint32{8000, 12000, 16000, 24000, 48000} {
		for _, ch := range []uint16{1, 2} {
			rate, ch := rate, ch
			name := Name("opus", rate, ch)
			r.byName[name] = func() (Codec, error) { return NewOpusCodec(rate, ch) }
		}
	}
	r.byName["PCMU"] = func() (Codec, error) { return NewPCMUCodec(), nil }
	r.byName["PCMA"] = func() (Codec, error) { return NewPCMACodec(), nil }
	r.byPT[PayloadTypePCMU] = "PCMU"
	r.byPT[PayloadTypePCMA] = "PCMA"
	// Dynamic payload type range (96-127) is assigned by negotiation, not
	// fixed at registry build time; RegisterPayloadType binds it per-call.

	return r
}

// RegisterPayloadType binds a dynamically negotiated RTP payload-type
// number (96-127) to a codec name already known by the registry. Safe to
// call only before the registry is shared across calls (spec.md §5: the
// codec/track mapping is read-mostly once initialized).
func (r *Registry) RegisterPayloadType(pt PayloadType, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; !ok {
		return fmt.Errorf("codec: cannot bind payload type %d: %q is not a known codec name", pt, name)
	}
	r.byPT[pt] = name
	return nil
}

// New constructs a fresh, exclusively-owned codec instance by name. Every
// call site gets its own instance — codec state is never shared.
func (r *Registry) New(name string) (Codec, error) {
	r.mu.RLock()
	ctor, ok := r.byName[name]
	r.mu.RUnlock()
	if ok {
		return ctor()
	}

	// L16 is parameterized by arbitrary rate/channels, so it isn't
	// pre-registered by name; build on demand.
	family, rate, channels, err := ParseName(name)
	if err != nil {
		return nil, fmt.Errorf("codec: %q: %w", name, err)
	}
	if strings.ToLower(family) == "l16" {
		return NewL16Codec(rate, channels), nil
	}
	return nil, fmt.Errorf("codec: unknown codec %q", name)
}

// NewByPayloadType constructs a codec instance for a negotiated RTP
// payload-type number.
func (r *Registry) NewByPayloadType(pt PayloadType) (Codec, error) {
	r.mu.RLock()
	name, ok := r.byPT[pt]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec: no codec bound to payload type %d", pt)
	}
	return r.New(name)
}
