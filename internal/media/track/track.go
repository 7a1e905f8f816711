// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package track implements the named, typed audio pipe described in
// spec.md §4.3: a producer/consumer queue with its own monotonic clock,
// drop-oldest backpressure, and fan-out subscription. The channel-based
// push/drain idiom is grounded on the teacher's baseStreamer
// (internal/channel/webrtc/base_streamer.go's pushInput/pushOutput/
// clearInputBuffer), generalized from a fixed protobuf message channel to a
// typed AudioFrame queue with bounded-duration backpressure instead of a
// bounded-byte-count buffer.
package track

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rapidaai/voxrelay/internal/media"
	"github.com/rapidaai/voxrelay/pkg/commons"
)

// Direction describes how a track is used within the session's track graph.
type Direction int

const (
	Source Direction = iota
	Sink
	Duplex
)

func (d Direction) String() string {
	switch d {
	case Source:
		return "source"
	case Sink:
		return "sink"
	case Duplex:
		return "duplex"
	default:
		return "unknown"
	}
}

// ErrClockRegression is returned by Push when the frame's timestamp is not
// strictly greater than the last pushed frame (spec.md §4.3, §7).
var ErrClockRegression = errors.New("track: clock regression")

// ErrSampleRateMismatch is returned by Push when the frame's declared
// sample rate disagrees with the track's configured rate (spec.md §4.3, §7).
var ErrSampleRateMismatch = errors.New("track: sample rate mismatch")

// FrameDroppedFunc is invoked when backpressure forces a drop-oldest
// eviction, so the owning session can emit a FrameDropped event without the
// track package depending on the event bus package (avoids an import
// cycle: bus depends on media, not the reverse).
type FrameDroppedFunc func(trackID media.TrackID, count int)

// defaultBoundMs is the default backpressure bound: 2 seconds of audio
// (spec.md §4.3).
const defaultBoundMs = 2000

// Track is a typed, clocked audio pipe. One Track instance is owned by
// exactly one producer; pull/subscribe may have many consumers.
type Track struct {
	id            media.TrackID
	direction     Direction
	sampleRateHz  uint32
	channels      uint16
	boundMs       uint64
	onFrameDrop   FrameDroppedFunc
	logger        commons.Logger

	mu           sync.Mutex
	queue        []media.AudioFrame
	lastTs       uint64
	hasPushed    bool
	closed       bool
	subscribers  []chan media.AudioFrame
}

// Option configures a Track at construction time.
type Option func(*Track)

// WithBoundMs overrides the default 2-second backpressure bound.
func WithBoundMs(ms uint64) Option {
	return func(t *Track) { t.boundMs = ms }
}

// WithFrameDroppedFunc registers a callback invoked on drop-oldest eviction.
func WithFrameDroppedFunc(fn FrameDroppedFunc) Option {
	return func(t *Track) { t.onFrameDrop = fn }
}

// WithLogger attaches a logger for warn-level backpressure diagnostics.
func WithLogger(logger commons.Logger) Option {
	return func(t *Track) { t.logger = logger }
}

// New creates a track with the given id, direction, and format. Tracks are
// created by the session builder at call accept or on demand (e.g. a new
// TTS utterance track) and destroyed at session teardown (spec.md §3
// Lifecycle) — never reused across sessions.
func New(id media.TrackID, direction Direction, sampleRateHz uint32, channels uint16, opts ...Option) *Track {
	t := &Track{
		id:           id,
		direction:    direction,
		sampleRateHz: sampleRateHz,
		channels:     channels,
		boundMs:      defaultBoundMs,
		logger:       commons.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Track) ID() media.TrackID       { return t.id }
func (t *Track) Direction() Direction    { return t.direction }
func (t *Track) SampleRateHz() uint32    { return t.sampleRateHz }
func (t *Track) Channels() uint16        { return t.channels }

// boundFrames converts the track's millisecond bound into a frame count,
// assuming the caller pushes frames at a roughly constant duration. Tracks
// are bounded by duration, not a fixed slot count, so this is recomputed
// per push using the incoming frame's own duration when available.
func (t *Track) boundFrames(frameDurationMs uint64) int {
	if frameDurationMs == 0 {
		frameDurationMs = 20
	}
	n := int(t.boundMs / frameDurationMs)
	if n < 1 {
		n = 1
	}
	return n
}

// Push enqueues a produced frame. Returns ErrClockRegression or
// ErrSampleRateMismatch per spec.md §4.3; on backpressure overflow, the
// oldest queued frame is dropped (not the new one) and onFrameDrop fires.
func (t *Track) Push(frame media.AudioFrame) error {
	if frame.SampleRateHz != t.sampleRateHz {
		return fmt.Errorf("%w: track %q expects %d Hz, got %d", ErrSampleRateMismatch, t.id, t.sampleRateHz, frame.SampleRateHz)
	}

	t.mu.Lock()
	if t.hasPushed && frame.TimestampMs <= t.lastTs {
		t.mu.Unlock()
		return fmt.Errorf("%w: track %q timestamp %d did not advance past %d", ErrClockRegression, t.id, frame.TimestampMs, t.lastTs)
	}
	t.lastTs = frame.TimestampMs
	t.hasPushed = true

	var frameDurationMs uint64 = 20
	if n := frame.FrameCount(t.channels); n > 0 && t.sampleRateHz > 0 {
		frameDurationMs = uint64(n) * 1000 / uint64(t.sampleRateHz)
	}
	bound := t.boundFrames(frameDurationMs)

	dropped := 0
	for len(t.queue) >= bound {
		t.queue = t.queue[1:]
		dropped++
	}
	t.queue = append(t.queue, frame)

	subs := append([]chan media.AudioFrame(nil), t.subscribers...)
	t.mu.Unlock()

	if dropped > 0 {
		t.logger.Warnw("track backpressure: dropping oldest frames", "track_id", string(t.id), "dropped", dropped)
		if t.onFrameDrop != nil {
			t.onFrameDrop(t.id, dropped)
		}
	}

	for _, sub := range subs {
		select {
		case sub <- frame:
		default:
			t.logger.Warnw("track subscriber channel full, dropping frame", "track_id", string(t.id))
		}
	}
	return nil
}

// Pull consumes the next frame from the track's primary queue, non-blocking.
// Returns (frame, true) if one was available, or the zero value and false
// if the queue is empty.
func (t *Track) Pull() (media.AudioFrame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return media.AudioFrame{}, false
	}
	frame := t.queue[0]
	t.queue = t.queue[1:]
	return frame, true
}

// Subscribe opens an additional consumer channel. Each subscriber sees
// every subsequent frame pushed after Subscribe returns; late subscribers
// never see history (spec.md §4.3).
func (t *Track) Subscribe(bufferSize int) <-chan media.AudioFrame {
	ch := make(chan media.AudioFrame, bufferSize)
	t.mu.Lock()
	t.subscribers = append(t.subscribers, ch)
	t.mu.Unlock()
	return ch
}

// Close marks the track source-drained. Subsequent Pull calls return
// (zero, false) once the queue empties; subscriber channels are closed so
// range-over-channel consumers terminate cleanly.
func (t *Track) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := t.subscribers
	t.subscribers = nil
	t.mu.Unlock()

	for _, sub := range subs {
		close(sub)
	}
}

// Closed reports whether Close has been called.
func (t *Track) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Len reports the current primary-queue depth, for diagnostics/tests.
func (t *Track) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}
