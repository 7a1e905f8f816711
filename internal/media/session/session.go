// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package session implements MediaSession, the per-call track graph owner
// described in spec.md §4.4: it holds every track for one call, wires
// directed edges between them, and runs a per-sink forwarder task that
// pulls, transforms, and pushes frames while honoring backpressure. The
// task-per-connection lifecycle and context-cancellation-tree discipline
// are grounded on the teacher's websocketExecutor.Initialize
// (internal/agent/executor/llm/internal/websocket/websocket_executor.go),
// which drives its own goroutines with golang.org/x/sync/errgroup and a
// derived context.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/voxrelay/internal/audio/codec"
	"github.com/rapidaai/voxrelay/internal/media"
	"github.com/rapidaai/voxrelay/internal/media/bus"
	"github.com/rapidaai/voxrelay/internal/media/track"
	"github.com/rapidaai/voxrelay/pkg/commons"
)

// ErrSessionClosed is returned by any mutating operation after Shutdown.
var ErrSessionClosed = errors.New("session: closed")

// ErrUnknownTrack is returned by Connect/RemoveTrack when a track ID isn't
// registered on the session.
var ErrUnknownTrack = errors.New("session: unknown track")

// TransformFunc adapts a frame as it crosses one edge: codec transcode,
// resample, or the identity function. A transform must terminate — it is
// the mechanism spec.md §9 relies on to break structural cycles in the
// track graph without the session needing to detect cycles itself.
type TransformFunc func(media.AudioFrame) media.AudioFrame

type edgeSpec struct {
	src       media.TrackID
	sink      media.TrackID
	transform TransformFunc
}

// Session owns every track and edge for one call (spec.md §3's
// MediaSession, §4.4's operations).
type Session struct {
	CallID    string
	Bus       *bus.Bus
	StartTime time.Time

	logger commons.Logger

	mu     sync.Mutex
	tracks map[media.TrackID]*track.Track
	edges  []edgeSpec
	// sinkCancel holds the cancel func for the currently running forwarder
	// task for a given sink, so Connect/Disconnect can restart it with the
	// updated source set while the session lock is held (spec.md §3
	// invariant 4).
	sinkCancel map[media.TrackID]context.CancelFunc
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	eg     errgroup.Group
}

// New creates an empty MediaSession for one call. The session owns its own
// cancellation context derived from ctx, so Shutdown always has a single
// root to cancel regardless of what happens to the caller's context.
func New(ctx context.Context, callID string, logger commons.Logger) *Session {
	sessionCtx, cancel := context.WithCancel(ctx)
	return &Session{
		CallID:     callID,
		Bus:        bus.New(callID, logger),
		StartTime:  time.Now(),
		logger:     logger,
		tracks:     make(map[media.TrackID]*track.Track),
		sinkCancel: make(map[media.TrackID]context.CancelFunc),
		ctx:        sessionCtx,
		cancel:     cancel,
	}
}

// AddTrack registers a new track with the session. Tracks may be added at
// session start or on demand mid-call (e.g. a fresh TTS utterance track),
// per spec.md §3's Lifecycle note.
func (s *Session) AddTrack(id media.TrackID, direction track.Direction, sampleRateHz uint32, channels uint16) (*track.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if _, exists := s.tracks[id]; exists {
		return nil, fmt.Errorf("session: track %q already exists", id)
	}

	t := track.New(id, direction, sampleRateHz, channels,
		track.WithFrameDroppedFunc(func(trackID media.TrackID, count int) {
			s.Bus.Publish(bus.Event{Kind: bus.FrameDropped, CallID: s.CallID, Track: string(trackID), Count: count})
		}),
		track.WithLogger(s.logger),
	)
	s.tracks[id] = t
	return t, nil
}

// RemoveTrack closes and detaches a track, and removes any edges that
// reference it. Destruction order is the caller's responsibility; the call
// controller does not call RemoveTrack and tears a call down through
// Shutdown instead.
func (s *Session) RemoveTrack(id media.TrackID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	t, ok := s.tracks[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTrack, id)
	}

	remaining := s.edges[:0:0]
	affectedSinks := map[media.TrackID]bool{}
	for _, e := range s.edges {
		if e.src == id || e.sink == id {
			affectedSinks[e.sink] = true
			continue
		}
		remaining = append(remaining, e)
	}
	s.edges = remaining

	t.Close()
	delete(s.tracks, id)

	for sink := range affectedSinks {
		if sink == id {
			s.stopForwarderLocked(sink)
			continue
		}
		s.restartForwarderLocked(sink)
	}
	return nil
}

// Connect wires a directed edge from src to sink, optionally transforming
// each frame in flight. A sink with more than one incoming edge is mixed
// (spec.md §4.4's tie-break rule); Connect restarts that sink's forwarder
// with the updated source set.
func (s *Session) Connect(src, sink media.TrackID, transform TransformFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.tracks[src]; !ok {
		return fmt.Errorf("%w: src %q", ErrUnknownTrack, src)
	}
	sinkTrack, ok := s.tracks[sink]
	if !ok {
		return fmt.Errorf("%w: sink %q", ErrUnknownTrack, sink)
	}
	if transform == nil {
		transform = defaultChannelTransform(s.tracks[src].Channels(), sinkTrack.Channels())
	}
	s.edges = append(s.edges, edgeSpec{src: src, sink: sink, transform: transform})
	s.restartForwarderLocked(sink)
	return nil
}

// Disconnect removes the edge from src to sink, if present, and restarts
// the sink's forwarder with the remaining source set.
func (s *Session) Disconnect(src, sink media.TrackID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}

	remaining := s.edges[:0:0]
	for _, e := range s.edges {
		if e.src == src && e.sink == sink {
			continue
		}
		remaining = append(remaining, e)
	}
	s.edges = remaining
	s.restartForwarderLocked(sink)
	return nil
}

// PublishEvent publishes an event on the session's bus.
func (s *Session) PublishEvent(evt bus.Event) {
	evt.CallID = s.CallID
	s.Bus.Publish(evt)
}

// Track returns a track by ID, for components (RTP endpoint, turn
// coordinator) that need direct push/pull access rather than going through
// an edge.
func (s *Session) Track(id media.TrackID) (*track.Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[id]
	return t, ok
}

// Shutdown cancels every forwarder task, closes every track, and shuts down
// the event bus. Safe to call more than once. Tracks are closed in map
// iteration order, so the close order is not defined and does not follow
// creation order. The session context is cancelled at once, so forwarders
// do not drain queued frames; Shutdown then blocks for up to 100ms waiting
// for them to return (logging a warning if they do not) before it closes
// the tracks.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()

	ids := make([]media.TrackID, 0, len(s.tracks))
	for id := range s.tracks {
		ids = append(ids, id)
	}
	tracksSnapshot := s.tracks
	s.tracks = make(map[media.TrackID]*track.Track)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.eg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		s.logger.Warnw("session: forwarders did not drain within grace period", "call_id", s.CallID)
	}

	for i := len(ids) - 1; i >= 0; i-- {
		tracksSnapshot[ids[i]].Close()
	}
	s.Bus.Shutdown()
}

func identityTransform(f media.AudioFrame) media.AudioFrame { return f }

// defaultChannelTransform is the transform Connect installs when the
// caller doesn't supply one: identity if the edge's endpoints already
// agree on channel count, otherwise the upmix/downmix spec.md §4.1's
// stereo policy defines, applied at the session layer for scenario 5's
// "push mono into a stereo sink" case rather than only at codec
// decode/encode boundaries.
func defaultChannelTransform(srcChannels, sinkChannels uint16) TransformFunc {
	if srcChannels == sinkChannels || srcChannels == 0 || sinkChannels == 0 {
		return identityTransform
	}
	if srcChannels == 1 && sinkChannels == 2 {
		return func(f media.AudioFrame) media.AudioFrame {
			if f.Samples.Kind != media.SamplesPCM {
				return f
			}
			f.Samples = media.PCMSamples(codec.DuplicateMono(f.Samples.PCM))
			return f
		}
	}
	if srcChannels == 2 && sinkChannels == 1 {
		return func(f media.AudioFrame) media.AudioFrame {
			if f.Samples.Kind != media.SamplesPCM {
				return f
			}
			f.Samples.PCM = codec.DownmixStereo(f.Samples.PCM)
			return f
		}
	}
	return identityTransform
}
