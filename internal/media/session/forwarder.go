// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package session

import (
	"context"
	"math"
	"time"

	"github.com/rapidaai/voxrelay/internal/media"
	"github.com/rapidaai/voxrelay/internal/media/track"
)

// mixAlignDefaultToleranceMs is the timestamp window within which frames from
// different sources are considered the "same slice" for mixing (spec.md
// §4.4: "tolerance of one frame duration").
const mixAlignDefaultToleranceMs = 20

// mixDeadline is how long an unmatched pending frame waits for a mixing
// partner before being emitted solo (spec.md §4.4).
const mixDeadline = 40 * time.Millisecond

// sourcesForSinkLocked collects the edges feeding the given sink. Caller
// must hold s.mu.
func (s *Session) sourcesForSinkLocked(sink media.TrackID) []edgeSpec {
	var out []edgeSpec
	for _, e := range s.edges {
		if e.sink == sink {
			out = append(out, e)
		}
	}
	return out
}

// stopForwarderLocked cancels the running forwarder for a sink, if any.
// Caller must hold s.mu.
func (s *Session) stopForwarderLocked(sink media.TrackID) {
	if cancel, ok := s.sinkCancel[sink]; ok {
		cancel()
		delete(s.sinkCancel, sink)
	}
}

// restartForwarderLocked stops any existing forwarder for sink and starts a
// fresh one over the current edge set. Caller must hold s.mu — this is how
// spec.md §3 invariant 4 ("edge set modified only while the session lock is
// held") extends to the running forwarder task itself.
func (s *Session) restartForwarderLocked(sink media.TrackID) {
	s.stopForwarderLocked(sink)

	edges := s.sourcesForSinkLocked(sink)
	if len(edges) == 0 {
		return
	}
	sinkTrack, ok := s.tracks[sink]
	if !ok {
		return
	}

	fwdCtx, cancel := context.WithCancel(s.ctx)
	s.sinkCancel[sink] = cancel

	sources := make([]*track.Track, 0, len(edges))
	for _, e := range edges {
		if t, ok := s.tracks[e.src]; ok {
			sources = append(sources, t)
		}
	}

	s.eg.Go(func() error {
		s.runForwarder(fwdCtx, sinkTrack, edges, sources)
		return nil
	})
}

type taggedFrame struct {
	src   media.TrackID
	frame media.AudioFrame
}

// runForwarder pulls from every source feeding sinkTrack, applies each
// edge's transform, and pushes into sinkTrack — mixing when more than one
// source is present (spec.md §4.4). It exits when its context is cancelled
// or every source track closes.
func (s *Session) runForwarder(ctx context.Context, sinkTrack *track.Track, edges []edgeSpec, sources []*track.Track) {
	fanIn := make(chan taggedFrame, 64*len(edges))
	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	done := make(chan struct{})
	remaining := int32(len(edges))

	for i, e := range edges {
		e := e
		srcTrack := sources[i]
		ch := srcTrack.Subscribe(64)
		go func() {
			defer func() {
				if atomicDecrAndCheckZero(&remaining) {
					close(done)
				}
			}()
			for {
				select {
				case frame, ok := <-ch:
					if !ok {
						return
					}
					out := e.transform(frame)
					select {
					case fanIn <- taggedFrame{src: e.src, frame: out}:
					case <-subCtx.Done():
						return
					}
				case <-subCtx.Done():
					return
				}
			}
		}()
	}

	if len(edges) == 1 {
		s.runPassthrough(ctx, sinkTrack, fanIn, done)
		return
	}
	s.runMixer(ctx, sinkTrack, fanIn, done)
}

func (s *Session) runPassthrough(ctx context.Context, sinkTrack *track.Track, fanIn <-chan taggedFrame, sourcesDone <-chan struct{}) {
	for {
		select {
		case t, ok := <-fanIn:
			if !ok {
				return
			}
			if err := sinkTrack.Push(t.frame); err != nil {
				s.Bus.Publish(eventForPushError(s.CallID, string(sinkTrack.ID()), err))
			}
		case <-sourcesDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) runMixer(ctx context.Context, sinkTrack *track.Track, fanIn <-chan taggedFrame, sourcesDone <-chan struct{}) {
	pending := map[media.TrackID]media.AudioFrame{}
	arrived := map[media.TrackID]time.Time{}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	emitMixed := func() {
		mixed := mixFrames(pending, sinkTrack.ID(), sinkTrack.SampleRateHz())
		if err := sinkTrack.Push(mixed); err != nil {
			s.Bus.Publish(eventForPushError(s.CallID, string(sinkTrack.ID()), err))
		}
		pending = map[media.TrackID]media.AudioFrame{}
		arrived = map[media.TrackID]time.Time{}
	}

	emitOldestSolo := func() {
		var oldestSrc media.TrackID
		var oldestAt time.Time
		first := true
		for src, at := range arrived {
			if first || at.Before(oldestAt) {
				oldestSrc, oldestAt, first = src, at, false
			}
		}
		if first {
			return
		}
		frame := pending[oldestSrc]
		if err := sinkTrack.Push(frame); err != nil {
			s.Bus.Publish(eventForPushError(s.CallID, string(sinkTrack.ID()), err))
		}
		delete(pending, oldestSrc)
		delete(arrived, oldestSrc)
	}

	tryMix := func() {
		if len(pending) < 2 {
			return
		}
		var minTs, maxTs uint64
		first := true
		for _, f := range pending {
			if first {
				minTs, maxTs = f.TimestampMs, f.TimestampMs
				first = false
				continue
			}
			if f.TimestampMs < minTs {
				minTs = f.TimestampMs
			}
			if f.TimestampMs > maxTs {
				maxTs = f.TimestampMs
			}
		}
		if maxTs-minTs <= mixAlignDefaultToleranceMs {
			emitMixed()
		}
	}

	for {
		select {
		case t, ok := <-fanIn:
			if !ok {
				return
			}
			pending[t.src] = t.frame
			arrived[t.src] = time.Now()
			tryMix()
		case <-ticker.C:
			for _, at := range arrived {
				if time.Since(at) >= mixDeadline {
					emitOldestSolo()
					break
				}
			}
		case <-sourcesDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

// mixFrames sums the pending per-source frames as int32 and hard-clips to
// int16, per spec.md §4.4's tie-break rule. Frames of differing PCM length
// are summed over their common prefix; the mixed frame's length is the
// shortest contributor's length.
func mixFrames(pending map[media.TrackID]media.AudioFrame, sinkID media.TrackID, sinkRate uint32) media.AudioFrame {
	var maxTs uint64
	minLen := -1
	for _, f := range pending {
		if f.TimestampMs > maxTs {
			maxTs = f.TimestampMs
		}
		if f.Samples.Kind != media.SamplesPCM {
			continue
		}
		n := len(f.Samples.PCM)
		if minLen == -1 || n < minLen {
			minLen = n
		}
	}
	if minLen <= 0 {
		return media.AudioFrame{TrackID: sinkID, Samples: media.EmptySamples(), TimestampMs: maxTs, SampleRateHz: sinkRate}
	}

	acc := make([]int32, minLen)
	for _, f := range pending {
		if f.Samples.Kind != media.SamplesPCM {
			continue
		}
		for i := 0; i < minLen; i++ {
			acc[i] += int32(f.Samples.PCM[i])
		}
	}

	mixed := make([]int16, minLen)
	for i, v := range acc {
		mixed[i] = clampInt16(v)
	}

	return media.AudioFrame{
		TrackID:      sinkID,
		Samples:      media.PCMSamples(mixed),
		TimestampMs:  maxTs,
		SampleRateHz: sinkRate,
	}
}

func clampInt16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
