// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package call implements the call controller state machine described in
// spec.md §4.7 and the session control surface of spec.md §6: accept,
// hangup, inject_text, subscribe_events. It wires the media session, RTP
// endpoint, and turn coordinator together for one call's lifetime.
// Grounded on the teacher's internal/callcontext package for the
// status-transition shape (pending/queued -> claimed -> completed/failed),
// generalized from a claim-once HTTP record into an in-memory state
// machine that owns live goroutines.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rapidaai/voxrelay/internal/audio/codec"
	"github.com/rapidaai/voxrelay/internal/audio/resampler"
	"github.com/rapidaai/voxrelay/internal/call/turn"
	"github.com/rapidaai/voxrelay/internal/callrecord"
	"github.com/rapidaai/voxrelay/internal/media"
	"github.com/rapidaai/voxrelay/internal/media/bus"
	"github.com/rapidaai/voxrelay/internal/media/rtp"
	"github.com/rapidaai/voxrelay/internal/media/session"
	"github.com/rapidaai/voxrelay/internal/media/track"
	"github.com/rapidaai/voxrelay/internal/provider"
	"github.com/rapidaai/voxrelay/pkg/commons"
)

// State is the call controller's lifecycle state (spec.md §4.7's diagram).
type State int

const (
	Init State = iota
	Ringing
	Established
	Terminating
	Closed
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Ringing:
		return "ringing"
	case Established:
		return "established"
	case Terminating:
		return "terminating"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// asrSampleRateHz and ttsSampleRateHz are the internal rates the provider
// adapters operate at; the RTP codec's native rate is bridged via the
// resampler on the rtp-in/rtp-out edges.
const (
	asrSampleRateHz = 16000
	ttsSampleRateHz = 24000
)

// NegotiatedSDP is the subset of the signalling layer's SDP negotiation
// result the core needs (spec.md §6's "supplies a negotiated codec set and
// a bidirectional RTP transport handle" — the transport handle itself is
// the sendRTP callback passed to Accept, not part of this struct).
type NegotiatedSDP struct {
	CodecName   string
	PayloadType codec.PayloadType
	PTimeMs     int
	SSRC        uint32
}

// SendRTPFunc hands an encoded RTP packet to the signalling layer's live
// transport; the core never owns a socket (spec.md §1's non-goals).
type SendRTPFunc func(wire []byte) error

// Call is one call's live state: its media session, RTP endpoint, and turn
// coordinator, plus the bookkeeping needed to emit a CallRecord at teardown.
type Call struct {
	ID        string
	Session   *session.Session
	CodecName string

	mu        sync.Mutex
	state     State
	startedAt time.Time
	endedAt   time.Time

	endpoint *rtp.Endpoint
	turn     *turn.Coordinator
	cancel   context.CancelFunc

	transcripts     []callrecord.TranscriptEntry
	turns           []callrecord.TurnEntry
	pendingLlmText  string
	currentTurnStartMs uint64
}

// State reports the call's current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartedAt reports when the call was accepted.
func (c *Call) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

func (c *Call) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Manager owns every live call and the factories needed to build one
// (codec registry, provider adapters, persistence).
type Manager struct {
	mu    sync.Mutex
	calls map[string]*Call

	codecRegistry *codec.Registry
	store         callrecord.Store
	turnConfig    turn.Config
	logger        commons.Logger

	newTranscriber func() provider.Transcriber
	newLLM         func() provider.LLMClient
	newSynthesizer func() provider.Synthesizer
}

// NewManager builds a call manager. The three factory functions mint a
// fresh provider adapter instance per call, since provider sessions are not
// shared across calls (spec.md §5: codec/track state is single-owner; the
// same discipline extends to provider connections).
func NewManager(codecRegistry *codec.Registry, store callrecord.Store, turnConfig turn.Config, logger commons.Logger,
	newTranscriber func() provider.Transcriber, newLLM func() provider.LLMClient, newSynthesizer func() provider.Synthesizer) *Manager {
	return &Manager{
		calls:          make(map[string]*Call),
		codecRegistry:  codecRegistry,
		store:          store,
		turnConfig:     turnConfig,
		logger:         logger,
		newTranscriber: newTranscriber,
		newLLM:         newLLM,
		newSynthesizer: newSynthesizer,
	}
}

// ErrCallExists is returned by Accept when callID is already registered.
var ErrCallExists = errors.New("call: already exists")

// ErrCallNotFound is returned when an operation references an unknown call.
var ErrCallNotFound = errors.New("call: not found")

// ErrNotEstablished is returned by operations that require the Established
// state (e.g. inject_text).
var ErrNotEstablished = errors.New("call: not established")

// Accept implements spec.md §6's `accept(call_id, sdp_negotiated) ->
// session_handle`: builds the media session, RTP endpoint, and turn
// coordinator, publishes CallRinging, creates the Call directly in
// Established and publishes CallEstablished, and starts the turn loop.
// Returns the Call as the session handle.
func (m *Manager) Accept(ctx context.Context, callID string, sdp NegotiatedSDP, sendRTP SendRTPFunc) (*Call, error) {
	m.mu.Lock()
	if _, exists := m.calls[callID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCallExists, callID)
	}
	m.mu.Unlock()

	callCtx, cancel := context.WithCancel(ctx)
	sess := session.New(callCtx, callID, m.logger)
	sess.PublishEvent(bus.Event{Kind: bus.CallRinging})

	wireCodec, err := m.codecRegistry.New(sdp.CodecName)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("call: %s: %w", callID, err)
	}
	endpoint := rtp.NewEndpoint(sdp.SSRC, sdp.PayloadType, sdp.PTimeMs, wireCodec, wireCodec)

	rtpInID := media.TrackID("rtp-in")
	asrID := media.TrackID("asr")
	playbackID := media.TrackID("playback")
	rtpOutID := media.TrackID("rtp-out")

	if _, err := sess.AddTrack(rtpInID, track.Source, wireCodec.SampleRate(), wireCodec.Channels()); err != nil {
		cancel()
		return nil, err
	}
	asrTrack, err := sess.AddTrack(asrID, track.Sink, asrSampleRateHz, 1)
	if err != nil {
		cancel()
		return nil, err
	}
	playbackTrack, err := sess.AddTrack(playbackID, track.Source, ttsSampleRateHz, 1)
	if err != nil {
		cancel()
		return nil, err
	}
	if _, err := sess.AddTrack(rtpOutID, track.Sink, wireCodec.SampleRate(), wireCodec.Channels()); err != nil {
		cancel()
		return nil, err
	}

	if err := sess.Connect(rtpInID, asrID, rtpToASRTransform(wireCodec.SampleRate())); err != nil {
		cancel()
		return nil, err
	}
	if err := sess.Connect(playbackID, rtpOutID, playbackToRTPTransform(wireCodec.SampleRate())); err != nil {
		cancel()
		return nil, err
	}

	coordinator, err := turn.New(m.turnConfig, sess.Bus, m.logger, asrTrack, playbackTrack,
		m.newTranscriber(), m.newLLM(), m.newSynthesizer())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("call: %s: turn coordinator: %w", callID, err)
	}

	c := &Call{
		ID:        callID,
		Session:   sess,
		CodecName: sdp.CodecName,
		state:     Established,
		startedAt: time.Now(),
		endpoint:  endpoint,
		turn:      coordinator,
		cancel:    cancel,
	}

	m.mu.Lock()
	m.calls[callID] = c
	m.mu.Unlock()

	if err := m.store.Create(ctx, callID, c.startedAt); err != nil {
		m.logger.Warnw("call: failed to persist call record on accept", "call_id", callID, "error", err.Error())
	}

	sess.PublishEvent(bus.Event{Kind: bus.CallEstablished})

	m.startRTPOutForwarder(c, sess, rtpOutID, sendRTP)
	m.startRecorder(c, sess)

	go func() {
		if err := coordinator.Run(callCtx, callID); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warnw("call: turn loop ended with error", "call_id", callID, "error", err.Error())
		}
	}()

	return c, nil
}

// ReceiveRTP feeds one inbound RTP packet (as raw wire bytes) from the
// signalling layer's transport into the call's endpoint and pushes any
// resulting frames onto the rtp-in track.
func (c *Call) ReceiveRTP(wire []byte) error {
	result, err := c.endpoint.Depacketize(wire)
	if err != nil {
		c.Session.PublishEvent(bus.Event{Kind: bus.Error, ErrKind: bus.ErrorKindDecodeFailure, Detail: err.Error()})
		return nil
	}
	if result.Dtmf != nil {
		c.Session.PublishEvent(bus.Event{Kind: bus.DtmfReceived, Digit: result.Dtmf.Digit})
	}
	_, dtmfActive := c.endpoint.DtmfActive()
	c.turn.SetDtmfActive(dtmfActive)

	t, ok := c.Session.Track("rtp-in")
	if !ok {
		return nil
	}
	for _, frame := range result.Frames {
		frame.TrackID = "rtp-in"
		if pushErr := t.Push(frame); pushErr != nil {
			c.Session.PublishEvent(bus.Event{Kind: bus.Error, ErrKind: bus.ErrorKindClockRegression, Detail: pushErr.Error()})
		}
	}
	return nil
}

// startRTPOutForwarder subscribes to the rtp-out track, encodes and
// packetizes each frame, and hands the wire bytes to the signalling layer.
func (m *Manager) startRTPOutForwarder(c *Call, sess *session.Session, rtpOutID media.TrackID, sendRTP SendRTPFunc) {
	t, ok := sess.Track(rtpOutID)
	if !ok {
		return
	}
	sub := t.Subscribe(64)
	go func() {
		for frame := range sub {
			if frame.Samples.Kind != media.SamplesPCM {
				continue
			}
			wire, err := c.endpoint.Packetize(frame.Samples.PCM)
			if err != nil {
				// Encoder produced an empty payload (spec.md §4.1: caller
				// drops the frame and advances the clock); nothing to send.
				continue
			}
			if err := sendRTP(wire); err != nil {
				m.logger.Warnw("call: rtp send failed", "call_id", c.ID, "error", err.Error())
			}
		}
	}()
}

// rtpToASRTransform builds the rtp-in -> asr edge transform: resample from
// the negotiated codec rate to the ASR-facing rate. Channel adaptation is
// not this transform's concern — spec.md §4.1 makes upmix/downmix "a
// decoder/encoder responsibility, not the session's", and wireCodec.Decode
// already hands back PCM in the channel count wireCodec.Channels() declares.
func rtpToASRTransform(codecRate uint32) session.TransformFunc {
	rs := resampler.New(codecRate, asrSampleRateHz)
	return func(f media.AudioFrame) media.AudioFrame {
		if f.Samples.Kind != media.SamplesPCM {
			return media.AudioFrame{TrackID: f.TrackID, Samples: f.Samples, TimestampMs: f.TimestampMs, SampleRateHz: asrSampleRateHz}
		}
		pcm := rs.Resample(f.Samples.PCM)
		return media.AudioFrame{TrackID: f.TrackID, Samples: media.PCMSamples(pcm), TimestampMs: f.TimestampMs, SampleRateHz: asrSampleRateHz}
	}
}

// playbackToRTPTransform builds the playback -> rtp-out edge transform:
// resample from the TTS rate to the negotiated codec rate. Channel
// adaptation is left to wireCodec.Encode, which already upmixes mono PCM
// to whatever channel count it was negotiated at (spec.md §4.1).
func playbackToRTPTransform(codecRate uint32) session.TransformFunc {
	rs := resampler.New(ttsSampleRateHz, codecRate)
	return func(f media.AudioFrame) media.AudioFrame {
		if f.Samples.Kind != media.SamplesPCM {
			return media.AudioFrame{TrackID: f.TrackID, Samples: f.Samples, TimestampMs: f.TimestampMs, SampleRateHz: codecRate}
		}
		pcm := rs.Resample(f.Samples.PCM)
		return media.AudioFrame{TrackID: f.TrackID, Samples: media.PCMSamples(pcm), TimestampMs: f.TimestampMs, SampleRateHz: codecRate}
	}
}

// startRecorder subscribes to the call's bus and accumulates transcript and
// turn entries for the eventual CallRecord (spec.md §6's emitted shape).
func (m *Manager) startRecorder(c *Call, sess *session.Session) {
	sub := sess.Bus.Subscribe()
	go func() {
		for evt := range sub.Events() {
			c.mu.Lock()
			switch evt.Kind {
			case bus.TranscriptFinal:
				c.transcripts = append(c.transcripts, callrecord.TranscriptEntry{Role: "user", Text: evt.Text, TMs: evt.TimestampMs})
			case bus.LlmDelta:
				c.pendingLlmText += evt.Delta
			case bus.SpeechStarted:
				c.currentTurnStartMs = evt.TimestampMs
			case bus.SpeechEnded:
				if c.pendingLlmText != "" {
					c.transcripts = append(c.transcripts, callrecord.TranscriptEntry{Role: "assistant", Text: c.pendingLlmText, TMs: evt.TimestampMs})
					c.pendingLlmText = ""
				}
				c.turns = append(c.turns, callrecord.TurnEntry{StartedAtMs: c.currentTurnStartMs, EndedAtMs: evt.TimestampMs})
			case bus.BargeIn:
				if n := len(c.turns); n > 0 {
					c.turns[n-1].BargedIn = true
				}
			}
			c.mu.Unlock()
		}
	}()
}

// Hangup implements spec.md §6's `hangup(call_id, reason)`: transitions
// Established -> Terminating -> Closed, releasing every resource and
// flushing the call record exactly once (spec.md §4.7: "notifies the event
// bus once").
func (m *Manager) Hangup(ctx context.Context, callID, reason string) error {
	m.mu.Lock()
	c, ok := m.calls[callID]
	if ok {
		delete(m.calls, callID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}

	c.setState(Terminating)
	c.cancel()

	c.mu.Lock()
	c.endedAt = time.Now()
	transcripts := append([]callrecord.TranscriptEntry(nil), c.transcripts...)
	turns := append([]callrecord.TurnEntry(nil), c.turns...)
	c.mu.Unlock()

	c.Session.PublishEvent(bus.Event{Kind: bus.CallEnded, Reason: reason})

	if err := c.turn.Close(); err != nil {
		m.logger.Warnw("call: turn coordinator close failed", "call_id", callID, "error", err.Error())
	}
	c.Session.Shutdown()

	if err := m.store.Complete(ctx, callID, reason, c.CodecName, c.endedAt, transcripts, turns); err != nil {
		m.logger.Warnw("call: failed to persist call record on hangup", "call_id", callID, "error", err.Error())
	}

	c.setState(Closed)
	return nil
}

// InjectText implements spec.md §6's `inject_text(call_id, text)`: forces
// the turn coordinator to begin a Speaking turn from the given text,
// bypassing ASR (for testing/IVR).
func (m *Manager) InjectText(callID, text string) error {
	m.mu.Lock()
	c, ok := m.calls[callID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if c.State() != Established {
		return fmt.Errorf("%w: %s is %s", ErrNotEstablished, callID, c.State())
	}
	if !c.turn.InjectText(text) {
		return fmt.Errorf("call: %s: a turn is already in progress", callID)
	}
	return nil
}

// SubscribeEvents implements spec.md §6's `subscribe_events(call_id) ->
// stream`.
func (m *Manager) SubscribeEvents(callID string) (*bus.Subscription, error) {
	m.mu.Lock()
	c, ok := m.calls[callID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	return c.Session.Bus.Subscribe(), nil
}

// Get returns the live Call for callID, if any.
func (m *Manager) Get(callID string) (*Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	return c, ok
}

// ActiveCallIDs returns the IDs of every call currently tracked by the
// manager, for operator-facing introspection.
func (m *Manager) ActiveCallIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	return ids
}
