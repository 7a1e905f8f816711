// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package turn implements the conversational turn/barge-in coordinator
// described in spec.md §4.8: it drives Listening <-> Speaking transitions,
// wires ASR transcripts into the LLM, LLM deltas into TTS, detects
// barge-in via energy threshold + VAD, and suppresses echo by
// cross-correlating ASR input against recent playback. Grounded on the
// teacher's turn-taking control embedded in its websocketExecutor
// goroutine pattern (internal/agent/executor/llm/internal/websocket),
// generalized from a single LLM-stream pump into the full
// listen/speak/interrupt cycle.
package turn

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/rapidaai/voxrelay/internal/media"
	"github.com/rapidaai/voxrelay/internal/media/bus"
	"github.com/rapidaai/voxrelay/internal/media/track"
	"github.com/rapidaai/voxrelay/internal/provider"
	"github.com/rapidaai/voxrelay/pkg/commons"
)

// Substate is the turn coordinator's state under the call controller's
// Established state.
type Substate int

const (
	Listening Substate = iota
	Speaking
)

func (s Substate) String() string {
	if s == Speaking {
		return "speaking"
	}
	return "listening"
}

// Config tunes barge-in and echo suppression (spec.md §10's Open Question
// decisions: the threshold is a configurable tunable, ANDed with a VAD
// gate to avoid false triggers on pure noise bursts).
type Config struct {
	BargeInEnergyThresholdDBFS float64
	BargeInVADThreshold        float64
	BargeInSustainMs           int
	EchoCorrelationThreshold   float64
	EchoMaxLagMs               int
	ProviderStopGraceMs        int
	// VADModelPath points at the silero onnx model file; if empty, the
	// Detector fails to construct and barge-in falls back to energy-only
	// gating (see New).
	VADModelPath string
	// SuppressASRDuringDTMF implements the Open Question decision recorded
	// in SPEC_FULL.md §10: while a DTMF digit is held down, ASR input is
	// suppressed so IVR digit entry doesn't get transcribed as speech.
	SuppressASRDuringDTMF bool
}

// DefaultConfig matches internal/config's defaults.
func DefaultConfig() Config {
	return Config{
		BargeInEnergyThresholdDBFS: -30.0,
		BargeInVADThreshold:        0.6,
		BargeInSustainMs:           200,
		EchoCorrelationThreshold:   0.7,
		EchoMaxLagMs:               80,
		ProviderStopGraceMs:        250,
		SuppressASRDuringDTMF:      true,
	}
}

// Coordinator drives one call's turn loop.
type Coordinator struct {
	cfg    Config
	bus    *bus.Bus
	logger commons.Logger

	asrTrack      *track.Track
	playbackTrack *track.Track

	transcriber provider.Transcriber
	llm         provider.LLMClient
	synthesizer provider.Synthesizer

	vad *speech.Detector

	injectCh chan string

	mu             sync.Mutex
	state          Substate
	dtmfActive     bool
	cancelToken    *provider.CancelToken
	recentPlayback []int16
}

// New creates a turn coordinator wired to one call's ASR input track and
// playback output track.
func New(cfg Config, b *bus.Bus, logger commons.Logger, asrTrack, playbackTrack *track.Track,
	transcriber provider.Transcriber, llm provider.LLMClient, synthesizer provider.Synthesizer) (*Coordinator, error) {

	vad, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.VADModelPath,
		SampleRate:           int(asrTrack.SampleRateHz()),
		WindowSize:           512,
		Threshold:            float32(cfg.BargeInVADThreshold),
		SpeechPadMs:          0,
		MinSilenceDurationMs: cfg.BargeInSustainMs,
	})
	if err != nil {
		// VAD model unavailable (e.g. no model file configured): fall back
		// to energy-only gating rather than failing call setup — barge-in
		// detection degrades gracefully instead of being fatal.
		logger.Warnw("turn: VAD detector unavailable, falling back to energy-only barge-in gating", "error", err.Error())
		vad = nil
	}

	return &Coordinator{
		cfg:           cfg,
		bus:           b,
		logger:        logger,
		asrTrack:      asrTrack,
		playbackTrack: playbackTrack,
		transcriber:   transcriber,
		llm:           llm,
		synthesizer:   synthesizer,
		vad:           vad,
		state:         Listening,
		injectCh:      make(chan string, 1),
	}, nil
}

// InjectText forces the current Listening phase to begin a Speaking turn
// from the given text, bypassing ASR — used by the call controller's
// inject_text control-surface operation (spec.md §6, e.g. IVR/testing).
// Non-blocking: injectCh holds one text, so a text injected while a turn
// is in flight waits for the next Listening phase; a further text while
// one is already waiting is refused and InjectText returns false.
func (c *Coordinator) InjectText(text string) bool {
	select {
	case c.injectCh <- text:
		return true
	default:
		return false
	}
}

// State reports the coordinator's current substate.
func (c *Coordinator) State() Substate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetDtmfActive is called by the RTP endpoint's DTMF detection whenever a
// telephone-event digit's active state changes.
func (c *Coordinator) SetDtmfActive(active bool) {
	c.mu.Lock()
	c.dtmfActive = active
	c.mu.Unlock()
}

// Run drives the turn loop until ctx is cancelled. Enters Listening on
// call answer (spec.md §4.8); forwards ASR partials to the event bus; on a
// final transcript, submits to the LLM and transitions to Speaking.
func (c *Coordinator) Run(ctx context.Context, callID string) error {
	for {
		if err := c.listen(ctx, callID); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// listen runs one Listening phase: streams ASR audio, forwards partials,
// and on a final transcript kicks off the Speaking phase synchronously
// before returning to the caller's loop.
func (c *Coordinator) listen(ctx context.Context, callID string) error {
	c.mu.Lock()
	c.state = Listening
	c.mu.Unlock()

	token := provider.NewCancelToken()
	stream, err := c.transcriber.Start(ctx, token, c.asrTrack.SampleRateHz())
	if err != nil {
		c.bus.Publish(bus.Event{Kind: bus.Error, CallID: callID, ErrKind: bus.ErrorKindProviderUnavailable, Detail: err.Error()})
		return err
	}
	defer stream.Close()

	sub := c.asrTrack.Subscribe(64)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case text := <-c.injectCh:
			return c.speak(ctx, callID, text)

		case final, ok := <-stream.Finals():
			if !ok {
				return nil
			}
			c.bus.Publish(bus.Event{Kind: bus.TranscriptFinal, CallID: callID, Track: string(c.asrTrack.ID()), Text: final})
			return c.speak(ctx, callID, final)

		case partial, ok := <-stream.Partials():
			if !ok {
				continue
			}
			c.bus.Publish(bus.Event{Kind: bus.TranscriptPartial, CallID: callID, Track: string(c.asrTrack.ID()), Text: partial})

		case frame, ok := <-sub:
			if !ok {
				return nil
			}
			c.mu.Lock()
			suppressed := c.cfg.SuppressASRDuringDTMF && c.dtmfActive
			c.mu.Unlock()
			if suppressed || frame.Samples.Kind != media.SamplesPCM {
				continue
			}
			_ = stream.PushAudio(frame.Samples.PCM)
		}
	}
}

// speak runs the Speaking phase: streams LLM deltas into the synthesizer,
// pushes resulting PCM onto the playback track, and watches for barge-in
// on the ASR input concurrently. Returns once the utterance completes or
// is interrupted.
func (c *Coordinator) speak(ctx context.Context, callID string, prompt string) error {
	c.mu.Lock()
	c.state = Speaking
	token := provider.NewCancelToken()
	c.cancelToken = token
	c.mu.Unlock()

	speakCtx, cancelSpeak := context.WithCancel(ctx)
	defer cancelSpeak()

	deltas, err := c.llm.Stream(speakCtx, token, prompt)
	if err != nil {
		c.bus.Publish(bus.Event{Kind: bus.Error, CallID: callID, ErrKind: bus.ErrorKindProviderUnavailable, Detail: err.Error()})
		return nil
	}

	textChunks := make(chan string, 16)
	go func() {
		defer close(textChunks)
		for {
			select {
			case d, ok := <-deltas:
				if !ok {
					return
				}
				c.bus.Publish(bus.Event{Kind: bus.LlmDelta, CallID: callID, Delta: d})
				select {
				case textChunks <- d:
				case <-speakCtx.Done():
					return
				}
			case <-speakCtx.Done():
				return
			}
		}
	}()

	pcmOut, err := c.synthesizer.Synthesize(speakCtx, token, textChunks)
	if err != nil {
		c.bus.Publish(bus.Event{Kind: bus.Error, CallID: callID, ErrKind: bus.ErrorKindProviderUnavailable, Detail: err.Error()})
		return nil
	}

	c.bus.Publish(bus.Event{Kind: bus.SpeechStarted, CallID: callID, Track: string(c.playbackTrack.ID())})

	bargeInCh := c.watchBargeIn(speakCtx)
	ts := uint64(0)
	frameDurMs := uint64(20)

	for {
		select {
		case pcm, ok := <-pcmOut:
			if !ok {
				c.bus.Publish(bus.Event{Kind: bus.LlmComplete, CallID: callID})
				c.bus.Publish(bus.Event{Kind: bus.SpeechEnded, CallID: callID, Track: string(c.playbackTrack.ID())})
				return nil
			}
			c.recordPlayback(pcm)
			_ = c.playbackTrack.Push(media.AudioFrame{
				TrackID: c.playbackTrack.ID(), Samples: media.PCMSamples(pcm),
				TimestampMs: ts, SampleRateHz: c.playbackTrack.SampleRateHz(),
			})
			ts += frameDurMs

		case <-bargeInCh:
			token.Cancel()
			c.bus.Publish(bus.Event{Kind: bus.BargeIn, CallID: callID})
			c.drainPlayback()
			// Give the providers their grace period to stop producing;
			// speak then returns and pcmOut is not read again, so late
			// frames are ignored.
			select {
			case <-time.After(time.Duration(c.cfg.ProviderStopGraceMs) * time.Millisecond):
			case <-ctx.Done():
			}
			return nil

		case <-ctx.Done():
			token.Cancel()
			return ctx.Err()
		}
	}
}

// drainPlayback empties the playback track so no stale frames continue
// playing after a barge-in (spec.md §4.8).
func (c *Coordinator) drainPlayback() {
	for {
		if _, ok := c.playbackTrack.Pull(); !ok {
			return
		}
	}
}

func (c *Coordinator) recordPlayback(pcm []int16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recentPlayback = append(c.recentPlayback, pcm...)
	maxSamples := int(c.asrTrack.SampleRateHz()) * c.cfg.EchoMaxLagMs / 1000 * 4
	if len(c.recentPlayback) > maxSamples {
		c.recentPlayback = c.recentPlayback[len(c.recentPlayback)-maxSamples:]
	}
}

// watchBargeIn subscribes to the ASR track while Speaking and signals the
// returned channel once voiced audio above the energy+VAD threshold has
// sustained for BargeInSustainMs, after echo-suppressing frames that
// correlate with recent playback.
func (c *Coordinator) watchBargeIn(ctx context.Context) <-chan struct{} {
	triggered := make(chan struct{}, 1)
	sub := c.asrTrack.Subscribe(64)

	go func() {
		var voicedStart time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-sub:
				if !ok {
					return
				}
				if frame.Samples.Kind != media.SamplesPCM {
					voicedStart = time.Time{}
					continue
				}
				if c.isEcho(frame.Samples.PCM) {
					continue
				}
				if !c.isVoiced(frame.Samples.PCM) {
					voicedStart = time.Time{}
					continue
				}
				if voicedStart.IsZero() {
					voicedStart = time.Now()
					continue
				}
				if time.Since(voicedStart) >= time.Duration(c.cfg.BargeInSustainMs)*time.Millisecond {
					select {
					case triggered <- struct{}{}:
					default:
					}
					return
				}
			}
		}
	}()

	return triggered
}

// isVoiced applies the energy threshold AND (when available) the VAD
// threshold — both must agree the frame is speech, per SPEC_FULL.md §10's
// Open Question decision. The detector's state is reset before each call
// since frames are evaluated independently rather than as one continuous
// stream (spec.md's barge-in window is short relative to the detector's
// own internal silence/speech hysteresis).
func (c *Coordinator) isVoiced(pcm []int16) bool {
	dbfs := rmsDBFS(pcm)
	if dbfs < c.cfg.BargeInEnergyThresholdDBFS {
		return false
	}
	if c.vad == nil {
		return true
	}
	if err := c.vad.Reset(); err != nil {
		c.logger.Warnw("turn: VAD reset failed, degrading to energy-only", "error", err.Error())
		return true
	}
	segments, err := c.vad.Detect(pcmToFloat32(pcm))
	if err != nil {
		c.logger.Warnw("turn: VAD detection failed, degrading to energy-only", "error", err.Error())
		return true
	}
	return len(segments) > 0
}

// isEcho reports whether pcm's cross-correlation with the recently played
// audio exceeds the configured threshold within the configured max lag
// (spec.md §4.8's echo suppression rule).
func (c *Coordinator) isEcho(pcm []int16) bool {
	c.mu.Lock()
	playback := append([]int16(nil), c.recentPlayback...)
	c.mu.Unlock()
	if len(playback) == 0 {
		return false
	}
	return maxCrossCorrelation(pcm, playback) >= c.cfg.EchoCorrelationThreshold
}

func rmsDBFS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return math.Inf(-1)
	}
	var sumSq float64
	for _, s := range pcm {
		v := float64(s) / math.MaxInt16
		sumSq += v * v
	}
	rms := math.Sqrt(sumSq / float64(len(pcm)))
	if rms <= 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms)
}

func pcmToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / math.MaxInt16
	}
	return out
}

// maxCrossCorrelation returns the normalized cross-correlation peak
// between a short probe and a reference signal, searched over every lag.
func maxCrossCorrelation(probe, reference []int16) float64 {
	if len(probe) == 0 || len(reference) < len(probe) {
		return 0
	}
	var probeEnergy float64
	for _, s := range probe {
		probeEnergy += float64(s) * float64(s)
	}
	if probeEnergy == 0 {
		return 0
	}

	best := 0.0
	for lag := 0; lag+len(probe) <= len(reference); lag++ {
		var dot, refEnergy float64
		for i, s := range probe {
			r := float64(reference[lag+i])
			dot += float64(s) * r
			refEnergy += r * r
		}
		if refEnergy == 0 {
			continue
		}
		corr := dot / math.Sqrt(probeEnergy*refEnergy)
		if corr > best {
			best = corr
		}
	}
	return best
}

// Close releases the VAD detector's native resources. Safe to call even
// when no detector was constructed.
func (c *Coordinator) Close() error {
	if c.vad == nil {
		return nil
	}
	return c.vad.Destroy()
}
