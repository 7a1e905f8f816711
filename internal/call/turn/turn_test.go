// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package turn

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voxrelay/internal/media"
	"github.com/rapidaai/voxrelay/internal/media/bus"
	"github.com/rapidaai/voxrelay/internal/media/track"
	"github.com/rapidaai/voxrelay/internal/provider"
	"github.com/rapidaai/voxrelay/pkg/commons"
)

type noopStream struct {
	partials chan string
	finals   chan string
}

func (s *noopStream) PushAudio(pcm []int16) error { return nil }
func (s *noopStream) Partials() <-chan string      { return s.partials }
func (s *noopStream) Finals() <-chan string        { return s.finals }
func (s *noopStream) Close() error                 { return nil }

type noopTranscriber struct{}

func (noopTranscriber) Start(ctx context.Context, token *provider.CancelToken, sampleRateHz uint32) (provider.TranscriptStream, error) {
	return &noopStream{partials: make(chan string), finals: make(chan string)}, nil
}

type oneShotLLM struct{}

func (oneShotLLM) Stream(ctx context.Context, token *provider.CancelToken, prompt string) (<-chan string, error) {
	out := make(chan string, 1)
	out <- "hello there"
	close(out)
	return out, nil
}

// longUtteranceSynth streams a silent 20ms PCM frame every 20ms for up to
// 3 seconds, stopping early once the cancel token fires — standing in for
// a TTS provider mid-utterance at the moment a barge-in cancels it.
type longUtteranceSynth struct{}

func (longUtteranceSynth) Synthesize(ctx context.Context, token *provider.CancelToken, textChunks <-chan string) (<-chan []int16, error) {
	out := make(chan []int16, 4)
	go func() {
		defer close(out)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case <-token.Done():
				return
			case <-ctx.Done():
				return
			case <-deadline:
				return
			case <-ticker.C:
				select {
				case out <- make([]int16, 160):
				case <-token.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// TestCoordinator_Speak_BargeInInterruptsWithinGracePeriod exercises
// spec.md §8 scenario 4: inject sustained voiced audio 500ms into a 3s
// utterance and expect speak to return well before the utterance ends,
// having published a BargeIn event.
func TestCoordinator_Speak_BargeInInterruptsWithinGracePeriod(t *testing.T) {
	asrTrack := track.New("asr-in", track.Source, 8000, 1)
	playbackTrack := track.New("tts-out", track.Sink, 8000, 1)
	b := bus.New("call-bargein", commons.NewNopLogger())
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	cfg := DefaultConfig()
	cfg.ProviderStopGraceMs = 50 // keep the test fast; production default is 250ms

	coord, err := New(cfg, b, commons.NewNopLogger(), asrTrack, playbackTrack,
		noopTranscriber{}, oneShotLLM{}, longUtteranceSynth{})
	require.NoError(t, err)

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- coord.speak(context.Background(), "call-bargein", "a prompt") }()

	// Let speak() reach its bargeInCh subscription before pushing audio.
	time.Sleep(50 * time.Millisecond)

	loud := sine(440, 8000, 160, 16000)
	ts := uint64(0)
	injectDeadline := time.Now().Add(time.Duration(cfg.BargeInSustainMs+100) * time.Millisecond)
	for time.Now().Before(injectDeadline) {
		require.NoError(t, asrTrack.Push(media.AudioFrame{
			TrackID: "asr-in", Samples: media.PCMSamples(loud), TimestampMs: ts, SampleRateHz: 8000,
		}))
		ts += 20
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("speak did not return after barge-in")
	}
	assert.Less(t, time.Since(start), 2*time.Second, "barge-in should interrupt well before the 3s utterance completes")

	var sawBargeIn bool
	for {
		select {
		case evt := <-sub.Events():
			if evt.Kind == bus.BargeIn {
				sawBargeIn = true
			}
		default:
			assert.True(t, sawBargeIn, "expected a BargeIn event to be published")
			return
		}
	}
}

func sine(freqHz, sampleRate float64, n int, amplitude int16) []int16 {
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(float64(amplitude) * math.Sin(2*math.Pi*freqHz*float64(i)/sampleRate))
	}
	return out
}

func TestRmsDBFS_SilenceIsNegativeInfinity(t *testing.T) {
	assert.True(t, math.IsInf(rmsDBFS(make([]int16, 160)), -1))
}

func TestRmsDBFS_FullScaleSineIsAboutMinus3DBFS(t *testing.T) {
	s := sine(440, 8000, 800, math.MaxInt16)
	dbfs := rmsDBFS(s)
	// A full-scale sine's RMS is amplitude/sqrt(2), i.e. about -3dBFS.
	assert.InDelta(t, -3.0, dbfs, 1.0)
}

func TestRmsDBFS_QuietSignalIsBelowThreshold(t *testing.T) {
	s := sine(440, 8000, 800, 100)
	assert.Less(t, rmsDBFS(s), DefaultConfig().BargeInEnergyThresholdDBFS)
}

func TestMaxCrossCorrelation_IdenticalSignalIsNearOne(t *testing.T) {
	ref := sine(440, 8000, 400, 10000)
	probe := append([]int16(nil), ref[50:150]...)
	corr := maxCrossCorrelation(probe, ref)
	assert.Greater(t, corr, 0.95)
}

func TestMaxCrossCorrelation_UncorrelatedSignalsAreLow(t *testing.T) {
	probe := sine(440, 8000, 100, 10000)
	reference := sine(1200, 8000, 400, 10000)
	corr := maxCrossCorrelation(probe, reference)
	assert.Less(t, corr, 0.7)
}

func TestMaxCrossCorrelation_ShorterReferenceThanProbeIsZero(t *testing.T) {
	probe := make([]int16, 100)
	reference := make([]int16, 10)
	assert.Equal(t, 0.0, maxCrossCorrelation(probe, reference))
}

func TestSubstate_String(t *testing.T) {
	assert.Equal(t, "listening", Listening.String())
	assert.Equal(t, "speaking", Speaking.String())
}

func TestDefaultConfig_SuppressesASRDuringDTMF(t *testing.T) {
	assert.True(t, DefaultConfig().SuppressASRDuringDTMF)
}
