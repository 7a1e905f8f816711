// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/rapidaai/voxrelay/internal/audio/codec"
	"github.com/rapidaai/voxrelay/internal/call/turn"
	"github.com/rapidaai/voxrelay/internal/callrecord"
	"github.com/rapidaai/voxrelay/internal/media"
	"github.com/rapidaai/voxrelay/internal/provider"
	"github.com/rapidaai/voxrelay/pkg/commons"
)

type stubStream struct {
	partials chan string
	finals   chan string
}

func (s *stubStream) PushAudio(pcm []int16) error { return nil }
func (s *stubStream) Partials() <-chan string      { return s.partials }
func (s *stubStream) Finals() <-chan string        { return s.finals }
func (s *stubStream) Close() error                 { return nil }

type stubTranscriber struct {
	mu     sync.Mutex
	stream *stubStream
}

func (t *stubTranscriber) Start(ctx context.Context, token *provider.CancelToken, sampleRateHz uint32) (provider.TranscriptStream, error) {
	s := &stubStream{partials: make(chan string, 4), finals: make(chan string, 4)}
	t.mu.Lock()
	t.stream = s
	t.mu.Unlock()
	return s, nil
}

func (t *stubTranscriber) sendFinal(text string) {
	for {
		t.mu.Lock()
		s := t.stream
		t.mu.Unlock()
		if s != nil {
			s.finals <- text
			return
		}
		time.Sleep(time.Millisecond)
	}
}

type stubLLM struct{}

func (stubLLM) Stream(ctx context.Context, token *provider.CancelToken, prompt string) (<-chan string, error) {
	out := make(chan string, 1)
	out <- "hello there"
	close(out)
	return out, nil
}

type stubSynthesizer struct{}

func (stubSynthesizer) Synthesize(ctx context.Context, token *provider.CancelToken, textChunks <-chan string) (<-chan []int16, error) {
	out := make(chan []int16, 1)
	go func() {
		defer close(out)
		for range textChunks {
		}
		out <- make([]int16, 480)
	}()
	return out, nil
}

func newTestManager(t *testing.T) (*Manager, *stubTranscriber) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, callrecord.AutoMigrate(db))
	store := callrecord.NewStore(db, commons.NewNopLogger())

	transcriber := &stubTranscriber{}
	mgr := NewManager(codec.NewRegistry(), store, turn.DefaultConfig(), commons.NewNopLogger(),
		func() provider.Transcriber { return transcriber },
		func() provider.LLMClient { return stubLLM{} },
		func() provider.Synthesizer { return stubSynthesizer{} },
	)
	return mgr, transcriber
}

func testSDP() NegotiatedSDP {
	return NegotiatedSDP{CodecName: "PCMU", PayloadType: codec.PayloadTypePCMU, PTimeMs: 20, SSRC: 0xC0FFEE}
}

func testStereoSDP() NegotiatedSDP {
	return NegotiatedSDP{CodecName: "opus/48000/2", PayloadType: 96, PTimeMs: 20, SSRC: 0xC0FFEE}
}

func TestManager_Accept_CreatesEstablishedCall(t *testing.T) {
	mgr, _ := newTestManager(t)
	c, err := mgr.Accept(context.Background(), "call-1", testSDP(), func([]byte) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Established, c.State())

	_, err = mgr.Accept(context.Background(), "call-1", testSDP(), func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrCallExists)
}

func TestManager_Hangup_ClosesAndPersists(t *testing.T) {
	mgr, _ := newTestManager(t)
	c, err := mgr.Accept(context.Background(), "call-2", testSDP(), func([]byte) error { return nil })
	require.NoError(t, err)

	require.NoError(t, mgr.Hangup(context.Background(), "call-2", "hangup"))
	assert.Equal(t, Closed, c.State())

	_, ok := mgr.Get("call-2")
	assert.False(t, ok)

	err = mgr.Hangup(context.Background(), "call-2", "hangup")
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestManager_InjectText_UnknownCallErrors(t *testing.T) {
	mgr, _ := newTestManager(t)
	err := mgr.InjectText("nope", "hi")
	assert.ErrorIs(t, err, ErrCallNotFound)
}

func TestManager_InjectText_DrivesSpeakingTurnToRTPOutput(t *testing.T) {
	mgr, _ := newTestManager(t)

	var mu sync.Mutex
	var sent [][]byte
	sendRTP := func(wire []byte) error {
		mu.Lock()
		sent = append(sent, wire)
		mu.Unlock()
		return nil
	}

	_, err := mgr.Accept(context.Background(), "call-3", testSDP(), sendRTP)
	require.NoError(t, err)

	require.NoError(t, mgr.InjectText("call-3", "force a turn"))

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for rtp output from injected turn")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestManager_InjectText_StereoCodec_DrivesSpeakingTurnToRTPOutput exercises
// a stereo-negotiated codec end to end: the playback -> rtp-out edge must
// not duplicate channels on top of the encoder's own upmix, or every
// outbound packet silently fails to encode and this test times out with
// zero sent frames.
func TestManager_InjectText_StereoCodec_DrivesSpeakingTurnToRTPOutput(t *testing.T) {
	mgr, _ := newTestManager(t)

	var mu sync.Mutex
	var sent [][]byte
	sendRTP := func(wire []byte) error {
		mu.Lock()
		sent = append(sent, wire)
		mu.Unlock()
		return nil
	}

	_, err := mgr.Accept(context.Background(), "call-stereo", testStereoSDP(), sendRTP)
	require.NoError(t, err)

	require.NoError(t, mgr.InjectText("call-stereo", "force a turn"))

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for rtp output from injected turn on a stereo codec")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestRtpToASRTransform_DoesNotReapplyChannelMixing guards against
// rtpToASRTransform re-downmixing PCM that the codec's own Decode already
// downmixed: at a matched sample rate (identity resample) the transform must
// pass PCM through unchanged, not halve its length.
func TestRtpToASRTransform_DoesNotReapplyChannelMixing(t *testing.T) {
	transform := rtpToASRTransform(asrSampleRateHz)
	pcm := []int16{10, 20, 30, 40}
	out := transform(media.AudioFrame{Samples: media.PCMSamples(pcm), SampleRateHz: asrSampleRateHz})
	assert.Equal(t, pcm, out.Samples.PCM)
}

// TestPlaybackToRTPTransform_DoesNotReapplyChannelMixing guards against
// playbackToRTPTransform re-upmixing PCM that the codec's own Encode already
// upmixes: at a matched sample rate (identity resample) the transform must
// pass PCM through unchanged, not double its length.
func TestPlaybackToRTPTransform_DoesNotReapplyChannelMixing(t *testing.T) {
	transform := playbackToRTPTransform(ttsSampleRateHz)
	pcm := []int16{10, 20, 30, 40}
	out := transform(media.AudioFrame{Samples: media.PCMSamples(pcm), SampleRateHz: ttsSampleRateHz})
	assert.Equal(t, pcm, out.Samples.PCM)
}

func TestManager_SubscribeEvents_SeesCallEstablished(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, err := mgr.Accept(context.Background(), "call-4", testSDP(), func([]byte) error { return nil })
	require.NoError(t, err)

	sub, err := mgr.SubscribeEvents("call-4")
	require.NoError(t, err)
	assert.NotNil(t, sub.Events())
	sub.Unsubscribe()
}
