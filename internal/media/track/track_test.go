// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package track

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voxrelay/internal/media"
)

func frameAt(ts uint64, rate uint32, n int) media.AudioFrame {
	return media.AudioFrame{
		TrackID:      "t1",
		Samples:      media.PCMSamples(make([]int16, n)),
		TimestampMs:  ts,
		SampleRateHz: rate,
	}
}

func TestTrack_PushPull_FIFO(t *testing.T) {
	tr := New("t1", Source, 16000, 1)

	require.NoError(t, tr.Push(frameAt(0, 16000, 320)))
	require.NoError(t, tr.Push(frameAt(20, 16000, 320)))

	f1, ok := tr.Pull()
	require.True(t, ok)
	assert.Equal(t, uint64(0), f1.TimestampMs)

	f2, ok := tr.Pull()
	require.True(t, ok)
	assert.Equal(t, uint64(20), f2.TimestampMs)

	_, ok = tr.Pull()
	assert.False(t, ok)
}

func TestTrack_ClockRegression(t *testing.T) {
	tr := New("t1", Source, 16000, 1)
	require.NoError(t, tr.Push(frameAt(100, 16000, 320)))

	err := tr.Push(frameAt(100, 16000, 320))
	assert.ErrorIs(t, err, ErrClockRegression)

	err = tr.Push(frameAt(50, 16000, 320))
	assert.ErrorIs(t, err, ErrClockRegression)
}

func TestTrack_SampleRateMismatch(t *testing.T) {
	tr := New("t1", Source, 16000, 1)
	err := tr.Push(frameAt(0, 8000, 160))
	assert.ErrorIs(t, err, ErrSampleRateMismatch)
}

func TestTrack_BackpressureDropsOldest(t *testing.T) {
	var droppedTrack media.TrackID
	var droppedCount int
	tr := New("t1", Source, 16000, 1,
		WithBoundMs(100), // 5 frames of 20ms
		WithFrameDroppedFunc(func(id media.TrackID, count int) {
			droppedTrack = id
			droppedCount += count
		}),
	)

	// 20ms frames at 16kHz mono = 320 samples each.
	for i := 0; i < 7; i++ {
		require.NoError(t, tr.Push(frameAt(uint64(i*20), 16000, 320)))
	}

	assert.Equal(t, media.TrackID("t1"), droppedTrack)
	assert.Equal(t, 2, droppedCount)

	// The oldest two frames (ts=0, ts=20) should have been evicted; the
	// first frame still in the queue is ts=40.
	f, ok := tr.Pull()
	require.True(t, ok)
	assert.Equal(t, uint64(40), f.TimestampMs)
}

func TestTrack_Subscribe_SeesOnlyFutureFrames(t *testing.T) {
	tr := New("t1", Source, 16000, 1)
	require.NoError(t, tr.Push(frameAt(0, 16000, 320)))

	sub := tr.Subscribe(4)
	require.NoError(t, tr.Push(frameAt(20, 16000, 320)))

	select {
	case f := <-sub:
		assert.Equal(t, uint64(20), f.TimestampMs)
	default:
		t.Fatal("expected subscriber to observe the frame pushed after Subscribe")
	}

	select {
	case <-sub:
		t.Fatal("subscriber should not see history predating Subscribe")
	default:
	}
}

func TestTrack_Close_ClosesSubscriberChannels(t *testing.T) {
	tr := New("t1", Source, 16000, 1)
	sub := tr.Subscribe(1)

	tr.Close()
	assert.True(t, tr.Closed())

	_, ok := <-sub
	assert.False(t, ok, "subscriber channel should be closed")

	// Close is idempotent.
	tr.Close()
}

func TestTrack_EmptySamplesAdvanceClockWithoutData(t *testing.T) {
	tr := New("t1", Source, 16000, 1)
	empty := media.AudioFrame{
		TrackID:      "t1",
		Samples:      media.EmptySamples(),
		TimestampMs:  0,
		SampleRateHz: 16000,
	}
	require.NoError(t, tr.Push(empty))

	f, ok := tr.Pull()
	require.True(t, ok)
	assert.Equal(t, media.SamplesEmpty, f.Samples.Kind)
}
