// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/voxrelay/pkg/commons"
)

func TestBus_FIFOAcrossSubscribers(t *testing.T) {
	b := New("call-1", commons.NewNopLogger())
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Publish(Event{Kind: CallRinging, CallID: "call-1"})
	b.Publish(Event{Kind: CallEstablished, CallID: "call-1"})

	for _, sub := range []*Subscription{sub1, sub2} {
		e1 := <-sub.Events()
		e2 := <-sub.Events()
		assert.Equal(t, CallRinging, e1.Kind)
		assert.Equal(t, CallEstablished, e2.Kind)
	}
}

func TestBus_LateSubscriberMissesHistory(t *testing.T) {
	b := New("call-1", commons.NewNopLogger())
	b.Publish(Event{Kind: CallRinging, CallID: "call-1"})

	sub := b.Subscribe()
	b.Publish(Event{Kind: CallEstablished, CallID: "call-1"})

	e := <-sub.Events()
	assert.Equal(t, CallEstablished, e.Kind)
}

func TestBus_LeakySubscriber_DropsOldestAndNotifiesOnce(t *testing.T) {
	b := New("call-1", commons.NewNopLogger())
	sub := b.Subscribe()

	// Fill the subscriber's queue well past capacity without draining.
	for i := 0; i < subscriberCapacity+10; i++ {
		b.Publish(Event{Kind: TranscriptPartial, CallID: "call-1", Text: "x"})
	}

	lagCount := 0
	drained := 0
	for {
		select {
		case e := <-sub.Events():
			drained++
			if e.Kind == Error && e.ErrKind == ErrorKindSubscriberLag {
				lagCount++
			}
		default:
			goto done
		}
	}
done:
	assert.Equal(t, 1, lagCount, "exactly one subscriber_lag notification per lag episode")
	assert.LessOrEqual(t, drained, subscriberCapacity)
}

func TestBus_Unsubscribe_ClosesChannel(t *testing.T) {
	b := New("call-1", commons.NewNopLogger())
	sub := b.Subscribe()
	sub.Unsubscribe()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic or block.
	b.Publish(Event{Kind: CallEnded, CallID: "call-1"})
}

func TestBus_Shutdown_ClosesAllSubscribers(t *testing.T) {
	b := New("call-1", commons.NewNopLogger())
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Shutdown()

	_, ok1 := <-sub1.Events()
	_, ok2 := <-sub2.Events()
	assert.False(t, ok1)
	assert.False(t, ok2)

	// Shutdown is idempotent.
	b.Shutdown()
}

func TestBus_NoSubscribers_PublishDoesNotBlock(t *testing.T) {
	b := New("call-1", commons.NewNopLogger())
	require.NotPanics(t, func() {
		b.Publish(Event{Kind: CallRinging, CallID: "call-1"})
	})
}
