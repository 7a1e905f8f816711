// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package bus implements the per-call typed event broadcast described in
// spec.md §4.6: FIFO delivery across subscribers, with leaky-subscriber
// semantics so one slow consumer can never stall the others. The
// bounded-channel-plus-drop-oldest idiom is the same one the teacher uses
// for its input/output channels (internal/channel/webrtc/base_streamer.go),
// here applied per-subscriber instead of per-streamer.
package bus

import (
	"sync"

	"github.com/rapidaai/voxrelay/pkg/commons"
)

// Kind identifies an event's type.
type Kind int

const (
	CallRinging Kind = iota
	CallEstablished
	CallEnded
	TranscriptPartial
	TranscriptFinal
	LlmDelta
	LlmComplete
	SpeechStarted
	SpeechEnded
	BargeIn
	FrameDropped
	DtmfReceived
	Error
)

func (k Kind) String() string {
	switch k {
	case CallRinging:
		return "CallRinging"
	case CallEstablished:
		return "CallEstablished"
	case CallEnded:
		return "CallEnded"
	case TranscriptPartial:
		return "TranscriptPartial"
	case TranscriptFinal:
		return "TranscriptFinal"
	case LlmDelta:
		return "LlmDelta"
	case LlmComplete:
		return "LlmComplete"
	case SpeechStarted:
		return "SpeechStarted"
	case SpeechEnded:
		return "SpeechEnded"
	case BargeIn:
		return "BargeIn"
	case FrameDropped:
		return "FrameDropped"
	case DtmfReceived:
		return "DtmfReceived"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// ErrorKind labels an Error event's underlying cause, matching spec.md §7's
// error-kind table.
type ErrorKind string

const (
	ErrorKindCodecInit           ErrorKind = "codec_init"
	ErrorKindDecodeFailure       ErrorKind = "decode_failure"
	ErrorKindClockRegression     ErrorKind = "clock_regression"
	ErrorKindSampleRateMismatch  ErrorKind = "sample_rate_mismatch"
	ErrorKindJitterOverflow      ErrorKind = "jitter_overflow"
	ErrorKindSubscriberLag       ErrorKind = "subscriber_lag"
	ErrorKindProviderUnavailable ErrorKind = "provider_unavailable"
	ErrorKindProviderTimeout     ErrorKind = "provider_timeout"
	ErrorKindRtpTransport        ErrorKind = "rtp_transport"
)

// Event is one occurrence on a call's bus. Only the fields relevant to Kind
// are populated; this mirrors spec.md §4.6's tagged-variant event set as a
// flat struct, which is the idiom the teacher uses for its protobuf
// oneof-backed message types (internal_type.Stream).
type Event struct {
	Kind Kind

	CallID string

	// CallEnded
	Reason string

	// TranscriptPartial / TranscriptFinal / SpeechStarted / SpeechEnded / FrameDropped
	Track string
	Text  string
	Count int

	// LlmDelta
	Delta string

	// DtmfReceived
	Digit rune

	// Error
	ErrKind ErrorKind
	Detail  string

	TimestampMs uint64
}

// subscriberCapacity is the bound on a subscriber's pending queue (spec.md
// §4.6: 256 pending events before the subscriber starts leaking).
const subscriberCapacity = 256

type subscriber struct {
	ch      chan Event
	lagging bool
}

// Bus is a per-call typed broadcast: events are delivered to every live
// subscriber in the order they were published. A subscriber that falls
// behind drops its oldest pending events rather than blocking the
// publisher (spec.md §5: "no lock is held across a send").
type Bus struct {
	callID string
	logger commons.Logger

	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	closed      bool
}

// New creates an event bus for one call.
func New(callID string, logger commons.Logger) *Bus {
	return &Bus{
		callID:      callID,
		logger:      logger,
		subscribers: make(map[int]*subscriber),
	}
}

// Subscription is a handle returned by Subscribe; Events delivers the
// subscriber's channel, Unsubscribe detaches it.
type Subscription struct {
	id     int
	bus    *Bus
	events chan Event
}

// Events returns the channel this subscription receives events on.
func (s *Subscription) Events() <-chan Event { return s.events }

// Unsubscribe detaches this subscriber from the bus and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subscribers, s.id)
	s.bus.mu.Unlock()
	close(s.events)
}

// Subscribe opens a new subscription. Each subscriber sees every event
// published after Subscribe returns, in publish order, until it either
// falls behind (oldest events dropped) or is unsubscribed.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, subscriberCapacity)}
	b.subscribers[id] = sub
	return &Subscription{id: id, bus: b, events: sub.ch}
}

// Publish delivers an event to every subscriber in FIFO order (spec.md §3
// invariant 5). A subscriber whose queue is full has its oldest pending
// event dropped to make room; the first drop in a run emits a one-shot
// Error{kind=subscriber_lag} event for that subscriber before returning —
// subsequent drops in the same run stay silent until the subscriber
// catches up (spec.md §4.6: "emitted once per lag episode").
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.deliverOne(s, evt)
	}
}

func (b *Bus) deliverOne(s *subscriber, evt Event) {
	select {
	case s.ch <- evt:
		s.lagging = false
		return
	default:
	}

	// Queue full: drop the oldest pending event to make room, then retry.
	select {
	case <-s.ch:
	default:
	}

	if !s.lagging {
		s.lagging = true
		// The lag notice takes a slot of its own, so drop one more of the
		// oldest events to keep room for evt.
		select {
		case <-s.ch:
		default:
		}
		lagEvt := Event{Kind: Error, CallID: b.callID, ErrKind: ErrorKindSubscriberLag, Detail: "subscriber fell behind, dropping oldest pending events"}
		select {
		case s.ch <- lagEvt:
		default:
			// Even the lag notification couldn't be enqueued; the
			// subscriber is catastrophically behind. Give up silently
			// rather than spin.
		}
	}

	select {
	case s.ch <- evt:
	default:
		b.logger.Warnw("bus: subscriber queue still full after drop-oldest, discarding event", "call_id", b.callID, "kind", evt.Kind.String())
	}
}

// Shutdown closes the bus: no further events are delivered, and every
// subscriber's channel is closed so range-over-channel consumers terminate.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = nil
	b.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
	}
}
