// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package session

import (
	"errors"
	"sync/atomic"

	"github.com/rapidaai/voxrelay/internal/media/bus"
	"github.com/rapidaai/voxrelay/internal/media/track"
)

// atomicDecrAndCheckZero decrements *n and reports whether it reached zero,
// used to detect when every source feeding a forwarder has closed.
func atomicDecrAndCheckZero(n *int32) bool {
	return atomic.AddInt32(n, -1) == 0
}

// eventForPushError maps a Track.Push failure to the matching bus Error
// event per spec.md §7's error-kind table.
func eventForPushError(callID, trackID string, err error) bus.Event {
	kind := bus.ErrorKindRtpTransport
	switch {
	case errors.Is(err, track.ErrClockRegression):
		kind = bus.ErrorKindClockRegression
	case errors.Is(err, track.ErrSampleRateMismatch):
		kind = bus.ErrorKindSampleRateMismatch
	}
	return bus.Event{Kind: bus.Error, CallID: callID, Track: trackID, ErrKind: kind, Detail: err.Error()}
}
