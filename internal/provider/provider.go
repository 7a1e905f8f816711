// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package provider defines the ASR/LLM/TTS contracts the turn coordinator
// drives (spec.md §1's "external collaborators", §4.8). Concrete adapters
// (openai_llm.go, deepgram_asr.go, cartesia_tts.go) implement these against real
// provider SDKs; tests and the provider-retry scenario (spec.md §8
// scenario 6) use stub implementations.
package provider

import "context"

// CancelToken is a one-shot cancellation signal plumbed explicitly through
// every provider adapter, per spec.md §9's "Cancellation discipline" note:
// dropping a receiver endpoint is not a reliable stop signal for an
// external HTTP/websocket client that may buffer.
type CancelToken struct {
	done chan struct{}
}

// NewCancelToken creates an armed (not yet cancelled) token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel fires the token. Safe to call more than once; only the first call
// has effect.
func (c *CancelToken) Cancel() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Done reports the cancellation channel; closed once Cancel has been called.
func (c *CancelToken) Done() <-chan struct{} { return c.done }

// Cancelled reports whether Cancel has already fired.
func (c *CancelToken) Cancelled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// TranscriptStream is a live ASR session: push audio in, receive partial
// and final transcripts out.
type TranscriptStream interface {
	PushAudio(pcm []int16) error
	Partials() <-chan string
	Finals() <-chan string
	Close() error
}

// Transcriber starts a new ASR session for one call leg.
type Transcriber interface {
	Start(ctx context.Context, token *CancelToken, sampleRateHz uint32) (TranscriptStream, error)
}

// LLMClient streams a text completion for a prompt. The returned channel
// is closed when the stream completes or the token is cancelled.
type LLMClient interface {
	Stream(ctx context.Context, token *CancelToken, prompt string) (<-chan string, error)
}

// Synthesizer turns a stream of text chunks into a stream of PCM frames.
// The returned channel is closed when synthesis completes or the token is
// cancelled; textChunks closing signals "no more text, finish the
// utterance".
type Synthesizer interface {
	Synthesize(ctx context.Context, token *CancelToken, textChunks <-chan string) (<-chan []int16, error)
}

// ErrorKind mirrors spec.md §7's provider-facing error kinds.
type ErrorKind string

const (
	ErrorKindUnavailable ErrorKind = "provider_unavailable"
	ErrorKindTimeout     ErrorKind = "provider_timeout"
)

// Error wraps a provider failure with the kind spec.md §7's retry policy
// keys off of.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
