// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Deepgram ASR adapter: one concrete example Transcriber implementation
// demonstrating the ASR side of the interface, parallel to the teacher's
// internal/transformer/assembly-ai adapter (a different ASR vendor serving
// the same role).
package provider

import (
	"context"
	"sync"

	"github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listen "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/rapidaai/voxrelay/pkg/commons"
)

// deepgramTranscriber is the example Transcriber adapter.
type deepgramTranscriber struct {
	apiKey string
	logger commons.Logger
}

// NewDeepgramTranscriber builds a Transcriber backed by Deepgram's
// streaming websocket ASR endpoint.
func NewDeepgramTranscriber(apiKey string, logger commons.Logger) Transcriber {
	return &deepgramTranscriber{apiKey: apiKey, logger: logger}
}

func (d *deepgramTranscriber) Start(ctx context.Context, token *CancelToken, sampleRateHz uint32) (TranscriptStream, error) {
	stream := &deepgramStream{
		partials: make(chan string, 32),
		finals:   make(chan string, 32),
	}

	callback := &deepgramCallback{stream: stream, logger: d.logger}

	clientOpts := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcribeOpts := &interfaces.LiveTranscriptionOptions{
		Model:       "nova-2",
		Encoding:    "linear16",
		SampleRate:  int(sampleRateHz),
		Channels:    1,
		InterimResults: true,
	}

	client, err := listen.NewWSUsingCallback(ctx, d.apiKey, clientOpts, transcribeOpts, callback)
	if err != nil {
		return nil, &Error{Kind: ErrorKindUnavailable, Err: err}
	}
	if !client.Connect() {
		return nil, &Error{Kind: ErrorKindUnavailable, Err: ctx.Err()}
	}
	stream.client = client

	go func() {
		<-token.Done()
		_ = stream.Close()
	}()

	return stream, nil
}

// deepgramStream implements TranscriptStream over a live Deepgram
// websocket connection.
type deepgramStream struct {
	mu       sync.Mutex
	client   *listen.WSCallback
	closed   bool
	partials chan string
	finals   chan string
}

func (s *deepgramStream) PushAudio(pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.client.Stream(int16ToBytesLE(pcm))
}

func (s *deepgramStream) Partials() <-chan string { return s.partials }
func (s *deepgramStream) Finals() <-chan string   { return s.finals }

func (s *deepgramStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.partials)
	close(s.finals)
	if s.client != nil {
		s.client.Stop()
	}
	return nil
}

func int16ToBytesLE(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

// deepgramCallback implements the SDK's message callback interface,
// funneling interim/final results into the TranscriptStream's channels.
type deepgramCallback struct {
	stream *deepgramStream
	logger commons.Logger
}

func (c *deepgramCallback) Message(result *interfaces.LiveResultResponse) error {
	if len(result.Channel.Alternatives) == 0 {
		return nil
	}
	text := result.Channel.Alternatives[0].Transcript
	if text == "" {
		return nil
	}
	if result.IsFinal {
		select {
		case c.stream.finals <- text:
		default:
		}
		return nil
	}
	select {
	case c.stream.partials <- text:
	default:
	}
	return nil
}

func (c *deepgramCallback) Open(*interfaces.OpenResponse) error     { return nil }
func (c *deepgramCallback) Metadata(*interfaces.MetadataResponse) error { return nil }
func (c *deepgramCallback) SpeechStarted(*interfaces.SpeechStartedResponse) error { return nil }
func (c *deepgramCallback) UtteranceEnd(*interfaces.UtteranceEndResponse) error { return nil }
func (c *deepgramCallback) Close(*interfaces.CloseResponse) error   { return nil }
func (c *deepgramCallback) Error(e *interfaces.ErrorResponse) error {
	c.logger.Warnw("deepgram asr error", "error", e.ErrMsg)
	return nil
}
func (c *deepgramCallback) UnhandledEvent(data []byte) error { return nil }
