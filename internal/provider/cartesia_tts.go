// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// This adapter is ported from the teacher's
// internal/transformer/cartesia/tts.go: a websocket connection that takes
// text chunks and streams back base64-encoded PCM, generalized from the
// teacher's protobuf-message callback shape to the Synthesizer interface.
package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/voxrelay/pkg/commons"
)

type cartesiaOutputMessage struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	ContextID string `json:"context_id"`
	Done      bool   `json:"done"`
}

// cartesiaTTS synthesizes speech over a Cartesia-compatible streaming
// websocket endpoint.
type cartesiaTTS struct {
	url        string
	apiKey     string
	voiceID    string
	sampleRate uint32
	logger     commons.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewCartesiaTTS builds a Synthesizer backed by a Cartesia-style streaming
// TTS websocket endpoint.
func NewCartesiaTTS(url, apiKey, voiceID string, sampleRate uint32, logger commons.Logger) Synthesizer {
	return &cartesiaTTS{url: url, apiKey: apiKey, voiceID: voiceID, sampleRate: sampleRate, logger: logger}
}

// Synthesize opens a websocket connection, forwards each chunk from
// textChunks as it arrives, and relays decoded PCM back on the returned
// channel. Closing textChunks tells the server this is the final chunk;
// the server's done message closes the output channel in turn.
func (c *cartesiaTTS) Synthesize(ctx context.Context, token *CancelToken, textChunks <-chan string) (<-chan []int16, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, &Error{Kind: ErrorKindUnavailable, Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	out := make(chan []int16, 32)

	go c.readLoop(ctx, token, conn, out)
	go c.writeLoop(ctx, token, conn, textChunks)

	return out, nil
}

func (c *cartesiaTTS) writeLoop(ctx context.Context, token *CancelToken, conn *websocket.Conn, textChunks <-chan string) {
	for {
		select {
		case text, ok := <-textChunks:
			if !ok {
				_ = conn.WriteJSON(map[string]any{"context_id": c.voiceID, "continue": false})
				return
			}
			msg := map[string]any{
				"transcript": text,
				"voice_id":   c.voiceID,
				"continue":   true,
			}
			if err := conn.WriteJSON(msg); err != nil {
				c.logger.Warnw("cartesia-tts: write failed", "error", err.Error())
				return
			}
		case <-token.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *cartesiaTTS) readLoop(ctx context.Context, token *CancelToken, conn *websocket.Conn, out chan<- []int16) {
	defer close(out)
	defer conn.Close()

	for {
		select {
		case <-token.Done():
			return
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var payload cartesiaOutputMessage
		if err := json.Unmarshal(raw, &payload); err != nil {
			c.logger.Warnw("cartesia-tts: invalid json from provider", "error", err.Error())
			continue
		}
		if payload.Done {
			return
		}
		if payload.Data == "" {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(payload.Data)
		if err != nil {
			c.logger.Warnw("cartesia-tts: failed to decode audio payload", "error", err.Error())
			continue
		}
		pcm := bytesToInt16LE(decoded)
		select {
		case out <- pcm:
		case <-token.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func bytesToInt16LE(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}
