// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package provider

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/rapidaai/voxrelay/pkg/commons"
)

// openaiLLM is the example LLMClient adapter, grounded on the teacher's
// internal/transformer/openai package's use of the same SDK for response
// normalization; here it drives a streaming chat completion instead.
type openaiLLM struct {
	client *openai.Client
	model  string
	logger commons.Logger
}

// NewOpenAILLM builds an LLMClient backed by the Chat Completions streaming
// API.
func NewOpenAILLM(apiKey, model string, logger commons.Logger) LLMClient {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &openaiLLM{client: &client, model: model, logger: logger}
}

// Stream submits prompt as a single user message and relays each delta
// onto the returned channel. The goroutine observes token.Done() at every
// chunk boundary so cancellation takes effect within one network round
// trip, honoring spec.md §4.8's 250ms provider-stop grace window.
func (o *openaiLLM) Stream(ctx context.Context, token *CancelToken, prompt string) (<-chan string, error) {
	out := make(chan string, 16)

	stream := o.client.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})

	go func() {
		defer close(out)
		defer stream.Close()

		for stream.Next() {
			select {
			case <-token.Done():
				return
			case <-ctx.Done():
				return
			default:
			}

			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			select {
			case out <- delta:
			case <-token.Done():
				return
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			o.logger.Warnw("openai llm stream ended with error", "error", err.Error())
		}
	}()

	return out, nil
}
