// Package ai provides the default completion provider for ai nodes,
// backed by the OpenAI Chat Completions API. A custom base URL makes it
// work against any OpenAI-compatible provider (Groq, OpenRouter, etc.).
package ai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/songzhibin97/campaign-engine/executor"
)

// OpenAIClient implements executor.Completer via the Chat Completions
// endpoint, the one supported by all OpenAI-compatible providers.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates a Chat Completions client. baseURL may be
// empty for the default OpenAI endpoint.
func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Complete sends the prompts and returns the model's text output.
func (c *OpenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		messages = append(messages, openai.SystemMessage(systemPrompt))
	}
	messages = append(messages, openai.UserMessage(userPrompt))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Compile-time interface assertion.
var _ executor.Completer = (*OpenAIClient)(nil)
