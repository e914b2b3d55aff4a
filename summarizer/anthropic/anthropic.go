// Package anthropic provides a summarizer.Backend over the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
)

// DefaultModel is used when Config.Model is empty. Summarization is a
// high-volume background task, so the default favors a small fast model.
const DefaultModel = "claude-3-5-haiku-latest"

// Config configures the backend.
type Config struct {
	// Model is the Claude model to use.
	Model string

	// MaxTokens is the maximum response tokens per call.
	MaxTokens int64
}

// Backend calls the Anthropic Messages API for each summarization prompt.
// Retry and timeout policy belong to summarizer.Service, not here: one
// Generate call is exactly one API call.
type Backend struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// New creates a Backend using the given client.
func New(client *anthropic.Client, cfg Config) *Backend {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	return &Backend{
		client:    client,
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
	}
}

// Generate implements summarizer.Backend.
func (b *Backend) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     b.model,
		MaxTokens: b.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic message: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}
