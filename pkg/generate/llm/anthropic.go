package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"responder/pkg/generate/llmerrors"
)

// AnthropicClient wraps the Anthropic API client.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicClient creates a Claude client for the given model.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Name implements Client.
func (c *AnthropicClient) Name() string { return "anthropic" }

// ModelName implements Client.
func (c *AnthropicClient) ModelName() string { return string(c.model) }

// Complete implements Client.
func (c *AnthropicClient) Complete(ctx context.Context, in Request) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(in.MaxTokens),
		Messages: []anthropic.MessageParam{
			{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(in.Prompt)},
			},
		},
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if in.System != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: in.System,
			Type: "text",
		}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", llmerrors.Classify(c.Name(), fmt.Errorf("Claude API call failed: %w", err))
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty or nil response from Claude API")
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	out := strings.TrimSpace(text.String())
	if out == "" {
		return "", llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no text blocks in Claude response")
	}
	return out, nil
}
