package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"responder/pkg/generate/llmerrors"
)

// OpenAIClient wraps the official OpenAI Go client using the Responses API.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient creates an OpenAI client for the given model.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name implements Client.
func (o *OpenAIClient) Name() string { return "openai" }

// ModelName implements Client.
func (o *OpenAIClient) ModelName() string { return o.model }

// Complete implements Client.
func (o *OpenAIClient) Complete(ctx context.Context, in Request) (string, error) {
	var inputText string
	if in.System != "" {
		inputText = fmt.Sprintf("System: %s\n\n", in.System)
	}
	inputText += in.Prompt

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(in.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(inputText)},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return "", llmerrors.Classify(o.Name(), fmt.Errorf("OpenAI Responses API failed: %w", err))
	}
	if resp == nil {
		return "", llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "nil response from OpenAI Responses API")
	}

	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return "", llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}
	return text, nil
}
