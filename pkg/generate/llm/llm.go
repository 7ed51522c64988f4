// Package llm defines the provider client interface and its implementations
// for the closed set of reply providers.
package llm

import "context"

// Request is a single-turn completion request: one system instruction and
// one user prompt.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// Client is implemented by each remote provider.
type Client interface {
	// Complete generates a reply synchronously. Errors are classified
	// llmerrors.Error values.
	Complete(ctx context.Context, in Request) (string, error)

	// Name returns the provider name.
	Name() string

	// ModelName returns the configured model.
	ModelName() string
}
