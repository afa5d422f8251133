package models

import "context"

// CompletionRequest is a single prompt sent to a text-generation provider.
type CompletionRequest struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
}

// AIProvider is implemented by every text-generation backend.
type AIProvider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
