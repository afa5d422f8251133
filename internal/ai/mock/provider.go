package mock

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/kiranshivaraju/faultline/pkg/models"
)

// MockProvider satisfies models.AIProvider for testing and offline runs.
type MockProvider struct {
	Name_        string
	CompleteFunc func(ctx context.Context, req models.CompletionRequest) (string, error)
	Calls        int
}

func (m *MockProvider) Name() string  { return m.Name_ }
func (m *MockProvider) Model() string { return "mock-v1" }

func (m *MockProvider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	m.Calls++
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return "", nil
}

// NewMockProvider returns a MockProvider that answers with a well-formed JSON analysis
// echoing the error message line of the prompt.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (string, error) {
			message := "the reported failure"
			for _, line := range strings.Split(req.Prompt, "\n") {
				if rest, ok := strings.CutPrefix(line, "Error message: "); ok && rest != "" {
					message = rest
					break
				}
			}
			out, _ := json.Marshal(map[string]any{
				"root_cause":     "The failure is caused by: " + message,
				"recommendation": "Inspect the code path that produces \"" + message + "\" and apply the fix from the cited evidence.",
				"severity":       "medium",
				"confidence":     0.8,
			})
			return string(out), nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
			return "", err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		CompleteFunc: func(ctx context.Context, _ models.CompletionRequest) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
}

// Compile-time check that MockProvider implements AIProvider.
var _ models.AIProvider = (*MockProvider)(nil)
