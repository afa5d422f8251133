package mock_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/faultline/internal/ai/mock"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMockProvider_Name(t *testing.T) {
	p := mock.NewMockProvider()
	assert.Equal(t, "mock", p.Name())
	assert.Equal(t, "mock-v1", p.Model())
}

func TestNewMockProvider_EchoesErrorMessage(t *testing.T) {
	p := mock.NewMockProvider()
	out, err := p.Complete(context.Background(), models.CompletionRequest{
		Prompt: "Category: CODE_ERROR\nError message: AssertionError: Expected 200, got 401\n",
	})
	require.NoError(t, err)

	var answer map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &answer))
	assert.Contains(t, answer["root_cause"], "Expected 200, got 401")
	assert.Equal(t, "medium", answer["severity"])
	assert.Equal(t, 1, p.Calls)
}

func TestNewFailingProvider(t *testing.T) {
	want := errors.New("boom")
	p := mock.NewFailingProvider(want)
	_, err := p.Complete(context.Background(), models.CompletionRequest{})
	assert.ErrorIs(t, err, want)
}

func TestNewTimeoutProvider(t *testing.T) {
	p := mock.NewTimeoutProvider()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Complete(ctx, models.CompletionRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCustomCompleteFunc(t *testing.T) {
	p := &mock.MockProvider{
		Name_: "custom",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (string, error) {
			return "echo: " + req.Prompt, nil
		},
	}
	out, err := p.Complete(context.Background(), models.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", out)
}
