package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/sashabaranov/go-openai"
)

// Provider implements models.AIProvider against any OpenAI-compatible chat endpoint.
type Provider struct {
	client *openai.Client
	model  string
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Provider{client: openai.NewClientWithConfig(c), model: model}
}

func (p *Provider) Name() string  { return "openai" }
func (p *Provider) Model() string { return p.model }

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:               p.model,
		Messages:            messages,
		MaxCompletionTokens: req.MaxTokens,
		Temperature:         req.Temperature,
	})
	if err != nil {
		return "", classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return "", apperr.Permanent("openai.complete", errors.New("no choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyError marks rate limits and server-side failures as transient.
func classifyError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return apperr.Transient("openai.complete", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindDeadline, "openai.complete", err)
	}
	if status == 0 {
		// No HTTP response at all: connection-level failure.
		return apperr.Transient("openai.complete", err)
	}
	return apperr.Permanent("openai.complete", fmt.Errorf("status %d: %w", status, err))
}

var _ models.AIProvider = (*Provider)(nil)
