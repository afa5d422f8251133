package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const defaultMaxTokens = 2048

// Provider implements models.AIProvider using the Anthropic Messages API.
type Provider struct {
	client anthropic.Client
	model  string
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &Provider{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  model,
	}
}

func (p *Provider) Name() string  { return "anthropic" }
func (p *Provider) Model() string { return p.model }

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (string, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyError(err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", apperr.Permanent("anthropic.complete", errors.New("no text content returned"))
	}
	return out.String(), nil
}

func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindDeadline, "anthropic.complete", err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return apperr.Transient("anthropic.complete", err)
		}
		return apperr.Permanent("anthropic.complete", fmt.Errorf("status %d: %w", apiErr.StatusCode, err))
	}
	return apperr.Transient("anthropic.complete", err)
}

var _ models.AIProvider = (*Provider)(nil)
