package ai

import (
	"fmt"

	"github.com/kiranshivaraju/faultline/internal/ai/anthropic"
	"github.com/kiranshivaraju/faultline/internal/ai/mock"
	"github.com/kiranshivaraju/faultline/internal/ai/openai"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// NewProvider constructs the configured AI provider. Called once at server startup.
// Provider "none" returns a nil provider: the generator is then reported unavailable.
func NewProvider(cfg config.AIConfig) (models.AIProvider, error) {
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of openai, anthropic, mock, none", cfg.Provider)
	}
}
