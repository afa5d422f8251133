package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/internal/normalize"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"golang.org/x/time/rate"
)

const (
	maxEvidenceChars  = 1200
	maxSnippetChars   = 3000
	maxRootCause      = 4000
	maxRecommendation = 4000
)

const systemPrompt = `You are a CI failure analyst. Using only the evidence provided, explain the root cause of the
failing test and recommend a concrete fix. Cite file paths, identifiers and error codes exactly as they appear
in the evidence. Respond with a single JSON object:
{"root_cause": string, "recommendation": string, "severity": "low"|"medium"|"high"|"critical", "confidence": number}`

// GenerateRequest carries everything the generator may ground an answer on.
type GenerateRequest struct {
	Failure  *models.Failure
	Category models.Category
	Evidence []models.RetrievalResult
	Sources  []models.SourceSnippet
	Hint     string
}

// Answer is a generated candidate answer.
type Answer struct {
	RootCause      string  `json:"root_cause"`
	Recommendation string  `json:"recommendation"`
	Severity       string  `json:"severity"`
	Confidence     float64 `json:"confidence"`
}

// Service turns evidence into a candidate answer through the configured provider.
// A nil provider makes the service report itself unavailable.
type Service struct {
	provider models.AIProvider
	limiter  *rate.Limiter
	timeout  time.Duration
}

// NewService creates a generation service. RequestsPerMin <= 0 disables the local limiter.
func NewService(provider models.AIProvider, cfg config.AIConfig) *Service {
	limit := rate.Inf
	if cfg.RequestsPerMin > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerMin) / 60)
	}
	timeout := cfg.InferenceTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Service{provider: provider, limiter: rate.NewLimiter(limit, 1), timeout: timeout}
}

// Available reports whether a provider is configured.
func (s *Service) Available() bool { return s != nil && s.provider != nil }

// Name returns the provider name, or "none".
func (s *Service) Name() string {
	if !s.Available() {
		return "none"
	}
	return s.provider.Name()
}

// Generate asks the provider for an answer. Transient provider errors are retried with jitter.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (*Answer, error) {
	if !s.Available() {
		return nil, apperr.Fatal("ai.generate", ErrProviderUnavailable)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindDeadline, "ai.generate", err)
	}

	prompt := BuildPrompt(req)
	var raw string
	err := apperr.Retry(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		out, err := s.provider.Complete(callCtx, models.CompletionRequest{
			System:      systemPrompt,
			Prompt:      prompt,
			MaxTokens:   1024,
			Temperature: 0.1,
		})
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return apperr.Transient("ai.generate", ErrInferenceTimeout)
			}
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		slog.Warn("generation failed", "provider", s.provider.Name(), "error", err)
		return nil, err
	}

	var ans Answer
	if err := parseJSON(raw, &ans); err != nil {
		return nil, apperr.Permanent("ai.generate", err)
	}

	// Clamp confidence to [0, 1]
	if ans.Confidence < 0 {
		ans.Confidence = 0
	}
	if ans.Confidence > 1.0 {
		ans.Confidence = 1.0
	}
	ans.Severity = strings.ToLower(strings.TrimSpace(ans.Severity))
	if !models.ValidSeverity(ans.Severity) {
		ans.Severity = models.SeverityMedium
	}
	ans.RootCause = normalize.TruncateString(strings.TrimSpace(ans.RootCause), maxRootCause)
	ans.Recommendation = normalize.TruncateString(strings.TrimSpace(ans.Recommendation), maxRecommendation)
	if ans.RootCause == "" {
		return nil, apperr.Permanent("ai.generate", fmt.Errorf("%w: empty root_cause", ErrInvalidResponse))
	}
	return &ans, nil
}

// BuildPrompt renders the user prompt for a generation request.
func BuildPrompt(req GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\n", req.Category)
	if f := req.Failure; f != nil {
		fmt.Fprintf(&b, "Job: %s  Build: %s  Test: %s\n", f.JobName, f.BuildID, f.TestName)
		fmt.Fprintf(&b, "Error message: %s\n", firstLine(f.ErrorMessage))
		if f.StackTrace != "" {
			fmt.Fprintf(&b, "\nStack trace:\n%s\n", normalize.TruncateString(f.StackTrace, maxSnippetChars))
		}
		if f.ErrorLog != "" {
			fmt.Fprintf(&b, "\nLog excerpt:\n%s\n", normalize.TruncateString(f.ErrorLog, maxSnippetChars))
		}
	}
	if req.Hint != "" {
		fmt.Fprintf(&b, "\nReviewer hint: %s\n", req.Hint)
	}
	if len(req.Evidence) > 0 {
		b.WriteString("\nEvidence:\n")
		for i, e := range req.Evidence {
			fmt.Fprintf(&b, "[%d] (%s, %s) %s\n", i+1, e.Source, e.Metadata.Category,
				normalize.TruncateString(e.Text, maxEvidenceChars))
		}
	}
	if len(req.Sources) > 0 {
		b.WriteString("\nSource code:\n")
		for _, s := range req.Sources {
			fmt.Fprintf(&b, "--- %s %s\n%s\n", s.Kind, s.Path, normalize.TruncateString(s.Content, maxSnippetChars))
		}
	}
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
