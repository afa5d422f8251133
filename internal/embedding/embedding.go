// Package embedding turns text into dense vectors for the vector stores.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"strings"
	"unicode"

	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/sashabaranov/go-openai"
)

// ErrDimensionMismatch is returned when a provider returns vectors of an unexpected size.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder produces one vector per input text.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// New constructs the configured embedder.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "hash", "":
		return NewHashEmbedder(cfg.Dimension), nil
	case "openai":
		return NewOpenAIEmbedder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q: must be one of openai, hash", cfg.Provider)
	}
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed: expected 1 vector, got %d", len(vecs))
	}
	return vecs[0], nil
}

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
}

func NewOpenAIEmbedder(cfg config.EmbeddingConfig) *OpenAIEmbedder {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(c), model: model, dimension: cfg.Dimension}
}

func (e *OpenAIEmbedder) Name() string   { return "openai:" + e.model }
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp openai.EmbeddingResponse
	err := apperr.Retry(ctx, func(ctx context.Context) error {
		var err error
		resp, err = e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      texts,
			Model:      openai.EmbeddingModel(e.model),
			Dimensions: e.dimension,
		})
		return classifyError(err)
	})
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			continue
		}
		if e.dimension > 0 && len(d.Embedding) != e.dimension {
			return nil, apperr.Permanent("embedding.openai", fmt.Errorf("%w: got %d, want %d",
				ErrDimensionMismatch, len(d.Embedding), e.dimension))
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, apperr.Permanent("embedding.openai", fmt.Errorf("missing embedding for input %d", i))
		}
	}
	return out, nil
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != http.StatusTooManyRequests && apiErr.HTTPStatusCode < 500 {
		return apperr.Permanent("embedding.openai", err)
	}
	return apperr.Transient("embedding.openai", err)
}

// HashEmbedder is a deterministic feature-hashing embedder. It needs no model server and is
// used for tests and air-gapped deployments; similarity reflects shared tokens only.
type HashEmbedder struct {
	dimension int
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 384
	}
	return &HashEmbedder{dimension: dimension}
}

func (e *HashEmbedder) Name() string   { return "hash" }
func (e *HashEmbedder) Dimension() int { return e.dimension }

func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *HashEmbedder) vector(text string) []float32 {
	v := make([]float32, e.dimension)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dimension))
		// Non-negative weights keep cosine similarity within [0, 1].
		v[idx] += 1 + float32((sum>>32)%3)/10
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// chromem rejects zero vectors; use a fixed unit vector for empty input.
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}
