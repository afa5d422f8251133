// Package rerank re-scores fused retrieval candidates against the query.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/kiranshivaraju/faultline/internal/apperr"
)

// Sentinel errors for the cross-encoder client.
var (
	ErrRerankerUnreachable = errors.New("reranker unreachable")
	ErrRerankerResponse    = errors.New("reranker returned an invalid response")
)

// Candidate is one text to score. Similarity is the best source-normalized similarity, used by the
// lexical reranker only.
type Candidate struct {
	ID         string
	Text       string
	Similarity float64
}

// Reranker returns one score in [0,1] per candidate, aligned with the input order.
type Reranker interface {
	Name() string
	Rerank(ctx context.Context, query string, candidates []Candidate) ([]float64, error)
}

// CrossEncoder calls a text-embeddings-inference style /rerank endpoint in one batched request.
type CrossEncoder struct {
	baseURL string
	client  *http.Client
}

func NewCrossEncoder(baseURL string, timeout time.Duration) *CrossEncoder {
	return &CrossEncoder{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *CrossEncoder) Name() string { return "cross-encoder" }

type rerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
	Truncate  bool     `json:"truncate"`
}

type rerankScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

func (c *CrossEncoder) Rerank(ctx context.Context, query string, candidates []Candidate) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	texts := make([]string, len(candidates))
	for i, cand := range candidates {
		texts[i] = cand.Text
	}
	body, err := json.Marshal(rerankRequest{Query: query, Texts: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("encoding rerank request: %w", err)
	}

	var scored []rerankScore
	err = apperr.Retry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
		if err != nil {
			return apperr.Permanent("rerank", fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return classifyError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return apperr.Transient("rerank", fmt.Errorf("%w: status %d", ErrRerankerUnreachable, resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return apperr.Permanent("rerank", fmt.Errorf("%w: status %d", ErrRerankerResponse, resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(&scored); err != nil {
			return apperr.Permanent("rerank", fmt.Errorf("%w: %v", ErrRerankerResponse, err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(candidates))
	filled := make([]bool, len(candidates))
	for _, s := range scored {
		if s.Index < 0 || s.Index >= len(scores) {
			return nil, apperr.Permanent("rerank", fmt.Errorf("%w: index %d out of range", ErrRerankerResponse, s.Index))
		}
		scores[s.Index] = clamp01(s.Score)
		filled[s.Index] = true
	}
	for i, ok := range filled {
		if !ok {
			return nil, apperr.Permanent("rerank", fmt.Errorf("%w: missing score for candidate %d", ErrRerankerResponse, i))
		}
	}
	return scores, nil
}

func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindDeadline, "rerank", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Transient("rerank", fmt.Errorf("%w: %v", ErrRerankerUnreachable, err))
	}
	return apperr.Transient("rerank", fmt.Errorf("%w: %v", ErrRerankerUnreachable, err))
}

// Lexical scores candidates by query-term overlap blended equally with their retrieval similarity.
// It needs no model and is used when no cross-encoder is configured or the cross-encoder fails.
type Lexical struct{}

func NewLexical() *Lexical { return &Lexical{} }

func (Lexical) Name() string { return "lexical" }

func (Lexical) Rerank(ctx context.Context, query string, candidates []Candidate) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := uniqueTerms(query)
	scores := make([]float64, len(candidates))
	for i, cand := range candidates {
		if len(terms) == 0 {
			scores[i] = clamp01(cand.Similarity)
			continue
		}
		docTerms := make(map[string]bool)
		for _, t := range uniqueTerms(cand.Text) {
			docTerms[t] = true
		}
		var matched int
		for _, t := range terms {
			if docTerms[t] {
				matched++
			}
		}
		overlap := float64(matched) / float64(len(terms))
		scores[i] = clamp01(0.5*overlap + 0.5*clamp01(cand.Similarity))
	}
	return scores, nil
}

func uniqueTerms(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	}) {
		if len(t) < 3 || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
