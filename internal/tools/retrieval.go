package tools

import (
	"context"
	"strings"

	"github.com/kiranshivaraju/faultline/internal/retrieval"
	"github.com/kiranshivaraju/faultline/internal/routing"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Retriever is the fusion retriever the retrieval tools share.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Result, error)
}

// Relative cost of one call per source.
var sourceCost = map[string]float64{
	models.SourceKeyword:         0.5,
	models.SourceStructured:      0.8,
	models.SourceVectorErrors:    1.0,
	models.SourceVectorKnowledge: 1.0,
}

// RetrievalTool exposes one retrieval source. Selected retrieval tools run together through
// RunRetrieval so their ranked lists are fused.
type RetrievalTool struct {
	source    string
	retriever Retriever
}

// NewRetrievalTools returns one tool per source.
func NewRetrievalTools(r Retriever, sources []string) []*RetrievalTool {
	out := make([]*RetrievalTool, len(sources))
	for i, s := range sources {
		out[i] = &RetrievalTool{source: s, retriever: r}
	}
	return out
}

func (t *RetrievalTool) Source() string { return t.source }

func (t *RetrievalTool) Spec() Spec {
	cost, ok := sourceCost[t.source]
	if !ok {
		cost = 1.0
	}
	return Spec{
		Name:         "retrieval." + t.source,
		Class:        routing.ClassRetrieval,
		Cost:         cost,
		BaseAffinity: 1.0,
		Description:  "search " + strings.ReplaceAll(t.source, "_", " ") + " for prior evidence",
	}
}

func (t *RetrievalTool) Applicable(in Input) bool { return strings.TrimSpace(in.Query) != "" }

func (t *RetrievalTool) Run(ctx context.Context, in Input) (*Observation, error) {
	return RunRetrieval(ctx, t.retriever, in, []string{t.source})
}

// RunRetrieval runs one fused retrieval over sources.
func RunRetrieval(ctx context.Context, r Retriever, in Input, sources []string) (*Observation, error) {
	res, err := r.Retrieve(ctx, retrieval.Query{
		Text:     in.Query,
		Category: in.Category,
		Sources:  sources,
		Expand:   in.Expand,
	})
	if err != nil {
		return nil, err
	}
	return &Observation{
		Evidence:  res.Evidence,
		Warnings:  res.Warnings,
		Available: res.Available,
		Failed:    res.Failed,
	}, nil
}
