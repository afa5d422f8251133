// Package vectorstore holds dense-vector collections partitioned per project.
// Every operation resolves the project from the tenant scope in ctx; a missing scope fails closed.
package vectorstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Logical collections. The physical namespace is tenant.Namespace(project, collection).
const (
	CollectionKnowledge = "knowledge"
	CollectionErrors    = "errors"
)

// ErrUnknownCollection is returned for collection names other than knowledge and errors.
var ErrUnknownCollection = errors.New("unknown vector collection")

// Document is one chunk stored in a collection.
type Document struct {
	ID        string
	Content   string
	Category  models.Category
	DocType   string
	SourceURL string
	CreatedAt time.Time
}

// Hit is a search result with cosine similarity clamped to [0,1].
type Hit struct {
	Document
	Similarity float64
}

// Store is implemented by the pgvector and chromem backends.
type Store interface {
	Name() string
	Upsert(ctx context.Context, collection string, docs []Document) error
	Search(ctx context.Context, collection, query string, k int) ([]Hit, error)
	Delete(ctx context.Context, collection string, ids []string) error
	Ping(ctx context.Context) error
}

func namespace(ctx context.Context, collection string) (uuid.UUID, string, error) {
	if collection != CollectionKnowledge && collection != CollectionErrors {
		return uuid.Nil, "", ErrUnknownCollection
	}
	projectID, err := tenant.ProjectFromContext(ctx)
	if err != nil {
		return uuid.Nil, "", err
	}
	return projectID, tenant.Namespace(projectID, collection), nil
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
