package models

import (
	"time"

	"github.com/google/uuid"
)

// Retrieval sources.
const (
	SourceVectorKnowledge = "vector_knowledge"
	SourceVectorErrors    = "vector_errors"
	SourceKeyword         = "keyword"
	SourceStructured      = "structured"

	// SourceWeb marks evidence from the web fallback. It is never a routable retrieval source.
	SourceWeb = "web"
)

// AllSources lists every retrieval source in canonical order.
var AllSources = []string{SourceVectorKnowledge, SourceVectorErrors, SourceKeyword, SourceStructured}

// EvidenceMetadata describes where an evidence chunk came from.
type EvidenceMetadata struct {
	Category  Category `json:"category,omitempty"`
	DocType   string   `json:"doc_type,omitempty"`
	SourceURL string   `json:"source_url,omitempty"`
}

// RetrievalResult is one immutable evidence chunk used to ground an answer.
type RetrievalResult struct {
	ID              uuid.UUID        `db:"id"               json:"id"`
	ProjectID       uuid.UUID        `db:"project_id"       json:"project_id"`
	Source          string           `db:"source"           json:"source"`
	DocID           string           `db:"doc_id"           json:"doc_id"`
	Text            string           `db:"text"             json:"text"`
	SimilarityScore float64          `db:"similarity_score" json:"similarity_score"`
	RerankScore     float64          `db:"rerank_score"     json:"rerank_score"`
	RRFScore        float64          `db:"rrf_score"        json:"rrf_score"`
	Metadata        EvidenceMetadata `db:"metadata"         json:"metadata"`
	DocumentTime    time.Time        `db:"document_time"    json:"document_time"`
	CreatedAt       time.Time        `db:"created_at"       json:"created_at"`
}

// KnowledgeDoc is a documentation chunk managed through the knowledge API.
type KnowledgeDoc struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	ProjectID uuid.UUID `db:"project_id" json:"project_id"`
	Title     string    `db:"title"      json:"title"`
	Content   string    `db:"content"    json:"content"`
	Category  Category  `db:"category"   json:"category"`
	DocType   string    `db:"doc_type"   json:"doc_type"`
	SourceURL string    `db:"source_url" json:"source_url"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
