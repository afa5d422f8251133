// Package keyword maintains a per-project BM25 index over knowledge chunks and accepted analyses.
// Indexes live on disk as one file per project; a rebuild writes a new file and swaps it in by rename,
// while readers keep the index they already loaded until their next load.
package keyword

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// ErrUnavailable is returned when a project's index file exists but cannot be read.
var ErrUnavailable = errors.New("keyword index unavailable")

const (
	formatVersion = 1

	k1 = 1.2
	b  = 0.75
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "at": true, "by": true, "for": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "the": true, "to": true, "was": true, "with": true,
}

// Doc is one indexed document.
type Doc struct {
	ID        string          `json:"id"`
	Text      string          `json:"text"`
	Category  models.Category `json:"category,omitempty"`
	DocType   string          `json:"doc_type,omitempty"`
	SourceURL string          `json:"source_url,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Hit is a scored document. Similarity is the BM25 score divided by the best score of the query.
type Hit struct {
	Doc
	Score      float64
	Similarity float64
}

type fileFormat struct {
	Version   int       `json:"version"`
	ProjectID uuid.UUID `json:"project_id"`
	BuiltAt   time.Time `json:"built_at"`
	Docs      []Doc     `json:"docs"`
}

// Index is an immutable in-memory BM25 index.
type Index struct {
	builtAt  time.Time
	docs     []Doc
	lengths  []int
	avgLen   float64
	postings map[string][]posting
}

type posting struct {
	doc  int
	freq int
}

// NewIndex builds an index over docs.
func NewIndex(docs []Doc, builtAt time.Time) *Index {
	idx := &Index{
		builtAt:  builtAt,
		docs:     docs,
		lengths:  make([]int, len(docs)),
		postings: make(map[string][]posting),
	}
	var total int
	for i, d := range docs {
		terms := Tokenize(d.Text)
		idx.lengths[i] = len(terms)
		total += len(terms)

		freq := make(map[string]int, len(terms))
		for _, t := range terms {
			freq[t]++
		}
		for t, f := range freq {
			idx.postings[t] = append(idx.postings[t], posting{doc: i, freq: f})
		}
	}
	if len(docs) > 0 {
		idx.avgLen = float64(total) / float64(len(docs))
	}
	return idx
}

// Len returns the number of indexed documents.
func (idx *Index) Len() int { return len(idx.docs) }

// BuiltAt returns when the index was built.
func (idx *Index) BuiltAt() time.Time { return idx.builtAt }

// Search returns the top k documents for query ordered by score, then newer document, then id.
func (idx *Index) Search(query string, k int) []Hit {
	if k <= 0 || len(idx.docs) == 0 {
		return nil
	}
	n := float64(len(idx.docs))
	scores := make(map[int]float64)
	seen := make(map[string]bool)
	for _, t := range Tokenize(query) {
		if seen[t] {
			continue
		}
		seen[t] = true
		plist := idx.postings[t]
		if len(plist) == 0 {
			continue
		}
		df := float64(len(plist))
		idf := math.Log(1 + (n-df+0.5)/(df+0.5))
		for _, p := range plist {
			tf := float64(p.freq)
			norm := 1 - b + b*float64(idx.lengths[p.doc])/idx.avgLen
			scores[p.doc] += idf * tf * (k1 + 1) / (tf + k1*norm)
		}
	}
	if len(scores) == 0 {
		return nil
	}

	hits := make([]Hit, 0, len(scores))
	for i, s := range scores {
		hits = append(hits, Hit{Doc: idx.docs[i], Score: s})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if !hits[i].CreatedAt.Equal(hits[j].CreatedAt) {
			return hits[i].CreatedAt.After(hits[j].CreatedAt)
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	top := hits[0].Score
	for i := range hits {
		hits[i].Similarity = hits[i].Score / top
	}
	return hits
}

// Tokenize lowercases text and splits it into index terms. Identifiers such as TOKEN_EXPIRATION or
// auth.middleware.go yield the whole token and its parts so exact and partial matches both score.
func Tokenize(text string) []string {
	raw := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' && r != '/'
	})
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		tok = strings.Trim(tok, "._/")
		if tok == "" || stopWords[tok] {
			continue
		}
		out = append(out, tok)
		if strings.ContainsAny(tok, "._/") {
			for _, part := range strings.FieldsFunc(tok, func(r rune) bool { return r == '_' || r == '.' || r == '/' }) {
				if part != "" && !stopWords[part] {
					out = append(out, part)
				}
			}
		}
	}
	return out
}

// Manager owns the loaded index of every project.
type Manager struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	indexes map[uuid.UUID]*atomic.Pointer[Index]
}

func NewManager(dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{dir: dir, logger: logger, indexes: make(map[uuid.UUID]*atomic.Pointer[Index])}
}

func (m *Manager) path(projectID uuid.UUID) string {
	return filepath.Join(m.dir, projectID.String()+".json")
}

func (m *Manager) slot(projectID uuid.UUID) *atomic.Pointer[Index] {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.indexes[projectID]
	if !ok {
		p = &atomic.Pointer[Index]{}
		m.indexes[projectID] = p
	}
	return p
}

// Search queries the project's index, loading it from disk on first use. A project that was never
// built has an empty index.
func (m *Manager) Search(ctx context.Context, projectID uuid.UUID, query string, k int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx := m.slot(projectID).Load()
	if idx == nil {
		var err error
		if idx, err = m.Load(projectID); err != nil {
			return nil, err
		}
	}
	return idx.Search(query, k), nil
}

// Load reads the project's index file and swaps it in.
func (m *Manager) Load(projectID uuid.UUID) (*Index, error) {
	data, err := os.ReadFile(m.path(projectID))
	if errors.Is(err, fs.ErrNotExist) {
		idx := NewIndex(nil, time.Time{})
		m.slot(projectID).CompareAndSwap(nil, idx)
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUnavailable, m.path(projectID), err)
	}
	if f.Version != formatVersion || f.ProjectID != projectID {
		return nil, fmt.Errorf("%w: %s has version %d for project %s", ErrUnavailable, m.path(projectID), f.Version, f.ProjectID)
	}

	idx := NewIndex(f.Docs, f.BuiltAt)
	m.slot(projectID).Store(idx)
	return idx, nil
}

// Rebuild writes a fresh index for the project and swaps it in. The file is replaced by rename so a
// concurrent Load sees either the old or the new index, never a partial one.
func (m *Manager) Rebuild(ctx context.Context, projectID uuid.UUID, docs []Doc) (*Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	builtAt := time.Now().UTC()
	data, err := json.Marshal(fileFormat{Version: formatVersion, ProjectID: projectID, BuiltAt: builtAt, Docs: docs})
	if err != nil {
		return nil, fmt.Errorf("encode keyword index: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(m.dir, ".index-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp index: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("sync temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmpPath, m.path(projectID)); err != nil {
		return nil, fmt.Errorf("swap keyword index: %w", err)
	}
	committed = true

	idx := NewIndex(docs, builtAt)
	m.slot(projectID).Store(idx)
	m.logger.Info("keyword index rebuilt", "project_id", projectID, "docs", len(docs))
	return idx, nil
}

// Forget drops the in-memory index so the next search reloads from disk.
func (m *Manager) Forget(projectID uuid.UUID) {
	m.slot(projectID).Store(nil)
}
