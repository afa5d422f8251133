package retrieval

import (
	"sort"
	"time"

	"github.com/kiranshivaraju/faultline/pkg/models"
)

// DefaultRRFConstant is the rank constant c in 1/(c + rank).
const DefaultRRFConstant = 60

// Candidate is one document returned by a source. Similarity is normalized to [0,1].
type Candidate struct {
	Source       string
	DocID        string
	Text         string
	Score        float64
	Similarity   float64
	Category     models.Category
	DocType      string
	SourceURL    string
	DocumentTime time.Time
}

// Fused is a candidate after rank fusion.
type Fused struct {
	Candidate
	RRFScore      float64
	PrimarySource string
	BestRank      int
	Sources       []string
}

// RRF fuses ranked lists with Reciprocal Rank Fusion: score(d) = Σ 1/(c + rank_s(d)), rank 1-based.
// Lists are visited in key order so the result does not depend on the order sources answered.
// A document's primary source is the list in which it ranks best; ties go to the first key.
// Results are ordered by score, then higher similarity, then newer document, then id.
func RRF(lists map[string][]Candidate, c int) []Fused {
	if c <= 0 {
		c = DefaultRRFConstant
	}
	keys := make([]string, 0, len(lists))
	for k := range lists {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	byID := make(map[string]*Fused)
	var order []string
	for _, key := range keys {
		seen := make(map[string]bool)
		rank := 0
		for _, cand := range lists[key] {
			if seen[cand.DocID] {
				continue
			}
			seen[cand.DocID] = true
			rank++

			f, ok := byID[cand.DocID]
			if !ok {
				f = &Fused{Candidate: cand, PrimarySource: key, BestRank: rank}
				byID[cand.DocID] = f
				order = append(order, cand.DocID)
			} else if rank < f.BestRank {
				sim, docTime := f.Similarity, f.DocumentTime
				f.Candidate = cand
				f.Similarity, f.DocumentTime = sim, docTime
				f.PrimarySource = key
				f.BestRank = rank
			}
			if cand.Similarity > f.Similarity {
				f.Similarity = cand.Similarity
			}
			if cand.DocumentTime.After(f.DocumentTime) {
				f.DocumentTime = cand.DocumentTime
			}
			f.RRFScore += 1 / float64(c+rank)
			f.Sources = append(f.Sources, key)
		}
	}

	out := make([]Fused, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return fusedLess(out[i], out[j]) })
	return out
}

func fusedLess(a, b Fused) bool {
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	if !a.DocumentTime.Equal(b.DocumentTime) {
		return a.DocumentTime.After(b.DocumentTime)
	}
	return a.DocID < b.DocID
}
