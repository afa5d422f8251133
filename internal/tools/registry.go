// Package tools holds the tools the analysis loop may call, with the metadata used to pick the
// next one: class, estimated cost and category affinity.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kiranshivaraju/faultline/internal/routing"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

var (
	ErrNoEligibleTool = errors.New("no eligible tool")
	ErrUnknownTool    = errors.New("unknown tool")
	ErrDuplicateTool  = errors.New("tool already registered")
	ErrNotApplicable  = errors.New("tool not applicable to input")
)

// DefaultAffinity applies to categories a tool does not list when it sets no BaseAffinity.
const DefaultAffinity = 0.5

// Spec describes a tool to the selector.
type Spec struct {
	Name         string
	Class        routing.Class
	Cost         float64
	Affinity     map[models.Category]float64
	BaseAffinity float64
	Description  string
}

// AffinityFor returns how useful the tool is for a category, in [0,1].
func (s Spec) AffinityFor(c models.Category) float64 {
	if a, ok := s.Affinity[c]; ok {
		return a
	}
	if s.BaseAffinity > 0 {
		return s.BaseAffinity
	}
	return DefaultAffinity
}

// Location is a source position mentioned by the failure.
type Location struct {
	Path string
	Line int
}

// Input is what a tool receives for one call.
type Input struct {
	Query    string
	Category models.Category
	Failure  *models.Failure
	Project  *models.Project
	Files    []Location
	Entities []string
	Expand   bool
}

// Observation is what a tool call produced.
type Observation struct {
	Evidence  []models.RetrievalResult
	Snippets  []models.SourceSnippet
	Warnings  []string
	Available []string
	Failed    []string
}

// Empty reports whether the call produced nothing usable.
func (o *Observation) Empty() bool {
	return o == nil || (len(o.Evidence) == 0 && len(o.Snippets) == 0)
}

// Tool is one effectful capability of the loop.
type Tool interface {
	Spec() Spec
	// Applicable reports whether the tool has something to work with for in.
	Applicable(in Input) bool
	Run(ctx context.Context, in Input) (*Observation, error)
}

// SelectionState is what the selector knows about the analysis so far.
type SelectionState struct {
	Decision           routing.Decision
	Input              Input
	RetrievalRounds    int
	SolutionConfidence float64
	tried              map[string]map[string]bool
}

// MarkTried records that a tool ran with a query, so it is not picked again with the same query.
func (s *SelectionState) MarkTried(tool, query string) {
	if s.tried == nil {
		s.tried = make(map[string]map[string]bool)
	}
	if s.tried[tool] == nil {
		s.tried[tool] = make(map[string]bool)
	}
	s.tried[tool][query] = true
}

// Tried reports whether a tool already ran with a query.
func (s *SelectionState) Tried(tool, query string) bool {
	return s.tried[tool][query]
}

// Selection is the outcome of one think step. Retrieval tools are selected together so they
// run as one fused call; every other class selects exactly one tool.
type Selection struct {
	Class routing.Class
	Tools []Tool
}

// Names returns the selected tool names.
func (s Selection) Names() []string {
	names := make([]string, len(s.Tools))
	for i, t := range s.Tools {
		names[i] = t.Spec().Name
	}
	return names
}

// Sources returns the retrieval sources of the selected tools.
func (s Selection) Sources() []string {
	var out []string
	for _, t := range s.Tools {
		if rt, ok := t.(*RetrievalTool); ok {
			out = append(out, rt.Source())
		}
	}
	return out
}

// Registry holds the tools. Register is expected at startup; Select is safe for concurrent use.
type Registry struct {
	mu                   sync.RWMutex
	tools                map[string]Tool
	order                []string
	sourceFetchThreshold float64
}

// NewRegistry creates an empty registry. Source-fetch tools become eligible only after a
// retrieval round left the solution confidence below sourceFetchThreshold.
func NewRegistry(sourceFetchThreshold float64) *Registry {
	if sourceFetchThreshold <= 0 {
		sourceFetchThreshold = 0.70
	}
	return &Registry{tools: make(map[string]Tool), sourceFetchThreshold: sourceFetchThreshold}
}

func (r *Registry) Register(t Tool) error {
	spec := t.Spec()
	if spec.Name == "" || !strings.Contains(spec.Name, ".") {
		return fmt.Errorf("registering tool: name %q must be <class>.<tool>", spec.Name)
	}
	if routing.ClassOf(spec.Name) != spec.Class {
		return fmt.Errorf("registering tool %s: class %s does not match name", spec.Name, spec.Class)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[spec.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, spec.Name)
	}
	r.tools[spec.Name] = t
	r.order = append(r.order, spec.Name)
	return nil
}

func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// Names lists registered tools in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// HasClass reports whether any tool of class c is registered.
func (r *Registry) HasClass(c routing.Class) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if t.Spec().Class == c {
			return true
		}
	}
	return false
}

// Eligible returns the tools that may run next, best first: highest category affinity, then
// lowest estimated cost, then name.
func (r *Registry) Eligible(st *SelectionState) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Tool
	for _, name := range r.order {
		t := r.tools[name]
		spec := t.Spec()
		if !st.Decision.Allows(spec.Class) {
			continue
		}
		if rt, ok := t.(*RetrievalTool); ok && !st.Decision.AllowsSource(rt.Source()) {
			continue
		}
		if spec.Class == routing.ClassSourceFetch &&
			(st.RetrievalRounds == 0 || st.SolutionConfidence >= r.sourceFetchThreshold) {
			continue
		}
		if st.Tried(spec.Name, st.Input.Query) || !t.Applicable(st.Input) {
			continue
		}
		out = append(out, t)
	}

	category := st.Input.Category
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Spec(), out[j].Spec()
		if aa, ba := a.AffinityFor(category), b.AffinityFor(category); aa != ba {
			return aa > ba
		}
		if a.Cost != b.Cost {
			return a.Cost < b.Cost
		}
		return a.Name < b.Name
	})
	return out
}

// Select picks the next tool. When the best tool is a retrieval tool, every eligible retrieval
// tool joins the selection.
func (r *Registry) Select(st *SelectionState) (Selection, error) {
	eligible := r.Eligible(st)
	if len(eligible) == 0 {
		return Selection{}, ErrNoEligibleTool
	}
	best := eligible[0]
	class := best.Spec().Class
	if class != routing.ClassRetrieval {
		return Selection{Class: class, Tools: []Tool{best}}, nil
	}

	var batch []Tool
	for _, t := range eligible {
		if t.Spec().Class == routing.ClassRetrieval {
			batch = append(batch, t)
		}
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return sourceRank(batch[i].(*RetrievalTool).Source()) < sourceRank(batch[j].(*RetrievalTool).Source())
	})
	return Selection{Class: routing.ClassRetrieval, Tools: batch}, nil
}

func sourceRank(source string) int {
	for i, s := range models.AllSources {
		if s == source {
			return i
		}
	}
	return len(models.AllSources)
}
