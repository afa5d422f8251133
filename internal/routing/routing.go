// Package routing decides which tool classes an analysis may use for a given error category.
//
// Only CODE_ERROR unlocks the generator, source fetching and job logs; every other category is
// answered from retrieval alone. Every tool the loop selects is validated against the decision and a
// violation is fatal.
package routing

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// ErrToolNotAllowed is wrapped in a fatal apperr when a tool outside the decision is selected.
var ErrToolNotAllowed = errors.New("tool not allowed for category")

// Class groups tools by cost profile.
type Class string

const (
	ClassRetrieval   Class = "retrieval"
	ClassSourceFetch Class = "source_fetch"
	ClassGenerator   Class = "generator"
	ClassLogs        Class = "logs"
)

// ClassOf returns the class encoded in a tool name's prefix ("retrieval.keyword" -> retrieval).
func ClassOf(toolName string) Class {
	prefix, _, _ := strings.Cut(toolName, ".")
	return Class(prefix)
}

// Entry is one row of the routing table.
type Entry struct {
	UseGenerator   bool
	UseSourceFetch bool
	UseLogs        bool
	Sources        []string
}

// Decision is the routing result for one analysis.
type Decision struct {
	Category       models.Category
	UseGenerator   bool
	UseSourceFetch bool
	UseRetrieval   bool
	UseLogs        bool
	Sources        []string
}

// Allows reports whether tools of class c may run.
func (d Decision) Allows(c Class) bool {
	switch c {
	case ClassRetrieval:
		return d.UseRetrieval
	case ClassLogs:
		return d.UseLogs
	case ClassSourceFetch:
		return d.UseSourceFetch
	case ClassGenerator:
		return d.UseGenerator
	}
	return false
}

// AllowsSource reports whether a retrieval source is whitelisted.
func (d Decision) AllowsSource(source string) bool {
	return d.UseRetrieval && slices.Contains(d.Sources, source)
}

// Record converts the decision to its persisted form.
func (d Decision) Record() models.RoutingDecision {
	return models.RoutingDecision{
		Category:       d.Category,
		UseGenerator:   d.UseGenerator,
		UseSourceFetch: d.UseSourceFetch,
		UseRetrieval:   d.UseRetrieval,
		UseLogs:        d.UseLogs,
		Sources:        slices.Clone(d.Sources),
	}
}

// Policy is the static routing table. It is immutable after construction.
type Policy struct {
	table map[models.Category]Entry
}

func retrievalOnly() Entry {
	return Entry{Sources: slices.Clone(models.AllSources)}
}

// NewPolicy builds the default table, extended with any categories declared in the policy file.
// Declared categories may not loosen the built-in rows.
func NewPolicy(p *config.Policy) *Policy {
	table := map[models.Category]Entry{
		models.CategoryCode: {UseGenerator: true, UseSourceFetch: true, UseLogs: true, Sources: slices.Clone(models.AllSources)},
	}
	for _, c := range []models.Category{
		models.CategoryInfra, models.CategoryConfig, models.CategoryDependency,
		models.CategoryTest, models.CategoryUnknown,
	} {
		table[c] = retrievalOnly()
	}
	if p != nil {
		for _, rule := range p.Categories {
			name := models.Category(rule.Name)
			if _, builtin := table[name]; builtin {
				continue
			}
			table[name] = Entry{
				UseGenerator:   rule.UseGenerator,
				UseSourceFetch: rule.UseSourceFetch,
				UseLogs:        rule.UseLogs,
				Sources:        slices.Clone(models.AllSources),
			}
		}
	}
	return &Policy{table: table}
}

// Decide returns the decision for category. Unknown categories get the retrieval-only row.
func (p *Policy) Decide(category models.Category) Decision {
	e, ok := p.table[category]
	if !ok {
		e = retrievalOnly()
	}
	return Decision{
		Category:       category,
		UseGenerator:   e.UseGenerator,
		UseSourceFetch: e.UseSourceFetch,
		UseRetrieval:   true,
		UseLogs:        e.UseLogs,
		Sources:        slices.Clone(e.Sources),
	}
}

// Known reports whether category has a routing row.
func (p *Policy) Known(category models.Category) bool {
	_, ok := p.table[category]
	return ok
}

// Validate checks a tool against the decision. The error is fatal and must not be retried.
func (p *Policy) Validate(d Decision, toolName string) error {
	class := ClassOf(toolName)
	allowed := d.Allows(class)
	if allowed && class == ClassRetrieval {
		_, source, _ := strings.Cut(toolName, ".")
		allowed = d.AllowsSource(source)
	}
	if !allowed {
		return apperr.Wrap(apperr.KindFatal, "routing.validate",
			fmt.Errorf("%w: %s for %s", ErrToolNotAllowed, toolName, d.Category))
	}
	return nil
}
