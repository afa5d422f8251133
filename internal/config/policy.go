package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy is the optional YAML policy file. It extends the category set and may override CRAG weights.
//
//	categories:
//	  - name: NETWORK_ERROR
//	    patterns: ["(?i)connection reset", "(?i)ECONNREFUSED"]
//	    confidence: 0.8
//	weights:
//	  relevance: 0.3
//	  ...
type Policy struct {
	Categories []CategoryRule `yaml:"categories"`
	Weights    *Weights       `yaml:"weights"`
}

// CategoryRule declares a category discovered from data. Routing flags default to retrieval-only.
type CategoryRule struct {
	Name           string   `yaml:"name"`
	Patterns       []string `yaml:"patterns"`
	Confidence     float64  `yaml:"confidence"`
	UseGenerator   bool     `yaml:"use_generator"`
	UseSourceFetch bool     `yaml:"use_source_fetch"`
	UseLogs        bool     `yaml:"use_logs"`
}

var categoryName = regexp.MustCompile(`^[A-Z][A-Z0-9_]*_ERROR$`)

// LoadPolicy reads and validates a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates policy YAML.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}
	for i, c := range p.Categories {
		c.Name = strings.TrimSpace(c.Name)
		if !categoryName.MatchString(c.Name) {
			return nil, fmt.Errorf("policy category %d: name %q must look like NAME_ERROR", i, c.Name)
		}
		if len(c.Patterns) == 0 {
			return nil, fmt.Errorf("policy category %s: at least one pattern is required", c.Name)
		}
		for _, pat := range c.Patterns {
			if _, err := regexp.Compile(pat); err != nil {
				return nil, fmt.Errorf("policy category %s: invalid pattern %q: %w", c.Name, pat, err)
			}
		}
		if c.Confidence <= 0 || c.Confidence > 1 {
			c.Confidence = 0.6
		}
		p.Categories[i] = c
	}
	if p.Weights != nil {
		if err := p.Weights.validate(); err != nil {
			return nil, err
		}
	}
	return &p, nil
}
