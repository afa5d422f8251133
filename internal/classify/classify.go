// Package classify maps a failure's error text to an error category and a confidence.
package classify

import (
	"regexp"
	"strings"

	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// maxInputLength bounds the text fed to the regexes.
const maxInputLength = 16 * 1024

const (
	unknownConfidence = 0.5
	corroborationStep = 0.05
	maxConfidence     = 0.95
)

// ErrorInput is the text available for classification.
type ErrorInput struct {
	Message    string
	StackTrace string
	Log        string
}

// Classification is the classifier's verdict.
type Classification struct {
	Category   models.Category
	Confidence float64
	Rule       string
}

// rule pairs a compiled regex with the category it detects and a base confidence.
// Rules are evaluated in order; the first match wins.
type rule struct {
	name       string
	regex      *regexp.Regexp
	category   models.Category
	confidence float64
}

// Classifier classifies failures using ordered regex rules. Rules from the policy file are
// evaluated before the built-in ones. Safe for concurrent use.
type Classifier struct {
	rules []*rule
}

// New creates a classifier with the built-in rules, preceded by any policy-file categories.
func New(p *config.Policy) *Classifier {
	var rules []*rule
	if p != nil {
		for _, c := range p.Categories {
			for _, pat := range c.Patterns {
				re, err := regexp.Compile(pat)
				if err != nil {
					// ParsePolicy already rejected invalid patterns.
					continue
				}
				rules = append(rules, &rule{
					name:       strings.ToLower(c.Name),
					regex:      re,
					category:   models.Category(c.Name),
					confidence: c.Confidence,
				})
			}
		}
	}
	return &Classifier{rules: append(rules, builtinRules()...)}
}

// builtinRules returns the ordered rule set. Specific signatures come before broad keywords so
// that, for example, an assertion on an HTTP status is attributed to the code under test.
func builtinRules() []*rule {
	return []*rule{
		{
			name:       "http_status_mismatch",
			regex:      regexp.MustCompile(`(?i)expected\s*(?:status\s*(?:code)?\s*)?[:=]?\s*[1-5]\d\d\b.{0,40}?\b(?:got|but\s+was|actual|received)\s*:?\s*[1-5]\d\d\b`),
			category:   models.CategoryCode,
			confidence: 0.85,
		},
		{
			name:       "resource_exhaustion",
			regex:      regexp.MustCompile(`(?i)(?:OutOfMemoryError|heap\s+space|OOMKilled|out\s+of\s+memory|disk\s+full|no\s+space\s+left|ENOSPC|DiskSpaceError|too\s+many\s+open\s+files)`),
			category:   models.CategoryInfra,
			confidence: 0.9,
		},
		{
			name:       "network_unavailable",
			regex:      regexp.MustCompile(`(?i)(?:ConnectionTimeout|SocketException|SocketTimeoutException|connection\s+(?:refused|reset)|ECONNREFUSED|ECONNRESET|ETIMEDOUT|NetworkError|no\s+route\s+to\s+host|503\s+Service\s+Unavailable|node\s+not\s+ready|agent\s+(?:went\s+)?offline)`),
			category:   models.CategoryInfra,
			confidence: 0.85,
		},
		{
			name:       "missing_dependency",
			regex:      regexp.MustCompile(`(?i)(?:ModuleNotFoundError|ImportError|ClassNotFoundException|NoClassDefFoundError|cannot\s+find\s+module|cannot\s+import|version\s+conflict|package\s+.{0,60}\s+not\s+found|could\s+not\s+resolve\s+dependenc|no\s+matching\s+version|unsatisfied\s+dependenc|missing\s+go\.sum\s+entry)`),
			category:   models.CategoryDependency,
			confidence: 0.9,
		},
		{
			name:       "configuration",
			regex:      regexp.MustCompile(`(?i)(?:ConfigurationException|InvalidConfiguration|permission\s+denied|access\s+denied|environment\s+variable\s+\S+\s+(?:is\s+)?(?:not\s+set|missing|required)|missing\s+(?:required\s+)?(?:config|setting|env)|invalid\s+(?:config|yaml|setting|property)|unknown\s+(?:property|config\s+key))`),
			category:   models.CategoryConfig,
			confidence: 0.85,
		},
		{
			name:       "runtime_exception",
			regex:      regexp.MustCompile(`(?:SyntaxError|CompileError|NullPointerException|AttributeError|TypeError|NameError|IndexError|KeyError|ValueError|ClassCastException|IllegalArgumentException|IllegalStateException|ArrayIndexOutOfBoundsException|nil\s+pointer\s+dereference|panic:|segmentation\s+fault|undefined\s+(?:method|variable|reference|is\s+not))`),
			category:   models.CategoryCode,
			confidence: 0.85,
		},
		{
			name:       "assertion",
			regex:      regexp.MustCompile(`(?i)(?:AssertionError|ExpectationFailed|assertion\s+failed|test\s+(?:failed|timed\s+out)|expected\b.{0,80}\b(?:but|actual)|fixture\s+.{0,40}not\s+found)`),
			category:   models.CategoryTest,
			confidence: 0.8,
		},

		// Broad single-keyword fallbacks.
		{
			name:       "timeout",
			regex:      regexp.MustCompile(`(?i)\b(?:timeout|timed\s+out|deadline\s+exceeded)\b`),
			category:   models.CategoryInfra,
			confidence: 0.6,
		},
		{
			name:       "config_keyword",
			regex:      regexp.MustCompile(`(?i)\b(?:config(?:uration)?|settings?|env(?:ironment)?)\b`),
			category:   models.CategoryConfig,
			confidence: 0.6,
		},
		{
			name:       "dependency_keyword",
			regex:      regexp.MustCompile(`(?i)\b(?:dependency|dependencies|package|module|import)\b`),
			category:   models.CategoryDependency,
			confidence: 0.6,
		},
		{
			name:       "test_keyword",
			regex:      regexp.MustCompile(`(?i)\b(?:expected|actual|assert\w*)\b`),
			category:   models.CategoryTest,
			confidence: 0.6,
		},
	}
}

// Classify returns the first matching rule's category. Each further rule of the same category
// that also matches raises the confidence slightly. No match yields UNKNOWN_ERROR.
func (c *Classifier) Classify(in ErrorInput) Classification {
	text := strings.Join([]string{in.Message, in.StackTrace, in.Log}, "\n")
	if len(text) > maxInputLength {
		text = text[:maxInputLength]
	}

	var winner *rule
	corroborating := 0
	for _, r := range c.rules {
		if winner != nil && r.category != winner.category {
			continue
		}
		if !r.regex.MatchString(text) {
			continue
		}
		if winner == nil {
			winner = r
			continue
		}
		corroborating++
	}
	if winner == nil {
		return Classification{Category: models.CategoryUnknown, Confidence: unknownConfidence}
	}

	conf := winner.confidence + float64(corroborating)*corroborationStep
	if conf > maxConfidence {
		conf = maxConfidence
	}
	return Classification{Category: winner.category, Confidence: conf, Rule: winner.name}
}
