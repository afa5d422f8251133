package retrieval

import (
	"regexp"
	"strings"

	"github.com/kiranshivaraju/faultline/pkg/models"
)

// MaxParaphrases bounds the query variations produced by Expander.
const MaxParaphrases = 3

var acronyms = []struct {
	re        *regexp.Regexp
	expansion string
}{
	{regexp.MustCompile(`(?i)\bOOM\b`), "out of memory"},
	{regexp.MustCompile(`(?i)\bNPE\b`), "null pointer exception"},
	{regexp.MustCompile(`(?i)\bJWT\b`), "JSON Web Token"},
	{regexp.MustCompile(`(?i)\bAPI\b`), "application programming interface"},
	{regexp.MustCompile(`(?i)\bSQL\b`), "structured query language"},
	{regexp.MustCompile(`(?i)\bTLS\b`), "transport layer security"},
	{regexp.MustCompile(`(?i)\bSSL\b`), "secure sockets layer"},
	{regexp.MustCompile(`(?i)\bDNS\b`), "domain name system"},
	{regexp.MustCompile(`(?i)\bTTL\b`), "time to live"},
	{regexp.MustCompile(`(?i)\bCORS\b`), "cross-origin resource sharing"},
	{regexp.MustCompile(`(?i)\bK8S\b`), "kubernetes"},
	{regexp.MustCompile(`(?i)\bDB\b`), "database"},
	{regexp.MustCompile(`(?i)\bORM\b`), "object relational mapping"},
	{regexp.MustCompile(`(?i)\bSSH\b`), "secure shell"},
	{regexp.MustCompile(`(?i)\bTCP\b`), "transmission control protocol"},
}

var synonyms = map[string]string{
	"auth":           "authentication",
	"authentication": "login",
	"login":          "authentication",
	"error":          "failure",
	"failure":        "error",
	"failed":         "failure",
	"exception":      "error",
	"bug":            "defect",
	"config":         "configuration",
	"configuration":  "settings",
	"timeout":        "timed out",
	"database":       "datastore",
	"connection":     "connectivity",
	"permission":     "authorization",
	"unauthorized":   "401",
	"forbidden":      "403",
	"memory":         "heap",
	"heap":           "memory",
	"token":          "access token",
	"dependency":     "package",
	"module":         "package",
	"network":        "connectivity",
	"deployment":     "rollout",
	"environment":    "env",
}

var categoryKeywords = map[models.Category][]string{
	models.CategoryCode:       {"implementation", "bug", "function", "method", "code"},
	models.CategoryInfra:      {"infrastructure", "resource", "service", "deployment", "system"},
	models.CategoryConfig:     {"configuration", "settings", "environment", "variable", "parameter"},
	models.CategoryDependency: {"package", "library", "dependency", "module", "import"},
	models.CategoryTest:       {"test", "assertion", "mock", "fixture", "flaky"},
}

var reIdentifier = regexp.MustCompile(`\b[A-Z][A-Z0-9]*(?:_[A-Z0-9]+)+\b|\b[a-z][a-z0-9]*(?:_[a-z0-9]+)+\b`)

// Expander generates paraphrases of a query for recall on medium-confidence analyses.
type Expander struct {
	max int
}

func NewExpander() *Expander { return &Expander{max: MaxParaphrases} }

// Expand returns up to three distinct paraphrases of q, never including q itself. The strategies run
// in order: acronym expansion, synonym replacement, category keyword, identifier normalization.
func (e *Expander) Expand(q string, category models.Category) []string {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil
	}
	var out []string
	seen := map[string]bool{strings.ToLower(q): true}
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || seen[strings.ToLower(p)] || len(out) >= e.max {
			return
		}
		seen[strings.ToLower(p)] = true
		out = append(out, p)
	}

	add(expandAcronym(q))
	add(replaceSynonym(q))
	add(addCategoryKeyword(q, category))
	add(normalizeIdentifier(q))
	return out
}

// expandAcronym expands the first known acronym only.
func expandAcronym(q string) string {
	for _, a := range acronyms {
		if loc := a.re.FindStringIndex(q); loc != nil {
			return q[:loc[0]] + a.expansion + q[loc[1]:]
		}
	}
	return ""
}

// replaceSynonym replaces the first word that has a synonym.
func replaceSynonym(q string) string {
	words := strings.Fields(q)
	for i, w := range words {
		key := strings.ToLower(strings.Trim(w, ".,:;()[]\"'"))
		if syn, ok := synonyms[key]; ok {
			words[i] = syn
			return strings.Join(words, " ")
		}
	}
	return ""
}

// addCategoryKeyword appends the first category keyword not already in the query.
func addCategoryKeyword(q string, category models.Category) string {
	lower := strings.ToLower(q)
	for _, kw := range categoryKeywords[category] {
		if !strings.Contains(lower, kw) {
			return q + " " + kw
		}
	}
	return ""
}

// normalizeIdentifier rewrites the first snake or screaming-snake identifier as words,
// e.g. TOKEN_EXPIRATION becomes "token expiration".
func normalizeIdentifier(q string) string {
	loc := reIdentifier.FindStringIndex(q)
	if loc == nil {
		return ""
	}
	words := strings.ReplaceAll(strings.ToLower(q[loc[0]:loc[1]]), "_", " ")
	return q[:loc[0]] + words + q[loc[1]:]
}
