package normalize

import (
	"regexp"
	"sort"
	"strings"
)

var (
	reFilePath   = regexp.MustCompile(`(?:[\w.-]+/)+[\w.-]+\.(?:go|py|java|js|ts|tsx|rb|kt|scala|cs|cpp|c|h|rs|yaml|yml|json|xml|properties|toml)\b`)
	reException  = regexp.MustCompile(`\b[A-Z][A-Za-z0-9]*(?:Error|Exception|Failure|Fault)\b`)
	reErrorCode  = regexp.MustCompile(`\b(?:[A-Z]{2,}[-_]?\d{2,}|E\d{3,}|[1-5]\d{2})\b`)
	reQualified  = regexp.MustCompile(`\b[a-z_]\w*(?:\.[A-Za-z_]\w*){2,}\b`)
	reSnakeIdent = regexp.MustCompile(`\b[a-z]+(?:_[a-z0-9]+)+\b|\b[A-Z]{2,}(?:_[A-Z0-9]+)+\b`)
)

// ExtractEntities returns the distinct identifiers, file paths, exception names and error codes in text,
// sorted for determinism. Entities feed grounding checks and source fetches.
func ExtractEntities(text string) []string {
	seen := make(map[string]struct{})
	for _, re := range []*regexp.Regexp{reFilePath, reException, reErrorCode, reQualified, reSnakeIdent} {
		for _, m := range re.FindAllString(text, -1) {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// FilePaths returns only the source file paths found in text, in order of first appearance.
func FilePaths(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range reFilePath.FindAllString(text, -1) {
		m = strings.TrimPrefix(m, "./")
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
