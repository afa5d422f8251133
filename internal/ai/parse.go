package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	codeFenceRegex     = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	objectRegex        = regexp.MustCompile(`(?s)\{.*\}`)
)

// parseJSON decodes model output into dst, tolerating code fences, trailing commas and
// prose around the object.
func parseJSON(text string, dst any) error {
	candidates := []string{strings.TrimSpace(text)}
	if m := codeFenceRegex.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	if m := objectRegex.FindString(text); m != "" {
		candidates = append(candidates, m)
	}

	var lastErr error
	for _, c := range candidates {
		for _, variant := range []string{c, trailingCommaRegex.ReplaceAllString(c, "$1")} {
			if err := json.Unmarshal([]byte(variant), dst); err == nil {
				return nil
			} else {
				lastErr = err
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrInvalidResponse, lastErr)
}
