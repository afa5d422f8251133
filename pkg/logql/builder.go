// Package logql builds LogQL queries over CI job logs shipped to Loki.
package logql

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Default stream labels set by CI log shippers.
const (
	DefaultJobLabel   = "job"
	DefaultBuildLabel = "build"
)

// ErrorPattern matches lines that usually carry the cause of a failed build.
const ErrorPattern = `(?i)(error|exception|fatal|fail|panic|traceback|refused|timed? ?out)`

// QueryBuilder constructs safe LogQL query strings. Label values and filters are quoted, so
// user-provided job names and keywords cannot break out of the query.
// Zero value is ready to use and selects streams by the default labels.
type QueryBuilder struct {
	JobLabel   string
	BuildLabel string
}

// JobLogParams selects the log lines of one CI job run.
type JobLogParams struct {
	Job        string
	Build      string
	Levels     []string
	Keywords   []string
	ErrorsOnly bool
}

// BuildJobQuery returns a LogQL query for the lines of a job, optionally narrowed to one build,
// lines containing every keyword, error-looking lines, and levels.
func (b QueryBuilder) BuildJobQuery(p JobLogParams) string {
	parts := []string{b.buildSelector(p.Job, p.Build)}

	for _, kw := range p.Keywords {
		if f := b.buildKeywordFilter(kw); f != "" {
			parts = append(parts, f)
		}
	}
	if p.ErrorsOnly {
		parts = append(parts, "|~ "+strconv.Quote(ErrorPattern))
	}
	if lf := b.buildLevelFilter(p.Levels); lf != "" {
		parts = append(parts, lf)
	}

	return strings.Join(parts, " ")
}

func (b QueryBuilder) labels() (string, string) {
	job, build := b.JobLabel, b.BuildLabel
	if job == "" {
		job = DefaultJobLabel
	}
	if build == "" {
		build = DefaultBuildLabel
	}
	return job, build
}

func (b QueryBuilder) buildSelector(job, build string) string {
	jobLabel, buildLabel := b.labels()
	if build != "" {
		return fmt.Sprintf(`{%s=%s, %s=%s}`, jobLabel, strconv.Quote(job), buildLabel, strconv.Quote(build))
	}
	return fmt.Sprintf(`{%s=%s}`, jobLabel, strconv.Quote(job))
}

func (b QueryBuilder) buildLevelFilter(levels []string) string {
	if len(levels) == 0 {
		return ""
	}
	lower := make([]string, len(levels))
	for i, l := range levels {
		lower[i] = regexp.QuoteMeta(strings.ToLower(l))
	}
	return "| level =~ " + strconv.Quote("(?i)("+strings.Join(lower, "|")+")")
}

func (b QueryBuilder) buildKeywordFilter(keyword string) string {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return ""
	}
	return "|= " + strconv.Quote(keyword)
}
