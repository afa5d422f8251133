package tools

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/faultline/internal/routing"
	"github.com/kiranshivaraju/faultline/internal/sourcefetch"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// maxFilesPerCall bounds how many files one get_file call reads.
const maxFilesPerCall = 2

var reLocation = regexp.MustCompile(`((?:[\w.-]+/)+[\w.-]+\.(?:go|py|java|js|ts|tsx|rb|kt|scala|cs|cpp|c|h|rs)\b)(?:(?::|", line )(\d+))?`)

// FindLocations returns the source positions mentioned in texts, first mention wins.
func FindLocations(texts ...string) []Location {
	var out []Location
	seen := make(map[string]bool)
	for _, text := range texts {
		for _, m := range reLocation.FindAllStringSubmatch(text, -1) {
			path := strings.TrimPrefix(m[1], "./")
			if seen[path] {
				continue
			}
			seen[path] = true
			line, _ := strconv.Atoi(m[2])
			out = append(out, Location{Path: path, Line: line})
		}
	}
	return out
}

func codeAffinity(code float64) map[models.Category]float64 {
	return map[models.Category]float64{models.CategoryCode: code}
}

func hasRepo(in Input) bool {
	_, err := sourcefetch.RepoOf(in.Project)
	return err == nil
}

// GetFileTool reads the files named by the failure around the failing line.
type GetFileTool struct{ fetcher sourcefetch.Fetcher }

func NewGetFileTool(f sourcefetch.Fetcher) *GetFileTool { return &GetFileTool{fetcher: f} }

func (t *GetFileTool) Spec() Spec {
	return Spec{
		Name:         "source_fetch.get_file",
		Class:        routing.ClassSourceFetch,
		Cost:         3,
		Affinity:     codeAffinity(0.9),
		BaseAffinity: 0.2,
		Description:  "read the source around a failing line",
	}
}

func (t *GetFileTool) Applicable(in Input) bool { return hasRepo(in) && len(in.Files) > 0 }

func (t *GetFileTool) Run(ctx context.Context, in Input) (*Observation, error) {
	repo, err := sourcefetch.RepoOf(in.Project)
	if err != nil {
		return nil, err
	}
	obs := &Observation{}
	var firstErr error
	for i, loc := range in.Files {
		if i == maxFilesPerCall {
			break
		}
		snippet, err := t.fetcher.GetFile(ctx, repo, loc.Path, loc.Line)
		if err != nil {
			if !errors.Is(err, sourcefetch.ErrNotFound) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		obs.Snippets = append(obs.Snippets, *snippet)
	}
	if len(obs.Snippets) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return obs, nil
}

// GetBlameTool lists the latest commits touching the first failing file.
type GetBlameTool struct{ fetcher sourcefetch.Fetcher }

func NewGetBlameTool(f sourcefetch.Fetcher) *GetBlameTool { return &GetBlameTool{fetcher: f} }

func (t *GetBlameTool) Spec() Spec {
	return Spec{
		Name:         "source_fetch.get_blame",
		Class:        routing.ClassSourceFetch,
		Cost:         4,
		Affinity:     codeAffinity(0.7),
		BaseAffinity: 0.2,
		Description:  "list recent commits to a failing file",
	}
}

func (t *GetBlameTool) Applicable(in Input) bool { return hasRepo(in) && len(in.Files) > 0 }

func (t *GetBlameTool) Run(ctx context.Context, in Input) (*Observation, error) {
	repo, err := sourcefetch.RepoOf(in.Project)
	if err != nil {
		return nil, err
	}
	snippet, err := t.fetcher.GetBlame(ctx, repo, in.Files[0].Path)
	if err != nil {
		return nil, err
	}
	return &Observation{Snippets: []models.SourceSnippet{*snippet}}, nil
}

// SearchTool searches the repository for the most specific entity of the failure.
type SearchTool struct{ fetcher sourcefetch.Fetcher }

func NewSearchTool(f sourcefetch.Fetcher) *SearchTool { return &SearchTool{fetcher: f} }

func (t *SearchTool) Spec() Spec {
	return Spec{
		Name:         "source_fetch.search",
		Class:        routing.ClassSourceFetch,
		Cost:         5,
		Affinity:     codeAffinity(0.6),
		BaseAffinity: 0.2,
		Description:  "search the repository for an identifier",
	}
}

func (t *SearchTool) Applicable(in Input) bool { return hasRepo(in) && searchTerm(in) != "" }

func (t *SearchTool) Run(ctx context.Context, in Input) (*Observation, error) {
	repo, err := sourcefetch.RepoOf(in.Project)
	if err != nil {
		return nil, err
	}
	snippets, err := t.fetcher.Search(ctx, repo, searchTerm(in))
	if err != nil {
		return nil, err
	}
	return &Observation{Snippets: snippets}, nil
}

// searchTerm prefers the longest identifier-like entity; bare status codes make poor searches.
func searchTerm(in Input) string {
	best := ""
	for _, e := range in.Entities {
		if _, err := strconv.Atoi(e); err == nil {
			continue
		}
		if len(e) > len(best) {
			best = e
		}
	}
	return best
}
