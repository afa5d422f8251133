// Package sourcefetch reads source files and history from the project's GitHub repository.
package sourcefetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/config"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Sentinel errors for source fetches.
var (
	ErrNotFound     = errors.New("source not found")
	ErrNoRepository = errors.New("project has no repository configured")
)

const (
	// contextLines is how many lines around a target line GetFile returns.
	contextLines = 40
	maxFileLines = 200
	maxCommits   = 5
	maxResults   = 5
)

// Repo identifies a repository and the ref to read.
type Repo struct {
	Owner string
	Name  string
	Ref   string
}

// RepoOf returns the repository configured for a project.
func RepoOf(p *models.Project) (Repo, error) {
	if p == nil || p.RepoOwner == "" || p.RepoName == "" {
		return Repo{}, ErrNoRepository
	}
	return Repo{Owner: p.RepoOwner, Name: p.RepoName, Ref: p.DefaultBranch}, nil
}

// Fetcher backs the source_fetch tools.
type Fetcher interface {
	GetFile(ctx context.Context, repo Repo, path string, line int) (*models.SourceSnippet, error)
	GetBlame(ctx context.Context, repo Repo, path string) (*models.SourceSnippet, error)
	Search(ctx context.Context, repo Repo, query string) ([]models.SourceSnippet, error)
}

// GitHub implements Fetcher with the GitHub REST API.
type GitHub struct {
	client *github.Client
}

// NewGitHub builds an authenticated client. A BaseURL selects a GitHub Enterprise server.
func NewGitHub(ctx context.Context, cfg config.GitHubConfig) (*GitHub, error) {
	var httpClient *http.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(httpClient)
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("configure github base url: %w", err)
		}
	}
	return &GitHub{client: client}, nil
}

// NewGitHubWithClient wraps an existing client.
func NewGitHubWithClient(client *github.Client) *GitHub {
	return &GitHub{client: client}
}

func (g *GitHub) GetFile(ctx context.Context, repo Repo, path string, line int) (*models.SourceSnippet, error) {
	path = strings.TrimPrefix(path, "/")
	var fc *github.RepositoryContent
	err := apperr.Retry(ctx, func(ctx context.Context) error {
		var resp *github.Response
		var err error
		fc, _, resp, err = g.client.Repositories.GetContents(ctx, repo.Owner, repo.Name, path,
			&github.RepositoryContentGetOptions{Ref: repo.Ref})
		return classifyError("source_fetch.get_file", resp, err)
	})
	if err != nil {
		return nil, err
	}
	if fc == nil {
		return nil, apperr.Permanent("source_fetch.get_file", fmt.Errorf("%w: %s is a directory", ErrNotFound, path))
	}
	content, err := fc.GetContent()
	if err != nil {
		return nil, apperr.Permanent("source_fetch.get_file", fmt.Errorf("decode %s: %w", path, err))
	}

	return &models.SourceSnippet{
		Kind:    "file",
		Path:    path,
		Ref:     repo.Ref,
		URL:     fc.GetHTMLURL(),
		Content: window(content, line),
	}, nil
}

// GetBlame summarizes the latest commits that touched path. The REST API has no blame endpoint;
// the commit history of the file carries the same "who changed it last" signal.
func (g *GitHub) GetBlame(ctx context.Context, repo Repo, path string) (*models.SourceSnippet, error) {
	path = strings.TrimPrefix(path, "/")
	var commits []*github.RepositoryCommit
	err := apperr.Retry(ctx, func(ctx context.Context) error {
		var resp *github.Response
		var err error
		commits, resp, err = g.client.Repositories.ListCommits(ctx, repo.Owner, repo.Name, &github.CommitsListOptions{
			SHA:         repo.Ref,
			Path:        path,
			ListOptions: github.ListOptions{PerPage: maxCommits},
		})
		return classifyError("source_fetch.get_blame", resp, err)
	})
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return nil, apperr.Permanent("source_fetch.get_blame", fmt.Errorf("%w: no commits touch %s", ErrNotFound, path))
	}

	var b strings.Builder
	for _, c := range commits {
		msg, _, _ := strings.Cut(c.GetCommit().GetMessage(), "\n")
		sha := c.GetSHA()
		if len(sha) > 7 {
			sha = sha[:7]
		}
		author := c.GetCommit().GetAuthor()
		fmt.Fprintf(&b, "%s %s %s: %s\n", sha, author.GetDate().Format("2006-01-02"), author.GetName(), msg)
	}
	return &models.SourceSnippet{
		Kind:    "blame",
		Path:    path,
		Ref:     repo.Ref,
		URL:     commits[0].GetHTMLURL(),
		Content: strings.TrimRight(b.String(), "\n"),
	}, nil
}

func (g *GitHub) Search(ctx context.Context, repo Repo, query string) ([]models.SourceSnippet, error) {
	q := fmt.Sprintf("%s repo:%s/%s", strings.TrimSpace(query), repo.Owner, repo.Name)
	var result *github.CodeSearchResult
	err := apperr.Retry(ctx, func(ctx context.Context) error {
		var resp *github.Response
		var err error
		result, resp, err = g.client.Search.Code(ctx, q, &github.SearchOptions{
			ListOptions: github.ListOptions{PerPage: maxResults},
		})
		return classifyError("source_fetch.search", resp, err)
	})
	if err != nil {
		return nil, err
	}

	var out []models.SourceSnippet
	for _, r := range result.CodeResults {
		out = append(out, models.SourceSnippet{
			Kind:    "search",
			Path:    r.GetPath(),
			Ref:     repo.Ref,
			URL:     r.GetHTMLURL(),
			Content: r.GetPath(),
		})
		if len(out) == maxResults {
			break
		}
	}
	return out, nil
}

// window returns numbered lines around line, or the head of the file when line is unknown.
func window(content string, line int) string {
	lines := strings.Split(content, "\n")
	start, end := 0, len(lines)
	if line > 0 && line <= len(lines) {
		start = max(0, line-1-contextLines)
		end = min(len(lines), line+contextLines)
	} else if end > maxFileLines {
		end = maxFileLines
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		fmt.Fprintf(&b, "%5d  %s\n", i+1, lines[i])
	}
	return strings.TrimRight(b.String(), "\n")
}

// classifyError maps GitHub API failures onto the error kinds: rate limits and 5xx are transient,
// 404 is a permanent not-found, anything else is permanent.
func classifyError(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindDeadline, op, err)
	}
	var rateErr *github.RateLimitError
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return apperr.Transient(op, err)
	}
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return apperr.Permanent(op, fmt.Errorf("%w: %v", ErrNotFound, err))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return apperr.Transient(op, err)
		case resp.StatusCode > 0:
			return apperr.Permanent(op, err)
		}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return apperr.Transient(op, err)
	}
	return apperr.Permanent(op, err)
}
