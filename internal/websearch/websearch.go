// Package websearch is the optional web fallback used when corrective retrieval over the
// project's own evidence is not enough. It is enabled only when a search endpoint is configured.
package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/config"
)

var (
	ErrSearchUnreachable = errors.New("web search unreachable")
	ErrSearchResponse    = errors.New("web search returned an invalid response")
)

// Result is one web hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Client queries a JSON search endpoint: GET <url>?q=<query>&count=<k> returning {"results":[...]}.
type Client struct {
	endpoint string
	client   *http.Client
}

// New returns nil when no endpoint is configured, which disables the fallback.
func New(cfg config.WebSearchConfig) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Client{endpoint: cfg.URL, client: &http.Client{Timeout: timeout}}
}

// Available reports whether the fallback is enabled.
func (c *Client) Available() bool { return c != nil }

func (c *Client) Search(ctx context.Context, query string, k int) ([]Result, error) {
	if c == nil {
		return nil, apperr.Permanent("websearch", ErrSearchUnreachable)
	}
	if k <= 0 {
		k = 5
	}
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, apperr.Permanent("websearch", fmt.Errorf("parsing endpoint: %w", err))
	}
	params := u.Query()
	params.Set("q", query)
	params.Set("count", strconv.Itoa(k))
	u.RawQuery = params.Encode()

	var body struct {
		Results []Result `json:"results"`
	}
	err = apperr.Retry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return apperr.Permanent("websearch", fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return apperr.Wrap(apperr.KindDeadline, "websearch", err)
			}
			return apperr.Transient("websearch", fmt.Errorf("%w: %v", ErrSearchUnreachable, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return apperr.Transient("websearch", fmt.Errorf("%w: status %d", ErrSearchUnreachable, resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return apperr.Permanent("websearch", fmt.Errorf("%w: status %d", ErrSearchResponse, resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return apperr.Permanent("websearch", fmt.Errorf("%w: %v", ErrSearchResponse, err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(body.Results))
	for _, r := range body.Results {
		if strings.TrimSpace(r.Snippet) == "" && strings.TrimSpace(r.Title) == "" {
			continue
		}
		out = append(out, r)
		if len(out) == k {
			break
		}
	}
	return out, nil
}
