// Package loki queries CI job logs from Grafana Loki for the logs.get_recent tool.
package loki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

// Sentinel errors for Loki client failures.
var (
	ErrLokiUnreachable = errors.New("loki unreachable")
	ErrLokiQueryError  = errors.New("loki query error")
	ErrLokiTimeout     = errors.New("loki query timeout")
)

// Client is the interface for querying Loki.
type Client interface {
	QueryRange(ctx context.Context, req QueryRangeRequest) ([]models.LogLine, error)
	Ready(ctx context.Context) error
}

// QueryRangeRequest defines parameters for a Loki range query. OrgID overrides the client's
// default tenant header so each project can read its own Loki tenant.
type QueryRangeRequest struct {
	Query     string
	Start     time.Time
	End       time.Time
	Limit     int
	Direction string
	OrgID     string
}

// HTTPClient implements Client using Loki's HTTP API.
type HTTPClient struct {
	baseURL  string
	username string
	password string
	orgID    string
	client   *http.Client
}

// NewHTTPClient creates a new Loki HTTP client.
func NewHTTPClient(baseURL, username, password, orgID string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		orgID:    orgID,
		client:   &http.Client{Timeout: timeout},
	}
}

// QueryRange returns matching lines oldest first. Transient failures are retried.
func (c *HTTPClient) QueryRange(ctx context.Context, req QueryRangeRequest) ([]models.LogLine, error) {
	direction := req.Direction
	if direction == "" {
		direction = "backward"
	}

	params := url.Values{
		"query":     {req.Query},
		"start":     {strconv.FormatInt(req.Start.UnixNano(), 10)},
		"end":       {strconv.FormatInt(req.End.UnixNano(), 10)},
		"direction": {direction},
	}
	if req.Limit > 0 {
		params.Set("limit", strconv.Itoa(req.Limit))
	}
	u := fmt.Sprintf("%s/loki/api/v1/query_range?%s", c.baseURL, params.Encode())

	var lines []models.LogLine
	err := apperr.Retry(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return apperr.Permanent("loki.query_range", fmt.Errorf("building request: %w", err))
		}
		c.setHeaders(httpReq, req.OrgID)

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return classifyError(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return apperr.Transient("loki.query_range", fmt.Errorf("%w: status %d", ErrLokiQueryError, resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return apperr.Permanent("loki.query_range", fmt.Errorf("%w: status %d", ErrLokiQueryError, resp.StatusCode))
		}

		var lokiResp lokiQueryResponse
		if err := json.NewDecoder(resp.Body).Decode(&lokiResp); err != nil {
			return apperr.Permanent("loki.query_range", fmt.Errorf("decoding loki response: %w", err))
		}
		lines = parseStreams(lokiResp.Data.Result)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	u := fmt.Sprintf("%s/ready", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq, "")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLokiUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: loki not ready (status %d)", ErrLokiUnreachable, resp.StatusCode)
	}

	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request, orgID string) {
	if c.username != "" && c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	if orgID == "" {
		orgID = c.orgID
	}
	if orgID != "" {
		req.Header.Set("X-Scope-OrgID", orgID)
	}
}

// classifyError maps transport-level errors to sentinel errors and error kinds.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindDeadline, "loki.query_range", fmt.Errorf("%w: %v", ErrLokiTimeout, err))
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Transient("loki.query_range", fmt.Errorf("%w: %v", ErrLokiTimeout, err))
	}

	return apperr.Transient("loki.query_range", fmt.Errorf("%w: %v", ErrLokiUnreachable, err))
}

// parseStreams flattens Loki streams into lines ordered by timestamp.
func parseStreams(streams []lokiStream) []models.LogLine {
	lines := []models.LogLine{}
	for _, stream := range streams {
		level := stream.Stream["level"]
		for _, v := range stream.Values {
			ts, _ := strconv.ParseInt(v[0], 10, 64)
			lines = append(lines, models.LogLine{
				Timestamp: time.Unix(0, ts).UTC(),
				Message:   v[1],
				Labels:    stream.Stream,
				Level:     level,
			})
		}
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Timestamp.Before(lines[j].Timestamp) })
	return lines
}

// --- Loki response types ---

type lokiQueryResponse struct {
	Data lokiData `json:"data"`
}

type lokiData struct {
	ResultType string       `json:"resultType"`
	Result     []lokiStream `json:"result"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}
