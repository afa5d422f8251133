package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/loki"
	"github.com/kiranshivaraju/faultline/internal/routing"
	"github.com/kiranshivaraju/faultline/pkg/logql"
	"github.com/kiranshivaraju/faultline/pkg/models"
)

const (
	defaultLogWindow = 30 * time.Minute
	defaultLogLimit  = 200
	maxLogChars      = 6000
	defaultLogTTL    = 10 * time.Minute
)

// LineCache holds fetched log lines between analyses of the same build.
type LineCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// LogsTool pulls the failing job's recent error lines from Loki.
type LogsTool struct {
	client  loki.Client
	builder logql.QueryBuilder
	window  time.Duration
	limit   int
	cache   LineCache
	ttl     time.Duration
	now     func() time.Time
}

func NewLogsTool(client loki.Client, builder logql.QueryBuilder) *LogsTool {
	return &LogsTool{
		client:  client,
		builder: builder,
		window:  defaultLogWindow,
		limit:   defaultLogLimit,
		now:     time.Now,
	}
}

// WithCache keeps query results for ttl. Lines of a finished build do not change, so repeated
// analyses of the same failure reuse them.
func (t *LogsTool) WithCache(c LineCache, ttl time.Duration) *LogsTool {
	if ttl <= 0 {
		ttl = defaultLogTTL
	}
	t.cache, t.ttl = c, ttl
	return t
}

func (t *LogsTool) Spec() Spec {
	return Spec{
		Name:  "logs.get_recent",
		Class: routing.ClassLogs,
		Cost:  0.5,
		Affinity: map[models.Category]float64{
			models.CategoryInfra:      0.8,
			models.CategoryConfig:     0.7,
			models.CategoryUnknown:    0.7,
			models.CategoryDependency: 0.6,
			models.CategoryTest:       0.6,
			models.CategoryCode:       0.5,
		},
		BaseAffinity: 0.6,
		Description:  "read recent error lines of the failing job",
	}
}

func (t *LogsTool) Applicable(in Input) bool { return in.Failure != nil && in.Failure.JobName != "" }

func (t *LogsTool) Run(ctx context.Context, in Input) (*Observation, error) {
	f := in.Failure
	end := f.LastSeen
	if end.IsZero() {
		end = t.now()
	}
	end = end.Add(5 * time.Minute)

	req := loki.QueryRangeRequest{
		Query: t.builder.BuildJobQuery(logql.JobLogParams{Job: f.JobName, Build: f.BuildID, ErrorsOnly: true}),
		Start: end.Add(-t.window),
		End:   end,
		Limit: t.limit,
	}
	if in.Project != nil {
		req.OrgID = in.Project.LokiOrgID
	}
	lines, err := t.query(ctx, f, req)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return &Observation{}, nil
	}

	var b strings.Builder
	for _, l := range lines {
		if b.Len() >= maxLogChars {
			break
		}
		fmt.Fprintf(&b, "%s %s\n", l.Timestamp.Format(time.RFC3339), l.Message)
	}
	return &Observation{Snippets: []models.SourceSnippet{{
		Kind:    "logs",
		Path:    fmt.Sprintf("%s#%s", f.JobName, f.BuildID),
		Content: strings.TrimRight(b.String(), "\n"),
	}}}, nil
}

func (t *LogsTool) query(ctx context.Context, f *models.Failure, req loki.QueryRangeRequest) ([]models.LogLine, error) {
	if t.cache == nil {
		return t.client.QueryRange(ctx, req)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d|%d",
		req.OrgID, req.Query, req.Start.UnixNano(), req.End.UnixNano(), req.Limit)))
	key := cache.LokiQueryKey(f.ProjectID, hex.EncodeToString(sum[:]))

	if raw, ok, err := t.cache.Get(ctx, key); err == nil && ok {
		var lines []models.LogLine
		if json.Unmarshal(raw, &lines) == nil {
			return lines, nil
		}
	}
	lines, err := t.client.QueryRange(ctx, req)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(lines); err == nil {
		// Cache errors only cost a repeat query.
		_ = t.cache.Set(ctx, key, raw, t.ttl)
	}
	return lines, nil
}
