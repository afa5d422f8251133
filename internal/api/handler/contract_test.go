package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/analyzer"
	"github.com/kiranshivaraju/faultline/internal/api"
	"github.com/kiranshivaraju/faultline/internal/api/handler"
	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/cache"
	"github.com/kiranshivaraju/faultline/internal/cache/cachetest"
	"github.com/kiranshivaraju/faultline/internal/hitl"
	"github.com/kiranshivaraju/faultline/internal/ingest"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/store/storetest"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

const (
	adminRawKey    = "flk_admin_contract_key_1234567890"
	boundRawKey    = "flk_bound_contract_key_1234567890"
	analyzeOnlyKey = "flk_anlyz_contract_key_1234567890"
)

type stubAnalyzer struct {
	mu       sync.Mutex
	calls    []uuid.UUID
	projects []uuid.UUID
	feedback []analyzer.FeedbackRequest
	result   *analyzer.Result
	err      error
	fbResult *analyzer.FeedbackResult
	fbErr    error
}

func (s *stubAnalyzer) Analyze(_ context.Context, projectID, failureID uuid.UUID, _ bool) (*analyzer.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, failureID)
	s.projects = append(s.projects, projectID)
	return s.result, s.err
}

func (s *stubAnalyzer) Feedback(_ context.Context, _ uuid.UUID, req analyzer.FeedbackRequest) (*analyzer.FeedbackResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedback = append(s.feedback, req)
	return s.fbResult, s.fbErr
}

type stubIngester struct {
	seen map[string]bool
	docs []ingest.KnowledgeRequest
}

func (s *stubIngester) IngestFailure(_ context.Context, projectID uuid.UUID, ev models.FailureEvent) (*models.Failure, bool, error) {
	if ev.JobName == "" || ev.TestName == "" {
		return nil, false, apperr.Input("ingest failure", "job_name and test_name are required")
	}
	key := ev.JobName + "/" + ev.BuildID + "/" + ev.TestName
	created := !s.seen[key]
	s.seen[key] = true
	return &models.Failure{ID: uuid.New(), ProjectID: projectID, JobName: ev.JobName, TestName: ev.TestName}, created, nil
}

func (s *stubIngester) AddKnowledge(_ context.Context, projectID uuid.UUID, req ingest.KnowledgeRequest) (*models.KnowledgeDoc, error) {
	s.docs = append(s.docs, req)
	return &models.KnowledgeDoc{ID: uuid.New(), ProjectID: projectID, Title: req.Title, Content: req.Content}, nil
}

type stubReindexer struct {
	one []uuid.UUID
	all int
}

func (s *stubReindexer) Reindex(_ context.Context, projectID uuid.UUID) (int, error) {
	s.one = append(s.one, projectID)
	return 7, nil
}

func (s *stubReindexer) ReindexAll(context.Context) (map[uuid.UUID]int, error) {
	s.all++
	return map[uuid.UUID]int{uuid.New(): 3}, nil
}

type env struct {
	t        *testing.T
	router   http.Handler
	store    *storetest.Memory
	cache    *cachetest.Memory
	analyzer *stubAnalyzer
	ingest   *stubIngester
	reindex  *stubReindexer
	review   *hitl.Service
	payments *models.Project
	search   *models.Project
	dbDown   bool
}

func addKey(t *testing.T, st *storetest.Memory, raw, name string, projectID *uuid.UUID, scopes ...string) {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.MinCost)
	require.NoError(t, err)
	st.AddAPIKey(&models.APIKey{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      name,
		KeyHash:   string(h),
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    scopes,
	})
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		t:        t,
		store:    storetest.New(),
		cache:    cachetest.New(),
		analyzer: &stubAnalyzer{},
		ingest:   &stubIngester{seen: map[string]bool{}},
		reindex:  &stubReindexer{},
		payments: &models.Project{Name: "payments"},
		search:   &models.Project{Name: "search"},
	}
	admin := tenant.WithAdmin(context.Background())
	require.NoError(t, e.store.CreateProject(admin, e.payments))
	require.NoError(t, e.store.CreateProject(admin, e.search))

	addKey(t, e.store, adminRawKey, "ops", nil, models.ScopeAdmin)
	addKey(t, e.store, boundRawKey, "payments-ci", &e.payments.ID,
		models.ScopeAnalyze, models.ScopeIngest, models.ScopeReview)
	addKey(t, e.store, analyzeOnlyKey, "payments-bot", &e.payments.ID, models.ScopeAnalyze)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.review = hitl.NewService(e.store, e.cache, logger)

	e.router = api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(e.store),
		RateLimit: mw.NewRateLimit(e.cache, 60),
		HealthHandler: handler.NewHealthHandler(handler.HealthDeps{
			Database: func(context.Context) error {
				if e.dbDown {
					return errors.New("connection refused")
				}
				return nil
			},
			Cache: e.cache.Ping,
			Retrieval: map[string]handler.Check{
				"keyword": nil,
				"vector":  func(context.Context) error { return errors.New("embedding backend down") },
			},
			SourceOrder: []string{"vector", "keyword"},
			Generator:   func() bool { return true },
			Verifier:    func() bool { return true },
		}),
		AnalyzeHandler:       handler.NewAnalyzeHandler(e.analyzer),
		ListFailures:         handler.NewListFailuresHandler(e.store),
		GetFailure:           handler.NewGetFailureHandler(e.store),
		FeedbackHandler:      handler.NewFeedbackHandler(e.analyzer),
		HITLQueueHandler:     handler.NewHITLQueueHandler(e.review),
		HITLApproveHandler:   handler.NewHITLApproveHandler(e.review),
		HITLRejectHandler:    handler.NewHITLRejectHandler(e.review),
		CacheStatsHandler:    handler.NewCacheStatsHandler(e.cache),
		IngestHandler:        handler.NewIngestFailureHandler(e.ingest),
		KnowledgeHandler:     handler.NewKnowledgeHandler(e.ingest),
		FlushCacheHandler:    handler.NewFlushCacheHandler(e.cache, e.store),
		ReindexHandler:       handler.NewReindexHandler(e.reindex),
		CreateProjectHandler: handler.NewCreateProjectHandler(e.store),
		ListProjectsHandler:  handler.NewListProjectsHandler(e.store),
		CreateKeyHandler:     handler.NewCreateKeyHandler(e.store),
		RevokeKeyHandler:     handler.NewRevokeKeyHandler(e.store),
	})
	return e
}

func (e *env) do(method, path, key string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		buf, err := json.Marshal(b)
		require.NoError(e.t, err)
		r = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, r)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) ctx(p *models.Project) context.Context {
	return tenant.WithProject(context.Background(), p.ID)
}

func (e *env) failure(p *models.Project, test string) *models.Failure {
	e.t.Helper()
	f, _, err := e.store.UpsertFailure(e.ctx(p), &models.Failure{
		JobName:      "ci-main",
		BuildID:      "1042",
		TestName:     test,
		ErrorMessage: "AssertionError: expected 200, got 401",
	})
	require.NoError(e.t, err)
	return f
}

// queued stores an analysis of a fresh failure and puts it up for review.
func (e *env) queued(p *models.Project, test string) (*models.Analysis, *models.HITLItem) {
	e.t.Helper()
	ctx := e.ctx(p)
	f := e.failure(p, test)
	require.NoError(e.t, e.store.UpdateFailureStatus(ctx, f.ID, models.FailureAnalyzing))
	require.NoError(e.t, e.store.UpdateFailureStatus(ctx, f.ID, models.FailureHITL))
	a := &models.Analysis{
		FailureID:         f.ID,
		Status:            models.StatusHITL,
		ErrorCategory:     models.CategoryCode,
		RootCause:         "session token expiry compared in local time",
		Recommendation:    "Compare against UTC.",
		Severity:          models.SeverityMedium,
		OverallConfidence: 0.72,
		CacheKey:          "key-" + test,
	}
	require.NoError(e.t, e.store.CreateAnalysis(ctx, a, nil))
	item, err := e.review.Enqueue(ctx, a, models.PriorityMedium, []string{"grounding"})
	require.NoError(e.t, err)
	return a, item
}

func data(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, w.Body.String())
	return d
}

func errObj(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, w.Body.String())
	return e
}

// ─── health ──────────────────────────────────────────────────────────────────

func TestHealth_ReportsRetrievalSources(t *testing.T) {
	e := newEnv(t)
	w := e.do("GET", "/api/v1/health", "", nil)

	require.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, "ok", d["status"])
	assert.Equal(t, []any{"keyword"}, d["retrieval_sources_available"])
	assert.Equal(t, []any{"vector"}, d["retrieval_sources_unavailable"])
	assert.Equal(t, true, d["generator_available"])
	assert.Equal(t, true, d["verifier_available"])
}

func TestHealth_503_DatabaseDown(t *testing.T) {
	e := newEnv(t)
	e.dbDown = true
	w := e.do("GET", "/api/v1/health", "", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	eo := errObj(t, w)
	assert.Equal(t, "DEGRADED", eo["code"])
	assert.Equal(t, "degraded", eo["details"].(map[string]any)["services"].(map[string]any)["database"])
}

// ─── analyze ─────────────────────────────────────────────────────────────────

func TestAnalyze_200_BoundKeyDefaultsToItsProject(t *testing.T) {
	e := newEnv(t)
	f := e.failure(e.payments, "TestLogin")
	e.analyzer.result = &analyzer.Result{
		Analysis: &models.Analysis{ID: uuid.New(), FailureID: f.ID, Status: models.StatusPass},
		CacheHit: true,
	}

	w := e.do("POST", "/api/v1/analyze", boundRawKey, map[string]any{"failure_id": f.ID})

	require.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, models.StatusPass, d["status"])
	assert.Equal(t, true, d["cache_hit"])
	assert.Equal(t, []uuid.UUID{e.payments.ID}, e.analyzer.projects)
}

func TestAnalyze_403_TenantMismatch(t *testing.T) {
	e := newEnv(t)
	w := e.do("POST", "/api/v1/analyze", boundRawKey, map[string]any{
		"failure_id": uuid.New(),
		"project_id": e.search.ID,
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "TENANT_MISMATCH", errObj(t, w)["code"])
	assert.Empty(t, e.analyzer.calls)
}

func TestAnalyze_400_Validation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		key  string
		body any
	}{
		{"malformed json", boundRawKey, `{"failure_id":`},
		{"missing failure id", boundRawKey, map[string]any{}},
		{"system key without project", adminRawKey, map[string]any{"failure_id": uuid.New()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do("POST", "/api/v1/analyze", tt.key, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_REQUEST", errObj(t, w)["code"])
		})
	}
}

func TestAnalyze_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		result *analyzer.Result
		status int
		code   string
	}{
		{"in progress", apperr.Wrap(apperr.KindConflict, "analyze", analyzer.ErrInProgress), nil,
			http.StatusConflict, "CONFLICT"},
		{"unknown failure", fmt.Errorf("load failure: %w", store.ErrNotFound), nil,
			http.StatusNotFound, "NOT_FOUND"},
		{"deadline", apperr.New(apperr.KindDeadline, "analyze", "analysis deadline exceeded"),
			&analyzer.Result{Analysis: &models.Analysis{ID: uuid.New(), Status: models.StatusAbort}},
			http.StatusGatewayTimeout, "DEADLINE_EXCEEDED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.analyzer.err = tt.err
			e.analyzer.result = tt.result

			w := e.do("POST", "/api/v1/analyze", boundRawKey, map[string]any{"failure_id": uuid.New()})
			assert.Equal(t, tt.status, w.Code)
			eo := errObj(t, w)
			assert.Equal(t, tt.code, eo["code"])
			if tt.result != nil {
				details := eo["details"].(map[string]any)
				assert.Equal(t, tt.result.ID.String(), details["analysis_id"])
				assert.Equal(t, models.StatusAbort, details["status"])
			}
		})
	}
}

func TestAnalyze_413_BodyTooLarge(t *testing.T) {
	e := newEnv(t)
	huge := `{"failure_id":"` + strings.Repeat("a", 2<<20) + `"}`
	w := e.do("POST", "/api/v1/analyze", boundRawKey, huge)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

// ─── failures ────────────────────────────────────────────────────────────────

func TestListFailures_200_Paginated(t *testing.T) {
	e := newEnv(t)
	for _, name := range []string{"TestA", "TestB", "TestC"} {
		e.failure(e.payments, name)
	}
	e.failure(e.search, "TestOther")

	w := e.do("GET", "/api/v1/failures?limit=2", analyzeOnlyKey, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []models.Failure `json:"data"`
		Meta struct {
			Total   int  `json:"total"`
			HasNext bool `json:"has_next"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Data, 2)
	assert.Equal(t, 3, body.Meta.Total)
	assert.True(t, body.Meta.HasNext)
	for _, f := range body.Data {
		assert.Equal(t, e.payments.ID, f.ProjectID)
	}
}

func TestListFailures_400_BadFilters(t *testing.T) {
	e := newEnv(t)
	for _, q := range []string{"status=exploded", "limit=0", "limit=101", "page=-1", "since=yesterday"} {
		w := e.do("GET", "/api/v1/failures?"+q, analyzeOnlyKey, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestGetFailure_200_WithLatestAnalysis(t *testing.T) {
	e := newEnv(t)
	a, _ := e.queued(e.payments, "TestLogin")

	w := e.do("GET", "/api/v1/failures/"+a.FailureID.String(), analyzeOnlyKey, nil)

	require.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, "TestLogin", d["test_name"])
	assert.Equal(t, a.ID.String(), d["latest_analysis"].(map[string]any)["id"])
}

func TestGetFailure_404_OtherProject(t *testing.T) {
	e := newEnv(t)
	other := e.failure(e.search, "TestSearch")

	w := e.do("GET", "/api/v1/failures/"+other.ID.String(), analyzeOnlyKey, nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errObj(t, w)["code"])
}

func TestGetFailure_400_BadID(t *testing.T) {
	e := newEnv(t)
	w := e.do("GET", "/api/v1/failures/not-a-uuid", analyzeOnlyKey, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// ─── feedback ────────────────────────────────────────────────────────────────

func TestFeedback_202_RefinementPending(t *testing.T) {
	e := newEnv(t)
	e.analyzer.fbResult = &analyzer.FeedbackResult{RefinementPending: true}
	analysisID := uuid.New()

	w := e.do("POST", "/api/v1/feedback", boundRawKey, map[string]any{
		"analysis_id": analysisID,
		"verdict":     models.VerdictRefine,
		"note":        "check the clock skew",
	})

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, e.analyzer.feedback, 1)
	got := e.analyzer.feedback[0]
	assert.Equal(t, analysisID, got.AnalysisID)
	assert.Equal(t, "payments-ci", got.Actor)
	require.NotNil(t, got.Note)
	assert.Equal(t, "check the clock skew", *got.Note)
}

func TestFeedback_200_Accept(t *testing.T) {
	e := newEnv(t)
	e.analyzer.fbResult = &analyzer.FeedbackResult{Analysis: &models.Analysis{Review: models.ReviewAccepted}}

	w := e.do("POST", "/api/v1/feedback", boundRawKey, map[string]any{
		"analysis_id": uuid.New(),
		"verdict":     models.VerdictAccept,
	})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, data(t, w)["refinement_pending"])
}

func TestFeedback_403_WithoutReviewScope(t *testing.T) {
	e := newEnv(t)
	w := e.do("POST", "/api/v1/feedback", analyzeOnlyKey, map[string]any{
		"analysis_id": uuid.New(),
		"verdict":     models.VerdictAccept,
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, e.analyzer.feedback)
}

// ─── hitl ────────────────────────────────────────────────────────────────────

func TestHITL_QueueAndApprove(t *testing.T) {
	e := newEnv(t)
	a, item := e.queued(e.payments, "TestLogin")
	e.queued(e.search, "TestSearch")

	w := e.do("GET", "/api/v1/hitl/queue", boundRawKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	items := data(t, w)["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID.String(), items[0].(map[string]any)["id"])

	w = e.do("POST", "/api/v1/hitl/"+item.ID.String()+"/approve", boundRawKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, models.HITLApproved, d["item"].(map[string]any)["status"])
	assert.Equal(t, "payments-ci", d["item"].(map[string]any)["reviewer"])
	assert.Equal(t, models.ReviewAccepted, d["analysis"].(map[string]any)["review"])

	_, ok, err := e.cache.Get(e.ctx(e.payments), cache.AnalysisKey(e.payments.ID, a.CacheKey))
	require.NoError(t, err)
	assert.True(t, ok)

	w = e.do("POST", "/api/v1/hitl/"+item.ID.String()+"/approve", boundRawKey, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", errObj(t, w)["code"])
}

func TestHITL_RejectWithCorrection(t *testing.T) {
	e := newEnv(t)
	a, item := e.queued(e.payments, "TestLogin")

	w := e.do("POST", "/api/v1/hitl/"+item.ID.String()+"/reject", boundRawKey, map[string]any{
		"reviewer":  "dana",
		"corrected": "the JWKS cache holds the rotated key",
	})

	require.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, "dana", d["item"].(map[string]any)["reviewer"])
	refined := d["analysis"].(map[string]any)
	assert.Equal(t, a.ID.String(), refined["parent_id"])
	assert.Equal(t, "the JWKS cache holds the rotated key", refined["root_cause"])
}

func TestHITL_404_OtherProjectsItem(t *testing.T) {
	e := newEnv(t)
	_, item := e.queued(e.search, "TestSearch")

	w := e.do("POST", "/api/v1/hitl/"+item.ID.String()+"/approve", boundRawKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHITL_400_BadFilters(t *testing.T) {
	e := newEnv(t)
	for _, q := range []string{"status=maybe", "priority=urgent", "limit=500"} {
		w := e.do("GET", "/api/v1/hitl/queue?"+q, boundRawKey, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

// ─── cache ───────────────────────────────────────────────────────────────────

func TestCacheStats_200(t *testing.T) {
	e := newEnv(t)
	ctx := e.ctx(e.payments)
	_, _, err := e.cache.StoreAnalysis(ctx, e.payments.ID, "k1", []byte(`{}`), 0)
	require.NoError(t, err)
	_, _, _ = e.cache.GetAnalysis(ctx, e.payments.ID, "k1")
	_, _, _ = e.cache.GetAnalysis(ctx, e.payments.ID, "missing")

	w := e.do("GET", "/api/v1/cache-stats", analyzeOnlyKey, nil)

	require.Equal(t, http.StatusOK, w.Code)
	d := data(t, w)
	assert.Equal(t, e.payments.ID.String(), d["project_id"])
	assert.Equal(t, float64(1), d["hits"])
	assert.Equal(t, float64(1), d["misses"])
	assert.Equal(t, 0.5, d["hit_rate"])
}

func TestFlushCache_AdminOnlyAndAudited(t *testing.T) {
	e := newEnv(t)
	for _, p := range []*models.Project{e.payments, e.search} {
		_, _, err := e.cache.StoreAnalysis(e.ctx(p), p.ID, "k1", []byte(`{}`), 0)
		require.NoError(t, err)
	}

	w := e.do("DELETE", "/api/v1/cache", boundRawKey, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do("DELETE", "/api/v1/cache", adminRawKey, nil, mw.ProjectHeader, e.payments.ID.String())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), data(t, w)["removed"])

	_, ok, err := e.cache.GetAnalysis(e.ctx(e.search), e.search.ID, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	w = e.do("DELETE", "/api/v1/cache?all=true", adminRawKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), data(t, w)["removed"])

	audit := e.store.Audit()
	require.Len(t, audit, 2)
	assert.Equal(t, "cache.flush", audit[0].Action)
	assert.Equal(t, "ops", audit[0].Actor)
	require.NotNil(t, audit[0].ProjectID)
	assert.Equal(t, e.payments.ID, *audit[0].ProjectID)
	assert.Nil(t, audit[1].ProjectID)
}

// ─── ingest and knowledge ────────────────────────────────────────────────────

func TestIngestFailure_201ThenRepeat200(t *testing.T) {
	e := newEnv(t)
	body := map[string]any{
		"job_name":      "ci-main",
		"build_id":      "1042",
		"test_name":     "TestLogin",
		"error_message": "AssertionError",
	}

	w := e.do("POST", "/api/v1/ingest/failure", boundRawKey, body)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, data(t, w)["created"])

	w = e.do("POST", "/api/v1/ingest/failure", boundRawKey, body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, data(t, w)["created"])
}

func TestIngestFailure_Validation(t *testing.T) {
	e := newEnv(t)
	w := e.do("POST", "/api/v1/ingest/failure", boundRawKey, map[string]any{"job_name": "ci-main"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do("POST", "/api/v1/ingest/failure", analyzeOnlyKey, map[string]any{"job_name": "ci-main"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestKnowledge_201(t *testing.T) {
	e := newEnv(t)
	w := e.do("POST", "/api/v1/knowledge", boundRawKey, map[string]any{
		"title":   "Redis timeouts in CI",
		"content": "The shared Redis in CI is capped at 50 connections.",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "Redis timeouts in CI", data(t, w)["title"])
	require.Len(t, e.ingest.docs, 1)
}

// ─── admin ───────────────────────────────────────────────────────────────────

func TestReindex_AllProjectsOrOne(t *testing.T) {
	e := newEnv(t)

	w := e.do("POST", "/api/v1/admin/reindex", adminRawKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, e.reindex.all)

	w = e.do("POST", "/api/v1/admin/reindex", adminRawKey, map[string]any{"project_id": e.search.ID})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uuid.UUID{e.search.ID}, e.reindex.one)
	assert.Equal(t, float64(7), data(t, w)["indexed"].(map[string]any)[e.search.ID.String()])
}

func TestProjects_CreateAndList(t *testing.T) {
	e := newEnv(t)

	w := e.do("POST", "/api/v1/admin/projects", adminRawKey, map[string]any{
		"name":       "checkout",
		"repo_owner": "acme",
		"repo_name":  "checkout",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, data(t, w)["id"])

	w = e.do("POST", "/api/v1/admin/projects", adminRawKey, map[string]any{"name": "checkout"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_EXISTS", errObj(t, w)["code"])

	w = e.do("POST", "/api/v1/admin/projects", adminRawKey, map[string]any{"name": "x", "repo_owner": "acme"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do("GET", "/api/v1/admin/projects", adminRawKey, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data []models.Project `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Data, 3)
}

func TestKeys_CreateUseRevoke(t *testing.T) {
	e := newEnv(t)

	w := e.do("POST", "/api/v1/admin/keys", adminRawKey, map[string]any{
		"name":       "search-ci",
		"project_id": e.search.ID,
		"scopes":     []string{models.ScopeAnalyze},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	d := data(t, w)
	raw := d["key"].(string)
	assert.True(t, strings.HasPrefix(raw, "flk_"))
	assert.Equal(t, raw[:mw.KeyPrefixLen], d["key_prefix"])
	assert.NotContains(t, w.Body.String(), "key_hash")
	keyID := d["id"].(string)

	w = e.do("GET", "/api/v1/failures", raw, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do("DELETE", "/api/v1/admin/keys/"+keyID, adminRawKey, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = e.do("GET", "/api/v1/failures", raw, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do("DELETE", "/api/v1/admin/keys/"+keyID, adminRawKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	actions := []string{}
	for _, a := range e.store.Audit() {
		actions = append(actions, a.Action)
	}
	assert.Equal(t, []string{"apikey.create", "apikey.revoke"}, actions)
}

func TestKeys_400_Validation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"scopes": []string{models.ScopeAnalyze}}},
		{"no scopes", map[string]any{"name": "k"}},
		{"unknown scope", map[string]any{"name": "k", "scopes": []string{"write"}}},
		{"bound admin", map[string]any{"name": "k", "project_id": uuid.New(), "scopes": []string{models.ScopeAdmin}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do("POST", "/api/v1/admin/keys", adminRawKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

// ─── rate limit ──────────────────────────────────────────────────────────────

func TestRateLimit_429AfterSixtyRequests(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 60; i++ {
		w := e.do("GET", "/api/v1/cache-stats", analyzeOnlyKey, nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := e.do("GET", "/api/v1/cache-stats", analyzeOnlyKey, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errObj(t, w)["code"])

	w = e.do("GET", "/api/v1/cache-stats", boundRawKey, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
