package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/faultline/internal/store"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a pgvector-enabled Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("faultline_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// createProject inserts a project under the admin scope and returns a context bound to it.
func createProject(t *testing.T, s store.Store, name string) (uuid.UUID, context.Context) {
	t.Helper()
	p := &models.Project{Name: name}
	require.NoError(t, s.CreateProject(tenant.WithAdmin(context.Background()), p))
	return p.ID, tenant.WithProject(context.Background(), p.ID)
}

func newFailure(job, build, test string) *models.Failure {
	return &models.Failure{
		JobName:      job,
		BuildID:      build,
		TestName:     test,
		ErrorMessage: "AssertionError: Expected 200, got 401",
		ErrorLog:     "FAILED test_login\nAssertionError: Expected 200, got 401",
	}
}

func newAnalysis(failureID uuid.UUID, status string) *models.Analysis {
	return &models.Analysis{
		FailureID:          failureID,
		Status:             status,
		ErrorCategory:      models.CategoryCode,
		RootCause:          "login handler rejects valid tokens after the auth middleware refactor",
		Recommendation:     "restore the bearer token parsing in the auth middleware",
		Severity:           models.SeverityHigh,
		SolutionConfidence: 0.8,
		OverallConfidence:  0.9,
		Scores:             models.ComponentScores{Relevance: 0.9, Consistency: 0.9, Grounding: 0.9, Completeness: 0.9, Classification: 0.9},
		ToolsUsed:          []string{"retrieval.vector_errors"},
		ActionsTaken:       []models.Action{{Iteration: 1, Tool: "retrieval.vector_errors", Results: 2}},
	}
}

// --- Tenancy ---

func TestScope_MissingFailsClosed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	_, _, err := s.ListFailures(context.Background(), store.FailureFilter{})
	assert.ErrorIs(t, err, tenant.ErrMissingScope)

	_, _, err = s.UpsertFailure(tenant.WithAdmin(context.Background()), newFailure("j", "1", "t"))
	assert.ErrorIs(t, err, tenant.ErrAdminScope)
}

func TestRowLevelSecurity_IsolatesProjects(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	_, ctxA := createProject(t, s, "alpha")
	_, ctxB := createProject(t, s, "beta")

	fa, _, err := s.UpsertFailure(ctxA, newFailure("api", "100", "test_login"))
	require.NoError(t, err)
	_, _, err = s.UpsertFailure(ctxB, newFailure("api", "100", "test_login"))
	require.NoError(t, err)

	// B cannot read A's failure, even by ID.
	_, err = s.GetFailure(ctxB, fa.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	list, total, err := s.ListFailures(ctxB, store.FailureFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.NotEqual(t, fa.ID, list[0].ID)

	// Admin scope sees both.
	_, total, err = s.ListFailures(tenant.WithAdmin(context.Background()), store.FailureFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	projects, err := s.ListProjects(ctxA)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "alpha", projects[0].Name)
}

// --- Failures ---

func TestUpsertFailure_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	_, ctx := createProject(t, s, "alpha")

	first, created, err := s.UpsertFailure(ctx, newFailure("api", "100", "test_login"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, first.OccurrenceCount)
	assert.Equal(t, models.FailureUnanalyzed, first.Status)

	second, created, err := s.UpsertFailure(ctx, newFailure("api", "100", "test_login"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.OccurrenceCount)
	assert.True(t, first.FirstSeen.Equal(second.FirstSeen))
	assert.False(t, second.LastSeen.Before(first.LastSeen))
}

func TestUpdateFailureStatus_Transitions(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	_, ctx := createProject(t, s, "alpha")
	f, _, err := s.UpsertFailure(ctx, newFailure("api", "100", "test_login"))
	require.NoError(t, err)

	err = s.UpdateFailureStatus(ctx, f.ID, models.FailureAccepted)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	require.NoError(t, s.UpdateFailureStatus(ctx, f.ID, models.FailureAnalyzing))
	require.NoError(t, s.UpdateFailureStatus(ctx, f.ID, models.FailureAnalyzed))

	got, err := s.GetFailure(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FailureAnalyzed, got.Status)

	assert.ErrorIs(t, s.UpdateFailureStatus(ctx, uuid.New(), models.FailureAnalyzing), store.ErrNotFound)
}

func TestListFailures_FilterAndPaginate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	_, ctx := createProject(t, s, "alpha")

	for _, build := range []string{"1", "2", "3"} {
		_, _, err := s.UpsertFailure(ctx, newFailure("api", build, "test_login"))
		require.NoError(t, err)
	}
	_, _, err := s.UpsertFailure(ctx, newFailure("web", "1", "test_render"))
	require.NoError(t, err)

	list, total, err := s.ListFailures(ctx, store.FailureFilter{JobName: "api", Limit: 2, Page: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, list, 2)

	list, _, err = s.ListFailures(ctx, store.FailureFilter{JobName: "api", Limit: 2, Page: 2})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestListAgingCandidates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	_, ctx := createProject(t, s, "alpha")

	old := newFailure("api", "100", "test_login")
	old.LastSeen = time.Now().UTC().Add(-96 * time.Hour)
	_, _, err := s.UpsertFailure(ctx, old)
	require.NoError(t, err)
	_, _, err = s.UpsertFailure(ctx, newFailure("api", "100", "test_login"))
	require.NoError(t, err)

	// Seen twice, but within a single day.
	_, _, err = s.UpsertFailure(ctx, newFailure("api", "101", "test_fresh"))
	require.NoError(t, err)
	_, _, err = s.UpsertFailure(ctx, newFailure("api", "101", "test_fresh"))
	require.NoError(t, err)

	got, err := s.ListAgingCandidates(tenant.WithAdmin(context.Background()), 2, 72*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "test_login", got[0].TestName)
}

// --- Analyses ---

func TestCreateAnalysis_WithEvidence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	_, ctx := createProject(t, s, "alpha")
	f, _, err := s.UpsertFailure(ctx, newFailure("api", "100", "test_login"))
	require.NoError(t, err)

	a := newAnalysis(f.ID, models.StatusPass)
	evidence := []models.RetrievalResult{
		{Source: models.SourceVectorErrors, DocID: "err-1", Text: "401 after auth refactor", SimilarityScore: 0.9},
		{Source: models.SourceKeyword, DocID: "kb-7", Text: "bearer token parsing", SimilarityScore: 0.7},
	}
	require.NoError(t, s.CreateAnalysis(ctx, a, evidence))
	require.Len(t, a.EvidenceRefs, 2)

	got, err := s.GetAnalysis(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.EvidenceRefs, got.EvidenceRefs)
	assert.Equal(t, models.CategoryCode, got.ErrorCategory)
	assert.Equal(t, models.ReviewNone, got.Review)
	assert.InDelta(t, 0.9, got.Scores.Grounding, 1e-9)
	require.Len(t, got.ActionsTaken, 1)
	assert.Equal(t, "retrieval.vector_errors", got.ActionsTaken[0].Tool)

	ev, err := s.GetEvidence(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, ev, 2)
	assert.Equal(t, "err-1", ev[0].DocID)
	assert.Equal(t, "kb-7", ev[1].DocID)

	latest, err := s.GetLatestAnalysis(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, latest.ID)
}

func TestSearchAnalyses_SkipsRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	_, ctx := createProject(t, s, "alpha")
	f, _, err := s.UpsertFailure(ctx, newFailure("api", "100", "test_login"))
	require.NoError(t, err)

	kept := newAnalysis(f.ID, models.StatusPass)
	require.NoError(t, s.CreateAnalysis(ctx, kept, nil))
	dropped := newAnalysis(f.ID, models.StatusPass)
	require.NoError(t, s.CreateAnalysis(ctx, dropped, nil))
	require.NoError(t, s.SetAnalysisReview(ctx, dropped.ID, models.ReviewRejected))

	hits, err := s.SearchAnalyses(ctx, store.StructuredQuery{Text: "auth middleware token", Category: models.CategoryCode})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, kept.ID, hits[0].Analysis.ID)
	assert.Greater(t, hits[0].Rank, 0.0)

	hits, err = s.SearchAnalyses(ctx, store.StructuredQuery{Text: "auth", Category: models.CategoryInfra})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

// --- HITL ---

func TestHITLQueue_Ordering(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	_, ctx := createProject(t, s, "alpha")

	var ids []uuid.UUID
	for i, priority := range []string{models.PriorityMedium, models.PriorityHigh, models.PriorityMedium} {
		f, _, err := s.UpsertFailure(ctx, newFailure("api", uuid.NewString(), "t"))
		require.NoError(t, err)
		a := newAnalysis(f.ID, models.StatusHITL)
		require.NoError(t, s.CreateAnalysis(ctx, a, nil))
		item := &models.HITLItem{
			FailureID: f.ID, AnalysisID: a.ID, Priority: priority, Confidence: 0.7,
			SLADeadline: time.Now().Add(2 * time.Hour),
		}
		require.NoError(t, s.CreateHITLItem(ctx, item))
		ids = append(ids, item.ID)
		if i < 2 {
			time.Sleep(5 * time.Millisecond)
		}
	}

	queue, err := s.ListHITLQueue(ctx, store.HITLFilter{})
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, ids[1], queue[0].ID)
	assert.Equal(t, ids[0], queue[1].ID)
	assert.Equal(t, ids[2], queue[2].ID)
}

func TestDecideHITLItem_Approve(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	_, ctx := createProject(t, s, "alpha")
	f, _, err := s.UpsertFailure(ctx, newFailure("api", "100", "test_login"))
	require.NoError(t, err)
	require.NoError(t, s.UpdateFailureStatus(ctx, f.ID, models.FailureAnalyzing))
	require.NoError(t, s.UpdateFailureStatus(ctx, f.ID, models.FailureHITL))
	a := newAnalysis(f.ID, models.StatusHITL)
	require.NoError(t, s.CreateAnalysis(ctx, a, nil))
	item := &models.HITLItem{FailureID: f.ID, AnalysisID: a.ID, Priority: models.PriorityMedium, SLADeadline: time.Now()}
	require.NoError(t, s.CreateHITLItem(ctx, item))

	decided, err := s.DecideHITLItem(ctx, item.ID, store.HITLDecision{Status: models.HITLApproved, Reviewer: "sre-1"})
	require.NoError(t, err)
	assert.Equal(t, models.HITLApproved, decided.Status)
	assert.NotNil(t, decided.DecidedAt)

	got, err := s.GetAnalysis(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewAccepted, got.Review)

	gf, err := s.GetFailure(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FailureAccepted, gf.Status)

	_, err = s.DecideHITLItem(ctx, item.ID, store.HITLDecision{Status: models.HITLRejected, Reviewer: "sre-2"})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

// --- API keys ---

func TestAPIKey_CreateGetRevoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	projectID, _ := createProject(t, s, "alpha")
	ctx := context.Background()

	key := &models.APIKey{
		ProjectID: &projectID,
		Name:      "ci",
		KeyHash:   "bcrypt-hash-here",
		KeyPrefix: "fl_abcd",
		Scopes:    []string{models.ScopeAnalyze, models.ScopeIngest},
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	keys, err := s.GetAPIKeyByPrefix(ctx, "fl_abcd")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NotNil(t, keys[0].ProjectID)
	assert.Equal(t, projectID, *keys[0].ProjectID)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))
	keys, err = s.GetAPIKeyByPrefix(ctx, "fl_abcd")
	require.NoError(t, err)
	assert.Empty(t, keys)

	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID), store.ErrNotFound)
}

func TestFeedbackAndAudit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	projectID, ctx := createProject(t, s, "alpha")
	f, _, err := s.UpsertFailure(ctx, newFailure("api", "100", "test_login"))
	require.NoError(t, err)
	a := newAnalysis(f.ID, models.StatusPass)
	require.NoError(t, s.CreateAnalysis(ctx, a, nil))

	fb := &models.Feedback{AnalysisID: a.ID, Verdict: models.VerdictAccept}
	require.NoError(t, s.CreateFeedback(ctx, fb))
	assert.Equal(t, projectID, fb.ProjectID)
	assert.False(t, fb.CreatedAt.IsZero())

	require.NoError(t, s.AppendAudit(ctx, &models.AuditEntry{ProjectID: &projectID, Actor: "ci", Action: "feedback.accept"}))
	require.NoError(t, s.AppendAudit(tenant.WithAdmin(context.Background()), &models.AuditEntry{Actor: "admin", Action: "cache.flush"}))

	doc := &models.KnowledgeDoc{Title: "auth", Content: "bearer tokens must be parsed before scope checks"}
	require.NoError(t, s.CreateKnowledgeDoc(ctx, doc))
	docs, err := s.ListKnowledgeDocs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "documentation", docs[0].DocType)
}
