package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/faultline/internal/api/middleware"
	"github.com/kiranshivaraju/faultline/internal/apperr"
	"github.com/kiranshivaraju/faultline/internal/cache/cachetest"
	"github.com/kiranshivaraju/faultline/internal/store/storetest"
	"github.com/kiranshivaraju/faultline/internal/tenant"
	"github.com/kiranshivaraju/faultline/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- helpers ---

func okHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

func hashKey(t *testing.T, rawKey string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func errBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body["error"].(map[string]any)
}

// addKey stores a key for rawKey and returns it.
func addKey(t *testing.T, st *storetest.Memory, rawKey string, projectID *uuid.UUID, scopes ...string) *models.APIKey {
	t.Helper()
	k := &models.APIKey{
		ID:        uuid.New(),
		ProjectID: projectID,
		Name:      "ci-" + rawKey[:mw.KeyPrefixLen],
		KeyHash:   hashKey(t, rawKey),
		KeyPrefix: rawKey[:mw.KeyPrefixLen],
		Scopes:    scopes,
	}
	st.AddAPIKey(k)
	return k
}

func authed(rawKey string) *http.Request {
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	return req
}

func withPrincipal(req *http.Request, p *mw.Principal) *http.Request {
	return req.WithContext(mw.SetPrincipal(req.Context(), p))
}

type failingKeys struct{ *storetest.Memory }

func (failingKeys) GetAPIKeyByPrefix(context.Context, string) ([]*models.APIKey, error) {
	return nil, errors.New("connection refused")
}

type failingCounter struct{ *cachetest.Memory }

func (failingCounter) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis: connection pool timeout")
}

// ========================================
// Auth Middleware Tests
// ========================================

func TestAuth_MissingAuthHeader(t *testing.T) {
	auth := mw.NewAuth(storetest.New())
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errBody(t, w)["code"])
}

func TestAuth_InvalidBearerFormat(t *testing.T) {
	auth := mw.NewAuth(storetest.New())
	handler := auth.Authenticate(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Basic abc123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyTooShort(t *testing.T) {
	auth := mw.NewAuth(storetest.New())
	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, authed("short"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_KeyNotFound(t *testing.T) {
	auth := mw.NewAuth(storetest.New())
	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, authed("flk_test1234567890"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongKey(t *testing.T) {
	st := storetest.New()
	k := addKey(t, st, "flk_test1234567890abcdef", nil, models.ScopeAnalyze)
	k.KeyHash = hashKey(t, "different_key_entirely")
	st.AddAPIKey(k)

	w := httptest.NewRecorder()
	mw.NewAuth(st).Authenticate(okHandler()).ServeHTTP(w, authed("flk_test1234567890abcdef"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_RevokedKey(t *testing.T) {
	st := storetest.New()
	k := addKey(t, st, "flk_gone1234567890abcdef", nil, models.ScopeAnalyze)
	require.NoError(t, st.RevokeAPIKey(context.Background(), k.ID))

	w := httptest.NewRecorder()
	mw.NewAuth(st).Authenticate(okHandler()).ServeHTTP(w, authed("flk_gone1234567890abcdef"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_LookupFailure(t *testing.T) {
	auth := mw.NewAuth(failingKeys{storetest.New()})
	w := httptest.NewRecorder()
	auth.Authenticate(okHandler()).ServeHTTP(w, authed("flk_test1234567890abcdef"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestAuth_ValidKey(t *testing.T) {
	rawKey := "flk_test1234567890abcdef"
	projectID := uuid.New()
	st := storetest.New()
	k := addKey(t, st, rawKey, &projectID, models.ScopeAnalyze)

	var got *mw.Principal
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = mw.GetPrincipal(r)
		w.WriteHeader(http.StatusOK)
	})
	w := httptest.NewRecorder()
	mw.NewAuth(st).Authenticate(inner).ServeHTTP(w, authed(rawKey))

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, k.ID, got.KeyID)
	assert.Equal(t, "flk_test", got.KeyPrefix)
	require.NotNil(t, got.ProjectID)
	assert.Equal(t, projectID, *got.ProjectID)

	assert.Eventually(t, func() bool {
		keys, err := st.GetAPIKeyByPrefix(context.Background(), "flk_test")
		return err == nil && len(keys) == 1 && keys[0].LastUsedAt != nil
	}, time.Second, 5*time.Millisecond)
}

func TestAuth_RequireScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		want   int
	}{
		{"exact scope", []string{models.ScopeReview}, http.StatusOK},
		{"admin implies review", []string{models.ScopeAdmin}, http.StatusOK},
		{"other scope", []string{models.ScopeAnalyze, models.ScopeIngest}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rawKey := "flk_scop1234567890abcdef"
			st := storetest.New()
			addKey(t, st, rawKey, nil, tt.scopes...)
			auth := mw.NewAuth(st)

			w := httptest.NewRecorder()
			auth.Authenticate(auth.RequireScope(models.ScopeReview)(okHandler())).ServeHTTP(w, authed(rawKey))

			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusForbidden {
				e := errBody(t, w)
				assert.Equal(t, "FORBIDDEN", e["code"])
				assert.Equal(t, models.ScopeReview, e["details"].(map[string]any)["required_scope"])
			}
		})
	}
}

func TestAuth_RequireScope_NoPrincipal(t *testing.T) {
	auth := mw.NewAuth(storetest.New())
	w := httptest.NewRecorder()
	auth.RequireScope(models.ScopeAdmin)(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestNewKey(t *testing.T) {
	raw, prefix, hash, err := mw.NewKey()
	require.NoError(t, err)
	assert.Len(t, raw, 52)
	assert.Equal(t, raw[:mw.KeyPrefixLen], prefix)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)))

	other, _, _, err := mw.NewKey()
	require.NoError(t, err)
	assert.NotEqual(t, raw, other)
}

// ========================================
// Project Resolution Tests
// ========================================

func TestResolveProject(t *testing.T) {
	own := uuid.New()
	other := uuid.New()

	tests := []struct {
		name      string
		bound     *uuid.UUID
		requested uuid.UUID
		header    string
		query     string
		want      uuid.UUID
		wantErr   func(error) bool
	}{
		{name: "bound key defaults to its project", bound: &own, want: own},
		{name: "bound key naming its project", bound: &own, requested: own, want: own},
		{name: "bound key naming another project", bound: &own, requested: other,
			wantErr: func(err error) bool { return errors.Is(err, tenant.ErrMismatch) }},
		{name: "bound key header for another project", bound: &own, header: other.String(),
			wantErr: func(err error) bool { return errors.Is(err, tenant.ErrMismatch) }},
		{name: "system key body", requested: other, want: other},
		{name: "system key header", header: other.String(), want: other},
		{name: "system key query", query: other.String(), want: other},
		{name: "body wins over header", requested: own, header: other.String(), want: own},
		{name: "system key without project",
			wantErr: func(err error) bool { return apperr.Is(err, apperr.KindInput) }},
		{name: "malformed header", header: "not-a-uuid",
			wantErr: func(err error) bool { return apperr.Is(err, apperr.KindInput) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/test"
			if tt.query != "" {
				target += "?project_id=" + tt.query
			}
			req := httptest.NewRequest("GET", target, nil)
			if tt.header != "" {
				req.Header.Set(mw.ProjectHeader, tt.header)
			}
			req = withPrincipal(req, &mw.Principal{KeyPrefix: "flk_abcd", ProjectID: tt.bound})

			got, err := mw.ResolveProject(req, tt.requested)
			if tt.wantErr != nil {
				assert.True(t, tt.wantErr(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveProject_Unauthenticated(t *testing.T) {
	_, err := mw.ResolveProject(httptest.NewRequest("GET", "/test", nil), uuid.New())
	assert.ErrorIs(t, err, tenant.ErrMissingScope)
}

// ========================================
// Rate Limit Middleware Tests
// ========================================

func TestRateLimit_AllowsUnderLimit(t *testing.T) {
	rl := mw.NewRateLimit(cachetest.New(), 60)
	req := withPrincipal(httptest.NewRequest("GET", "/test", nil), &mw.Principal{KeyPrefix: "flk_test"})

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsOverLimit(t *testing.T) {
	rl := mw.NewRateLimit(cachetest.New(), 3)
	handler := rl.Limit(okHandler())
	p := &mw.Principal{KeyPrefix: "flk_over"}

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, withPrincipal(httptest.NewRequest("GET", "/test", nil), p))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withPrincipal(httptest.NewRequest("GET", "/test", nil), p))

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errBody(t, w)["code"])

	// Other keys have their own window.
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, withPrincipal(httptest.NewRequest("GET", "/test", nil), &mw.Principal{KeyPrefix: "flk_else"}))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_WindowExpires(t *testing.T) {
	c := cachetest.New()
	handler := mw.NewRateLimit(c, 1).Limit(okHandler())
	p := &mw.Principal{KeyPrefix: "flk_wind"}

	for _, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, withPrincipal(httptest.NewRequest("GET", "/test", nil), p))
		require.Equal(t, want, w.Code)
	}

	c.Advance(time.Minute)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, withPrincipal(httptest.NewRequest("GET", "/test", nil), p))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_FailsOpen(t *testing.T) {
	rl := mw.NewRateLimit(failingCounter{cachetest.New()}, 60)
	req := withPrincipal(httptest.NewRequest("GET", "/test", nil), &mw.Principal{KeyPrefix: "flk_test"})

	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_NoPrincipal_PassThrough(t *testing.T) {
	rl := mw.NewRateLimit(cachetest.New(), 60)
	w := httptest.NewRecorder()
	rl.Limit(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

// ========================================
// Recovery Middleware Tests
// ========================================

func TestRecovery_CatchesPanic(t *testing.T) {
	panicking := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	})

	w := httptest.NewRecorder()
	mw.Recovery(panicking).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errBody(t, w)["code"])
}

func TestRecovery_NoPanic(t *testing.T) {
	w := httptest.NewRecorder()
	mw.Recovery(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRecovery_RepanicsOnAbort(t *testing.T) {
	aborting := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic(http.ErrAbortHandler)
	})

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		mw.Recovery(aborting).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))
	})
}

// ========================================
// Logging Middleware Tests
// ========================================

func TestLogger_SetsStatus(t *testing.T) {
	w := httptest.NewRecorder()
	mw.Logger(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogger_RecordsPrincipal(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	rawKey := "flk_logs1234567890abcdef"
	projectID := uuid.New()
	st := storetest.New()
	addKey(t, st, rawKey, &projectID, models.ScopeAnalyze)

	teapot := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := chimw.RequestID(mw.Logger(mw.NewAuth(st).Authenticate(teapot)))
	handler.ServeHTTP(httptest.NewRecorder(), authed(rawKey))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, float64(http.StatusTeapot), line["status"])
	assert.Equal(t, "flk_logs", line["key_prefix"])
	assert.Equal(t, projectID.String(), line["project_id"])
	assert.NotEmpty(t, line["request_id"])
}
