package loki

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/faultline/internal/apperr"
)

// --- helpers ---

func lokiServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, baseURL string) *HTTPClient {
	t.Helper()
	return NewHTTPClient(baseURL, "", "", "", 5*time.Second)
}

func streamsResponse(streams ...lokiStream) lokiQueryResponse {
	return lokiQueryResponse{Data: lokiData{ResultType: "streams", Result: streams}}
}

func jobQuery() QueryRangeRequest {
	return QueryRangeRequest{
		Query: `{job="svc-tests", build="42"}`,
		Start: time.Date(2024, 2, 17, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 2, 17, 1, 0, 0, 0, time.UTC),
		Limit: 100,
	}
}

// --- QueryRange tests ---

func TestQueryRange_ValidResponse(t *testing.T) {
	ts := lokiServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/loki/api/v1/query_range" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("query") != `{job="svc-tests", build="42"}` {
			t.Errorf("unexpected query: %s", q.Get("query"))
		}
		if q.Get("limit") != "100" {
			t.Errorf("unexpected limit: %s", q.Get("limit"))
		}
		if q.Get("direction") != "backward" {
			t.Errorf("expected default direction backward, got %q", q.Get("direction"))
		}
		json.NewEncoder(w).Encode(streamsResponse(lokiStream{
			Stream: map[string]string{"job": "svc-tests", "level": "error"},
			Values: [][2]string{
				{"1708128060000000000", "FAILED test_login - AssertionError: Expected 200, got 401"},
				{"1708128000000000000", "POST /login 401"},
			},
		}))
	})

	lines, err := newTestClient(t, ts.URL+"/").QueryRange(context.Background(), jobQuery())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	// Lines come back oldest first regardless of stream order.
	if lines[0].Message != "POST /login 401" {
		t.Errorf("unexpected first message: %s", lines[0].Message)
	}
	if lines[1].Level != "error" {
		t.Errorf("unexpected level: %s", lines[1].Level)
	}
	if !lines[0].Timestamp.Equal(time.Unix(0, 1708128000000000000).UTC()) {
		t.Errorf("unexpected timestamp %v", lines[0].Timestamp)
	}
}

func TestQueryRange_EmptyResult(t *testing.T) {
	ts := lokiServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(streamsResponse())
	})

	lines, err := newTestClient(t, ts.URL).QueryRange(context.Background(), jobQuery())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lines == nil || len(lines) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", lines)
	}
}

func TestQueryRange_BadQueryNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := lokiServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := newTestClient(t, ts.URL).QueryRange(context.Background(), jobQuery())
	if !errors.Is(err, ErrLokiQueryError) {
		t.Fatalf("expected ErrLokiQueryError, got: %v", err)
	}
	if !apperr.Is(err, apperr.KindPermanent) {
		t.Errorf("expected permanent kind, got %s", apperr.KindOf(err))
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestQueryRange_ServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	ts := lokiServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(streamsResponse(lokiStream{Values: [][2]string{{"1", "ok"}}}))
	})

	lines, err := newTestClient(t, ts.URL).QueryRange(context.Background(), jobQuery())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 2 || len(lines) != 1 {
		t.Errorf("expected retry then 1 line, got %d calls and %d lines", calls.Load(), len(lines))
	}
}

func TestQueryRange_ConnectionRefused(t *testing.T) {
	_, err := newTestClient(t, "http://127.0.0.1:1").QueryRange(context.Background(), jobQuery())
	if !errors.Is(err, ErrLokiUnreachable) {
		t.Fatalf("expected ErrLokiUnreachable, got: %v", err)
	}
	if !apperr.Is(err, apperr.KindTransient) {
		t.Errorf("expected transient kind, got %s", apperr.KindOf(err))
	}
}

func TestQueryRange_Timeout(t *testing.T) {
	ts := lokiServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(t, ts.URL).QueryRange(ctx, jobQuery())
	if !errors.Is(err, ErrLokiTimeout) && !apperr.Is(err, apperr.KindDeadline) {
		t.Fatalf("expected timeout, got: %v", err)
	}
}

func TestQueryRange_Headers(t *testing.T) {
	var captured http.Header
	ts := lokiServer(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		json.NewEncoder(w).Encode(streamsResponse())
	})

	c := NewHTTPClient(ts.URL, "user", "pass", "default-org", 5*time.Second)
	if _, err := c.QueryRange(context.Background(), jobQuery()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.Get("X-Scope-OrgID") != "default-org" {
		t.Errorf("expected default org, got %q", captured.Get("X-Scope-OrgID"))
	}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
	if captured.Get("Authorization") != want {
		t.Errorf("unexpected authorization header %q", captured.Get("Authorization"))
	}

	req := jobQuery()
	req.OrgID = "project-org"
	if _, err := c.QueryRange(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if captured.Get("X-Scope-OrgID") != "project-org" {
		t.Errorf("expected per-request org, got %q", captured.Get("X-Scope-OrgID"))
	}
}

// --- Ready tests ---

func TestReady(t *testing.T) {
	ts := lokiServer(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/ready") {
			w.WriteHeader(http.StatusNotFound)
		}
	})
	if err := newTestClient(t, ts.URL).Ready(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	down := lokiServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	if err := newTestClient(t, down.URL).Ready(context.Background()); !errors.Is(err, ErrLokiUnreachable) {
		t.Errorf("expected ErrLokiUnreachable, got: %v", err)
	}
}
