package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logger logs one line per request. It runs outside authentication, so the principal is read from a
// holder the inner handlers fill in.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		holder := &principalHolder{}

		next.ServeHTTP(rec, r.WithContext(withHolder(r.Context(), holder)))

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"request_id", chimw.GetReqID(r.Context()),
		}
		if p := holder.p; p != nil {
			attrs = append(attrs, "key_prefix", p.KeyPrefix)
			if p.ProjectID != nil {
				attrs = append(attrs, "project_id", p.ProjectID.String())
			}
		}
		slog.Info("request", attrs...)
	})
}
